package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/go-github/v61/github"
	"github.com/samber/lo"

	"github.com/forgeci/hookhub/config"
	"github.com/forgeci/hookhub/models"
	"github.com/forgeci/hookhub/stats"
	"github.com/forgeci/hookhub/utils"
)

// ErrRateLimited is returned when a refresh was deliberately skipped
// to preserve API quota for hook processing.
var ErrRateLimited = errors.New("api rate limit below floor, refresh skipped")

// RefreshCollaborators replaces the stored collaborator set for a repo
// with the current push-access collaborators from GitHub. It backs off
// entirely when the remaining rate limit is below the configured floor;
// a stale collaborator list is preferable to starving hook processing.
func RefreshCollaborators(ctx context.Context, gh utils.GithubClientProvider, installationId int64, repoFullName string) error {
	installation, err := models.DB.GetGithubAppInstallation(installationId)
	if err != nil {
		return err
	}
	if installation == nil {
		slog.Info("skipping collaborator refresh for unknown installation", "installationId", installationId)
		return nil
	}

	client, _, err := gh.Get(installation.GithubAppId, installationId)
	if err != nil {
		return fmt.Errorf("could not get installation client: %v", err)
	}

	owner, repoName, found := strings.Cut(repoFullName, "/")
	if !found {
		return fmt.Errorf("malformed repo full name: %v", repoFullName)
	}
	service := utils.GithubService{Client: client, Owner: owner, RepoName: repoName}

	remaining, err := service.RateLimitRemaining(ctx)
	if err != nil {
		slog.Warn("could not read rate limit, proceeding with refresh", "repo", repoFullName, "error", err)
	} else if remaining < config.RateLimitFloor() {
		stats.Incr("collaborators.refresh.low_rate_limit", map[string]string{"repo": repoFullName})
		slog.Info("rate limit too low for collaborator refresh", "repo", repoFullName, "remaining", remaining)
		return ErrRateLimited
	}

	remote, err := service.ListPushCollaborators(ctx)
	if err != nil {
		wrapped := utils.WrapGithubError(err)
		if errors.Is(wrapped, utils.ErrRepoNotFound) {
			stats.Incr("collaborators.refresh.repo_not_found", map[string]string{"repo": repoFullName})
			slog.Info("repo not found during collaborator refresh", "repo", repoFullName)
			return wrapped
		}
		return fmt.Errorf("listing collaborators: %v", err)
	}

	local, err := models.DB.ListCollaborators(repoFullName)
	if err != nil {
		return err
	}

	remoteIds := lo.Map(remote, func(u *github.User, _ int) int64 { return u.GetID() })
	localIds := lo.Map(local, func(c models.GithubAppCollaborator, _ int) int64 { return c.CollaboratorId })

	toAdd, toRemove := lo.Difference(remoteIds, localIds)

	for _, user := range remote {
		if !lo.Contains(toAdd, user.GetID()) {
			continue
		}
		if _, err := models.DB.CreateCollaborator(repoFullName, user.GetID(), user.GetLogin(), installationId); err != nil {
			return err
		}
	}
	if len(toRemove) > 0 {
		if err := models.DB.DeleteCollaborators(repoFullName, toRemove); err != nil {
			return err
		}
	}

	stats.Incr("collaborators.refresh.success", map[string]string{"repo": repoFullName})
	slog.Info("collaborators refreshed", "repo", repoFullName, "added", len(toAdd), "removed", len(toRemove))
	return nil
}
