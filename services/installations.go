package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/lo"

	"github.com/forgeci/hookhub/config"
	"github.com/forgeci/hookhub/models"
	"github.com/forgeci/hookhub/utils"
)

// ScheduleCollaboratorRefresh is called whenever a repo gains or loses
// an installation, after a short delay so GitHub's side has settled.
// Swappable for tests.
var ScheduleCollaboratorRefresh = func(gh utils.GithubClientProvider, installationId int64, repoFullName string) {
	time.AfterFunc(config.CollaboratorRefreshDelay(), func() {
		if err := RefreshCollaborators(context.Background(), gh, installationId, repoFullName); err != nil {
			slog.Warn("scheduled collaborator refresh failed", "repo", repoFullName, "error", err)
		}
	})
}

// HandleInstallationCreated records a new app installation and attaches
// its initial repository set.
func HandleInstallationCreated(gh utils.GithubClientProvider, installationId int64, appId int64, repos []string) error {
	_, err := models.DB.CreateGithubAppInstallation(installationId, appId)
	if err != nil {
		return fmt.Errorf("recording installation: %v", err)
	}
	slog.Info("github app installed", "installationId", installationId)
	return addRepos(gh, installationId, repos)
}

// HandleInstallationDeleted removes the installation and disconnects
// every repo it covered.
func HandleInstallationDeleted(installationId int64) error {
	installation, err := models.DB.GetGithubAppInstallation(installationId)
	if err != nil {
		return err
	}
	if installation == nil {
		slog.Info("ignoring deletion of unknown installation", "installationId", installationId)
		return nil
	}

	repos, err := models.DB.ListInstallationRepos(installationId)
	if err != nil {
		return err
	}
	for _, repoFullName := range repos {
		if err := models.DB.SetRepoConnectionBySlug(repoFullName, models.RepoDisconnected); err != nil {
			return err
		}
	}
	return models.DB.DeleteGithubAppInstallation(installation)
}

func HandleInstallationSuspended(installationId int64, suspendedAt time.Time) error {
	installation, err := models.DB.GetGithubAppInstallation(installationId)
	if err != nil {
		return err
	}
	if installation == nil {
		return nil
	}
	return models.DB.SetInstallationSuspended(installation, &suspendedAt)
}

func HandleInstallationUnsuspended(installationId int64) error {
	installation, err := models.DB.GetGithubAppInstallation(installationId)
	if err != nil {
		return err
	}
	if installation == nil {
		return nil
	}
	return models.DB.SetInstallationSuspended(installation, nil)
}

func HandleNewPermissionsAccepted(installationId int64) error {
	installation, err := models.DB.GetGithubAppInstallation(installationId)
	if err != nil {
		return err
	}
	if installation == nil {
		return nil
	}
	return models.DB.SetInstallationPermissionsAccepted(installation)
}

// HandleReposAdded processes the installation_repositories "added"
// event.
func HandleReposAdded(gh utils.GithubClientProvider, installationId int64, repos []string) error {
	return addRepos(gh, installationId, repos)
}

// HandleReposRemoved processes the installation_repositories "removed"
// event.
func HandleReposRemoved(installationId int64, repos []string) error {
	return removeRepos(installationId, repos)
}

func addRepos(gh utils.GithubClientProvider, installationId int64, repos []string) error {
	for _, repoFullName := range repos {
		if _, err := models.DB.AddInstallationRepo(installationId, repoFullName); err != nil {
			return fmt.Errorf("attaching repo %v to installation: %v", repoFullName, err)
		}
		if err := models.DB.SetRepoConnectionBySlug(repoFullName, models.RepoConnected); err != nil {
			return err
		}
		slog.Info("repo attached to installation", "repo", repoFullName, "installationId", installationId)
		ScheduleCollaboratorRefresh(gh, installationId, repoFullName)
	}
	return nil
}

func removeRepos(installationId int64, repos []string) error {
	for _, repoFullName := range repos {
		if err := models.DB.RemoveInstallationRepo(installationId, repoFullName); err != nil {
			return fmt.Errorf("detaching repo %v from installation: %v", repoFullName, err)
		}
		if err := models.DB.SetRepoConnectionBySlug(repoFullName, models.RepoDisconnected); err != nil {
			return err
		}
		slog.Info("repo detached from installation", "repo", repoFullName, "installationId", installationId)
	}
	return nil
}

// ReconcileInstallations walks every known installation and converges
// the local repo set with what GitHub reports, repairing drift from
// missed webhooks. Runs on a cron schedule.
func ReconcileInstallations(ctx context.Context, gh utils.GithubClientProvider) error {
	installations, err := models.DB.ListGithubAppInstallations()
	if err != nil {
		return err
	}

	for _, installation := range installations {
		if installation.Suspended() {
			slog.Debug("skipping suspended installation", "installationId", installation.GithubInstallationId)
			continue
		}
		if err := reconcileInstallation(ctx, gh, installation.GithubAppId, installation.GithubInstallationId); err != nil {
			slog.Warn("installation reconciliation failed", "installationId", installation.GithubInstallationId, "error", err)
		}
	}
	return nil
}

func reconcileInstallation(ctx context.Context, gh utils.GithubClientProvider, appId int64, installationId int64) error {
	client, _, err := gh.Get(appId, installationId)
	if err != nil {
		return fmt.Errorf("could not get installation client: %v", err)
	}

	remote, err := utils.ListInstallationRepos(ctx, client)
	if err != nil {
		return fmt.Errorf("listing remote repos: %v", err)
	}
	local, err := models.DB.ListInstallationRepos(installationId)
	if err != nil {
		return err
	}

	added, removed := lo.Difference(remote, local)
	if len(added) == 0 && len(removed) == 0 {
		return nil
	}
	slog.Info("reconciling installation repos", "installationId", installationId, "added", len(added), "removed", len(removed))

	if err := addRepos(gh, installationId, added); err != nil {
		return err
	}
	return removeRepos(installationId, removed)
}
