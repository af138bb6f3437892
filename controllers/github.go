package controllers

import (
	"log/slog"
	"net/http"
	"os"
	"reflect"

	"github.com/gin-gonic/gin"
	"github.com/google/go-github/v61/github"

	"github.com/forgeci/hookhub/services"
	"github.com/forgeci/hookhub/utils"
)

// GithubAppWebHook receives GitHub App lifecycle callbacks. Repository
// hook deliveries go to the hooks endpoint instead; this one only
// tracks the installation itself.
func (d HookhubController) GithubAppWebHook(c *gin.Context) {
	c.Header("Content-Type", "application/json")
	gh := d.GithubClientProvider

	payload, err := github.ValidatePayload(c.Request, []byte(os.Getenv("GITHUB_WEBHOOK_SECRET")))
	if err != nil {
		slog.Warn("error validating github app webhook payload", "error", err)
		c.String(http.StatusBadRequest, "Error validating github app webhook's payload")
		return
	}

	webhookType := github.WebHookType(c.Request)
	event, err := github.ParseWebHook(webhookType, payload)
	if err != nil {
		slog.Error("failed to parse github event", "error", err)
		c.String(http.StatusInternalServerError, "Failed to parse Github Event")
		return
	}

	switch event := event.(type) {
	case *github.InstallationEvent:
		slog.Info("installation event", "action", event.GetAction(), "installationId", event.GetInstallation().GetID())
		if err := handleInstallationEvent(gh, event); err != nil {
			slog.Error("failed to handle installation event", "error", err)
			c.String(http.StatusInternalServerError, "Failed to handle webhook event.")
			return
		}
	case *github.InstallationRepositoriesEvent:
		slog.Info("installation repositories event", "action", event.GetAction(), "installationId", event.GetInstallation().GetID())
		if err := handleInstallationRepositoriesEvent(gh, event); err != nil {
			slog.Error("failed to handle installation repositories event", "error", err)
			c.String(http.StatusInternalServerError, "Failed to handle webhook event.")
			return
		}
	default:
		slog.Debug("unhandled event", "type", reflect.TypeOf(event))
	}

	c.JSON(http.StatusOK, "ok")
}

func handleInstallationEvent(gh utils.GithubClientProvider, event *github.InstallationEvent) error {
	installationId := event.GetInstallation().GetID()
	switch event.GetAction() {
	case "created":
		repos := make([]string, 0, len(event.Repositories))
		for _, repo := range event.Repositories {
			repos = append(repos, repo.GetFullName())
		}
		return services.HandleInstallationCreated(gh, installationId, event.GetInstallation().GetAppID(), repos)
	case "deleted":
		return services.HandleInstallationDeleted(installationId)
	case "suspend":
		return services.HandleInstallationSuspended(installationId, event.GetInstallation().GetSuspendedAt().Time)
	case "unsuspend":
		return services.HandleInstallationUnsuspended(installationId)
	case "new_permissions_accepted":
		return services.HandleNewPermissionsAccepted(installationId)
	}
	return nil
}

func handleInstallationRepositoriesEvent(gh utils.GithubClientProvider, event *github.InstallationRepositoriesEvent) error {
	installationId := event.GetInstallation().GetID()
	switch event.GetAction() {
	case "added":
		repos := make([]string, 0, len(event.RepositoriesAdded))
		for _, repo := range event.RepositoriesAdded {
			repos = append(repos, repo.GetFullName())
		}
		return services.HandleReposAdded(gh, installationId, repos)
	case "removed":
		repos := make([]string, 0, len(event.RepositoriesRemoved))
		for _, repo := range event.RepositoriesRemoved {
			repos = append(repos, repo.GetFullName())
		}
		return services.HandleReposRemoved(installationId, repos)
	}
	return nil
}
