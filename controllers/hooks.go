package controllers

import (
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/forgeci/hookhub/models"
	"github.com/forgeci/hookhub/services"
	"github.com/forgeci/hookhub/taskqueue"
	"github.com/forgeci/hookhub/utils"
)

// HookhubController carries the collaborators the HTTP handlers need.
type HookhubController struct {
	GithubClientProvider utils.GithubClientProvider
	Queue                *taskqueue.Queue
	Credentials          *services.CredentialManager
}

// ReceiveHook stores one webhook delivery and enqueues it for
// processing. The response never waits on the policy chain; a 200
// only means "recorded".
func (d HookhubController) ReceiveHook(c *gin.Context) {
	projectId64, err := strconv.ParseUint(c.Param("projectId"), 10, 32)
	if err != nil {
		c.String(http.StatusNotFound, "Could not find project")
		return
	}
	project, err := models.DB.GetProject(uint(projectId64))
	if err != nil {
		slog.Error("could not load project", "projectId", projectId64, "error", err)
		c.String(http.StatusInternalServerError, "Error receiving hook")
		return
	}
	if project == nil {
		c.String(http.StatusNotFound, "Could not find project")
		return
	}
	// A wrong token gets the same 404 as a missing project: the
	// endpoint must not confirm project ids to guessers.
	if project.HookToken != "" && c.Query("token") != project.HookToken {
		c.String(http.StatusNotFound, "Could not find project")
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.String(http.StatusBadRequest, "Could not read hook payload")
		return
	}
	payload, err := models.ParseHookPayload(body)
	if err != nil {
		slog.Warn("malformed hook payload", "projectId", project.ID, "error", err)
		c.String(http.StatusBadRequest, "Malformed hook payload")
		return
	}

	event, err := models.DB.CreateHookEvent(project.ID, project.OrganisationID, payload.Provider, payload.Ref, body)
	if err != nil {
		slog.Error("could not store hook event", "projectId", project.ID, "error", err)
		c.String(http.StatusInternalServerError, "Error receiving hook")
		return
	}

	d.Queue.Enqueue(taskqueue.Task{
		HookID:     event.ID,
		RawPayload: body,
		Signature:  c.GetHeader("X-Hub-Signature-256"),
	})
	slog.Info("hook event received", "hookId", event.ID, "projectId", project.ID, "ref", payload.Ref)
	c.JSON(http.StatusOK, gin.H{"hook_id": event.ID.String()})
}
