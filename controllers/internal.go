package controllers

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/forgeci/hookhub/models"
)

type installationTokenRequest struct {
	InstallationId int64 `json:"installation_id" binding:"required"`
}

// GetInstallationToken hands a cached installation token to trusted
// internal callers (behind the internal auth middleware).
func (d HookhubController) GetInstallationToken(c *gin.Context) {
	var request installationTokenRequest
	if err := c.BindJSON(&request); err != nil {
		c.String(http.StatusBadRequest, "invalid request")
		return
	}
	token, err := d.Credentials.InstallationToken(c.Request.Context(), request.InstallationId)
	if err != nil {
		slog.Warn("could not issue installation token", "installationId", request.InstallationId, "error", err)
		c.String(http.StatusBadGateway, "could not issue installation token")
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

// RepositoriesForCollaborator lists the repos a provider-side user has
// push access to, per the last collaborator sync.
func (d HookhubController) RepositoriesForCollaborator(c *gin.Context) {
	collaboratorId, err := strconv.ParseInt(c.Param("collaboratorId"), 10, 64)
	if err != nil {
		c.String(http.StatusBadRequest, "invalid collaborator id")
		return
	}
	repos, err := models.DB.ListRepositoriesForCollaborator(collaboratorId)
	if err != nil {
		slog.Error("could not list repositories for collaborator", "collaboratorId", collaboratorId, "error", err)
		c.String(http.StatusInternalServerError, "could not list repositories")
		return
	}
	c.JSON(http.StatusOK, gin.H{"repositories": repos})
}
