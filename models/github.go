package models

import (
	"time"

	"gorm.io/gorm"
)

// GithubAppInstallation is the provider-side grant of this app's access
// to a set of repositories. The repository set itself lives in
// InstallationRepo rows keyed by (installation id, repo slug), so set
// mutations are natural-key upserts and deletes.
type GithubAppInstallation struct {
	gorm.Model
	GithubInstallationId  int64 `gorm:"uniqueIndex:idx_github_installation"`
	GithubAppId           int64
	SuspendedAt           *time.Time
	PermissionsAcceptedAt *time.Time
}

func (i *GithubAppInstallation) Suspended() bool {
	return i.SuspendedAt != nil
}

type InstallationRepo struct {
	gorm.Model
	GithubInstallationId int64  `gorm:"uniqueIndex:idx_installation_repo"`
	RepoFullName         string `gorm:"uniqueIndex:idx_installation_repo"`
}

// GithubAppCollaborator records a user with push access to a repository
// as of the last successful refresh. Absence is not proof of removal
// until a refresh has run.
type GithubAppCollaborator struct {
	gorm.Model
	RepoFullName         string `gorm:"uniqueIndex:idx_repo_collaborator"`
	CollaboratorId       int64  `gorm:"uniqueIndex:idx_repo_collaborator"`
	CollaboratorName     string
	GithubInstallationId int64
}
