package models

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
)

func (db *Database) CreateGithubAppInstallation(installationId int64, appId int64) (*GithubAppInstallation, error) {
	item := &GithubAppInstallation{}
	result := db.GormDB.Where("github_installation_id = ?", installationId).Find(item)
	if result.Error != nil {
		if !errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("failed to find github installation in database. %v", result.Error)
		}
	}
	if result.RowsAffected > 0 {
		slog.Info("record for installation already exists", "installationId", installationId)
		return item, nil
	}
	item = &GithubAppInstallation{GithubInstallationId: installationId, GithubAppId: appId}
	if err := db.GormDB.Create(item).Error; err != nil {
		return nil, fmt.Errorf("failed to save github installation item to database. %v", err)
	}
	return item, nil
}

func (db *Database) GetGithubAppInstallation(installationId int64) (*GithubAppInstallation, error) {
	installation := GithubAppInstallation{}
	result := db.GormDB.Where("github_installation_id = ?", installationId).Find(&installation)
	if result.Error != nil {
		if !errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, result.Error
		}
	}
	if installation.ID == 0 {
		return nil, nil
	}
	return &installation, nil
}

func (db *Database) ListGithubAppInstallations() ([]GithubAppInstallation, error) {
	var installations []GithubAppInstallation
	err := db.GormDB.Find(&installations).Error
	if err != nil {
		return nil, err
	}
	return installations, nil
}

func (db *Database) DeleteGithubAppInstallation(installation *GithubAppInstallation) error {
	if err := db.GormDB.Where("github_installation_id = ?", installation.GithubInstallationId).Delete(&InstallationRepo{}).Error; err != nil {
		return fmt.Errorf("failed to delete installation repos. %v", err)
	}
	if err := db.GormDB.Delete(installation).Error; err != nil {
		return fmt.Errorf("failed to delete github installation. %v", err)
	}
	return nil
}

func (db *Database) SetInstallationSuspended(installation *GithubAppInstallation, suspendedAt *time.Time) error {
	installation.SuspendedAt = suspendedAt
	return db.GormDB.Model(installation).Update("suspended_at", suspendedAt).Error
}

func (db *Database) SetInstallationPermissionsAccepted(installation *GithubAppInstallation) error {
	now := time.Now()
	installation.PermissionsAcceptedAt = &now
	return db.GormDB.Model(installation).Update("permissions_accepted_at", now).Error
}

// AddInstallationRepo is idempotent: re-adding a slug the installation
// already covers leaves the set unchanged.
func (db *Database) AddInstallationRepo(installationId int64, repoFullName string) (*InstallationRepo, error) {
	item := &InstallationRepo{}
	result := db.GormDB.Where("github_installation_id = ? AND repo_full_name = ?", installationId, repoFullName).Find(item)
	if result.Error != nil {
		if !errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("failed to find installation repo in database. %v", result.Error)
		}
	}
	if result.RowsAffected > 0 {
		return item, nil
	}
	item = &InstallationRepo{GithubInstallationId: installationId, RepoFullName: repoFullName}
	if err := db.GormDB.Create(item).Error; err != nil {
		return nil, fmt.Errorf("failed to save installation repo to database. %v", err)
	}
	return item, nil
}

func (db *Database) RemoveInstallationRepo(installationId int64, repoFullName string) error {
	err := db.GormDB.Where("github_installation_id = ? AND repo_full_name = ?", installationId, repoFullName).Delete(&InstallationRepo{}).Error
	if err != nil {
		return fmt.Errorf("failed to remove installation repo from database. %v", err)
	}
	return nil
}

func (db *Database) ListInstallationRepos(installationId int64) ([]string, error) {
	var repos []InstallationRepo
	err := db.GormDB.Where("github_installation_id = ?", installationId).Find(&repos).Error
	if err != nil {
		return nil, err
	}
	slugs := make([]string, 0, len(repos))
	for _, r := range repos {
		slugs = append(slugs, r.RepoFullName)
	}
	return slugs, nil
}

// GetInstallationForRepo locates the installation whose repository set
// covers the given slug.
func (db *Database) GetInstallationForRepo(repoFullName string) (*GithubAppInstallation, error) {
	var repo InstallationRepo
	err := db.GormDB.Where("repo_full_name = ?", repoFullName).First(&repo).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return db.GetGithubAppInstallation(repo.GithubInstallationId)
}

func (db *Database) ListCollaborators(repoFullName string) ([]GithubAppCollaborator, error) {
	var collaborators []GithubAppCollaborator
	err := db.GormDB.Where("repo_full_name = ?", repoFullName).Find(&collaborators).Error
	if err != nil {
		return nil, err
	}
	return collaborators, nil
}

func (db *Database) CreateCollaborator(repoFullName string, collaboratorId int64, collaboratorName string, installationId int64) (*GithubAppCollaborator, error) {
	collaborator := &GithubAppCollaborator{
		RepoFullName:         repoFullName,
		CollaboratorId:       collaboratorId,
		CollaboratorName:     collaboratorName,
		GithubInstallationId: installationId,
	}
	if err := db.GormDB.Create(collaborator).Error; err != nil {
		return nil, fmt.Errorf("failed to save collaborator to database. %v", err)
	}
	return collaborator, nil
}

func (db *Database) DeleteCollaborators(repoFullName string, collaboratorIds []int64) error {
	if len(collaboratorIds) == 0 {
		return nil
	}
	err := db.GormDB.Where("repo_full_name = ? AND collaborator_id IN ?", repoFullName, collaboratorIds).Delete(&GithubAppCollaborator{}).Error
	if err != nil {
		return fmt.Errorf("failed to delete collaborators from database. %v", err)
	}
	return nil
}

// ListRepositoriesForCollaborator lists the repo slugs a provider user
// has push access to, across installations.
func (db *Database) ListRepositoriesForCollaborator(collaboratorId int64) ([]string, error) {
	var collaborators []GithubAppCollaborator
	err := db.GormDB.Where("collaborator_id = ?", collaboratorId).Find(&collaborators).Error
	if err != nil {
		return nil, err
	}
	repos := make([]string, 0, len(collaborators))
	for _, c := range collaborators {
		repos = append(repos, c.RepoFullName)
	}
	return repos, nil
}
