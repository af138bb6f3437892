package models

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dchest/uniuri"
	"gorm.io/gorm"
)

func (db *Database) CreateOrganisation(name string, externalSource string, externalId string) (*Organisation, error) {
	org := &Organisation{Name: name, ExternalSource: externalSource, ExternalId: externalId}
	result := db.GormDB.Save(org)
	if result.Error != nil {
		slog.Error("failed to create organisation", "name", name, "error", result.Error)
		return nil, result.Error
	}
	return org, nil
}

func (db *Database) GetOrganisationById(orgId any) (*Organisation, error) {
	org := Organisation{}
	err := db.GormDB.Where("id = ?", orgId).First(&org).Error
	if err != nil {
		return nil, fmt.Errorf("error fetching organisation: %v", err)
	}
	return &org, nil
}

func (db *Database) CreateRepo(name string, repoFullName string, repoOrganisation string, repoName string, repoUrl string, org *Organisation) (*Repo, error) {
	var repo Repo
	result := db.GormDB.Where("name = ? AND organisation_id = ?", name, org.ID).Find(&repo)
	if result.Error != nil {
		if !errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, result.Error
		}
	}
	if result.RowsAffected > 0 {
		return &repo, nil
	}
	repo = Repo{
		Name:             name,
		RepoFullName:     repoFullName,
		RepoOrganisation: repoOrganisation,
		RepoName:         repoName,
		RepoUrl:          repoUrl,
		OrganisationID:   org.ID,
		Organisation:     org,
	}
	if err := db.GormDB.Create(&repo).Error; err != nil {
		slog.Error("failed to create repo", "repoFullName", repoFullName, "error", err)
		return nil, err
	}
	return &repo, nil
}

func (db *Database) GetRepoByFullName(repoFullName string) (*Repo, error) {
	var repo Repo
	err := db.GormDB.Where("repo_full_name = ?", repoFullName).First(&repo).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &repo, nil
}

// SetRepoConnectionBySlug flips the connectivity flag on the repo
// matching a provider slug. Missing repos are not an error: the app can
// be installed on repositories this instance has no project for.
func (db *Database) SetRepoConnectionBySlug(repoFullName string, status RepoConnectionStatus) error {
	result := db.GormDB.Model(&Repo{}).Where("repo_full_name = ?", repoFullName).Update("connection_status", status)
	if result.Error != nil {
		return fmt.Errorf("failed to update repo connection for %v: %v", repoFullName, result.Error)
	}
	if result.RowsAffected == 0 {
		slog.Debug("no repo matches slug, skipping connection update", "repoFullName", repoFullName)
	}
	return nil
}

func (db *Database) CreateProject(name string, org *Organisation, repo *Repo) (*Project, error) {
	project := &Project{
		Name:           name,
		Organisation:   org,
		OrganisationID: org.ID,
		Repo:           repo,
		RepoID:         repo.ID,
		HookToken:      uniuri.New(),
	}
	result := db.GormDB.Save(project)
	if result.Error != nil {
		slog.Error("failed to create project", "name", name, "error", result.Error)
		return nil, result.Error
	}
	return project, nil
}

func (db *Database) GetProject(projectId uint) (*Project, error) {
	project := Project{}
	err := db.GormDB.Preload("Organisation").Preload("Repo").
		Where("projects.id = ?", projectId).First(&project).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("error fetching project: %v", err)
	}
	return &project, nil
}

func (db *Database) UpdateProject(project *Project) error {
	return db.GormDB.Save(project).Error
}

// TouchProject bumps updated_at; dashboards sort projects by activity.
func (db *Database) TouchProject(projectId uint) error {
	return db.GormDB.Model(&Project{}).Where("id = ?", projectId).Update("updated_at", time.Now()).Error
}

func (db *Database) GetRepoHostAccountByLogin(provider string, login string) (*RepoHostAccount, error) {
	var account RepoHostAccount
	err := db.GormDB.Where("provider = ? AND login = ?", provider, login).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

func (db *Database) GetRepoHostAccountByUid(provider string, uid string) (*RepoHostAccount, error) {
	var account RepoHostAccount
	err := db.GormDB.Where("provider = ? AND uid = ?", provider, uid).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

func (db *Database) CreateRepoHostAccount(provider string, login string, uid string, userId string) (*RepoHostAccount, error) {
	account := &RepoHostAccount{Provider: provider, Login: login, Uid: uid, UserId: userId}
	if err := db.GormDB.Create(account).Error; err != nil {
		return nil, err
	}
	return account, nil
}
