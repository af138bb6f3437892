package models

import (
	"strings"

	"gorm.io/gorm"
)

type Organisation struct {
	gorm.Model
	Name                   string `gorm:"index:idx_organisation"`
	ExternalSource         string `gorm:"uniqueIndex:idx_external_source"`
	ExternalId             string `gorm:"uniqueIndex:idx_external_source"`
	DenyMemberWorkflows    bool
	DenyNonMemberWorkflows bool
}

type RepoConnectionStatus int8

const (
	RepoConnected    RepoConnectionStatus = 1
	RepoDisconnected RepoConnectionStatus = 2
)

type Repo struct {
	gorm.Model
	Name             string `gorm:"uniqueIndex:idx_org_repo"`
	RepoFullName     string
	RepoOrganisation string
	RepoName         string
	RepoUrl          string
	OrganisationID   uint `gorm:"uniqueIndex:idx_org_repo"`
	Organisation     *Organisation
	ConnectionStatus RepoConnectionStatus `gorm:"default:2"`
}

// Project carries the per-project trigger policy the dispatch handler
// evaluates: which ref classes may launch pipelines and the ref-name
// whitelists. Whitelists are comma-separated pattern lists, a pattern
// being either a literal ref name or a regular expression wrapped in
// slashes.
type Project struct {
	gorm.Model
	Name                string `gorm:"uniqueIndex:idx_project"`
	OrganisationID      uint   `gorm:"uniqueIndex:idx_project"`
	Organisation        *Organisation
	RepoID              uint `gorm:"uniqueIndex:idx_project"`
	Repo                *Repo
	// HookToken is the secret segment of the project's hook endpoint.
	HookToken           string
	PipelineFile        string
	BuildBranch         bool `gorm:"default:true"`
	BuildTag            bool `gorm:"default:true"`
	BuildPr             bool `gorm:"default:true"`
	BuildForkedPr       bool
	BuildDraftPr        bool
	WhitelistBranches   string
	WhitelistTags       string
	AllowedContributors string
}

func splitPatternList(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	patterns := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			patterns = append(patterns, p)
		}
	}
	return patterns
}

func (p *Project) BranchWhitelist() []string {
	return splitPatternList(p.WhitelistBranches)
}

func (p *Project) TagWhitelist() []string {
	return splitPatternList(p.WhitelistTags)
}

func (p *Project) ContributorAllowed(login string) bool {
	allowed := splitPatternList(p.AllowedContributors)
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == login {
			return true
		}
	}
	return false
}

// RepoHostAccount maps a provider-side account (login + uid) to an
// internal user id. Used to resolve who requested a pipeline.
type RepoHostAccount struct {
	gorm.Model
	Provider string `gorm:"uniqueIndex:idx_repo_host_account"`
	Login    string `gorm:"uniqueIndex:idx_repo_host_account"`
	Uid      string
	UserId   string
}
