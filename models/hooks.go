package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// HookState is the closed set of states a hook event can be in. Every
// state except HookProcessing is terminal; the dispatch handler never
// re-enters an event that left HookProcessing.
type HookState string

const (
	HookProcessing             HookState = "processing"
	HookNoProject              HookState = "no_project"
	HookVerificationFailed     HookState = "hook_verification_failed"
	HookSkipCi                 HookState = "skip_ci"
	HookDeletingBranch         HookState = "deleting_branch"
	HookPrApproval             HookState = "pr_approval"
	HookMemberDenied           HookState = "member_denied"
	HookNonMemberDenied        HookState = "non_member_denied"
	HookSkipPr                 HookState = "skip_pr"
	HookSkipForkedPr           HookState = "skip_forked_pr"
	HookSkipDraftPr            HookState = "skip_draft_pr"
	HookFilteredContributor    HookState = "filtered_contributor"
	HookSkipTag                HookState = "skip_tag"
	HookWhitelistTag           HookState = "whitelist_tag"
	HookSkipBranch             HookState = "skip_branch"
	HookWhitelistBranch        HookState = "whitelist_branch"
	HookPrNotFound             HookState = "pr_not_found"
	HookPrNonMergeable         HookState = "pr_non_mergeable"
	HookUnauthorizedRepo       HookState = "unauthorized_repo"
	HookNotFoundRepo           HookState = "not_found_repo"
	HookLaunching              HookState = "launching"
	HookLaunchingFailed        HookState = "launching_failed"
)

// HookEvent is the persisted record of one inbound webhook delivery.
// Created on receipt in HookProcessing, mutated only by the dispatch
// handler, never deleted.
type HookEvent struct {
	ID             uuid.UUID `gorm:"primary_key"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ProjectID      uint      `gorm:"index:idx_hook_events_predecessors,priority:1"`
	Project        *Project
	OrganisationID uint
	Provider       string
	Payload        []byte
	State          HookState `gorm:"index:idx_hook_events_predecessors,priority:2"`
	CommitSha      string
	CommitAuthor   string
	GitRef         string
	BranchID       *uint
	PipelineID     string
	WorkflowID     string
}

type RefType string

const (
	RefTypeBranch      RefType = "branch"
	RefTypeTag         RefType = "tag"
	RefTypePullRequest RefType = "pull-request"
)

// Branch is one row per distinct ref name within a project, upserted on
// every hook for that ref and archived when the ref is deleted.
type Branch struct {
	gorm.Model
	ProjectID                 uint   `gorm:"uniqueIndex:idx_project_branch"`
	Project                   *Project
	Name                      string `gorm:"uniqueIndex:idx_project_branch"`
	DisplayName               string
	RefType                   RefType
	PullRequestNumber         int
	PullRequestMergeable      *bool
	RunRegardlessOfWhitelist  bool
	ArchivedAt                *time.Time
	UsedAt                    time.Time
}

func (b *Branch) Archived() bool {
	return b.ArchivedAt != nil
}
