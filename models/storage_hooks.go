package models

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

func (db *Database) CreateHookEvent(projectId uint, orgId uint, provider string, gitRef string, payload []byte) (*HookEvent, error) {
	event := &HookEvent{
		ID:             uuid.New(),
		ProjectID:      projectId,
		OrganisationID: orgId,
		Provider:       provider,
		GitRef:         gitRef,
		Payload:        payload,
		State:          HookProcessing,
	}
	if err := db.GormDB.Create(event).Error; err != nil {
		slog.Error("failed to create hook event", "projectId", projectId, "error", err)
		return nil, err
	}
	return event, nil
}

func (db *Database) GetHookEvent(id uuid.UUID) (*HookEvent, error) {
	var event HookEvent
	err := db.GormDB.Where("id = ?", id).First(&event).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("error fetching hook event %v: %v", id, err)
	}
	return &event, nil
}

// TransitionHookEvent is the single place hook event state changes are
// written. The handler's guards return outcomes; nothing mutates state
// mid-chain on its own.
func (db *Database) TransitionHookEvent(event *HookEvent, state HookState) error {
	event.State = state
	if err := db.GormDB.Model(event).Update("state", state).Error; err != nil {
		return fmt.Errorf("failed to transition hook event %v to %v: %v", event.ID, state, err)
	}
	return nil
}

func (db *Database) SetHookEventBranch(event *HookEvent, branchId uint) error {
	event.BranchID = &branchId
	return db.GormDB.Model(event).Update("branch_id", branchId).Error
}

func (db *Database) SetHookEventCommit(event *HookEvent, commitSha string, commitAuthor string, gitRef string) error {
	event.CommitSha = commitSha
	event.CommitAuthor = commitAuthor
	event.GitRef = gitRef
	return db.GormDB.Model(event).Updates(map[string]any{
		"commit_sha":    commitSha,
		"commit_author": commitAuthor,
		"git_ref":       gitRef,
	}).Error
}

func (db *Database) SetHookEventPipeline(event *HookEvent, pipelineId string, workflowId string) error {
	event.PipelineID = pipelineId
	event.WorkflowID = workflowId
	return db.GormDB.Model(event).Updates(map[string]any{
		"pipeline_id": pipelineId,
		"workflow_id": workflowId,
	}).Error
}

// HasProcessingPredecessors reports whether another processing event
// for the same project was created in the look-back window before this
// one. This is a fairness heuristic, not a lock: concurrent events can
// still interleave.
func (db *Database) HasProcessingPredecessors(event *HookEvent, window time.Duration) (bool, error) {
	var count int64
	err := db.GormDB.Model(&HookEvent{}).
		Where("project_id = ? AND state = ? AND id != ?", event.ProjectID, HookProcessing, event.ID).
		Where("created_at < ? AND created_at > ?", event.CreatedAt, event.CreatedAt.Add(-window)).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("error querying predecessor events: %v", err)
	}
	return count > 0, nil
}

// LatestContributorBlockedEvent finds the most recent event for the
// given PR that was stopped by the contributor filter, so an approval
// comment can re-dispatch it.
func (db *Database) LatestContributorBlockedEvent(projectId uint, prNumber int) (*HookEvent, error) {
	var event HookEvent
	gitRef := fmt.Sprintf("refs/pull/%d/merge", prNumber)
	err := db.GormDB.
		Where("project_id = ? AND state = ? AND git_ref = ?", projectId, HookFilteredContributor, gitRef).
		Order("created_at DESC").First(&event).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &event, nil
}

func (db *Database) FindBranch(projectId uint, name string) (*Branch, error) {
	var branch Branch
	err := db.GormDB.Where("project_id = ? AND name = ?", projectId, name).First(&branch).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &branch, nil
}

// FindOrCreateBranch upserts the branch record for a ref and unarchives
// it: a deleted ref that reappears is the same branch again.
func (db *Database) FindOrCreateBranch(projectId uint, name string, displayName string, refType RefType, prNumber int) (*Branch, error) {
	branch, err := db.FindBranch(projectId, name)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if branch == nil {
		branch = &Branch{
			ProjectID:         projectId,
			Name:              name,
			DisplayName:       displayName,
			RefType:           refType,
			PullRequestNumber: prNumber,
			UsedAt:            now,
		}
		if err := db.GormDB.Create(branch).Error; err != nil {
			return nil, fmt.Errorf("failed to create branch %v: %v", name, err)
		}
		return branch, nil
	}
	branch.ArchivedAt = nil
	branch.UsedAt = now
	if err := db.GormDB.Model(branch).Updates(map[string]any{
		"archived_at": nil,
		"used_at":     now,
	}).Error; err != nil {
		return nil, fmt.Errorf("failed to unarchive branch %v: %v", name, err)
	}
	return branch, nil
}

func (db *Database) ArchiveBranch(branch *Branch) error {
	now := time.Now()
	branch.ArchivedAt = &now
	return db.GormDB.Model(branch).Update("archived_at", now).Error
}

// SetBranchMergeable records the provider's mergeability verdict and
// returns the previous value so the caller can detect a true-to-false
// flip (the edge that triggers the unmergeable notification).
func (db *Database) SetBranchMergeable(branch *Branch, mergeable bool) (previous *bool, err error) {
	previous = branch.PullRequestMergeable
	branch.PullRequestMergeable = &mergeable
	if err := db.GormDB.Model(branch).Update("pull_request_mergeable", mergeable).Error; err != nil {
		return previous, fmt.Errorf("failed to update branch mergeability: %v", err)
	}
	return previous, nil
}
