package models

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

const (
	pullRequestOpened   = "opened"
	pullRequestReopened = "reopened"
	pullRequestClosed   = "closed"

	approvalCommand = "/sem-approve"

	zeroSha = "0000000000000000000000000000000000000000"
)

var skipCiMarker = regexp.MustCompile(`\[(skip ci|ci skip)\]`)

type PayloadCommit struct {
	Sha            string `json:"sha"`
	Message        string `json:"message"`
	AuthorUsername string `json:"author_username"`
	AuthorEmail    string `json:"author_email"`
}

type PayloadPullRequest struct {
	Number        int    `json:"number"`
	Title         string `json:"title"`
	Draft         bool   `json:"draft"`
	HeadSha       string `json:"head_sha"`
	HeadRef       string `json:"head_ref"`
	HeadRepoOwner string `json:"head_repo_owner"`
	HeadRepoName  string `json:"head_repo_name"`
	BaseSha       string `json:"base_sha"`
	BaseRef       string `json:"base_ref"`
	BaseRepoName  string `json:"base_repo_name"`
	Mergeable     *bool  `json:"mergeable,omitempty"`
}

type PayloadComment struct {
	Body        string `json:"body"`
	Author      string `json:"author"`
	IssueNumber int    `json:"issue_number"`
	OnPr        bool   `json:"on_pr"`
}

// HookPayload is the normalized form of one webhook delivery, produced
// by the payload parser upstream of this service and treated here as
// already-valid input.
type HookPayload struct {
	Provider    string              `json:"provider"`
	Ref         string              `json:"ref"`
	Action      string              `json:"action"`
	Created     bool                `json:"created"`
	Deleted     bool                `json:"deleted"`
	Forced      bool                `json:"forced"`
	HeadSha     string              `json:"head_sha"`
	PrevHeadSha string              `json:"prev_head_sha"`
	PusherName  string              `json:"pusher_name"`
	SenderLogin string              `json:"sender_login"`
	SenderUid   string              `json:"sender_uid"`
	SenderBot   bool                `json:"sender_bot"`
	RepoName    string              `json:"repo_name"`
	Commits     []PayloadCommit     `json:"commits"`
	PullRequest *PayloadPullRequest `json:"pull_request,omitempty"`
	Comment     *PayloadComment     `json:"comment,omitempty"`
}

func ParseHookPayload(raw []byte) (*HookPayload, error) {
	var p HookPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to parse hook payload: %v", err)
	}
	return &p, nil
}

func (p *HookPayload) IsPullRequest() bool {
	return p.PullRequest != nil
}

func (p *HookPayload) IsPrComment() bool {
	return p.Comment != nil && p.Comment.OnPr
}

func (p *HookPayload) IsPrApproval() bool {
	return p.IsPrComment() && strings.Contains(p.Comment.Body, approvalCommand)
}

func (p *HookPayload) IsTag() bool {
	return strings.HasPrefix(p.Ref, "refs/tags/")
}

func (p *HookPayload) TagName() string {
	return strings.TrimPrefix(p.Ref, "refs/tags/")
}

func (p *HookPayload) DraftPullRequest() bool {
	return p.IsPullRequest() && p.PullRequest.Draft
}

func (p *HookPayload) PullRequestReadyForReview() bool {
	return p.IsPullRequest() && p.Action == "ready_for_review"
}

// PullRequestWithinRepo reports whether the head branch lives in the
// same repository as the base.
func (p *HookPayload) PullRequestWithinRepo() bool {
	if !p.IsPullRequest() {
		return false
	}
	return p.PullRequest.HeadRepoName == p.PullRequest.BaseRepoName
}

func (p *HookPayload) PullRequestForkedRepo() bool {
	if !p.IsPullRequest() {
		return false
	}
	return p.PullRequest.HeadRepoName != p.PullRequest.BaseRepoName
}

func (p *HookPayload) BranchDeleted() bool {
	if p.IsPullRequest() {
		return p.Action == pullRequestClosed
	}
	return p.Deleted
}

func (p *HookPayload) BranchCreated() bool {
	if p.IsPullRequest() {
		return p.Action == pullRequestOpened || p.Action == pullRequestReopened
	}
	return p.Created && strings.HasPrefix(p.Ref, "refs/heads/")
}

func (p *HookPayload) HeadCommitMessage() string {
	if len(p.Commits) == 0 {
		return ""
	}
	return p.Commits[len(p.Commits)-1].Message
}

func (p *HookPayload) CommitAuthor() string {
	if len(p.Commits) == 0 {
		return ""
	}
	return p.Commits[len(p.Commits)-1].AuthorUsername
}

// IncludesCiSkip reports whether the head commit message carries a
// skip marker. Pull requests are checked later against the merge
// commit, not here.
func (p *HookPayload) IncludesCiSkip() bool {
	if p.IsPullRequest() {
		return false
	}
	return MessageRequestsCiSkip(p.HeadCommitMessage())
}

func MessageRequestsCiSkip(message string) bool {
	return skipCiMarker.MatchString(message)
}

// BranchName is the branch record key for this delivery: the
// pull-request pseudo branch for PR events and comments, the bare ref
// otherwise.
func (p *HookPayload) BranchName() string {
	if p.IsPullRequest() {
		return fmt.Sprintf("pull-request-%d", p.PullRequest.Number)
	}
	if p.IsPrComment() {
		return fmt.Sprintf("pull-request-%d", p.Comment.IssueNumber)
	}
	return strings.TrimPrefix(p.Ref, "refs/heads/")
}

// DisplayName is what dashboards show for the ref: PRs display the
// head branch name rather than the pseudo branch.
func (p *HookPayload) DisplayName() string {
	if p.IsPullRequest() {
		return p.PullRequest.HeadRef
	}
	if p.IsTag() {
		return p.TagName()
	}
	return p.BranchName()
}

func (p *HookPayload) RefType() RefType {
	switch {
	case p.IsPullRequest() || p.IsPrComment():
		return RefTypePullRequest
	case p.IsTag():
		return RefTypeTag
	default:
		return RefTypeBranch
	}
}

func (p *HookPayload) PullRequestNumber() int {
	if p.IsPullRequest() {
		return p.PullRequest.Number
	}
	if p.IsPrComment() {
		return p.Comment.IssueNumber
	}
	return 0
}

func (p *HookPayload) CommitSha() string {
	if p.IsPullRequest() {
		return p.PullRequest.HeadSha
	}
	return p.HeadSha
}

// AuthorName resolves who initiated the delivery, falling back to the
// last commit author for bot-forwarded pushes.
func (p *HookPayload) AuthorName() string {
	if p.IsPullRequest() {
		return p.SenderLogin
	}
	if p.SenderBot {
		if author := p.CommitAuthor(); author != "" {
			return author
		}
	}
	return p.PusherName
}
