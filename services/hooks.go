package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/forgeci/hookhub/config"
	"github.com/forgeci/hookhub/models"
	"github.com/forgeci/hookhub/service_clients"
	"github.com/forgeci/hookhub/stats"
	"github.com/forgeci/hookhub/taskqueue"
	"github.com/forgeci/hookhub/utils"
)

const (
	maxVerificationAttempts = 10
	maxMergeabilityAttempts = 8
	maxProviderRetries      = 5
	predecessorRetryDelay   = 10 * time.Second
	mergeRefPrefix          = "refs/semaphoreci/"
)

// HookProcessor runs the policy chain for hook events pulled off the
// task queue. Each delivery either reaches a terminal state, launches
// a pipeline, or requeues itself with a delay.
type HookProcessor struct {
	Gh         utils.GithubClientProvider
	Verifier   service_clients.SignatureVerifier
	Scheduler  service_clients.PipelineScheduler
	Membership service_clients.MembershipChecker
	Queue      *taskqueue.Queue
}

// outcome is what every guard returns: a terminal state, a requeue
// instruction, or neither (continue down the chain). Guards never
// write the event state themselves; transitions happen in one place.
type outcome struct {
	state   models.HookState
	requeue bool
	delay   time.Duration
	task    taskqueue.Task
}

func terminal(state models.HookState) outcome {
	return outcome{state: state}
}

func requeueAfter(task taskqueue.Task, delay time.Duration) outcome {
	return outcome{requeue: true, task: task, delay: delay}
}

var proceed = outcome{}

func (o outcome) decided() bool {
	return o.state != "" || o.requeue
}

// hookRun is the mutable context threaded through the guard chain for
// one processing attempt.
type hookRun struct {
	task    taskqueue.Task
	event   *models.HookEvent
	payload *models.HookPayload
	project *models.Project
	branch  *models.Branch

	commitSha    string
	commitAuthor string
	gitRef       string
}

type guard func(ctx context.Context, run *hookRun) (outcome, error)

// Process is the taskqueue handler for hook events.
func (h *HookProcessor) Process(ctx context.Context, task taskqueue.Task) {
	event, err := models.DB.GetHookEvent(task.HookID)
	if err != nil {
		slog.Error("could not load hook event", "hookId", task.HookID, "error", err)
		return
	}
	if event == nil {
		slog.Warn("hook event not found, dropping task", "hookId", task.HookID)
		return
	}
	if event.State != models.HookProcessing {
		slog.Debug("hook event already settled, skipping", "hookId", event.ID, "state", event.State)
		return
	}

	payload, err := models.ParseHookPayload(event.Payload)
	if err != nil {
		slog.Error("could not parse stored hook payload", "hookId", event.ID, "error", err)
		return
	}

	run := &hookRun{
		task:         task,
		event:        event,
		payload:      payload,
		commitSha:    payload.CommitSha(),
		commitAuthor: payload.AuthorName(),
		gitRef:       event.GitRef,
	}

	chain := []guard{
		h.guardProject,
		h.guardSignature,
		h.guardPredecessors,
		h.attachBranch,
		h.guardSkipCi,
		h.guardBranchDeletion,
		h.guardApproval,
		h.guardPolicy,
		h.resolvePullRequest,
	}

	for _, g := range chain {
		result, err := g(ctx, run)
		if err != nil {
			h.settleError(run, err)
			return
		}
		if result.requeue {
			h.Queue.EnqueueAfter(result.task, result.delay)
			return
		}
		if result.state != "" {
			h.transition(run.event, result.state)
			return
		}
	}

	h.launch(ctx, run)
}

func (h *HookProcessor) transition(event *models.HookEvent, state models.HookState) {
	if err := models.DB.TransitionHookEvent(event, state); err != nil {
		slog.Error("could not transition hook event", "hookId", event.ID, "state", state, "error", err)
		return
	}
	slog.Info("hook event settled", "hookId", event.ID, "state", state)
}

// settleError maps provider authorization failures to their terminal
// states. Anything else is treated as transient and retried a bounded
// number of times; exhaustion settles the event instead of leaving it
// to jam the predecessor window.
func (h *HookProcessor) settleError(run *hookRun, err error) {
	wrapped := utils.WrapGithubError(err)
	switch {
	case errors.Is(wrapped, utils.ErrRepoUnauthorized):
		h.transition(run.event, models.HookUnauthorizedRepo)
	case errors.Is(wrapped, utils.ErrRepoNotFound):
		h.transition(run.event, models.HookNotFoundRepo)
	default:
		sentry.CaptureException(err)
		next := run.task
		next.RetryAttempt++
		if next.RetryAttempt > maxProviderRetries {
			slog.Error("hook processing retries exhausted", "hookId", run.event.ID, "error", err)
			h.transition(run.event, models.HookLaunchingFailed)
			return
		}
		slog.Warn("hook processing failed, retrying", "hookId", run.event.ID, "attempt", next.RetryAttempt, "error", err)
		h.Queue.EnqueueAfter(next, config.ProviderRetryDelay())
	}
}

func (h *HookProcessor) guardProject(ctx context.Context, run *hookRun) (outcome, error) {
	project, err := models.DB.GetProject(run.event.ProjectID)
	if err != nil {
		return proceed, err
	}
	if project == nil {
		return terminal(models.HookNoProject), nil
	}
	run.project = project
	return proceed, nil
}

func (h *HookProcessor) guardSignature(ctx context.Context, run *hookRun) (outcome, error) {
	if run.task.Verified {
		return proceed, nil
	}
	result := h.Verifier.VerifyWebhookSignature(ctx, run.project.OrganisationID, run.project.RepoID, run.task.RawPayload, run.task.Signature)
	switch result {
	case service_clients.VerificationOk:
		return proceed, nil
	case service_clients.VerificationNotVerified:
		return terminal(models.HookVerificationFailed), nil
	default:
		next := run.task
		next.VerificationAttempt++
		if next.VerificationAttempt >= maxVerificationAttempts {
			slog.Warn("signature verification retries exhausted", "hookId", run.event.ID)
			return terminal(models.HookVerificationFailed), nil
		}
		return requeueAfter(next, config.VerificationRetryDelay()), nil
	}
}

// guardPredecessors delays an event while an older one for the same
// project is still processing. A fairness heuristic, not a lock:
// concurrent events can still interleave.
func (h *HookProcessor) guardPredecessors(ctx context.Context, run *hookRun) (outcome, error) {
	if !config.SequentialRuns() {
		return proceed, nil
	}
	pending, err := models.DB.HasProcessingPredecessors(run.event, config.PredecessorWindow())
	if err != nil {
		return proceed, err
	}
	if pending {
		slog.Debug("hook event has processing predecessors, delaying", "hookId", run.event.ID)
		return requeueAfter(run.task, predecessorRetryDelay), nil
	}
	return proceed, nil
}

// attachBranch records the branch id on the event before any skip
// decision, so even terminated events point at their branch. Deletion
// events only look up: a push that deletes a ref must not resurrect
// its branch record.
func (h *HookProcessor) attachBranch(ctx context.Context, run *hookRun) (outcome, error) {
	payload := run.payload
	var branch *models.Branch
	var err error
	if payload.BranchDeleted() {
		branch, err = models.DB.FindBranch(run.event.ProjectID, payload.BranchName())
	} else {
		branch, err = models.DB.FindOrCreateBranch(run.event.ProjectID, payload.BranchName(), payload.DisplayName(), payload.RefType(), payload.PullRequestNumber())
	}
	if err != nil {
		return proceed, err
	}
	if branch != nil {
		run.branch = branch
		if err := models.DB.SetHookEventBranch(run.event, branch.ID); err != nil {
			return proceed, err
		}
	}
	return proceed, nil
}

func (h *HookProcessor) guardSkipCi(ctx context.Context, run *hookRun) (outcome, error) {
	if !run.payload.IncludesCiSkip() {
		return proceed, nil
	}
	// Tags build regardless of skip markers unless the override says
	// otherwise.
	if run.payload.IsTag() && !config.AlwaysFilterSkipCi() {
		return proceed, nil
	}
	return terminal(models.HookSkipCi), nil
}

func (h *HookProcessor) guardBranchDeletion(ctx context.Context, run *hookRun) (outcome, error) {
	if !run.payload.BranchDeleted() {
		return proceed, nil
	}
	if run.branch != nil {
		// Fire-and-forget: termination failure is not a reason to keep
		// the event in processing.
		if err := h.Scheduler.TerminateAll(ctx, run.project.ID, run.branch.Name); err != nil {
			slog.Warn("could not terminate pipelines for deleted branch", "branchId", run.branch.ID, "error", err)
		}
		if err := models.DB.ArchiveBranch(run.branch); err != nil {
			return proceed, err
		}
	}
	return terminal(models.HookDeletingBranch), nil
}

// guardApproval handles "/sem-approve" comments: a permitted commenter
// re-dispatches the most recent event blocked by the contributor
// filter for that pull request.
func (h *HookProcessor) guardApproval(ctx context.Context, run *hookRun) (outcome, error) {
	if !run.payload.IsPrApproval() {
		if run.payload.IsPrComment() {
			// Other comments never trigger builds.
			return terminal(models.HookSkipPr), nil
		}
		return proceed, nil
	}
	approver := run.payload.Comment.Author
	allowed, err := h.contributorAllowed(ctx, run, approver)
	if err != nil {
		return proceed, err
	}
	if !allowed {
		// The comment event still settles as an approval; only the
		// re-dispatch is withheld.
		slog.Info("approval comment from filtered contributor ignored", "hookId", run.event.ID, "approver", approver)
		return terminal(models.HookPrApproval), nil
	}

	blocked, err := models.DB.LatestContributorBlockedEvent(run.project.ID, run.payload.PullRequestNumber())
	if err != nil {
		return proceed, err
	}
	if blocked == nil {
		slog.Info("approval comment with no blocked event to re-dispatch", "hookId", run.event.ID)
		return terminal(models.HookPrApproval), nil
	}

	if err := models.DB.TransitionHookEvent(blocked, models.HookProcessing); err != nil {
		return proceed, err
	}
	h.Queue.Enqueue(taskqueue.Task{
		HookID:     blocked.ID,
		RawPayload: blocked.Payload,
		Verified:   true,
		Approved:   true,
	})
	slog.Info("re-dispatched contributor-blocked event after approval", "hookId", run.event.ID, "blockedHookId", blocked.ID)
	return terminal(models.HookPrApproval), nil
}

// guardPolicy classifies the ref and applies organisation gates,
// project enable flags, draft suppression, and whitelists, in that
// order. Branch, tag, and same-repo pull request authors have write
// access by construction, so only the member gate applies to them; the
// non-member gate is meaningful for forked pull requests alone, where
// the requestor is the head repository's owner.
func (h *HookProcessor) guardPolicy(ctx context.Context, run *hookRun) (outcome, error) {
	payload := run.payload
	org := run.project.Organisation

	switch {
	case payload.PullRequestWithinRepo():
		if org != nil && org.DenyMemberWorkflows {
			return terminal(models.HookMemberDenied), nil
		}
		if !run.project.BuildPr {
			return terminal(models.HookSkipPr), nil
		}
		// A ready_for_review event on a project that builds drafts is
		// a duplicate: the pull request already built as a draft.
		if payload.PullRequestReadyForReview() && run.project.BuildDraftPr {
			return terminal(models.HookSkipDraftPr), nil
		}
		if payload.DraftPullRequest() && !run.project.BuildDraftPr {
			return terminal(models.HookSkipDraftPr), nil
		}
	case payload.PullRequestForkedRepo():
		if !run.project.BuildForkedPr {
			return terminal(models.HookSkipForkedPr), nil
		}
		if payload.PullRequestReadyForReview() && run.project.BuildDraftPr {
			return terminal(models.HookSkipDraftPr), nil
		}
		if payload.DraftPullRequest() && !run.project.BuildDraftPr {
			return terminal(models.HookSkipDraftPr), nil
		}
		requestor := payload.PullRequest.HeadRepoOwner
		if org != nil && (org.DenyMemberWorkflows || org.DenyNonMemberWorkflows) {
			member, err := h.isRepoMember(run, requestor)
			if err != nil {
				return proceed, err
			}
			if member && org.DenyMemberWorkflows {
				return terminal(models.HookMemberDenied), nil
			}
			if !member && org.DenyNonMemberWorkflows {
				return terminal(models.HookNonMemberDenied), nil
			}
		}
		if !run.task.Approved {
			allowed, err := h.contributorAllowed(ctx, run, requestor)
			if err != nil {
				return proceed, err
			}
			if !allowed {
				return terminal(models.HookFilteredContributor), nil
			}
		}
	case payload.IsTag():
		if org != nil && org.DenyMemberWorkflows {
			return terminal(models.HookMemberDenied), nil
		}
		if !run.project.BuildTag {
			return terminal(models.HookSkipTag), nil
		}
		if !utils.Whitelisted(payload.TagName(), run.project.TagWhitelist()) {
			return terminal(models.HookWhitelistTag), nil
		}
	default:
		if org != nil && org.DenyMemberWorkflows {
			return terminal(models.HookMemberDenied), nil
		}
		if !run.project.BuildBranch {
			return terminal(models.HookSkipBranch), nil
		}
		if run.branch != nil && run.branch.RunRegardlessOfWhitelist {
			return proceed, nil
		}
		if !utils.Whitelisted(payload.BranchName(), run.project.BranchWhitelist()) {
			return terminal(models.HookWhitelistBranch), nil
		}
	}
	return proceed, nil
}

// resolvePullRequest polls provider-computed mergeability and, for
// mergeable pull requests, pins a merge reference so the scheduled
// pipeline builds the exact merge commit.
func (h *HookProcessor) resolvePullRequest(ctx context.Context, run *hookRun) (outcome, error) {
	payload := run.payload
	if !payload.IsPullRequest() {
		return proceed, nil
	}

	service, err := h.repoService(run)
	if err != nil {
		return proceed, err
	}

	pr, err := service.PullRequest(ctx, payload.PullRequest.Number)
	if err != nil {
		if errors.Is(err, utils.ErrRepoUnauthorized) {
			return proceed, err
		}
		// Not-found and transient failures poll the same way as
		// unknown mergeability: the provider settles both eventually
		// or not at all.
		return h.mergeabilityRetry(run), nil
	}

	if pr.Mergeable == nil {
		return h.mergeabilityRetry(run), nil
	}

	if !pr.GetMergeable() {
		if run.branch != nil {
			previous, err := models.DB.SetBranchMergeable(run.branch, false)
			if err != nil {
				return proceed, err
			}
			if previous != nil && *previous {
				stats.Incr("hooks.processing.pr_became_unmergeable", map[string]string{"project": run.project.Name})
				slog.Info("pull request became unmergeable", "hookId", run.event.ID, "pr", payload.PullRequest.Number)
			}
		}
		return terminal(models.HookPrNonMergeable), nil
	}

	if run.branch != nil {
		if _, err := models.DB.SetBranchMergeable(run.branch, true); err != nil {
			return proceed, err
		}
	}

	mergeSha := pr.GetMergeCommitSHA()
	if mergeSha == "" {
		return h.mergeabilityRetry(run), nil
	}

	commit, err := service.Commit(ctx, mergeSha)
	if err != nil {
		return proceed, err
	}
	if models.MessageRequestsCiSkip(commit.GetCommit().GetMessage()) {
		return terminal(models.HookSkipCi), nil
	}
	if author := commit.GetAuthor().GetLogin(); author != "" {
		run.commitAuthor = author
	}

	// Pin the merge commit under our own ref so it survives upstream
	// ref churn. When the pin cannot be created the pipeline still
	// runs, from the head sha.
	mergeRef := mergeRefPrefix + mergeSha
	if err := h.ensureRef(ctx, service, mergeRef, mergeSha); err != nil {
		if errors.Is(err, utils.ErrRepoUnauthorized) || errors.Is(err, utils.ErrRepoNotFound) {
			slog.Info("proceeding without merge reference", "hookId", run.event.ID, "error", err)
			return proceed, nil
		}
		return proceed, err
	}
	run.commitSha = mergeSha
	run.gitRef = mergeRef
	return proceed, nil
}

func (h *HookProcessor) mergeabilityRetry(run *hookRun) outcome {
	next := run.task
	next.MergeabilityAttempt++
	if next.MergeabilityAttempt > maxMergeabilityAttempts {
		slog.Info("mergeability never resolved", "hookId", run.event.ID)
		return terminal(models.HookPrNotFound)
	}
	delay := time.Duration(math.Pow(1.1, float64(next.MergeabilityAttempt)) * float64(time.Second))
	return requeueAfter(next, delay)
}

func (h *HookProcessor) ensureRef(ctx context.Context, service *utils.GithubService, ref string, sha string) error {
	_, err := service.GetRef(ctx, ref)
	if err == nil {
		return nil
	}
	_, err = service.CreateRef(ctx, ref, sha)
	if err != nil {
		return utils.WrapGithubError(err)
	}
	return nil
}

// launch is the final step: persist the commit metadata and make the
// one non-idempotent call of the whole chain.
func (h *HookProcessor) launch(ctx context.Context, run *hookRun) {
	payload := run.payload

	branch := run.branch
	if branch == nil {
		var err error
		branch, err = models.DB.FindOrCreateBranch(run.project.ID, payload.BranchName(), payload.DisplayName(), payload.RefType(), payload.PullRequestNumber())
		if err != nil {
			h.settleError(run, err)
			return
		}
		run.branch = branch
		if err := models.DB.SetHookEventBranch(run.event, branch.ID); err != nil {
			h.settleError(run, err)
			return
		}
	}

	if err := models.DB.SetHookEventCommit(run.event, run.commitSha, run.commitAuthor, run.gitRef); err != nil {
		h.settleError(run, err)
		return
	}

	resp, err := h.Scheduler.Schedule(ctx, service_clients.ScheduleRequest{
		RequestToken:   run.event.ID.String(),
		ProjectId:      run.project.ID,
		BranchId:       branch.ID,
		HookId:         run.event.ID.String(),
		CommitSha:      run.commitSha,
		GitRef:         run.gitRef,
		PipelineFile:   run.project.PipelineFile,
		Label:          dispatchLabel(payload),
		RequesterId:    resolveRequester(payload),
		OrganisationId: run.project.OrganisationID,
	})
	if err != nil {
		// A failed launch is operationally significant; it must reach
		// the observability layer, not just the event row.
		sentry.CaptureException(err)
		slog.Error("pipeline dispatch failed", "hookId", run.event.ID, "error", err)
		h.transition(run.event, models.HookLaunchingFailed)
		return
	}

	h.transition(run.event, models.HookLaunching)
	if err := models.DB.SetHookEventPipeline(run.event, resp.PipelineId, resp.WorkflowId); err != nil {
		slog.Error("could not persist pipeline id", "hookId", run.event.ID, "error", err)
	}
	if err := models.DB.TouchProject(run.project.ID); err != nil {
		slog.Warn("could not touch project", "projectId", run.project.ID, "error", err)
	}
	stats.Incr("hooks.processing.launch", map[string]string{"project": run.project.Name})
	stats.Timing("hooks.processing.duration", time.Since(run.event.CreatedAt))
}

// dispatchLabel is what the scheduler displays for the run: PR number
// for pull requests, tag name for tags, branch name otherwise.
func dispatchLabel(payload *models.HookPayload) string {
	switch {
	case payload.IsPullRequest():
		return strconv.Itoa(payload.PullRequest.Number)
	case payload.IsTag():
		return payload.TagName()
	default:
		return payload.BranchName()
	}
}

// resolveRequester maps the provider-side sender to an internal user
// id. Bot senders carry a stable login but a shared uid, so they
// resolve by login; everyone else resolves by uid. Unknown senders
// yield an empty requester.
func resolveRequester(payload *models.HookPayload) string {
	var account *models.RepoHostAccount
	var err error
	if payload.SenderBot {
		account, err = models.DB.GetRepoHostAccountByLogin(payload.Provider, payload.SenderLogin)
	} else {
		account, err = models.DB.GetRepoHostAccountByUid(payload.Provider, payload.SenderUid)
	}
	if err != nil {
		slog.Warn("could not resolve requester", "sender", payload.SenderLogin, "error", err)
		return ""
	}
	if account == nil {
		return ""
	}
	return account.UserId
}

// contributorAllowed implements the forked-PR contributor policy: an
// empty allow-list permits everyone; a configured list permits listed
// logins, repo collaborators with push access, and project members.
func (h *HookProcessor) contributorAllowed(ctx context.Context, run *hookRun, login string) (bool, error) {
	if run.project.ContributorAllowed(login) {
		return true, nil
	}
	member, err := h.isRepoMember(run, login)
	if err != nil {
		return false, err
	}
	if member {
		return true, nil
	}

	account, err := models.DB.GetRepoHostAccountByLogin(run.payload.Provider, login)
	if err != nil || account == nil {
		return false, err
	}
	allowed, err := h.Membership.CanViewProject(ctx, run.project.OrganisationID, run.project.ID, account.UserId)
	if err != nil {
		slog.Warn("membership lookup failed, treating sender as non-member", "login", login, "error", err)
		return false, nil
	}
	return allowed, nil
}

// isRepoMember consults the synced collaborator set rather than the
// provider API, so policy checks stay cheap and rate-limit free.
func (h *HookProcessor) isRepoMember(run *hookRun, login string) (bool, error) {
	if run.project.Repo == nil {
		return false, nil
	}
	collaborators, err := models.DB.ListCollaborators(run.project.Repo.RepoFullName)
	if err != nil {
		return false, err
	}
	for _, c := range collaborators {
		if c.CollaboratorName == login {
			return true, nil
		}
	}
	return false, nil
}

// repoService builds an installation-authenticated client for the
// project's repository. Missing installation means the app lost (or
// never had) access.
func (h *HookProcessor) repoService(run *hookRun) (*utils.GithubService, error) {
	repo := run.project.Repo
	if repo == nil {
		return nil, fmt.Errorf("project %v has no repo: %w", run.project.ID, utils.ErrRepoNotFound)
	}
	installation, err := models.DB.GetInstallationForRepo(repo.RepoFullName)
	if err != nil {
		return nil, err
	}
	if installation == nil {
		return nil, fmt.Errorf("no installation covers %v: %w", repo.RepoFullName, utils.ErrRepoUnauthorized)
	}
	client, _, err := h.Gh.Get(installation.GithubAppId, installation.GithubInstallationId)
	if err != nil {
		return nil, err
	}
	owner, repoName, found := strings.Cut(repo.RepoFullName, "/")
	if !found {
		return nil, fmt.Errorf("malformed repo full name: %v", repo.RepoFullName)
	}
	return &utils.GithubService{Client: client, Owner: owner, RepoName: repoName}, nil
}
