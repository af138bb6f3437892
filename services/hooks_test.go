package services

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strings"
	"testing"

	"github.com/google/go-github/v61/github"
	"github.com/migueleliasweb/go-github-mock/src/mock"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/forgeci/hookhub/models"
	"github.com/forgeci/hookhub/service_clients"
	"github.com/forgeci/hookhub/taskqueue"
	"github.com/forgeci/hookhub/utils"
)

func setupSuite(tb testing.TB) (func(tb testing.TB), *models.Database, *models.Organisation) {
	log.Println("setup suite")

	dbName := "database_services_test.db"

	e := os.Remove(dbName)
	if e != nil {
		if !strings.Contains(e.Error(), "no such file or directory") {
			log.Fatal(e)
		}
	}

	gdb, err := gorm.Open(sqlite.Open(dbName), &gorm.Config{})
	if err != nil {
		log.Fatal(err)
	}

	err = gdb.AutoMigrate(&models.Organisation{}, &models.Repo{}, &models.Project{},
		&models.RepoHostAccount{}, &models.HookEvent{}, &models.Branch{},
		&models.GithubAppInstallation{}, &models.InstallationRepo{},
		&models.GithubAppCollaborator{})
	if err != nil {
		log.Fatal(err)
	}

	database := &models.Database{GormDB: gdb}
	models.DB = database

	org, err := database.CreateOrganisation("testOrg", "test", "11111111-1111-1111-1111-111111111111")
	if err != nil {
		log.Fatal(err)
	}

	return func(tb testing.TB) {
		log.Println("teardown suite")
		err = os.Remove(dbName)
		if err != nil {
			log.Fatal(err)
		}
	}, database, org
}

func init() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
}

type stubVerifier struct {
	result service_clients.VerificationResult
	calls  int
}

func (s *stubVerifier) VerifyWebhookSignature(ctx context.Context, organisationId uint, repositoryId uint, payload []byte, signature string) service_clients.VerificationResult {
	s.calls++
	return s.result
}

type stubScheduler struct {
	scheduled  []service_clients.ScheduleRequest
	terminated []string
	err        error
}

func (s *stubScheduler) Schedule(ctx context.Context, req service_clients.ScheduleRequest) (*service_clients.ScheduleResponse, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.scheduled = append(s.scheduled, req)
	return &service_clients.ScheduleResponse{PipelineId: "pipe-1", WorkflowId: "wf-1"}, nil
}

func (s *stubScheduler) TerminateAll(ctx context.Context, projectId uint, branchName string) error {
	s.terminated = append(s.terminated, branchName)
	return nil
}

type stubMembership struct {
	allowed bool
}

func (s *stubMembership) CanViewProject(ctx context.Context, orgId uint, projectId uint, userId string) (bool, error) {
	return s.allowed, nil
}

func newTestProcessor(gh utils.GithubClientProvider) (*HookProcessor, *stubScheduler, *stubVerifier) {
	scheduler := &stubScheduler{}
	verifier := &stubVerifier{result: service_clients.VerificationOk}
	processor := &HookProcessor{
		Gh:         gh,
		Verifier:   verifier,
		Scheduler:  scheduler,
		Membership: &stubMembership{},
		Queue:      taskqueue.New(16),
	}
	return processor, scheduler, verifier
}

func createProject(t *testing.T, database *models.Database, org *models.Organisation) *models.Project {
	repo, err := database.CreateRepo("acme-website", "acme/website", "acme", "website", "https://github.com/acme/website", org)
	assert.NoError(t, err)
	project, err := database.CreateProject("website", org, repo)
	assert.NoError(t, err)
	project.PipelineFile = ".semaphore/semaphore.yml"
	err = database.UpdateProject(project)
	assert.NoError(t, err)
	return project
}

func pushPayload(ref string, message string) models.HookPayload {
	return models.HookPayload{
		Provider:    "github",
		Ref:         ref,
		HeadSha:     "abc123",
		PusherName:  "alice",
		SenderLogin: "alice",
		SenderUid:   "501",
		RepoName:    "acme/website",
		Commits: []models.PayloadCommit{
			{Sha: "abc123", Message: message, AuthorUsername: "alice"},
		},
	}
}

func forkedPrPayload(number int) models.HookPayload {
	return models.HookPayload{
		Provider:    "github",
		Ref:         "refs/pull/7/merge",
		Action:      "opened",
		SenderLogin: "alice",
		SenderUid:   "501",
		RepoName:    "acme/website",
		PullRequest: &models.PayloadPullRequest{
			Number:        number,
			Title:         "Add feature",
			HeadSha:       "headsha",
			HeadRef:       "feature",
			HeadRepoName:  "fork/website",
			BaseSha:       "basesha",
			BaseRef:       "main",
			BaseRepoName:  "acme/website",
			HeadRepoOwner: "fork",
		},
	}
}

// process stores the payload as a new hook event and runs the policy
// chain once, returning the reloaded event.
func process(t *testing.T, processor *HookProcessor, project *models.Project, payload models.HookPayload, task taskqueue.Task) *models.HookEvent {
	raw, err := json.Marshal(payload)
	assert.NoError(t, err)
	event, err := models.DB.CreateHookEvent(project.ID, project.OrganisationID, "github", payload.Ref, raw)
	assert.NoError(t, err)

	task.HookID = event.ID
	task.RawPayload = raw
	if task.Signature == "" {
		task.Signature = "sha256=stub"
	}
	processor.Process(context.Background(), task)

	reloaded, err := models.DB.GetHookEvent(event.ID)
	assert.NoError(t, err)
	return reloaded
}

func TestPushLaunchesPipeline(t *testing.T) {
	teardownSuite, database, org := setupSuite(t)
	defer teardownSuite(t)
	project := createProject(t, database, org)
	processor, scheduler, _ := newTestProcessor(nil)

	event := process(t, processor, project, pushPayload("refs/heads/main", "fix build"), taskqueue.Task{})

	assert.Equal(t, models.HookLaunching, event.State)
	assert.Equal(t, "pipe-1", event.PipelineID)
	assert.Len(t, scheduler.scheduled, 1)
	assert.Equal(t, "main", scheduler.scheduled[0].Label)
	assert.Equal(t, "abc123", scheduler.scheduled[0].CommitSha)
	assert.Equal(t, event.ID.String(), scheduler.scheduled[0].RequestToken)

	branch, err := database.FindBranch(project.ID, "main")
	assert.NoError(t, err)
	assert.NotNil(t, branch)
	assert.Equal(t, models.RefTypeBranch, branch.RefType)
}

func TestSkipCiPushIsFiltered(t *testing.T) {
	teardownSuite, database, org := setupSuite(t)
	defer teardownSuite(t)
	project := createProject(t, database, org)
	processor, scheduler, _ := newTestProcessor(nil)

	event := process(t, processor, project, pushPayload("refs/heads/main", "wip [skip ci]"), taskqueue.Task{})

	assert.Equal(t, models.HookSkipCi, event.State)
	assert.Empty(t, scheduler.scheduled)
}

func TestTagIgnoresSkipMarker(t *testing.T) {
	teardownSuite, database, org := setupSuite(t)
	defer teardownSuite(t)
	project := createProject(t, database, org)
	processor, scheduler, _ := newTestProcessor(nil)

	event := process(t, processor, project, pushPayload("refs/tags/v1.0", "release [skip ci]"), taskqueue.Task{})

	assert.Equal(t, models.HookLaunching, event.State)
	assert.Len(t, scheduler.scheduled, 1)
	assert.Equal(t, "v1.0", scheduler.scheduled[0].Label)
}

func TestMissingProject(t *testing.T) {
	teardownSuite, _, org := setupSuite(t)
	defer teardownSuite(t)
	processor, scheduler, _ := newTestProcessor(nil)

	payload := pushPayload("refs/heads/main", "fix build")
	raw, err := json.Marshal(payload)
	assert.NoError(t, err)
	event, err := models.DB.CreateHookEvent(99999, org.ID, "github", payload.Ref, raw)
	assert.NoError(t, err)

	processor.Process(context.Background(), taskqueue.Task{HookID: event.ID, RawPayload: raw, Signature: "sha256=stub"})

	reloaded, err := models.DB.GetHookEvent(event.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.HookNoProject, reloaded.State)
	assert.Empty(t, scheduler.scheduled)
}

func TestSignatureNotVerifiedIsTerminal(t *testing.T) {
	teardownSuite, database, org := setupSuite(t)
	defer teardownSuite(t)
	project := createProject(t, database, org)
	processor, scheduler, verifier := newTestProcessor(nil)
	verifier.result = service_clients.VerificationNotVerified

	event := process(t, processor, project, pushPayload("refs/heads/main", "fix build"), taskqueue.Task{})

	assert.Equal(t, models.HookVerificationFailed, event.State)
	assert.Empty(t, scheduler.scheduled)
}

func TestVerifierOutageRequeues(t *testing.T) {
	teardownSuite, database, org := setupSuite(t)
	defer teardownSuite(t)
	project := createProject(t, database, org)
	processor, scheduler, verifier := newTestProcessor(nil)
	verifier.result = service_clients.VerificationRetry

	event := process(t, processor, project, pushPayload("refs/heads/main", "fix build"), taskqueue.Task{})

	// still waiting on the verifier, nothing decided yet
	assert.Equal(t, models.HookProcessing, event.State)
	assert.Empty(t, scheduler.scheduled)
}

func TestVerifierRetriesExhaust(t *testing.T) {
	teardownSuite, database, org := setupSuite(t)
	defer teardownSuite(t)
	project := createProject(t, database, org)
	processor, _, verifier := newTestProcessor(nil)
	verifier.result = service_clients.VerificationRetry

	event := process(t, processor, project, pushPayload("refs/heads/main", "fix build"), taskqueue.Task{VerificationAttempt: 9})

	assert.Equal(t, models.HookVerificationFailed, event.State)
}

func TestPreVerifiedTaskSkipsVerifier(t *testing.T) {
	teardownSuite, database, org := setupSuite(t)
	defer teardownSuite(t)
	project := createProject(t, database, org)
	processor, _, verifier := newTestProcessor(nil)
	verifier.result = service_clients.VerificationNotVerified

	event := process(t, processor, project, pushPayload("refs/heads/main", "fix build"), taskqueue.Task{Verified: true})

	assert.Equal(t, models.HookLaunching, event.State)
	assert.Equal(t, 0, verifier.calls)
}

func TestBranchWhitelist(t *testing.T) {
	teardownSuite, database, org := setupSuite(t)
	defer teardownSuite(t)
	project := createProject(t, database, org)
	project.WhitelistBranches = "main,/^release-/"
	assert.NoError(t, database.UpdateProject(project))
	processor, scheduler, _ := newTestProcessor(nil)

	blocked := process(t, processor, project, pushPayload("refs/heads/feature", "fix build"), taskqueue.Task{})
	assert.Equal(t, models.HookWhitelistBranch, blocked.State)
	assert.Empty(t, scheduler.scheduled)

	// branch record is upserted even for a blocked push
	branch, err := database.FindBranch(project.ID, "feature")
	assert.NoError(t, err)
	assert.NotNil(t, branch)
	assert.False(t, branch.Archived())
	assert.Equal(t, branch.ID, *blocked.BranchID)

	allowed := process(t, processor, project, pushPayload("refs/heads/release-1.0", "fix build"), taskqueue.Task{})
	assert.Equal(t, models.HookLaunching, allowed.State)
	assert.Len(t, scheduler.scheduled, 1)
}

func TestBranchWhitelistOverride(t *testing.T) {
	teardownSuite, database, org := setupSuite(t)
	defer teardownSuite(t)
	project := createProject(t, database, org)
	project.WhitelistBranches = "main"
	assert.NoError(t, database.UpdateProject(project))

	branch, err := database.FindOrCreateBranch(project.ID, "hotfix", "hotfix", models.RefTypeBranch, 0)
	assert.NoError(t, err)
	err = database.GormDB.Model(branch).Update("run_regardless_of_whitelist", true).Error
	assert.NoError(t, err)

	processor, scheduler, _ := newTestProcessor(nil)
	event := process(t, processor, project, pushPayload("refs/heads/hotfix", "fix build"), taskqueue.Task{})

	assert.Equal(t, models.HookLaunching, event.State)
	assert.Len(t, scheduler.scheduled, 1)
}

func TestReplayAfterLaunchIsIgnored(t *testing.T) {
	teardownSuite, database, org := setupSuite(t)
	defer teardownSuite(t)
	project := createProject(t, database, org)
	processor, scheduler, _ := newTestProcessor(nil)

	payload := pushPayload("refs/heads/main", "fix build")
	raw, err := json.Marshal(payload)
	assert.NoError(t, err)
	event, err := models.DB.CreateHookEvent(project.ID, org.ID, "github", payload.Ref, raw)
	assert.NoError(t, err)

	task := taskqueue.Task{HookID: event.ID, RawPayload: raw, Signature: "sha256=stub"}
	processor.Process(context.Background(), task)
	processor.Process(context.Background(), task)

	assert.Len(t, scheduler.scheduled, 1)
}

func TestBranchDeletionArchives(t *testing.T) {
	teardownSuite, database, org := setupSuite(t)
	defer teardownSuite(t)
	project := createProject(t, database, org)
	_, err := database.FindOrCreateBranch(project.ID, "old-branch", "old-branch", models.RefTypeBranch, 0)
	assert.NoError(t, err)
	processor, scheduler, _ := newTestProcessor(nil)

	payload := pushPayload("refs/heads/old-branch", "")
	payload.Deleted = true
	payload.Commits = nil
	event := process(t, processor, project, payload, taskqueue.Task{})

	assert.Equal(t, models.HookDeletingBranch, event.State)
	assert.Equal(t, []string{"old-branch"}, scheduler.terminated)
	assert.Empty(t, scheduler.scheduled)

	branch, err := database.FindBranch(project.ID, "old-branch")
	assert.NoError(t, err)
	assert.True(t, branch.Archived())
}

func TestDisabledBranchBuilds(t *testing.T) {
	teardownSuite, database, org := setupSuite(t)
	defer teardownSuite(t)
	project := createProject(t, database, org)
	err := database.GormDB.Model(project).Update("build_branch", false).Error
	assert.NoError(t, err)
	project.BuildBranch = false
	processor, scheduler, _ := newTestProcessor(nil)

	event := process(t, processor, project, pushPayload("refs/heads/main", "fix build"), taskqueue.Task{})

	assert.Equal(t, models.HookSkipBranch, event.State)
	assert.Empty(t, scheduler.scheduled)
}

func TestMemberDeniedBlocksBranchPush(t *testing.T) {
	teardownSuite, database, org := setupSuite(t)
	defer teardownSuite(t)
	err := database.GormDB.Model(org).Update("deny_member_workflows", true).Error
	assert.NoError(t, err)
	project := createProject(t, database, org)
	processor, scheduler, _ := newTestProcessor(nil)

	// branch pushers have write access by definition, no lookup needed
	event := process(t, processor, project, pushPayload("refs/heads/main", "fix build"), taskqueue.Task{})

	assert.Equal(t, models.HookMemberDenied, event.State)
	assert.Empty(t, scheduler.scheduled)
}

func TestNonMemberGateIgnoresBranchPush(t *testing.T) {
	teardownSuite, database, org := setupSuite(t)
	defer teardownSuite(t)
	err := database.GormDB.Model(org).Update("deny_non_member_workflows", true).Error
	assert.NoError(t, err)
	project := createProject(t, database, org)
	processor, scheduler, _ := newTestProcessor(nil)

	// the gate only concerns forked pull requests; a member's branch
	// push goes through even with an empty collaborator cache
	event := process(t, processor, project, pushPayload("refs/heads/main", "fix build"), taskqueue.Task{})

	assert.Equal(t, models.HookLaunching, event.State)
	assert.Len(t, scheduler.scheduled, 1)
}

func TestForkedPrNonMemberDenied(t *testing.T) {
	teardownSuite, database, org := setupSuite(t)
	defer teardownSuite(t)
	err := database.GormDB.Model(org).Update("deny_non_member_workflows", true).Error
	assert.NoError(t, err)
	project := setupForkedPrProject(t, database, org)
	processor, scheduler, _ := newTestProcessor(nil)

	event := process(t, processor, project, forkedPrPayload(7), taskqueue.Task{})

	assert.Equal(t, models.HookNonMemberDenied, event.State)
	assert.Empty(t, scheduler.scheduled)
}

func TestForkedPrMemberDenied(t *testing.T) {
	teardownSuite, database, org := setupSuite(t)
	defer teardownSuite(t)
	err := database.GormDB.Model(org).Update("deny_member_workflows", true).Error
	assert.NoError(t, err)
	project := setupForkedPrProject(t, database, org)
	// the head repo owner is the requestor for forked pull requests
	_, err = database.CreateCollaborator("acme/website", 900, "fork", 4100)
	assert.NoError(t, err)
	processor, scheduler, _ := newTestProcessor(nil)

	event := process(t, processor, project, forkedPrPayload(7), taskqueue.Task{})

	assert.Equal(t, models.HookMemberDenied, event.State)
	assert.Empty(t, scheduler.scheduled)
}

func mergeablePrMock(mergeable *bool, mergeSha string) *http.Client {
	pr := github.PullRequest{
		Number:    github.Int(7),
		Mergeable: mergeable,
		Head:      &github.PullRequestBranch{Ref: github.String("feature"), SHA: github.String("headsha")},
	}
	if mergeSha != "" {
		pr.MergeCommitSHA = github.String(mergeSha)
	}
	return mock.NewMockedHTTPClient(
		mock.WithRequestMatch(
			mock.GetReposPullsByOwnerByRepoByPullNumber,
			pr,
		),
		mock.WithRequestMatch(
			mock.GetReposCommitsByOwnerByRepoByRef,
			github.RepositoryCommit{
				SHA:    github.String(mergeSha),
				Commit: &github.Commit{Message: github.String("Merge feature into main")},
				Author: &github.User{Login: github.String("alice")},
			},
		),
		mock.WithRequestMatchHandler(
			mock.GetReposGitRefByOwnerByRepoByRef,
			http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				mock.WriteError(w, http.StatusNotFound, "reference does not exist")
			}),
		),
		mock.WithRequestMatch(
			mock.PostReposGitRefsByOwnerByRepo,
			github.Reference{Ref: github.String("refs/semaphoreci/" + mergeSha)},
		),
	)
}

func setupForkedPrProject(t *testing.T, database *models.Database, org *models.Organisation) *models.Project {
	project := createProject(t, database, org)
	err := database.GormDB.Model(project).Update("build_forked_pr", true).Error
	assert.NoError(t, err)
	project.BuildForkedPr = true
	_, err = database.CreateGithubAppInstallation(4100, 93)
	assert.NoError(t, err)
	_, err = database.AddInstallationRepo(4100, "acme/website")
	assert.NoError(t, err)
	return project
}

func TestForkedPrDefaultAllowLaunchesFromMergeCommit(t *testing.T) {
	teardownSuite, database, org := setupSuite(t)
	defer teardownSuite(t)
	project := setupForkedPrProject(t, database, org)

	gh := &utils.HookhubGithubClientMockProvider{}
	gh.MockedHTTPClient = mergeablePrMock(github.Bool(true), "mergesha")
	processor, scheduler, _ := newTestProcessor(gh)

	event := process(t, processor, project, forkedPrPayload(7), taskqueue.Task{})

	assert.Equal(t, models.HookLaunching, event.State)
	assert.Len(t, scheduler.scheduled, 1)
	assert.Equal(t, "mergesha", scheduler.scheduled[0].CommitSha)
	assert.Equal(t, "refs/semaphoreci/mergesha", scheduler.scheduled[0].GitRef)
	assert.Equal(t, "7", scheduler.scheduled[0].Label)

	branch, err := database.FindBranch(project.ID, "pull-request-7")
	assert.NoError(t, err)
	assert.NotNil(t, branch)
	assert.Equal(t, models.RefTypePullRequest, branch.RefType)
	assert.NotNil(t, branch.PullRequestMergeable)
	assert.True(t, *branch.PullRequestMergeable)
}

func TestPrNonMergeable(t *testing.T) {
	teardownSuite, database, org := setupSuite(t)
	defer teardownSuite(t)
	project := setupForkedPrProject(t, database, org)

	gh := &utils.HookhubGithubClientMockProvider{}
	gh.MockedHTTPClient = mergeablePrMock(github.Bool(false), "")
	processor, scheduler, _ := newTestProcessor(gh)

	event := process(t, processor, project, forkedPrPayload(7), taskqueue.Task{})

	assert.Equal(t, models.HookPrNonMergeable, event.State)
	assert.Empty(t, scheduler.scheduled)

	branch, err := database.FindBranch(project.ID, "pull-request-7")
	assert.NoError(t, err)
	assert.NotNil(t, branch.PullRequestMergeable)
	assert.False(t, *branch.PullRequestMergeable)
}

func TestPrMergeabilityUnknownRequeues(t *testing.T) {
	teardownSuite, database, org := setupSuite(t)
	defer teardownSuite(t)
	project := setupForkedPrProject(t, database, org)

	gh := &utils.HookhubGithubClientMockProvider{}
	gh.MockedHTTPClient = mergeablePrMock(nil, "")
	processor, scheduler, _ := newTestProcessor(gh)

	event := process(t, processor, project, forkedPrPayload(7), taskqueue.Task{})

	assert.Equal(t, models.HookProcessing, event.State)
	assert.Empty(t, scheduler.scheduled)
}

func TestPrMergeabilityExhaustsToNotFound(t *testing.T) {
	teardownSuite, database, org := setupSuite(t)
	defer teardownSuite(t)
	project := setupForkedPrProject(t, database, org)

	gh := &utils.HookhubGithubClientMockProvider{}
	gh.MockedHTTPClient = mergeablePrMock(nil, "")
	processor, scheduler, _ := newTestProcessor(gh)

	event := process(t, processor, project, forkedPrPayload(7), taskqueue.Task{MergeabilityAttempt: 8})

	assert.Equal(t, models.HookPrNotFound, event.State)
	assert.Empty(t, scheduler.scheduled)
}

func approvalPayload(author string) models.HookPayload {
	return models.HookPayload{
		Provider:    "github",
		Ref:         "refs/pull/7/merge",
		SenderLogin: author,
		RepoName:    "acme/website",
		Comment: &models.PayloadComment{
			Body:        "/sem-approve",
			Author:      author,
			IssueNumber: 7,
			OnPr:        true,
		},
	}
}

func TestForkedPrContributorFilterAndApproval(t *testing.T) {
	teardownSuite, database, org := setupSuite(t)
	defer teardownSuite(t)
	project := setupForkedPrProject(t, database, org)
	err := database.GormDB.Model(project).Update("allowed_contributors", "bob").Error
	assert.NoError(t, err)
	project.AllowedContributors = "bob"

	gh := &utils.HookhubGithubClientMockProvider{}
	gh.MockedHTTPClient = mergeablePrMock(github.Bool(true), "mergesha")
	processor, scheduler, _ := newTestProcessor(gh)

	blocked := process(t, processor, project, forkedPrPayload(7), taskqueue.Task{})
	assert.Equal(t, models.HookFilteredContributor, blocked.State)
	assert.Empty(t, scheduler.scheduled)

	approvalEvent := process(t, processor, project, approvalPayload("bob"), taskqueue.Task{})
	assert.Equal(t, models.HookPrApproval, approvalEvent.State)

	// the blocked event went back to processing and is queued again
	reblocked, err := models.DB.GetHookEvent(blocked.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.HookProcessing, reblocked.State)

	// the re-dispatched run sails past the contributor filter and
	// launches from the merge commit
	task, ok := processor.Queue.TryDequeue()
	assert.True(t, ok)
	assert.Equal(t, blocked.ID, task.HookID)
	assert.True(t, task.Approved)
	processor.Process(context.Background(), task)

	relaunched, err := models.DB.GetHookEvent(blocked.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.HookLaunching, relaunched.State)
	assert.Len(t, scheduler.scheduled, 1)
	assert.Equal(t, "mergesha", scheduler.scheduled[0].CommitSha)
}

func TestApprovalFromFilteredCommenterDoesNotRedispatch(t *testing.T) {
	teardownSuite, database, org := setupSuite(t)
	defer teardownSuite(t)
	project := setupForkedPrProject(t, database, org)
	err := database.GormDB.Model(project).Update("allowed_contributors", "bob").Error
	assert.NoError(t, err)
	project.AllowedContributors = "bob"

	processor, scheduler, _ := newTestProcessor(nil)

	blocked := process(t, processor, project, forkedPrPayload(7), taskqueue.Task{})
	assert.Equal(t, models.HookFilteredContributor, blocked.State)

	// a commenter who fails the policy settles as pr_approval, so the
	// comment event can never shadow the blocked PR event
	rejected := process(t, processor, project, approvalPayload("mallory"), taskqueue.Task{})
	assert.Equal(t, models.HookPrApproval, rejected.State)

	stillBlocked, err := models.DB.GetHookEvent(blocked.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.HookFilteredContributor, stillBlocked.State)
	_, ok := processor.Queue.TryDequeue()
	assert.False(t, ok)
	assert.Empty(t, scheduler.scheduled)
}

func brokenCommitFetchMock() *http.Client {
	return mock.NewMockedHTTPClient(
		mock.WithRequestMatch(
			mock.GetReposPullsByOwnerByRepoByPullNumber,
			github.PullRequest{
				Number:         github.Int(7),
				Mergeable:      github.Bool(true),
				MergeCommitSHA: github.String("mergesha"),
			},
		),
		mock.WithRequestMatchHandler(
			mock.GetReposCommitsByOwnerByRepoByRef,
			http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				mock.WriteError(w, http.StatusInternalServerError, "upstream hiccup")
			}),
		),
	)
}

func TestTransientProviderFailureRequeues(t *testing.T) {
	teardownSuite, database, org := setupSuite(t)
	defer teardownSuite(t)
	t.Setenv("PROVIDER_RETRY_SECONDS", "0")
	project := setupForkedPrProject(t, database, org)

	gh := &utils.HookhubGithubClientMockProvider{}
	gh.MockedHTTPClient = brokenCommitFetchMock()
	processor, scheduler, _ := newTestProcessor(gh)

	event := process(t, processor, project, forkedPrPayload(7), taskqueue.Task{})

	assert.Equal(t, models.HookProcessing, event.State)
	assert.Empty(t, scheduler.scheduled)

	task, ok := processor.Queue.TryDequeue()
	assert.True(t, ok)
	assert.Equal(t, 1, task.RetryAttempt)
}

func TestTransientProviderFailureExhausts(t *testing.T) {
	teardownSuite, database, org := setupSuite(t)
	defer teardownSuite(t)
	project := setupForkedPrProject(t, database, org)

	gh := &utils.HookhubGithubClientMockProvider{}
	gh.MockedHTTPClient = brokenCommitFetchMock()
	processor, scheduler, _ := newTestProcessor(gh)

	event := process(t, processor, project, forkedPrPayload(7), taskqueue.Task{RetryAttempt: 5})

	assert.Equal(t, models.HookLaunchingFailed, event.State)
	assert.Empty(t, scheduler.scheduled)
	_, ok := processor.Queue.TryDequeue()
	assert.False(t, ok)
}

func TestForkedReadyForReviewSuppressed(t *testing.T) {
	teardownSuite, database, org := setupSuite(t)
	defer teardownSuite(t)
	project := setupForkedPrProject(t, database, org)
	err := database.GormDB.Model(project).Update("build_draft_pr", true).Error
	assert.NoError(t, err)

	payload := forkedPrPayload(7)
	payload.Action = "ready_for_review"
	processor, scheduler, _ := newTestProcessor(nil)

	event := process(t, processor, project, payload, taskqueue.Task{})

	// the pull request already built while it was a draft
	assert.Equal(t, models.HookSkipDraftPr, event.State)
	assert.Empty(t, scheduler.scheduled)
}

func TestDraftPrSuppressed(t *testing.T) {
	teardownSuite, database, org := setupSuite(t)
	defer teardownSuite(t)
	project := setupForkedPrProject(t, database, org)

	payload := forkedPrPayload(7)
	payload.PullRequest.Draft = true
	processor, scheduler, _ := newTestProcessor(nil)

	event := process(t, processor, project, payload, taskqueue.Task{})

	assert.Equal(t, models.HookSkipDraftPr, event.State)
	assert.Empty(t, scheduler.scheduled)
}

func TestLaunchFailureIsTerminal(t *testing.T) {
	teardownSuite, database, org := setupSuite(t)
	defer teardownSuite(t)
	project := createProject(t, database, org)
	processor, scheduler, _ := newTestProcessor(nil)
	scheduler.err = assert.AnError

	event := process(t, processor, project, pushPayload("refs/heads/main", "fix build"), taskqueue.Task{})

	assert.Equal(t, models.HookLaunchingFailed, event.State)
}

func TestRequesterResolution(t *testing.T) {
	teardownSuite, database, org := setupSuite(t)
	defer teardownSuite(t)
	project := createProject(t, database, org)
	_, err := database.CreateRepoHostAccount("github", "alice", "501", "user-uuid-1")
	assert.NoError(t, err)
	processor, scheduler, _ := newTestProcessor(nil)

	event := process(t, processor, project, pushPayload("refs/heads/main", "fix build"), taskqueue.Task{})

	assert.Equal(t, models.HookLaunching, event.State)
	assert.Len(t, scheduler.scheduled, 1)
	assert.Equal(t, "user-uuid-1", scheduler.scheduled[0].RequesterId)
}

func TestUnmergeableNotificationIsEdgeTriggered(t *testing.T) {
	teardownSuite, database, org := setupSuite(t)
	defer teardownSuite(t)
	project := setupForkedPrProject(t, database, org)

	branch, err := database.FindOrCreateBranch(project.ID, "pull-request-7", "feature", models.RefTypePullRequest, 7)
	assert.NoError(t, err)
	_, err = database.SetBranchMergeable(branch, true)
	assert.NoError(t, err)

	gh := &utils.HookhubGithubClientMockProvider{}
	gh.MockedHTTPClient = mergeablePrMock(github.Bool(false), "")
	processor, _, _ := newTestProcessor(gh)

	event := process(t, processor, project, forkedPrPayload(7), taskqueue.Task{})
	assert.Equal(t, models.HookPrNonMergeable, event.State)

	// flag flipped true -> false exactly once; a second event sees
	// false -> false and must not re-announce
	reloaded, err := database.FindBranch(project.ID, "pull-request-7")
	assert.NoError(t, err)
	assert.False(t, *reloaded.PullRequestMergeable)
}
