package utils

import (
	"context"
	"errors"
	"fmt"
	net "net/http"
	"os"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/google/go-github/v61/github"
	"golang.org/x/oauth2"
)

// Sentinel errors for the two provider failures the policy chain maps
// to terminal states instead of propagating.
var (
	ErrRepoUnauthorized = errors.New("repository unauthorized")
	ErrRepoNotFound     = errors.New("repository not found")
)

// WrapGithubError classifies a go-github error response so callers can
// match with errors.Is.
func WrapGithubError(err error) error {
	if err == nil {
		return nil
	}
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		switch ghErr.Response.StatusCode {
		case net.StatusUnauthorized, net.StatusForbidden:
			return fmt.Errorf("%w: %v", ErrRepoUnauthorized, err)
		case net.StatusNotFound:
			return fmt.Errorf("%w: %v", ErrRepoNotFound, err)
		}
	}
	return err
}

// just a wrapper around github client to be able to use mocks
type HookhubGithubRealClientProvider struct {
}

type HookhubGithubClientMockProvider struct {
	MockedHTTPClient *net.Client
}

type GithubClientProvider interface {
	Get(githubAppId int64, installationId int64) (*github.Client, *string, error)
}

func (gh *HookhubGithubRealClientProvider) Get(githubAppId int64, installationId int64) (*github.Client, *string, error) {
	githubAppPrivateKey := os.Getenv("GITHUB_APP_PRIVATE_KEY")
	tr := net.DefaultTransport
	itr, err := ghinstallation.New(tr, githubAppId, installationId, []byte(githubAppPrivateKey))
	if err != nil {
		return nil, nil, fmt.Errorf("error initialising github app installation: %v", err)
	}

	token, err := itr.Token(context.Background())
	if err != nil {
		return nil, nil, fmt.Errorf("error initialising git app token: %v", err)
	}
	ghClient := github.NewClient(&net.Client{Transport: itr})
	return ghClient, &token, nil
}

func (gh *HookhubGithubClientMockProvider) Get(githubAppId int64, installationId int64) (*github.Client, *string, error) {
	ghClient := github.NewClient(gh.MockedHTTPClient)
	token := "token"
	return ghClient, &token, nil
}

// NewTokenClient builds a client authenticated with a cached
// installation access token.
func NewTokenClient(ctx context.Context, token string) *github.Client {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return github.NewClient(oauth2.NewClient(ctx, ts))
}

// GithubService wraps a repo-scoped client with the provider calls the
// dispatch handler needs, mapping authorization and not-found failures
// to the sentinel errors above.
type GithubService struct {
	Client   *github.Client
	Owner    string
	RepoName string
}

func (s *GithubService) PullRequest(ctx context.Context, number int) (*github.PullRequest, error) {
	pr, _, err := s.Client.PullRequests.Get(ctx, s.Owner, s.RepoName, number)
	if err != nil {
		return nil, WrapGithubError(err)
	}
	return pr, nil
}

func (s *GithubService) Commit(ctx context.Context, sha string) (*github.RepositoryCommit, error) {
	commit, _, err := s.Client.Repositories.GetCommit(ctx, s.Owner, s.RepoName, sha, nil)
	if err != nil {
		return nil, WrapGithubError(err)
	}
	return commit, nil
}

func (s *GithubService) GetRef(ctx context.Context, ref string) (*github.Reference, error) {
	reference, _, err := s.Client.Git.GetRef(ctx, s.Owner, s.RepoName, ref)
	if err != nil {
		return nil, WrapGithubError(err)
	}
	return reference, nil
}

func (s *GithubService) CreateRef(ctx context.Context, ref string, sha string) (*github.Reference, error) {
	reference, _, err := s.Client.Git.CreateRef(ctx, s.Owner, s.RepoName, &github.Reference{
		Ref:    github.String(ref),
		Object: &github.GitObject{SHA: github.String(sha)},
	})
	if err != nil {
		return nil, WrapGithubError(err)
	}
	return reference, nil
}

// ListPushCollaborators returns collaborators with push access,
// paginating through the full list.
func (s *GithubService) ListPushCollaborators(ctx context.Context) ([]*github.User, error) {
	opts := &github.ListCollaboratorsOptions{
		ListOptions: github.ListOptions{PerPage: 100},
	}
	var all []*github.User
	for {
		collaborators, resp, err := s.Client.Repositories.ListCollaborators(ctx, s.Owner, s.RepoName, opts)
		if err != nil {
			return nil, WrapGithubError(err)
		}
		for _, c := range collaborators {
			if c.GetPermissions()["push"] {
				all = append(all, c)
			}
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

func (s *GithubService) RateLimitRemaining(ctx context.Context) (int, error) {
	limits, _, err := s.Client.RateLimit.Get(ctx)
	if err != nil {
		return 0, WrapGithubError(err)
	}
	return limits.GetCore().Remaining, nil
}

// ListInstallationRepos lists every repository slug the installation
// the client is authenticated for can access.
func ListInstallationRepos(ctx context.Context, client *github.Client) ([]string, error) {
	opts := &github.ListOptions{PerPage: 100}
	var slugs []string
	for {
		repos, resp, err := client.Apps.ListRepos(ctx, opts)
		if err != nil {
			return nil, WrapGithubError(err)
		}
		for _, r := range repos.Repositories {
			slugs = append(slugs, r.GetFullName())
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return slugs, nil
}
