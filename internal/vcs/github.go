// Package vcs talks to the source-control host: repository context, branch
// and commit creation, pull requests and merges.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// PullRequestRef identifies a pull request opened by the publisher. A ref
// reaches exactly one terminal outcome: merged, discarded or abandoned.
type PullRequestRef struct {
	Repo    string
	Branch  string
	Number  int
	HeadSHA string
	URL     string
}

// Host is the source-control surface the orchestrator consumes. All calls
// are fallible and latency-bearing; none are assumed atomic with another.
type Host interface {
	DefaultBranch(ctx context.Context, repo string) (string, error)
	ListFiles(ctx context.Context, repo, branch string) ([]string, error)
	BranchExists(ctx context.Context, repo, branch string) (bool, error)
	CreateBranch(ctx context.Context, repo, branch, from string) error
	CommitFile(ctx context.Context, repo, branch, path, message, content string) error
	OpenPullRequest(ctx context.Context, repo, title, body, head, base string) (PullRequestRef, error)
	MergePullRequest(ctx context.Context, repo string, number int, message string) (string, error)
}

// ErrAuth marks credential failures; the session terminates rather than
// retrying these indefinitely.
var ErrAuth = errors.New("vcs: authentication failed")

// ErrNotMergeable marks a merge refused by the host (conflicts or failing
// checks). The pull request stays pending and the merge may be retried.
var ErrNotMergeable = errors.New("vcs: pull request not mergeable")

// GitHubHost implements Host against the GitHub REST API.
type GitHubHost struct {
	client *github.Client
	retry  *RetryConfig
	log    *zap.SugaredLogger
}

// NewGitHubHost creates a host client authenticated with the session's
// bearer token. The token lives only inside the returned client.
func NewGitHubHost(ctx context.Context, token string, log *zap.SugaredLogger) (*GitHubHost, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: token not set", ErrAuth)
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	tc := oauth2.NewClient(ctx, ts)
	// Every host call is latency-bearing; a hung call must fail, not stall
	// the session loop.
	tc.Timeout = 30 * time.Second
	return &GitHubHost{client: github.NewClient(tc), retry: DefaultRetryConfig(), log: log}, nil
}

// WithBaseURL points the client at a test server.
func (h *GitHubHost) WithBaseURL(base string) *GitHubHost {
	c, err := h.client.WithEnterpriseURLs(base, base)
	if err == nil {
		h.client = c
	}
	return h
}

func splitRepo(repo string) (owner, name string, err error) {
	parts := strings.SplitN(repo, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("vcs: repository must be owner/name, got %q", repo)
	}
	return parts[0], parts[1], nil
}

func (h *GitHubHost) DefaultBranch(ctx context.Context, repo string) (string, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return "", err
	}
	var r *github.Repository
	err = h.do(ctx, func() (*github.Response, error) {
		var resp *github.Response
		r, resp, err = h.client.Repositories.Get(ctx, owner, name)
		return resp, err
	})
	if err != nil {
		return "", err
	}
	return r.GetDefaultBranch(), nil
}

// ListFiles returns the repository's file paths on the given branch. The
// listing feeds the planning prompt, so directories are suffixed with "/" to
// keep the structure readable.
func (h *GitHubHost) ListFiles(ctx context.Context, repo, branch string) ([]string, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	var tree *github.Tree
	err = h.do(ctx, func() (*github.Response, error) {
		var resp *github.Response
		tree, resp, err = h.client.Git.GetTree(ctx, owner, name, branch, true)
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(tree.Entries))
	for _, e := range tree.Entries {
		if e.GetType() == "tree" {
			files = append(files, e.GetPath()+"/")
			continue
		}
		files = append(files, e.GetPath())
	}
	return files, nil
}

func (h *GitHubHost) BranchExists(ctx context.Context, repo, branch string) (bool, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return false, err
	}
	err = h.do(ctx, func() (*github.Response, error) {
		_, resp, err := h.client.Git.GetRef(ctx, owner, name, "refs/heads/"+branch)
		return resp, err
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (h *GitHubHost) CreateBranch(ctx context.Context, repo, branch, from string) error {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}
	var base *github.Reference
	err = h.do(ctx, func() (*github.Response, error) {
		var resp *github.Response
		base, resp, err = h.client.Git.GetRef(ctx, owner, name, "refs/heads/"+from)
		return resp, err
	})
	if err != nil {
		return fmt.Errorf("resolve base %s: %w", from, err)
	}
	ref := &github.Reference{
		Ref:    github.String("refs/heads/" + branch),
		Object: &github.GitObject{SHA: base.Object.SHA},
	}
	return h.do(ctx, func() (*github.Response, error) {
		_, resp, err := h.client.Git.CreateRef(ctx, owner, name, ref)
		return resp, err
	})
}

// CommitFile creates or updates one file on the branch, mirroring the
// element-wise commit strategy the host API makes cheap.
func (h *GitHubHost) CommitFile(ctx context.Context, repo, branch, path, message, content string) error {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}
	var existing *github.RepositoryContent
	err = h.do(ctx, func() (*github.Response, error) {
		var resp *github.Response
		existing, _, resp, err = h.client.Repositories.GetContents(ctx, owner, name, path,
			&github.RepositoryContentGetOptions{Ref: branch})
		return resp, err
	})
	opts := &github.RepositoryContentFileOptions{
		Message: github.String(message),
		Content: []byte(content),
		Branch:  github.String(branch),
	}
	switch {
	case err == nil && existing != nil:
		opts.SHA = github.String(existing.GetSHA())
		return h.do(ctx, func() (*github.Response, error) {
			_, resp, err := h.client.Repositories.UpdateFile(ctx, owner, name, path, opts)
			return resp, err
		})
	case isNotFound(err):
		return h.do(ctx, func() (*github.Response, error) {
			_, resp, err := h.client.Repositories.CreateFile(ctx, owner, name, path, opts)
			return resp, err
		})
	default:
		return err
	}
}

func (h *GitHubHost) OpenPullRequest(ctx context.Context, repo, title, body, head, base string) (PullRequestRef, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return PullRequestRef{}, err
	}
	var pr *github.PullRequest
	err = h.do(ctx, func() (*github.Response, error) {
		var resp *github.Response
		pr, resp, err = h.client.PullRequests.Create(ctx, owner, name, &github.NewPullRequest{
			Title: github.String(title),
			Body:  github.String(body),
			Head:  github.String(head),
			Base:  github.String(base),
		})
		return resp, err
	})
	if err != nil {
		return PullRequestRef{}, err
	}
	return PullRequestRef{
		Repo:    repo,
		Branch:  head,
		Number:  pr.GetNumber(),
		HeadSHA: pr.GetHead().GetSHA(),
		URL:     pr.GetHTMLURL(),
	}, nil
}

// MergePullRequest squash-merges and returns the merge commit SHA.
func (h *GitHubHost) MergePullRequest(ctx context.Context, repo string, number int, message string) (string, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return "", err
	}
	var res *github.PullRequestMergeResult
	err = h.do(ctx, func() (*github.Response, error) {
		var resp *github.Response
		res, resp, err = h.client.PullRequests.Merge(ctx, owner, name, number, message,
			&github.PullRequestOptions{MergeMethod: "squash"})
		return resp, err
	})
	if err != nil {
		if isMergeConflict(err) {
			return "", fmt.Errorf("%w: %v", ErrNotMergeable, err)
		}
		return "", err
	}
	if !res.GetMerged() {
		return "", fmt.Errorf("%w: %s", ErrNotMergeable, res.GetMessage())
	}
	return res.GetSHA(), nil
}

// do runs one API call through the retry policy and normalizes auth errors.
func (h *GitHubHost) do(ctx context.Context, op func() (*github.Response, error)) error {
	err := withRetry(ctx, h.retry, h.log, op)
	if err != nil && isAuthError(err) {
		return fmt.Errorf("%w: %v", ErrAuth, err)
	}
	return err
}

func isNotFound(err error) bool {
	var ge *github.ErrorResponse
	return errors.As(err, &ge) && ge.Response != nil && ge.Response.StatusCode == http.StatusNotFound
}

func isAuthError(err error) bool {
	var ge *github.ErrorResponse
	if !errors.As(err, &ge) || ge.Response == nil {
		return false
	}
	return ge.Response.StatusCode == http.StatusUnauthorized
}

// isMergeConflict covers GitHub's 405 (not mergeable) and 409 (head moved).
func isMergeConflict(err error) bool {
	var ge *github.ErrorResponse
	if !errors.As(err, &ge) || ge.Response == nil {
		return false
	}
	code := ge.Response.StatusCode
	return code == http.StatusMethodNotAllowed || code == http.StatusConflict
}
