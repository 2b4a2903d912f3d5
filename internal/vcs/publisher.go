package vcs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/AirOxygenC/DriveCode/internal/pipeline"
)

// PublishStep identifies which publication step failed. The sequence is not
// atomic; a crash mid-way leaves an observable branch or PR, never a silently
// lost change.
type PublishStep string

const (
	StepBranch      PublishStep = "branch"
	StepCommit      PublishStep = "commit"
	StepPullRequest PublishStep = "pull_request"
)

// PublishError tags a failure with the step that produced it.
type PublishError struct {
	Step PublishStep
	Err  error
}

func (e *PublishError) Error() string { return fmt.Sprintf("publish %s: %v", e.Step, e.Err) }
func (e *PublishError) Unwrap() error { return e.Err }

// FailedStep extracts the step tag from an error chain, or "".
func FailedStep(err error) PublishStep {
	var pe *PublishError
	if errors.As(err, &pe) {
		return pe.Step
	}
	return ""
}

// BranchName derives the isolated branch for a session's change. The name is
// deterministic from session id and timestamp, so concurrent sessions on the
// same repository cannot collide.
func BranchName(sessionID string, at time.Time) string {
	sid := strings.ReplaceAll(sessionID, "-", "")
	if len(sid) > 8 {
		sid = sid[:8]
	}
	return fmt.Sprintf("drivecode/%s-%s", sid, at.UTC().Format("20060102-150405"))
}

// Publisher materializes a change artifact as branch + commits + pull request.
type Publisher struct {
	host Host
	log  *zap.SugaredLogger
}

func NewPublisher(host Host, log *zap.SugaredLogger) *Publisher {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Publisher{host: host, log: log}
}

// Publish pushes the artifact to the host on the given branch and opens a
// pull request against the base branch. Each step is independently
// retryable; a branch left over from a prior partial attempt is detected and
// reused rather than duplicated.
func (p *Publisher) Publish(ctx context.Context, art *pipeline.ChangeArtifact, branch string) (PullRequestRef, error) {
	repo := art.Request.Repo
	base := art.Request.BaseBranch
	if base == "" {
		def, err := p.host.DefaultBranch(ctx, repo)
		if err != nil {
			return PullRequestRef{}, &PublishError{Step: StepBranch, Err: err}
		}
		base = def
	}

	exists, err := p.host.BranchExists(ctx, repo, branch)
	if err != nil {
		return PullRequestRef{}, &PublishError{Step: StepBranch, Err: err}
	}
	if exists {
		p.log.Infow("reusing branch from prior attempt", "repo", repo, "branch", branch)
	} else if err := p.host.CreateBranch(ctx, repo, branch, base); err != nil {
		return PullRequestRef{}, &PublishError{Step: StepBranch, Err: err}
	}

	for _, f := range art.Files {
		msg := fmt.Sprintf("Update %s", f.Path)
		if err := p.host.CommitFile(ctx, repo, branch, f.Path, msg, f.Content); err != nil {
			return PullRequestRef{}, &PublishError{Step: StepCommit, Err: fmt.Errorf("%s: %w", f.Path, err)}
		}
	}
	for _, f := range art.Tests {
		msg := fmt.Sprintf("Add tests for %s", strings.TrimSuffix(f.Path, "_test.go"))
		if err := p.host.CommitFile(ctx, repo, branch, f.Path, msg, f.Content); err != nil {
			return PullRequestRef{}, &PublishError{Step: StepCommit, Err: fmt.Errorf("%s: %w", f.Path, err)}
		}
	}

	title := prTitle(art.Request.Description)
	ref, err := p.host.OpenPullRequest(ctx, repo, title, art.Narration, branch, base)
	if err != nil {
		return PullRequestRef{}, &PublishError{Step: StepPullRequest, Err: err}
	}
	p.log.Infow("pull request opened", "repo", repo, "number", ref.Number, "url", ref.URL)
	return ref, nil
}

// prTitle clips the spoken request into a one-line title.
func prTitle(description string) string {
	title := strings.TrimSpace(description)
	if i := strings.IndexAny(title, "\n"); i >= 0 {
		title = title[:i]
	}
	const max = 72
	if len(title) > max {
		title = title[:max-3] + "..."
	}
	if title == "" {
		title = "Voice-driven change"
	}
	return title
}
