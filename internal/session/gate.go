package session

import (
	"context"
	"errors"
	"sync"

	"github.com/AirOxygenC/DriveCode/internal/vcs"
)

// GateOutcome is the lifecycle position of a pending pull request.
type GateOutcome int

const (
	// OutcomePending means the pull request awaits a voice verdict.
	OutcomePending GateOutcome = iota
	// OutcomeMerged means an approval was executed against the host.
	OutcomeMerged
	// OutcomeDiscarded means the user rejected; the pull request stays open
	// on the host for manual review.
	OutcomeDiscarded
	// OutcomeAbandoned means the session ended with no verdict.
	OutcomeAbandoned
)

func (o GateOutcome) String() string {
	switch o {
	case OutcomeMerged:
		return "merged"
	case OutcomeDiscarded:
		return "discarded"
	case OutcomeAbandoned:
		return "abandoned"
	default:
		return "pending"
	}
}

// ErrGateResolved is returned for any verdict after the gate reached a
// terminal outcome. Terminal outcomes never revert.
var ErrGateResolved = errors.New("session: merge gate already resolved")

// ErrDecisionInFlight is returned when a verdict arrives while a merge call
// is still executing.
var ErrDecisionInFlight = errors.New("session: merge decision in flight")

// MergeGate holds one pull request awaiting its voice verdict. Exactly one
// terminal outcome is ever recorded; a failed merge leaves the gate pending
// so the user can retry or reject.
type MergeGate struct {
	ref vcs.PullRequestRef

	mu       sync.Mutex
	outcome  GateOutcome
	inflight bool
	sha      string
}

func NewMergeGate(ref vcs.PullRequestRef) *MergeGate {
	return &MergeGate{ref: ref}
}

func (g *MergeGate) Ref() vcs.PullRequestRef { return g.ref }

func (g *MergeGate) Outcome() GateOutcome {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.outcome
}

// MergedSHA returns the merge commit SHA once the outcome is OutcomeMerged.
func (g *MergeGate) MergedSHA() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sha
}

// Approve executes the merge against the host. On failure the gate stays
// pending and the error is returned; on success the gate closes as merged.
func (g *MergeGate) Approve(ctx context.Context, host vcs.Host, message string) (string, error) {
	g.mu.Lock()
	if g.outcome != OutcomePending {
		g.mu.Unlock()
		return "", ErrGateResolved
	}
	if g.inflight {
		g.mu.Unlock()
		return "", ErrDecisionInFlight
	}
	g.inflight = true
	g.mu.Unlock()

	sha, err := host.MergePullRequest(ctx, g.ref.Repo, g.ref.Number, message)

	g.mu.Lock()
	defer g.mu.Unlock()
	g.inflight = false
	if err != nil {
		return "", err
	}
	// A concurrent Abandon may have closed the gate while the call ran; the
	// merge still happened, so record it.
	g.outcome = OutcomeMerged
	g.sha = sha
	return sha, nil
}

// Reject closes the gate as discarded without touching the host.
func (g *MergeGate) Reject() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.outcome != OutcomePending {
		return ErrGateResolved
	}
	if g.inflight {
		return ErrDecisionInFlight
	}
	g.outcome = OutcomeDiscarded
	return nil
}

// Abandon closes a still-pending gate when the session ends.
func (g *MergeGate) Abandon() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.outcome != OutcomePending {
		return ErrGateResolved
	}
	g.outcome = OutcomeAbandoned
	return nil
}
