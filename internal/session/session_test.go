package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/AirOxygenC/DriveCode/internal/intent"
	"github.com/AirOxygenC/DriveCode/internal/llm"
	"github.com/AirOxygenC/DriveCode/internal/pipeline"
	"github.com/AirOxygenC/DriveCode/internal/stt"
	"github.com/AirOxygenC/DriveCode/internal/vcs"
)

// echoTranscriber returns the audio bytes verbatim as the transcript, so
// tests can speak by pushing text as audio.
type echoTranscriber struct{ err error }

func (e echoTranscriber) Transcribe(_ context.Context, audio []byte) (stt.Transcript, error) {
	if e.err != nil {
		return stt.Transcript{}, e.err
	}
	return stt.Transcript{Text: string(audio), Confidence: 0.92}, nil
}

// scriptGen answers each pipeline stage with canned output.
type scriptGen struct{}

func (scriptGen) Generate(_ context.Context, prompt string) (string, error) {
	switch {
	case strings.Contains(prompt, "planning a change"):
		return "web/login.go", nil
	case strings.Contains(prompt, "test engineer"):
		return "package web\n\nfunc TestLogin(t *T) {}", nil
	default:
		return "```go\npackage web\n\nfunc Login() {}\n```", nil
	}
}

// blockingGen holds every call until released, to keep a pipeline run in
// flight while the test pokes at the session.
type blockingGen struct {
	release chan struct{}
	inner   llm.Generator
}

func (g *blockingGen) Generate(ctx context.Context, prompt string) (string, error) {
	select {
	case <-g.release:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return g.inner.Generate(ctx, prompt)
}

type fakeHost struct {
	mu         sync.Mutex
	branches   []string
	commits    []string
	prs        int
	mergeCalls int
	mergeErr   error
	listErr    error
}

func (f *fakeHost) DefaultBranch(context.Context, string) (string, error) { return "main", nil }

func (f *fakeHost) ListFiles(context.Context, string, string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return []string{"README.md", "web/app.go"}, nil
}

func (f *fakeHost) BranchExists(context.Context, string, string) (bool, error) { return false, nil }

func (f *fakeHost) CreateBranch(_ context.Context, _ string, branch, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.branches = append(f.branches, branch)
	return nil
}

func (f *fakeHost) CommitFile(_ context.Context, _ string, _ string, path, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits = append(f.commits, path)
	return nil
}

func (f *fakeHost) OpenPullRequest(_ context.Context, repo, _, _, head, _ string) (vcs.PullRequestRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prs++
	return vcs.PullRequestRef{Repo: repo, Branch: head, Number: 42, URL: "https://github.com/acme/widgets/pull/42"}, nil
}

func (f *fakeHost) MergePullRequest(context.Context, string, int, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mergeCalls++
	if f.mergeErr != nil {
		return "", f.mergeErr
	}
	return "deadbeef", nil
}

func (f *fakeHost) merged() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mergeCalls
}

func (f *fakeHost) pullRequests() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prs
}

type recNotifier struct {
	mu     sync.Mutex
	states []State
	texts  []string
}

func (r *recNotifier) StateChanged(s State, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recNotifier) UserMessage(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, text)
}

func (r *recNotifier) sawState(s State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range r.states {
		if st == s {
			return true
		}
	}
	return false
}

func (r *recNotifier) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.states) > 0 && r.states[len(r.states)-1] == want
	}, 3*time.Second, 10*time.Millisecond, "waiting for state %s", want)
}

type recArchiver struct {
	mu   sync.Mutex
	id   string
	msgs []Message
}

func (a *recArchiver) Archive(_ context.Context, id string, msgs []Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.id = id
	a.msgs = msgs
	return nil
}

func newTestSession(t *testing.T, host vcs.Host, gen llm.Generator, tr stt.Transcriber, arch Archiver) (*Session, *recNotifier) {
	t.Helper()
	n := &recNotifier{}
	s := New("11112222-3333-4444", "acme/widgets", "", "tok-secret", Deps{
		Transcriber: tr,
		Classifier:  intent.NewClassifier(intent.DefaultKeywordSets()),
		Pipeline:    pipeline.New(gen, time.Second, nil),
		NewHost: func(context.Context, string) (vcs.Host, error) {
			return host, nil
		},
		Notifier: n,
		Archiver: arch,
		// Explicit end-of-speech only; the silence timer must not fire.
		SilenceWindow: time.Hour,
	})
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { s.Close("test done") })
	return s, n
}

func speak(s *Session, seq *uint32, text string) {
	*seq++
	s.PushAudio(*seq, []byte(text))
	s.EndOfSpeech()
}

func assistantSaid(s *Session, fragment string) bool {
	for _, m := range s.Messages() {
		if m.Role == "assistant" && strings.Contains(m.Text, fragment) {
			return true
		}
	}
	return false
}

func TestSession_RequestOpensPullRequest(t *testing.T) {
	host := &fakeHost{}
	s, n := newTestSession(t, host, scriptGen{}, echoTranscriber{}, nil)
	var seq uint32

	speak(s, &seq, "add a login button to the home page")
	n.waitState(t, StateAwaitingMerge)

	require.True(t, n.sawState(StateAnalyzing))
	require.True(t, n.sawState(StateGenerating))
	require.True(t, n.sawState(StatePublishing))

	host.mu.Lock()
	defer host.mu.Unlock()
	require.Len(t, host.branches, 1)
	require.True(t, strings.HasPrefix(host.branches[0], "drivecode/11112222-"))
	require.Equal(t, []string{"web/login.go", "web/login_test.go"}, host.commits)
	require.Equal(t, 1, host.prs)
	require.Equal(t, 0, host.mergeCalls)
}

func TestSession_ApproveMergesAndReturnsIdle(t *testing.T) {
	host := &fakeHost{}
	s, n := newTestSession(t, host, scriptGen{}, echoTranscriber{}, nil)
	var seq uint32

	speak(s, &seq, "add a login button")
	n.waitState(t, StateAwaitingMerge)

	speak(s, &seq, "yes, merge it")
	n.waitState(t, StateIdle)

	require.Equal(t, 1, host.merged())
	require.True(t, n.sawState(StateMerging))
	require.True(t, assistantSaid(s, "Merged"))
}

func TestSession_RejectNeverTouchesTheHost(t *testing.T) {
	host := &fakeHost{}
	s, n := newTestSession(t, host, scriptGen{}, echoTranscriber{}, nil)
	var seq uint32

	speak(s, &seq, "add a login button")
	n.waitState(t, StateAwaitingMerge)

	speak(s, &seq, "no, don't merge it")
	n.waitState(t, StateIdle)

	require.Equal(t, 0, host.merged())
	require.True(t, assistantSaid(s, "stays open"))
}

func TestSession_AmbiguousVerdictNeverMerges(t *testing.T) {
	host := &fakeHost{}
	s, n := newTestSession(t, host, scriptGen{}, echoTranscriber{}, nil)
	var seq uint32

	speak(s, &seq, "add a login button")
	n.waitState(t, StateAwaitingMerge)

	speak(s, &seq, "hello there how is the weather")
	require.Eventually(t, func() bool {
		return assistantSaid(s, "didn't catch a decision")
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, 0, host.merged())
	require.Equal(t, StateAwaitingMerge, s.State())
	require.Equal(t, 1, host.pullRequests())
}

func TestSession_BusyWhileGenerating(t *testing.T) {
	host := &fakeHost{}
	gen := &blockingGen{release: make(chan struct{}), inner: scriptGen{}}
	s, n := newTestSession(t, host, gen, echoTranscriber{}, nil)
	var seq uint32

	speak(s, &seq, "add a login button")
	n.waitState(t, StateGenerating)

	speak(s, &seq, "also add a signup form")
	require.Eventually(t, func() bool {
		return assistantSaid(s, "still working")
	}, 2*time.Second, 10*time.Millisecond)

	close(gen.release)
	n.waitState(t, StateAwaitingMerge)
	require.Equal(t, 1, host.pullRequests())
}

func TestSession_TranscriptionFailureKeepsState(t *testing.T) {
	host := &fakeHost{}
	s, n := newTestSession(t, host, scriptGen{}, echoTranscriber{err: errors.New("upstream timeout")}, nil)
	var seq uint32

	speak(s, &seq, "add a login button")
	require.Eventually(t, func() bool {
		return assistantSaid(s, "couldn't process that audio")
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, StateIdle, s.State())
	require.Equal(t, 0, host.pullRequests())
	require.False(t, n.sawState(StateAnalyzing))

	// The failure must also reach a client that can't play narration audio.
	require.True(t, n.sawState(StateError))
	n.waitState(t, StateIdle)
}

func TestSession_GenerationFailureSettlesIdle(t *testing.T) {
	host := &fakeHost{}
	failGen := llm.GeneratorFunc(func(context.Context, string) (string, error) {
		return "", errors.New("engine unavailable")
	})
	s, n := newTestSession(t, host, failGen, echoTranscriber{}, nil)
	var seq uint32

	speak(s, &seq, "add a login button")
	require.Eventually(t, func() bool {
		return n.sawState(StateError)
	}, 2*time.Second, 10*time.Millisecond)
	n.waitState(t, StateIdle)

	require.True(t, assistantSaid(s, "Generation failed during planning"))
	require.Equal(t, 0, host.pullRequests())
}

func TestSession_MergeConflictThenRetry(t *testing.T) {
	host := &fakeHost{mergeErr: vcs.ErrNotMergeable}
	s, n := newTestSession(t, host, scriptGen{}, echoTranscriber{}, nil)
	var seq uint32

	speak(s, &seq, "add a login button")
	n.waitState(t, StateAwaitingMerge)

	speak(s, &seq, "merge it")
	require.Eventually(t, func() bool {
		return assistantSaid(s, "conflicts")
	}, 2*time.Second, 10*time.Millisecond)
	n.waitState(t, StateAwaitingMerge)
	require.Equal(t, 1, host.merged())

	host.mu.Lock()
	host.mergeErr = nil
	host.mu.Unlock()

	speak(s, &seq, "merge it")
	n.waitState(t, StateIdle)
	require.Equal(t, 2, host.merged())
}

func TestSession_CloseAbandonsPendingAndReleasesCredential(t *testing.T) {
	host := &fakeHost{}
	arch := &recArchiver{}
	s, n := newTestSession(t, host, scriptGen{}, echoTranscriber{}, arch)
	var seq uint32

	speak(s, &seq, "add a login button")
	n.waitState(t, StateAwaitingMerge)
	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()
	require.NotNil(t, gate)

	s.Close("client disconnected")

	require.Equal(t, OutcomeAbandoned, gate.Outcome())
	require.Equal(t, 0, host.merged())
	require.Nil(t, s.cred)
	require.Nil(t, s.host)

	arch.mu.Lock()
	defer arch.mu.Unlock()
	require.Equal(t, "11112222-3333-4444", arch.id)
	require.NotEmpty(t, arch.msgs)
	for _, m := range arch.msgs {
		require.NotContains(t, m.Text, "tok-secret")
	}
}

func TestSession_AuthFailureForcesSignOut(t *testing.T) {
	host := &fakeHost{listErr: vcs.ErrAuth}
	s, n := newTestSession(t, host, scriptGen{}, echoTranscriber{}, nil)
	var seq uint32

	speak(s, &seq, "add a login button")

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.cred == nil
	}, 3*time.Second, 10*time.Millisecond, "credential should be released")
	require.True(t, n.sawState(StateError))
	require.Equal(t, 0, host.pullRequests())
}

func TestSession_UserMessagesForwarded(t *testing.T) {
	host := &fakeHost{}
	s, n := newTestSession(t, host, scriptGen{}, echoTranscriber{}, nil)
	var seq uint32

	speak(s, &seq, "add a login button")
	n.waitState(t, StateAwaitingMerge)

	n.mu.Lock()
	defer n.mu.Unlock()
	require.Equal(t, []string{"add a login button"}, n.texts)
}
