// Package session owns one connected client end to end: it consumes the
// audio channel, drives transcription, classification, the generation
// pipeline and publication, and gates the merge on an explicit voice verdict.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/AirOxygenC/DriveCode/internal/intent"
	"github.com/AirOxygenC/DriveCode/internal/narrate"
	"github.com/AirOxygenC/DriveCode/internal/pipeline"
	"github.com/AirOxygenC/DriveCode/internal/segmenter"
	"github.com/AirOxygenC/DriveCode/internal/stt"
	"github.com/AirOxygenC/DriveCode/internal/vcs"
)

// State is the session's externally visible position in the workflow.
type State string

const (
	StateIdle          State = "IDLE"
	StateAnalyzing     State = "ANALYZING"
	StateGenerating    State = "GENERATING"
	StatePublishing    State = "PUBLISHING"
	StateAwaitingMerge State = "AWAITING_MERGE_DECISION"
	StateMerging       State = "MERGING"
	StateError         State = "ERROR"
)

// Notifier receives ordered status and transcript events for the client.
// Implementations must not block the caller for long; the socket writer
// buffers on its side.
type Notifier interface {
	StateChanged(state State, detail string)
	UserMessage(text string)
}

// Message is one entry of the session's ordered conversation log.
type Message struct {
	Role string    `json:"role"` // "user" or "assistant"
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Archiver persists the conversation log when the session ends. The session
// credential is never part of the archived payload.
type Archiver interface {
	Archive(ctx context.Context, sessionID string, messages []Message) error
}

// Deps are the collaborators a session needs. All are required except
// Archiver and Log.
type Deps struct {
	Transcriber stt.Transcriber
	Classifier  *intent.Classifier
	Pipeline    *pipeline.Pipeline
	// NewHost builds the source-control client from the session credential.
	// The credential never leaves the returned client.
	NewHost  func(ctx context.Context, token string) (vcs.Host, error)
	Notifier Notifier
	Narrator *narrate.Narrator
	Archiver Archiver
	Log      *zap.SugaredLogger

	SilenceWindow     time.Duration
	MaxUtteranceBytes int
}

// Session is the per-connection orchestrator. One goroutine consumes the
// utterance channel; pipeline runs and merge calls execute on their own
// goroutines so the audio path is never blocked by generation.
type Session struct {
	id   string
	repo string
	base string

	deps Deps
	log  *zap.SugaredLogger
	seg  *segmenter.Segmenter

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	mu    sync.Mutex
	state State
	cred  []byte
	host  vcs.Host
	gate  *MergeGate
	msgs  []Message
}

// New prepares a session for a client that authorized access to repo with
// the given bearer credential. The credential is copied into session memory
// and zeroed on Close.
func New(id, repo, baseBranch, token string, deps Deps) *Session {
	if deps.Log == nil {
		deps.Log = zap.NewNop().Sugar()
	}
	return &Session{
		id:    id,
		repo:  repo,
		base:  baseBranch,
		deps:  deps,
		log:   deps.Log.With("session", id, "repo", repo),
		seg:   segmenter.New(deps.SilenceWindow, deps.MaxUtteranceBytes, deps.Log),
		state: StateIdle,
		cred:  []byte(token),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Messages returns a copy of the conversation log so far.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

// Start authenticates against the host and begins consuming utterances.
func (s *Session) Start(ctx context.Context) error {
	host, err := s.deps.NewHost(ctx, string(s.cred))
	if err != nil {
		return fmt.Errorf("session %s: %w", s.id, err)
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Lock()
	s.host = host
	s.mu.Unlock()

	if s.deps.Narrator != nil {
		s.deps.Narrator.Start(ctx)
	}
	s.wg.Add(1)
	go s.loop(ctx)
	s.setState(StateIdle, "Ready. Tell me what to change.")
	return nil
}

// PushAudio feeds one sequenced audio chunk from the client channel.
func (s *Session) PushAudio(seq uint32, chunk []byte) {
	s.seg.Push(seq, chunk)
}

// EndOfSpeech marks the current utterance complete.
func (s *Session) EndOfSpeech() {
	s.seg.EndOfSpeech()
}

// Close tears the session down: the audio channel stops, a still-pending
// merge gate is abandoned, the conversation log is archived and the
// credential is released. Safe to call more than once.
func (s *Session) Close(reason string) {
	s.once.Do(func() {
		s.log.Infow("session closing", "reason", reason)
		s.seg.Close()
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		if s.deps.Narrator != nil {
			s.deps.Narrator.Close()
		}

		s.mu.Lock()
		if s.gate != nil && s.gate.Outcome() == OutcomePending {
			_ = s.gate.Abandon()
			s.log.Infow("pending pull request abandoned",
				"pr", s.gate.Ref().Number, "url", s.gate.Ref().URL)
		}
		msgs := make([]Message, len(s.msgs))
		copy(msgs, s.msgs)
		s.host = nil
		for i := range s.cred {
			s.cred[i] = 0
		}
		s.cred = nil
		s.mu.Unlock()

		if s.deps.Archiver != nil {
			actx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.deps.Archiver.Archive(actx, s.id, msgs); err != nil {
				s.log.Warnw("conversation archive failed", "error", err)
			}
		}
	})
}

func (s *Session) loop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-s.seg.Utterances():
			if !ok {
				return
			}
			s.handleUtterance(ctx, u)
		}
	}
}

func (s *Session) handleUtterance(ctx context.Context, u segmenter.Utterance) {
	tr, err := s.deps.Transcriber.Transcribe(ctx, u.Audio)
	if err != nil {
		if errors.Is(err, stt.ErrNoSpeech) {
			s.say("I didn't hear anything. Please try again.")
			return
		}
		s.log.Warnw("transcription failed", "error", err)
		detail := "I couldn't process that audio. Please say it again."
		s.deps.Notifier.StateChanged(StateError, detail)
		s.deps.Notifier.StateChanged(s.State(), "")
		s.say(detail)
		return
	}

	text := strings.TrimSpace(tr.Text)
	s.recordMessage("user", text)
	s.deps.Notifier.UserMessage(text)
	s.log.Infow("utterance transcribed", "text", text, "confidence", tr.Confidence)

	res := s.deps.Classifier.Classify(text, s.pendingGate() != nil)
	switch res.Kind {
	case intent.Unintelligible:
		if s.pendingGate() != nil {
			s.say("I didn't catch a decision. Say merge to merge the pull request, or reject to leave it open.")
		} else {
			s.say("I didn't catch that. Please repeat your request.")
		}
	case intent.NewRequest:
		s.startRequest(ctx, text)
	case intent.MergeDecision:
		s.startDecision(ctx, res)
	}
}

// startRequest launches the generation pipeline for a new coding request
// unless the session is already busy with one.
func (s *Session) startRequest(ctx context.Context, description string) {
	s.mu.Lock()
	switch s.state {
	case StateIdle:
	case StateAwaitingMerge:
		s.mu.Unlock()
		s.say("A pull request is still awaiting your decision. Say merge or reject first.")
		return
	default:
		s.mu.Unlock()
		s.say("I'm still working on your previous request. One moment.")
		return
	}
	s.state = StateAnalyzing
	s.mu.Unlock()
	s.deps.Notifier.StateChanged(StateAnalyzing, "")
	s.say("Working on it. Analyzing the repository.")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runRequest(ctx, description)
	}()
}

func (s *Session) runRequest(ctx context.Context, description string) {
	host := s.currentHost()
	if host == nil {
		return
	}

	files, err := host.ListFiles(ctx, s.repo, s.base)
	if err != nil {
		if errors.Is(err, vcs.ErrAuth) {
			s.terminate("Your GitHub authorization is no longer valid. Please sign in again.", err)
			return
		}
		s.fail(StateIdle, "I couldn't read the repository. Please try again.", err)
		return
	}

	s.setState(StateGenerating, "Generating code changes.")
	art, err := s.deps.Pipeline.Run(ctx, pipeline.ChangeRequest{
		SessionID:   s.id,
		Repo:        s.repo,
		BaseBranch:  s.base,
		Description: description,
		RepoContext: strings.Join(files, "\n"),
	})
	if err != nil {
		detail := "Generation failed. Please try again."
		if st := pipeline.FailedStage(err); st != "" {
			detail = fmt.Sprintf("Generation failed during %s. Please try again.", st)
		}
		s.fail(StateIdle, detail, err)
		return
	}

	s.setState(StatePublishing, "Publishing the change to GitHub.")
	branch := vcs.BranchName(s.id, time.Now())
	pub := vcs.NewPublisher(host, s.log)
	ref, err := pub.Publish(ctx, art, branch)
	if err != nil {
		s.fail(StateIdle, "I couldn't publish the change to GitHub. Please try again.", err)
		return
	}

	s.mu.Lock()
	s.gate = NewMergeGate(ref)
	s.state = StateAwaitingMerge
	s.mu.Unlock()
	s.deps.Notifier.StateChanged(StateAwaitingMerge, ref.URL)
	s.say(fmt.Sprintf("Pull request number %d is open with %d file(s) changed. Say merge to merge it, or reject to leave it open.",
		ref.Number, len(art.Files)))
}

// startDecision executes a merge verdict against the pending gate.
func (s *Session) startDecision(ctx context.Context, res intent.Result) {
	gate := s.pendingGate()
	if gate == nil {
		return
	}
	switch res.Decision {
	case intent.Reject:
		if err := gate.Reject(); err != nil {
			s.log.Warnw("reject ignored", "error", err)
			return
		}
		s.log.Infow("merge rejected", "pr", gate.Ref().Number, "matched", res.Matched)
		s.mu.Lock()
		s.gate = nil
		s.state = StateIdle
		s.mu.Unlock()
		s.deps.Notifier.StateChanged(StateIdle, "")
		s.say("Understood. The pull request stays open for manual review. What's next?")
	case intent.Approve:
		s.setState(StateMerging, "Merging the pull request.")
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runMerge(ctx, gate, res)
		}()
	}
}

func (s *Session) runMerge(ctx context.Context, gate *MergeGate, res intent.Result) {
	host := s.currentHost()
	if host == nil {
		return
	}
	msg := fmt.Sprintf("Merge voice-driven change (PR #%d)", gate.Ref().Number)
	sha, err := gate.Approve(ctx, host, msg)
	if err != nil {
		if errors.Is(err, vcs.ErrAuth) {
			s.terminate("Your GitHub authorization is no longer valid. Please sign in again.", err)
			return
		}
		detail := "The merge failed. Say merge to retry, or reject to leave it open."
		if errors.Is(err, vcs.ErrNotMergeable) {
			detail = "The pull request has conflicts and can't be merged. Say reject to leave it open, or resolve the conflicts and say merge again."
		}
		s.mu.Lock()
		s.state = StateAwaitingMerge
		s.mu.Unlock()
		s.deps.Notifier.StateChanged(StateError, detail)
		s.deps.Notifier.StateChanged(StateAwaitingMerge, gate.Ref().URL)
		s.say(detail)
		s.log.Warnw("merge failed", "pr", gate.Ref().Number, "error", err)
		return
	}
	s.log.Infow("pull request merged", "pr", gate.Ref().Number, "sha", sha, "matched", res.Matched)
	s.mu.Lock()
	s.gate = nil
	s.state = StateIdle
	s.mu.Unlock()
	s.deps.Notifier.StateChanged(StateIdle, "")
	s.say("Merged. The change is on the main branch. What's next?")
}

func (s *Session) pendingGate() *MergeGate {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gate != nil && s.gate.Outcome() == OutcomePending {
		return s.gate
	}
	return nil
}

func (s *Session) currentHost() vcs.Host {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.host
}

func (s *Session) setState(st State, narration string) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.deps.Notifier.StateChanged(st, "")
	if narration != "" {
		s.say(narration)
	}
}

// terminate forces sign-out on irrecoverable credential failures. The close
// runs on its own goroutine because the caller is itself tracked by wg.
func (s *Session) terminate(detail string, err error) {
	s.log.Errorw("session terminating", "error", err)
	s.deps.Notifier.StateChanged(StateError, detail)
	s.say(detail)
	go s.Close("credential failure")
}

// fail reports an error condition and settles the session on next.
func (s *Session) fail(next State, detail string, err error) {
	s.log.Errorw("request failed", "error", err)
	s.mu.Lock()
	s.state = next
	s.mu.Unlock()
	s.deps.Notifier.StateChanged(StateError, detail)
	s.deps.Notifier.StateChanged(next, "")
	s.say(detail)
}

// say narrates one line and records it in the conversation log.
func (s *Session) say(text string) {
	s.recordMessage("assistant", text)
	if s.deps.Narrator != nil {
		s.deps.Narrator.Say(text)
	}
}

func (s *Session) recordMessage(role, text string) {
	if text == "" {
		return
	}
	s.mu.Lock()
	s.msgs = append(s.msgs, Message{Role: role, Text: text, At: time.Now()})
	s.mu.Unlock()
}
