// Package narrate converts orchestrator status text to speech and delivers
// the audio to the client in emission order.
package narrate

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/AirOxygenC/DriveCode/internal/tts"
)

// Sink delivers one chunk of synthesized audio to the client.
type Sink interface {
	WriteAudio(chunk []byte) error
}

// Narrator serializes synthesis so narration for a session always plays in
// the order it was emitted. Enqueueing never blocks the caller; when the
// backlog is full the newest line is dropped and logged, since stale status
// narration is worthless by the time the queue drains.
type Narrator struct {
	synth tts.Synthesizer
	sink  Sink
	log   *zap.SugaredLogger

	queue   chan string
	stopCh  chan struct{}
	done    chan struct{}
	started atomic.Bool
}

func New(synth tts.Synthesizer, sink Sink, log *zap.SugaredLogger) *Narrator {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Narrator{
		synth:  synth,
		sink:   sink,
		log:    log,
		queue:  make(chan string, 16),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the synthesis worker. It returns immediately; Close stops it.
// Calling Start more than once is a no-op.
func (n *Narrator) Start(ctx context.Context) {
	if !n.started.CompareAndSwap(false, true) {
		return
	}
	go n.run(ctx)
}

// Say enqueues one line of narration.
func (n *Narrator) Say(text string) {
	if text == "" {
		return
	}
	select {
	case <-n.stopCh:
	case n.queue <- text:
	default:
		n.log.Warnw("narration backlog full, dropping line", "text", text)
	}
}

// Close stops the worker; queued lines not yet synthesized are discarded.
// Safe to call even when Start never ran, as happens when session setup
// fails before the worker launches.
func (n *Narrator) Close() {
	select {
	case <-n.stopCh:
		return
	default:
	}
	close(n.stopCh)
	if n.started.Load() {
		<-n.done
	}
}

func (n *Narrator) run(ctx context.Context) {
	defer close(n.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.stopCh:
			return
		case text := <-n.queue:
			n.speak(ctx, text)
		}
	}
}

// speak streams one line fully before the next is taken, which is what
// guarantees per-session ordering.
func (n *Narrator) speak(ctx context.Context, text string) {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	audioCh, errCh := n.synth.StreamAudio(sctx, text)
	openAudio, openErr := true, true
	for openAudio || openErr {
		select {
		case b, ok := <-audioCh:
			if !ok {
				openAudio = false
				continue
			}
			if len(b) == 0 {
				continue
			}
			if err := n.sink.WriteAudio(b); err != nil {
				n.log.Warnw("narration delivery failed", "error", err)
				return
			}
		case err, ok := <-errCh:
			if ok && err != nil {
				n.log.Warnw("narration synthesis failed", "error", err)
			}
			openErr = false
		case <-n.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}
