// Package segmenter buffers sequenced audio chunks from the client channel
// and decides when a spoken turn has ended.
package segmenter

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// SILENCE_THRESHOLD is the base inactivity window required before we consider
// an utterance complete when the client sends no explicit end-of-speech marker.
// Keep conservative to avoid cutting the user mid-sentence.
const SILENCE_THRESHOLD = 700 * time.Millisecond

// DefaultMaxUtteranceBytes caps a single utterance buffer. Beyond this the
// segmenter force-flushes what it has rather than growing without bound.
const DefaultMaxUtteranceBytes = 10 << 20

// Utterance is one continuous span of captured audio judged to be a single
// spoken turn. It is consumed exactly once by the transcription adapter.
type Utterance struct {
	Audio []byte
	Start time.Time
	End   time.Time
	// Forced is set when the utterance was emitted because the size cap was
	// hit, not because the speaker finished.
	Forced bool
}

// Segmenter accumulates sequenced PCM chunks and emits utterances on an
// explicit end-of-speech signal, on silence timeout, or on overflow.
// It holds no cross-utterance audio state once flushed.
type Segmenter struct {
	silence  time.Duration
	maxBytes int
	log      *zap.SugaredLogger

	out    chan Utterance
	stopCh chan struct{}

	mu      sync.Mutex
	buf     []byte
	start   time.Time
	nextSeq uint32
	timer   *time.Timer
	vad     *energyVAD
	stopped bool
	dropped int
}

// New constructs a Segmenter. Zero silence or maxBytes select the defaults.
func New(silence time.Duration, maxBytes int, log *zap.SugaredLogger) *Segmenter {
	if silence <= 0 {
		silence = SILENCE_THRESHOLD
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUtteranceBytes
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Segmenter{
		silence:  silence,
		maxBytes: maxBytes,
		log:      log,
		out:      make(chan Utterance, 8),
		stopCh:   make(chan struct{}),
		vad:      newEnergyVAD(),
	}
}

// Utterances returns the channel of completed utterances.
func (s *Segmenter) Utterances() <-chan Utterance { return s.out }

// Push appends one audio chunk. Chunks must carry a monotonic sequence
// number; late or duplicate chunks are dropped and logged, never blocked on.
func (s *Segmenter) Push(seq uint32, chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	if seq < s.nextSeq {
		s.dropped++
		n := s.dropped
		s.mu.Unlock()
		s.log.Warnw("dropping out-of-order audio chunk", "seq", seq, "dropped_total", n)
		return
	}
	s.nextSeq = seq + 1

	if len(s.buf) == 0 {
		s.start = time.Now()
	}

	var forced *Utterance
	if len(s.buf)+len(chunk) > s.maxBytes && len(s.buf) > 0 {
		// Overflow: flush what we have before accepting the new chunk. The
		// chunk seeds a fresh utterance with its own start time.
		u := s.takeLocked(true)
		forced = &u
		s.start = time.Now()
	}
	s.buf = append(s.buf, chunk...)
	// Silent chunks are buffered but do not postpone the flush: a client that
	// streams continuously still gets its utterance finalized once the speech
	// energy drops, same as one that stops sending.
	if s.vad.isSpeech(chunk) || s.timer == nil {
		s.resetTimerLocked()
	}
	s.mu.Unlock()

	if forced != nil {
		s.log.Warnw("utterance size cap reached, force-flushing", "bytes", len(forced.Audio))
		s.emit(*forced)
	}
}

// EndOfSpeech flushes the current buffer immediately, emitting an utterance
// if any audio was captured.
func (s *Segmenter) EndOfSpeech() {
	s.mu.Lock()
	if s.stopped || len(s.buf) == 0 {
		s.stopTimerLocked()
		s.mu.Unlock()
		return
	}
	u := s.takeLocked(false)
	s.mu.Unlock()
	s.emit(u)
}

// Close stops the segmenter and discards any partial buffer. The utterance
// channel is left open because a flush may still be racing a concurrent
// Close; consumers stop through their own context instead of a channel
// close.
func (s *Segmenter) Close() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.stopTimerLocked()
	s.buf = nil
	s.mu.Unlock()
	close(s.stopCh)
}

// takeLocked removes the current buffer as an utterance. Caller holds mu.
func (s *Segmenter) takeLocked(forced bool) Utterance {
	u := Utterance{Audio: s.buf, Start: s.start, End: time.Now(), Forced: forced}
	s.buf = nil
	s.stopTimerLocked()
	return u
}

func (s *Segmenter) emit(u Utterance) {
	select {
	case s.out <- u:
	case <-s.stopCh:
	}
}

// resetTimerLocked (re)arms the silence timer; fired timers finalize the
// utterance exactly as an explicit end-of-speech would.
func (s *Segmenter) resetTimerLocked() {
	if s.timer == nil {
		s.timer = time.AfterFunc(s.silence, s.flushDueToSilence)
		return
	}
	_ = s.timer.Stop()
	s.timer.Reset(s.silence)
}

func (s *Segmenter) stopTimerLocked() {
	if s.timer != nil {
		_ = s.timer.Stop()
		s.timer = nil
	}
}

func (s *Segmenter) flushDueToSilence() {
	select {
	case <-s.stopCh:
		return
	default:
	}
	s.mu.Lock()
	if s.stopped || len(s.buf) == 0 {
		s.mu.Unlock()
		return
	}
	u := s.takeLocked(false)
	s.mu.Unlock()
	s.log.Debugw("utterance finalized by silence", "bytes", len(u.Audio))
	s.emit(u)
}
