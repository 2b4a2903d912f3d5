package segmenter

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, s *Segmenter, timeout time.Duration) *Utterance {
	t.Helper()
	select {
	case u, ok := <-s.Utterances():
		if !ok {
			return nil
		}
		return &u
	case <-time.After(timeout):
		return nil
	}
}

func TestSegmenter_EndOfSpeechEmitsOneUtterance(t *testing.T) {
	s := New(time.Minute, 0, nil)
	defer s.Close()
	s.Push(0, []byte("hello "))
	s.Push(1, []byte("world"))
	s.EndOfSpeech()

	u := collect(t, s, 200*time.Millisecond)
	require.NotNil(t, u)
	require.Equal(t, []byte("hello world"), u.Audio)
	require.False(t, u.Forced)

	// No residual audio: a second end-of-speech emits nothing.
	s.EndOfSpeech()
	require.Nil(t, collect(t, s, 50*time.Millisecond))
}

func TestSegmenter_SilenceTimeoutFlushes(t *testing.T) {
	s := New(30*time.Millisecond, 0, nil)
	defer s.Close()
	s.Push(0, []byte{1, 2, 3})

	u := collect(t, s, 500*time.Millisecond)
	require.NotNil(t, u, "expected silence flush")
	require.Equal(t, []byte{1, 2, 3}, u.Audio)
}

func TestSegmenter_OutOfOrderChunksDropped(t *testing.T) {
	s := New(time.Minute, 0, nil)
	defer s.Close()
	s.Push(0, []byte("a"))
	s.Push(2, []byte("c")) // gap is fine: chunk 1 was lost in transport
	s.Push(1, []byte("b")) // late arrival must be rejected
	s.EndOfSpeech()

	u := collect(t, s, 200*time.Millisecond)
	require.NotNil(t, u)
	require.Equal(t, []byte("ac"), u.Audio)
}

func TestSegmenter_MaxSizeForceFlush(t *testing.T) {
	s := New(time.Minute, 4, nil)
	defer s.Close()
	s.Push(0, []byte{1, 2, 3})
	s.Push(1, []byte{4, 5, 6}) // exceeds cap: first three bytes flushed

	u := collect(t, s, 200*time.Millisecond)
	require.NotNil(t, u)
	require.True(t, u.Forced)
	require.Equal(t, []byte{1, 2, 3}, u.Audio)

	s.EndOfSpeech()
	u2 := collect(t, s, 200*time.Millisecond)
	require.NotNil(t, u2)
	require.Equal(t, []byte{4, 5, 6}, u2.Audio)

	// Duration bound: an emitted utterance never exceeds the configured cap.
	require.LessOrEqual(t, len(u.Audio), 4)
	require.LessOrEqual(t, len(u2.Audio), 4)

	// The overflowing chunk starts a fresh utterance; it must not inherit
	// the flushed one's start time.
	require.False(t, u2.Start.Before(u.End))
}

func TestSegmenter_SilentChunksDoNotPostponeFlush(t *testing.T) {
	s := New(40*time.Millisecond, 0, nil)
	defer s.Close()

	loud := make([]byte, 320)
	for i := 0; i < len(loud); i += 2 {
		loud[i], loud[i+1] = 0xE8, 0x03 // 1000 per sample
	}
	quiet := make([]byte, 320) // all zero samples

	s.Push(0, loud)
	// Keep streaming silence faster than the silence window; the utterance
	// must still finalize because no speech energy arrives.
	done := make(chan struct{})
	go func() {
		defer close(done)
		seq := uint32(1)
		for i := 0; i < 20; i++ {
			s.Push(seq, quiet)
			seq++
			time.Sleep(10 * time.Millisecond)
		}
	}()

	u := collect(t, s, time.Second)
	require.NotNil(t, u, "expected flush despite continuous silent chunks")
	<-done
}

func TestEnergyVAD(t *testing.T) {
	v := newEnergyVAD()
	loud := []byte{0xE8, 0x03, 0xE8, 0x03} // two samples of 1000
	quiet := []byte{1, 0, 1, 0}            // two samples of 1

	require.True(t, v.isSpeech(loud))
	require.False(t, newEnergyVAD().isSpeech(quiet))
	require.False(t, newEnergyVAD().isSpeech(nil))

	// Smoothing: one quiet chunk right after speech still reads as speech.
	v2 := newEnergyVAD()
	require.True(t, v2.isSpeech(loud))
	require.True(t, v2.isSpeech(quiet))
}

func TestSegmenter_CloseDiscardsPartial(t *testing.T) {
	s := New(time.Minute, 0, nil)
	s.Push(0, []byte("partial"))
	s.Close()
	require.Nil(t, collect(t, s, 50*time.Millisecond))
	// Push after close is a no-op.
	s.Push(1, []byte("late"))
}

func TestSegmenter_CloseRacingFlushDoesNotPanic(t *testing.T) {
	// A flush that slips past the stopped check must never hit a closed
	// channel, whichever side wins the race.
	for i := 0; i < 500; i++ {
		s := New(time.Millisecond, 0, nil)
		s.Push(0, []byte("audio"))
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.EndOfSpeech()
		}()
		go func() {
			defer wg.Done()
			s.Close()
		}()
		wg.Wait()
	}
}
