// Package tts streams synthesized narration audio for status text.
package tts

import "context"

// Synthesizer streams audio bytes for the given text. The audio channel is
// closed when synthesis completes; at most one error is delivered.
type Synthesizer interface {
	StreamAudio(ctx context.Context, text string) (<-chan []byte, <-chan error)
}
