package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// ElevenLabsClient streams narration audio from the ElevenLabs TTS endpoint.
type ElevenLabsClient struct {
	APIKey     string
	VoiceID    string
	HTTPClient *http.Client

	baseHost string
}

func NewElevenLabsClient(apiKey, voiceID string) *ElevenLabsClient {
	return &ElevenLabsClient{
		APIKey:     apiKey,
		VoiceID:    voiceID,
		HTTPClient: &http.Client{Timeout: 0},
		baseHost:   "api.elevenlabs.io",
	}
}

// StreamAudio opens the HTTP streaming endpoint and forwards audio chunks as
// they arrive. Output is mp3_44100_128, which browsers play natively.
func (e *ElevenLabsClient) StreamAudio(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	audioCh := make(chan []byte, 256)
	errCh := make(chan error, 1)
	go func() {
		defer close(audioCh)
		defer close(errCh)
		if e.APIKey == "" || e.VoiceID == "" {
			errCh <- fmt.Errorf("elevenlabs tts: api key or voice id missing")
			return
		}
		if text == "" {
			return
		}
		if err := e.httpStream(ctx, text, audioCh); err != nil {
			errCh <- err
		}
	}()
	return audioCh, errCh
}

func (e *ElevenLabsClient) httpStream(ctx context.Context, text string, audioCh chan<- []byte) error {
	u := url.URL{
		Scheme: "https",
		Host:   e.baseHost,
		Path:   "/v1/text-to-speech/" + e.VoiceID + "/stream",
	}
	q := u.Query()
	q.Set("output_format", "mp3_44100_128")
	q.Set("optimize_streaming_latency", "2")
	u.RawQuery = q.Encode()

	body := map[string]any{
		"model_id": "eleven_multilingual_v2",
		"text":     text,
		"voice_settings": map[string]any{
			"stability":         0.4,
			"similarity_boost":  0.7,
			"style":             0.0,
			"use_speaker_boost": true,
		},
	}
	buf, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("xi-api-key", e.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("elevenlabs tts stream error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("elevenlabs tts status=%d body=%s", resp.StatusCode, string(b))
	}

	chunk := make([]byte, 4096)
	for {
		n, rerr := resp.Body.Read(chunk)
		if n > 0 {
			out := make([]byte, n)
			copy(out, chunk[:n])
			select {
			case audioCh <- out:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return nil
			}
			return fmt.Errorf("elevenlabs tts read error: %w", rerr)
		}
	}
}
