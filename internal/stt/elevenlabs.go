// Package stt wraps the external speech-to-text engine behind a uniform
// request/response contract with timeout and retry.
package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// Transcript is the text result for one utterance.
type Transcript struct {
	Text       string
	Confidence float64
	Partial    bool
}

// Transcriber converts a complete utterance's audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (Transcript, error)
}

// ErrNoSpeech is returned when the engine produced an empty transcript.
var ErrNoSpeech = errors.New("stt: no speech detected")

// ElevenLabsClient calls the ElevenLabs Scribe speech-to-text endpoint.
type ElevenLabsClient struct {
	HTTPClient *http.Client
	APIKey     string
	ModelID    string
	// RetryBackoff is the wait before the single retry; exponential in the
	// sense that a second attempt waits twice the base.
	RetryBackoff time.Duration

	baseURL string
}

// NewElevenLabsClient constructs a Scribe client with a bounded per-call timeout.
func NewElevenLabsClient(apiKey, modelID string, timeout time.Duration) *ElevenLabsClient {
	if modelID == "" {
		modelID = "scribe_v2"
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &ElevenLabsClient{
		HTTPClient:   &http.Client{Timeout: timeout},
		APIKey:       apiKey,
		ModelID:      modelID,
		RetryBackoff: 500 * time.Millisecond,
		baseURL:      "https://api.elevenlabs.io",
	}
}

type scribeResponse struct {
	Text                string  `json:"text"`
	LanguageCode        string  `json:"language_code"`
	LanguageProbability float64 `json:"language_probability"`
}

// Transcribe uploads the utterance audio and returns its transcript. On a
// timeout or transient failure it retries once with backoff before giving up;
// an utterance therefore always yields either a transcript or an error.
func (c *ElevenLabsClient) Transcribe(ctx context.Context, audio []byte) (Transcript, error) {
	if c.APIKey == "" {
		return Transcript{}, fmt.Errorf("elevenlabs stt: api key missing")
	}
	if len(audio) == 0 {
		return Transcript{}, ErrNoSpeech
	}

	var lastErr error
	backoff := c.RetryBackoff
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			log.Printf("elevenlabs stt: retrying after error: %v", lastErr)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return Transcript{}, ctx.Err()
			}
			backoff *= 2
		}
		t, err := c.transcribeOnce(ctx, audio)
		if err == nil {
			return t, nil
		}
		lastErr = err
		if !retryable(err) {
			break
		}
	}
	return Transcript{}, lastErr
}

func (c *ElevenLabsClient) transcribeOnce(ctx context.Context, audio []byte) (Transcript, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("model_id", c.ModelID); err != nil {
		return Transcript{}, err
	}
	if err := mw.WriteField("tag_audio_events", "false"); err != nil {
		return Transcript{}, err
	}
	fw, err := mw.CreateFormFile("file", "utterance.webm")
	if err != nil {
		return Transcript{}, err
	}
	if _, err := fw.Write(audio); err != nil {
		return Transcript{}, err
	}
	if err := mw.Close(); err != nil {
		return Transcript{}, err
	}

	endpoint := c.baseURL + "/v1/speech-to-text"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return Transcript{}, err
	}
	req.Header.Set("xi-api-key", c.APIKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return Transcript{}, &transportError{err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		err := fmt.Errorf("elevenlabs stt: status=%d body=%s", resp.StatusCode, string(b))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return Transcript{}, &transportError{err: err}
		}
		return Transcript{}, err
	}
	var sr scribeResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return Transcript{}, err
	}
	text := strings.TrimSpace(sr.Text)
	if text == "" {
		return Transcript{}, ErrNoSpeech
	}
	return Transcript{Text: text, Confidence: sr.LanguageProbability}, nil
}

// transportError marks failures worth one retry: network errors, timeouts,
// 5xx and rate-limit responses.
type transportError struct{ err error }

func (t *transportError) Error() string { return t.err.Error() }
func (t *transportError) Unwrap() error { return t.err }

func retryable(err error) bool {
	var te *transportError
	return errors.As(err, &te)
}
