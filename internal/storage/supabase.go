// Package storage archives finished session transcripts to Supabase object
// storage. Only the conversation log is uploaded; session credentials are
// never part of the payload.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/supabase-community/supabase-go"
	"go.uber.org/zap"

	"github.com/AirOxygenC/DriveCode/internal/session"
)

type Config struct {
	URL            string
	ServiceRoleKey string
	Bucket         string
}

// TranscriptArchive implements session.Archiver on a Supabase bucket.
type TranscriptArchive struct {
	client *supabase.Client
	bucket string
	log    *zap.SugaredLogger
}

func New(cfg Config, log *zap.SugaredLogger) (*TranscriptArchive, error) {
	if cfg.URL == "" || cfg.ServiceRoleKey == "" {
		return nil, fmt.Errorf("storage: supabase url and service role key are required")
	}
	if cfg.Bucket == "" {
		cfg.Bucket = "transcripts"
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	client, err := supabase.NewClient(cfg.URL, cfg.ServiceRoleKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("storage: create supabase client: %w", err)
	}
	return &TranscriptArchive{client: client, bucket: cfg.Bucket, log: log}, nil
}

type transcriptDoc struct {
	SessionID  string            `json:"session_id"`
	ArchivedAt time.Time         `json:"archived_at"`
	Messages   []session.Message `json:"messages"`
}

// Archive uploads the session's conversation log as a JSON document keyed by
// session id and end time.
func (a *TranscriptArchive) Archive(_ context.Context, sessionID string, messages []session.Message) error {
	if len(messages) == 0 {
		return nil
	}
	doc := transcriptDoc{SessionID: sessionID, ArchivedAt: time.Now().UTC(), Messages: messages}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("storage: marshal transcript: %w", err)
	}
	key := fmt.Sprintf("%s/%s.json", doc.ArchivedAt.Format("2006-01-02"), sessionID)
	if _, err := a.client.Storage.UploadFile(a.bucket, key, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("storage: upload transcript: %w", err)
	}
	a.log.Infow("transcript archived", "session", sessionID, "key", key, "messages", len(messages))
	return nil
}
