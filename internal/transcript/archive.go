package transcript

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/ent0n29/aida-voice/internal/collab"
	"github.com/ent0n29/aida-voice/internal/session"
)

// S3Client is the subset of the S3 API the archive needs. *s3.Client
// satisfies it.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Document is the archived form of one session's transcript.
type Document struct {
	Key        string                    `json:"key"`
	SessionID  string                    `json:"session_id"`
	Entries    []session.TranscriptEntry `json:"entries"`
	ArchivedAt time.Time                 `json:"archived_at"`
}

// ArchiveSink buffers every batch of a session and writes the complete
// transcript as one JSON object when the final batch arrives.
type ArchiveSink struct {
	client S3Client
	bucket string
	prefix string
	now    func() time.Time

	mu      sync.Mutex
	pending map[string][]session.TranscriptEntry
}

func NewArchiveSink(client S3Client, bucket, prefix string) *ArchiveSink {
	return &ArchiveSink{
		client:  client,
		bucket:  bucket,
		prefix:  prefix,
		now:     func() time.Time { return time.Now().UTC() },
		pending: make(map[string][]session.TranscriptEntry),
	}
}

// ObjectKey is where the transcript of sessionID under key is stored.
func (a *ArchiveSink) ObjectKey(key, sessionID string) string {
	return path.Join(a.prefix, key, sessionID+".json")
}

func (a *ArchiveSink) Persist(ctx context.Context, key string, batch collab.TranscriptBatch) error {
	a.mu.Lock()
	entries := append(a.pending[batch.SessionID], batch.Entries...)
	if !batch.IsFinal {
		a.pending[batch.SessionID] = entries
		a.mu.Unlock()
		return nil
	}
	delete(a.pending, batch.SessionID)
	a.mu.Unlock()

	if entries == nil {
		entries = []session.TranscriptEntry{}
	}
	body, err := json.Marshal(Document{
		Key:        key,
		SessionID:  batch.SessionID,
		Entries:    entries,
		ArchivedAt: a.now(),
	})
	if err != nil {
		return fmt.Errorf("archive encode: %w", err)
	}
	objectKey := a.ObjectKey(key, batch.SessionID)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(objectKey),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			return fmt.Errorf("archive %s: %s: %w", objectKey, apiErr.ErrorCode(), err)
		}
		return fmt.Errorf("archive %s: %w", objectKey, err)
	}
	return nil
}

var _ Sink = (*ArchiveSink)(nil)
