package services

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// S3API is the subset of the S3 client used for transcript uploads.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// TranscriptStore archives provisioning script transcripts in S3. The
// workflow itself never parses them; they exist for post-mortem reading.
type TranscriptStore struct {
	client S3API
	bucket string
	logger zerolog.Logger
}

// NewTranscriptStore creates a store writing to the given bucket. An empty
// bucket name disables uploads.
func NewTranscriptStore(client S3API, bucket string, logger zerolog.Logger) *TranscriptStore {
	return &TranscriptStore{
		client: client,
		bucket: bucket,
		logger: logger.With().Str("service", "transcript").Logger(),
	}
}

// Enabled reports whether uploads are configured.
func (t *TranscriptStore) Enabled() bool {
	return t != nil && t.bucket != ""
}

// Key returns the object key for a run transcript.
func (t *TranscriptStore) Key(repo, env, runID string) string {
	return fmt.Sprintf("%s/%s/%s/transcript.log", repo, env, runID)
}

// Upload stores a transcript and returns its object key. Upload failures
// are logged but must not fail the run; callers treat an empty key as
// "not archived".
func (t *TranscriptStore) Upload(ctx context.Context, repo, env, runID string, transcript []byte) string {
	if !t.Enabled() || len(transcript) == 0 {
		return ""
	}

	key := t.Key(repo, env, runID)
	_, err := t.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(t.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(transcript),
		ContentType: aws.String("text/plain"),
		Metadata: map[string]string{
			"uploaded-at": time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		t.logger.Warn().
			Err(err).
			Str("bucket", t.bucket).
			Str("key", key).
			Msg("failed to upload transcript")
		return ""
	}

	return key
}
