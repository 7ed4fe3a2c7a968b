package services

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

type fakeS3 struct {
	puts map[string][]byte
	err  error
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, _ := io.ReadAll(params.Body)
	if f.puts == nil {
		f.puts = map[string][]byte{}
	}
	f.puts[aws.ToString(params.Key)] = body
	return &s3.PutObjectOutput{}, nil
}

func TestTranscriptStore_Upload(t *testing.T) {
	ctx := context.Background()
	client := &fakeS3{}
	store := NewTranscriptStore(client, "transcripts", zerolog.Nop())

	key := store.Upload(ctx, "gpu-lab", "dev", "run-1", []byte("deployment log"))
	assert.Equal(t, "gpu-lab/dev/run-1/transcript.log", key)
	assert.Equal(t, []byte("deployment log"), client.puts[key])
}

func TestTranscriptStore_Disabled(t *testing.T) {
	ctx := context.Background()
	store := NewTranscriptStore(&fakeS3{}, "", zerolog.Nop())

	assert.False(t, store.Enabled())
	assert.Equal(t, "", store.Upload(ctx, "gpu-lab", "dev", "run-1", []byte("x")))
}

func TestTranscriptStore_UploadFailureIsNonFatal(t *testing.T) {
	ctx := context.Background()
	client := &fakeS3{err: errors.New("denied")}
	store := NewTranscriptStore(client, "transcripts", zerolog.Nop())

	key := store.Upload(ctx, "gpu-lab", "dev", "run-1", []byte("x"))
	assert.Equal(t, "", key)
}

func TestTranscriptStore_EmptyTranscriptSkipped(t *testing.T) {
	ctx := context.Background()
	client := &fakeS3{}
	store := NewTranscriptStore(client, "transcripts", zerolog.Nop())

	assert.Equal(t, "", store.Upload(ctx, "gpu-lab", "dev", "run-1", nil))
	assert.Empty(t, client.puts)
}
