// Package storage persists raw audio and per-stage JSON results, addressed
// by container and name. Result existence doubles as the pipeline's
// idempotency signal.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"speechflow/internal/domain"
)

// ErrNoObject is returned by Download when the named blob does not exist.
var ErrNoObject = errors.New("storage: no object")

// BlobStore is the blob storage contract shared by the filesystem and S3
// implementations.
type BlobStore interface {
	Upload(ctx context.Context, container, name string, data []byte) error
	Download(ctx context.Context, container, name string) ([]byte, error)
	Exists(ctx context.Context, container, name string) (bool, error)
	EnsureContainer(ctx context.Context, container string) error
	// UploadURL returns a location a client can PUT the named blob to:
	// a presigned URL for S3, a file path for the filesystem store.
	UploadURL(ctx context.Context, container, name string) (string, error)
}

// ResultBlobName is the canonical per-stage result location for a job.
// Workers check it before processing and write it on success.
func ResultBlobName(jobID string, step domain.StepName) string {
	return fmt.Sprintf("%s_%s.json", jobID, strings.ToLower(string(step)))
}

// AudioBlobName is where a job's raw audio lives in the raw-audio container.
func AudioBlobName(jobID, filename string) string {
	return jobID + "/" + filename
}
