package storage

import (
	"context"
	"fmt"

	"speechflow/internal/infra"
)

// New selects the blob store implementation from configuration and ensures
// the raw-audio and results containers exist.
func New(ctx context.Context, cfg *infra.Config) (BlobStore, error) {
	var (
		store BlobStore
		err   error
	)
	switch cfg.BlobStore {
	case "filesystem":
		store, err = NewFileStore(cfg.StoragePath)
	case "s3":
		store, err = NewS3Store(ctx)
	default:
		return nil, fmt.Errorf("storage: unsupported blob store %q", cfg.BlobStore)
	}
	if err != nil {
		return nil, err
	}
	for _, container := range []string{cfg.RawAudioContainer, cfg.ResultsContainer} {
		if err := store.EnsureContainer(ctx, container); err != nil {
			return nil, err
		}
	}
	return store, nil
}
