package storage

import (
	"bytes"
	"context"
	"io"

	"github.com/rs/zerolog"
)

// Uploader pushes artifacts to the remote without blocking the caller.
type Uploader interface {
	Enqueue(key string, data []byte, contentType string)
}

// TieredStore combines local disk (source of truth) with S3 (durability).
// Write path: save locally, then hand the copy to the async uploader.
// Read path: local first, S3 fallback with cache-on-read.
type TieredStore struct {
	local    *LocalStore
	remote   ArtifactStore
	uploader Uploader
	log      zerolog.Logger
}

// NewTieredStore creates a tiered local-primary store.
func NewTieredStore(local *LocalStore, remote ArtifactStore, uploader Uploader, log zerolog.Logger) *TieredStore {
	return &TieredStore{
		local:    local,
		remote:   remote,
		uploader: uploader,
		log:      log.With().Str("component", "tiered-store").Logger(),
	}
}

// Save writes to local disk (fatal on failure) and queues the S3 copy.
// Dropped uploads are picked up by the reconciler.
func (s *TieredStore) Save(ctx context.Context, key string, data []byte, ct string) error {
	if err := s.local.Save(ctx, key, data, ct); err != nil {
		return err
	}
	s.uploader.Enqueue(key, data, ct)
	return nil
}

// Open checks local disk first, then falls back to S3. On an S3 hit the
// artifact is cached locally for future reads.
func (s *TieredStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if r, err := s.local.Open(ctx, key); err == nil {
		return r, nil
	}
	r, err := s.remote.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(r)
	r.Close()
	if err != nil {
		return nil, err
	}
	if cacheErr := s.local.Save(ctx, key, data, ""); cacheErr != nil {
		s.log.Warn().Err(cacheErr).Str("key", key).Msg("failed to cache S3 artifact locally")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *TieredStore) Exists(ctx context.Context, key string) bool {
	return s.local.Exists(ctx, key) || s.remote.Exists(ctx, key)
}

func (s *TieredStore) URL(ctx context.Context, key string) (string, error) {
	return s.remote.URL(ctx, key)
}

func (s *TieredStore) Type() string { return "tiered" }
