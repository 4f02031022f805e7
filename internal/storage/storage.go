package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/scribe-engine/internal/config"
)

// ArtifactStore abstracts transcript artifact backends.
type ArtifactStore interface {
	// Save stores data under key, replacing any previous value.
	// key format: jobs/{job_id}/transcript.txt, jobs/{job_id}/chunks/{start}.txt
	Save(ctx context.Context, key string, data []byte, contentType string) error

	// Open returns a reader for an artifact.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists checks if an artifact exists in any backend.
	Exists(ctx context.Context, key string) bool

	// URL returns a presigned URL, or "" for local-only backends.
	URL(ctx context.Context, key string) (string, error)

	// Type returns "local", "s3", or "tiered".
	Type() string
}

// Remote is the durable backend behind the local cache.
type Remote interface {
	Save(ctx context.Context, key string, data []byte, contentType string) error
	Exists(ctx context.Context, key string) bool
}

// BackgroundService is a stoppable background goroutine.
type BackgroundService interface {
	Start()
	Stop()
}

// ErrInvalidKey is returned for keys that would escape the store root.
var ErrInvalidKey = errors.New("invalid artifact key")

// New creates an ArtifactStore based on config. Returns the store and the
// background services (uploader, reconciler, pruner) that the caller must
// Start/Stop. Returns an error if S3 is configured but unreachable.
func New(cfg config.S3Config, dir string, log zerolog.Logger) (ArtifactStore, []BackgroundService, error) {
	if !cfg.Enabled() {
		return NewLocalStore(dir), nil, nil
	}

	s3store, err := NewS3Store(cfg, log)
	if err != nil {
		return nil, nil, fmt.Errorf("S3 init failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s3store.HeadBucket(ctx); err != nil {
		return nil, nil, fmt.Errorf("S3 startup check failed (bucket=%q endpoint=%q): %w",
			cfg.Bucket, cfg.Endpoint, err)
	}
	log.Info().Str("bucket", cfg.Bucket).Str("endpoint", cfg.Endpoint).Msg("S3 connection verified")

	if !cfg.LocalCache {
		return s3store, nil, nil
	}

	local := NewLocalStore(dir)
	uploader := NewAsyncUploader(s3store, 256, 2, log)
	tiered := NewTieredStore(local, s3store, uploader, log)

	services := []BackgroundService{uploader, NewUploadReconciler(dir, s3store, log)}
	if cfg.CacheRetention > 0 || cfg.CacheMaxGB > 0 {
		services = append(services, NewCachePruner(dir, cfg.CacheRetention, cfg.CacheMaxGB, s3store, log))
	}
	return tiered, services, nil
}

// cleanKey normalizes key and rejects absolute or parent-escaping keys.
func cleanKey(key string) (string, error) {
	k := path.Clean(strings.TrimSpace(key))
	if k == "." || k == "" || strings.HasPrefix(k, "/") || k == ".." || strings.HasPrefix(k, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return k, nil
}

// contentTypeFromExt returns the MIME type for an artifact extension.
func contentTypeFromExt(ext string) string {
	switch strings.ToLower(ext) {
	case ".txt":
		return "text/plain; charset=utf-8"
	case ".json":
		return "application/json"
	case ".vtt":
		return "text/vtt"
	case ".srt":
		return "application/x-subrip"
	default:
		return "application/octet-stream"
	}
}
