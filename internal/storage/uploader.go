package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// AsyncUploader copies locally saved artifacts to the remote in the
// background. Files are already on disk before being enqueued here.
type AsyncUploader struct {
	remote   Remote
	workers  int
	ch       chan uploadJob
	log      zerolog.Logger
	wg       sync.WaitGroup
	mu       sync.RWMutex
	closed   bool
	uploaded atomic.Int64
	dropped  atomic.Int64
}

type uploadJob struct {
	key         string
	data        []byte
	contentType string
}

// NewAsyncUploader creates an uploader with the given buffer and worker count.
func NewAsyncUploader(remote Remote, bufferSize, workers int, log zerolog.Logger) *AsyncUploader {
	if workers < 1 {
		workers = 1
	}
	return &AsyncUploader{
		remote:  remote,
		workers: workers,
		ch:      make(chan uploadJob, bufferSize),
		log:     log.With().Str("component", "async-uploader").Logger(),
	}
}

// Enqueue adds an upload. Non-blocking: drops with a warning if the buffer
// is full or the uploader is stopped.
func (u *AsyncUploader) Enqueue(key string, data []byte, contentType string) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.closed {
		u.dropped.Add(1)
		return
	}
	select {
	case u.ch <- uploadJob{key: key, data: data, contentType: contentType}:
	default:
		u.dropped.Add(1)
		u.log.Warn().Str("key", key).Msg("upload queue full, skipping (artifact safe on disk)")
	}
}

// Start launches the worker goroutines.
func (u *AsyncUploader) Start() {
	for i := 0; i < u.workers; i++ {
		u.wg.Add(1)
		go u.worker()
	}
	u.log.Info().Int("workers", u.workers).Int("buffer", cap(u.ch)).Msg("async uploader started")
}

// Stop drains queued uploads and waits for the workers.
func (u *AsyncUploader) Stop() {
	u.mu.Lock()
	if !u.closed {
		u.closed = true
		close(u.ch)
	}
	u.mu.Unlock()
	u.wg.Wait()
	u.log.Info().Int64("uploaded", u.uploaded.Load()).Int64("dropped", u.dropped.Load()).Msg("async uploader stopped")
}

func (u *AsyncUploader) worker() {
	defer u.wg.Done()
	for job := range u.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := u.remote.Save(ctx, job.key, job.data, job.contentType); err != nil {
			u.log.Error().Err(err).Str("key", job.key).Msg("async upload failed (artifact safe on disk)")
		} else {
			u.uploaded.Add(1)
		}
		cancel()
	}
}
