// Package ingest accepts transcription requests from sources other than the
// HTTP API: a drop directory of JSON request files and an MQTT request topic.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/snarg/scribe-engine/internal/saga"
)

// Submitter starts transcription jobs.
type Submitter interface {
	Submit(ctx context.Context, req saga.RequestedPayload) (bool, error)
}

const (
	doneSuffix     = ".done"
	rejectedSuffix = ".rejected"
	debounce       = 500 * time.Millisecond
)

// FileWatcher submits *.json request files dropped into a directory. A
// submitted (or duplicate) file is renamed to *.done, an unparseable or
// invalid one to *.rejected. Files that fail for transient reasons stay in
// place and are retried on the next backfill.
type FileWatcher struct {
	dir       string
	submitter Submitter
	allowPaid bool
	log       zerolog.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup

	// Debounce: coalesce rapid Create+Write events on the same file.
	debounceMu     sync.Mutex
	debounceTimers map[string]*time.Timer

	// Stats
	filesSubmitted atomic.Int64
	filesRejected  atomic.Int64
	status         atomic.Value // string: "starting", "watching", "stopped"
}

// NewFileWatcher creates a watcher over dir. The directory is created on Start.
func NewFileWatcher(dir string, submitter Submitter, allowPaidDefault bool, log zerolog.Logger) *FileWatcher {
	fw := &FileWatcher{
		dir:            dir,
		submitter:      submitter,
		allowPaid:      allowPaidDefault,
		log:            log.With().Str("component", "watcher").Logger(),
		done:           make(chan struct{}),
		debounceTimers: make(map[string]*time.Timer),
	}
	fw.status.Store("starting")
	return fw
}

// Start begins watching and submits any request files already present.
func (fw *FileWatcher) Start() error {
	if err := os.MkdirAll(fw.dir, 0o755); err != nil {
		return fmt.Errorf("create inbox %s: %w", fw.dir, err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(fw.dir); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", fw.dir, err)
	}
	fw.watcher = w

	fw.wg.Add(1)
	go fw.watchLoop()

	n := fw.backfill()
	fw.status.Store("watching")
	fw.log.Info().Str("inbox", fw.dir).Int("backfilled", n).Msg("file watcher started")
	return nil
}

// Stop closes the watcher and waits for pending files to finish.
func (fw *FileWatcher) Stop() {
	fw.status.Store("stopped")
	if fw.watcher == nil {
		return
	}
	close(fw.done)
	fw.watcher.Close()
	fw.wg.Wait()

	fw.debounceMu.Lock()
	for path, t := range fw.debounceTimers {
		t.Stop()
		delete(fw.debounceTimers, path)
	}
	fw.debounceMu.Unlock()

	fw.log.Info().
		Int64("files_submitted", fw.filesSubmitted.Load()).
		Int64("files_rejected", fw.filesRejected.Load()).
		Msg("file watcher stopped")
}

// Status returns the watcher state.
func (fw *FileWatcher) Status() string {
	s, _ := fw.status.Load().(string)
	return s
}

func (fw *FileWatcher) watchLoop() {
	defer fw.wg.Done()
	for {
		select {
		case <-fw.done:
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !isRequestFile(event.Name) {
				continue
			}
			fw.scheduleProcess(event.Name)

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.log.Error().Err(err).Msg("fsnotify error")
		}
	}
}

// scheduleProcess debounces file processing so the file is fully written
// before it is read.
func (fw *FileWatcher) scheduleProcess(path string) {
	fw.debounceMu.Lock()
	defer fw.debounceMu.Unlock()

	if t, ok := fw.debounceTimers[path]; ok {
		t.Reset(debounce)
		return
	}
	fw.debounceTimers[path] = time.AfterFunc(debounce, func() {
		fw.debounceMu.Lock()
		delete(fw.debounceTimers, path)
		fw.debounceMu.Unlock()

		select {
		case <-fw.done:
			return
		default:
		}
		fw.processFile(path)
	})
}

// backfill processes request files present in the inbox, oldest name first.
func (fw *FileWatcher) backfill() int {
	entries, err := os.ReadDir(fw.dir)
	if err != nil {
		fw.log.Warn().Err(err).Msg("inbox backfill failed")
		return 0
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && isRequestFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		fw.processFile(filepath.Join(fw.dir, name))
	}
	return len(names)
}

func isRequestFile(name string) bool {
	base := filepath.Base(name)
	return strings.HasSuffix(strings.ToLower(base), ".json") && !strings.HasPrefix(base, ".")
}

// processFile submits one request file and renames it by outcome.
func (fw *FileWatcher) processFile(path string) {
	log := fw.log.With().Str("path", path).Logger()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err != nil {
		log.Warn().Err(err).Msg("failed to read request file")
		return
	}

	req, err := decodeRequest(data, fw.allowPaid)
	if err != nil {
		log.Warn().Err(err).Msg("invalid request file")
		fw.finish(path, rejectedSuffix)
		fw.filesRejected.Add(1)
		return
	}
	if req.JobID == "" {
		req.JobID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	created, err := fw.submitter.Submit(ctx, req)
	switch {
	case errors.Is(err, saga.ErrInvalidRequest):
		log.Warn().Err(err).Str("job_id", req.JobID).Msg("request rejected")
		fw.finish(path, rejectedSuffix)
		fw.filesRejected.Add(1)
	case err != nil:
		log.Error().Err(err).Str("job_id", req.JobID).Msg("submit failed, will retry on restart")
	default:
		log.Info().Str("job_id", req.JobID).Bool("duplicate", !created).Msg("request submitted")
		fw.finish(path, doneSuffix)
		fw.filesSubmitted.Add(1)
	}
}

func (fw *FileWatcher) finish(path, suffix string) {
	if err := os.Rename(path, path+suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
		fw.log.Warn().Err(err).Str("path", path).Msg("failed to rename request file")
	}
}

// decodeRequest parses a request document. Unknown fields are rejected so a
// typo does not silently drop an option. A missing allowPaidProviders takes
// allowPaidDefault.
func decodeRequest(data []byte, allowPaidDefault bool) (saga.RequestedPayload, error) {
	var doc struct {
		saga.RequestedPayload
		AllowPaidProviders *bool `json:"allowPaidProviders"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return saga.RequestedPayload{}, fmt.Errorf("decode request: %w", err)
	}
	req := doc.RequestedPayload
	req.JobID = strings.TrimSpace(req.JobID)
	req.SourceURL = strings.TrimSpace(req.SourceURL)
	req.AllowPaidProviders = allowPaidDefault
	if doc.AllowPaidProviders != nil {
		req.AllowPaidProviders = *doc.AllowPaidProviders
	}
	return req, nil
}
