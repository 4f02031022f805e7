package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// memRemote is an in-memory ArtifactStore standing in for S3.
type memRemote struct {
	mu    sync.Mutex
	files map[string][]byte
	ct    map[string]string
}

func newMemRemote() *memRemote {
	return &memRemote{files: map[string][]byte{}, ct: map[string]string{}}
}

func (m *memRemote) Save(_ context.Context, key string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[key] = append([]byte(nil), data...)
	m.ct[key] = contentType
	return nil
}

func (m *memRemote) Open(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[key]
	if !ok {
		return nil, os.ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memRemote) Exists(_ context.Context, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.files[key]
	return ok
}

func (m *memRemote) URL(_ context.Context, key string) (string, error) {
	return "https://example.invalid/" + key, nil
}

func (m *memRemote) Type() string { return "mem" }

func (m *memRemote) get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[key]
	return string(data), ok
}

type recordingUploader struct {
	keys []string
}

func (u *recordingUploader) Enqueue(key string, _ []byte, _ string) {
	u.keys = append(u.keys, key)
}

func readAll(t *testing.T, r io.ReadCloser) string {
	t.Helper()
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(data)
}

func writeFile(t *testing.T, dir, key, content string, mtime time.Time) string {
	t.Helper()
	p := filepath.Join(dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if !mtime.IsZero() {
		if err := os.Chtimes(p, mtime, mtime); err != nil {
			t.Fatal(err)
		}
	}
	return p
}

// ── Keys ─────────────────────────────────────────────────────────────

func TestCleanKey(t *testing.T) {
	tests := []struct {
		key     string
		want    string
		wantErr bool
	}{
		{"jobs/a/transcript.txt", "jobs/a/transcript.txt", false},
		{"jobs//a/./chunks/0.txt", "jobs/a/chunks/0.txt", false},
		{" jobs/a/transcript.txt ", "jobs/a/transcript.txt", false},
		{"", "", true},
		{".", "", true},
		{"/etc/passwd", "", true},
		{"../escape.txt", "", true},
		{"jobs/../../escape.txt", "", true},
	}
	for _, tt := range tests {
		got, err := cleanKey(tt.key)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidKey) {
				t.Errorf("cleanKey(%q) err = %v, want ErrInvalidKey", tt.key, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("cleanKey(%q) = %q, %v, want %q", tt.key, got, err, tt.want)
		}
	}
}

func TestContentTypeFromExt(t *testing.T) {
	tests := map[string]string{
		".txt":  "text/plain; charset=utf-8",
		".TXT":  "text/plain; charset=utf-8",
		".json": "application/json",
		".vtt":  "text/vtt",
		".bin":  "application/octet-stream",
	}
	for ext, want := range tests {
		if got := contentTypeFromExt(ext); got != want {
			t.Errorf("contentTypeFromExt(%q) = %q, want %q", ext, got, want)
		}
	}
}

// ── Local ────────────────────────────────────────────────────────────

func TestLocalStore(t *testing.T) {
	ctx := context.Background()
	s := NewLocalStore(t.TempDir())

	t.Run("save_and_open", func(t *testing.T) {
		if err := s.Save(ctx, "jobs/j1/transcript.txt", []byte("hello"), "text/plain"); err != nil {
			t.Fatalf("Save: %v", err)
		}
		if !s.Exists(ctx, "jobs/j1/transcript.txt") {
			t.Fatal("Exists = false, want true")
		}
		r, err := s.Open(ctx, "jobs/j1/transcript.txt")
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		if got := readAll(t, r); got != "hello" {
			t.Errorf("content = %q, want %q", got, "hello")
		}
	})

	t.Run("overwrite_last_write_wins", func(t *testing.T) {
		s.Save(ctx, "jobs/j1/chunks/0.txt", []byte("first"), "")
		s.Save(ctx, "jobs/j1/chunks/0.txt", []byte("second"), "")
		r, err := s.Open(ctx, "jobs/j1/chunks/0.txt")
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		if got := readAll(t, r); got != "second" {
			t.Errorf("content = %q, want %q", got, "second")
		}
	})

	t.Run("no_temp_files_left", func(t *testing.T) {
		entries, err := os.ReadDir(filepath.Join(s.Dir(), "jobs", "j1", "chunks"))
		if err != nil {
			t.Fatal(err)
		}
		for _, e := range entries {
			if isTempFile(e.Name()) {
				t.Errorf("leftover temp file %s", e.Name())
			}
		}
	})

	t.Run("rejects_traversal", func(t *testing.T) {
		err := s.Save(ctx, "../outside.txt", []byte("x"), "")
		if !errors.Is(err, ErrInvalidKey) {
			t.Errorf("Save err = %v, want ErrInvalidKey", err)
		}
		if s.Exists(ctx, "../outside.txt") {
			t.Error("Exists(traversal) = true, want false")
		}
	})

	t.Run("missing", func(t *testing.T) {
		if _, err := s.Open(ctx, "jobs/none/transcript.txt"); err == nil {
			t.Error("Open(missing) err = nil, want error")
		}
	})
}

// ── Tiered ───────────────────────────────────────────────────────────

func TestTieredStore(t *testing.T) {
	ctx := context.Background()
	local := NewLocalStore(t.TempDir())
	remote := newMemRemote()
	up := &recordingUploader{}
	s := NewTieredStore(local, remote, up, zerolog.Nop())

	t.Run("save_writes_local_and_enqueues", func(t *testing.T) {
		if err := s.Save(ctx, "jobs/j1/transcript.txt", []byte("text"), "text/plain"); err != nil {
			t.Fatalf("Save: %v", err)
		}
		if !local.Exists(ctx, "jobs/j1/transcript.txt") {
			t.Error("local copy missing")
		}
		if len(up.keys) != 1 || up.keys[0] != "jobs/j1/transcript.txt" {
			t.Errorf("enqueued = %v, want [jobs/j1/transcript.txt]", up.keys)
		}
	})

	t.Run("open_falls_back_and_caches", func(t *testing.T) {
		remote.Save(ctx, "jobs/j2/transcript.txt", []byte("from s3"), "text/plain")
		r, err := s.Open(ctx, "jobs/j2/transcript.txt")
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		if got := readAll(t, r); got != "from s3" {
			t.Errorf("content = %q, want %q", got, "from s3")
		}
		if !local.Exists(ctx, "jobs/j2/transcript.txt") {
			t.Error("S3 hit was not cached locally")
		}
	})

	t.Run("missing_everywhere", func(t *testing.T) {
		if _, err := s.Open(ctx, "jobs/none/transcript.txt"); err == nil {
			t.Error("Open(missing) err = nil, want error")
		}
		if s.Exists(ctx, "jobs/none/transcript.txt") {
			t.Error("Exists(missing) = true, want false")
		}
	})

	t.Run("url_from_remote", func(t *testing.T) {
		u, err := s.URL(ctx, "jobs/j1/transcript.txt")
		if err != nil || u == "" {
			t.Errorf("URL = %q, %v, want presigned url", u, err)
		}
	})
}

// ── Background services ──────────────────────────────────────────────

func TestAsyncUploader(t *testing.T) {
	remote := newMemRemote()
	u := NewAsyncUploader(remote, 8, 2, zerolog.Nop())
	u.Start()

	u.Enqueue("jobs/a/transcript.txt", []byte("a"), "text/plain")
	u.Enqueue("jobs/b/transcript.txt", []byte("b"), "text/plain")
	u.Stop()

	for _, key := range []string{"jobs/a/transcript.txt", "jobs/b/transcript.txt"} {
		if _, ok := remote.get(key); !ok {
			t.Errorf("%s not uploaded before Stop returned", key)
		}
	}

	u.Enqueue("jobs/c/transcript.txt", []byte("c"), "text/plain")
	if got := u.dropped.Load(); got != 1 {
		t.Errorf("dropped = %d, want 1 after Stop", got)
	}
	u.Stop()
}

func TestUploadReconciler(t *testing.T) {
	dir := t.TempDir()
	remote := newMemRemote()
	ctx := context.Background()

	writeFile(t, dir, "jobs/a/transcript.txt", "a", time.Time{})
	writeFile(t, dir, "jobs/b/chunks/0.txt", "b0", time.Time{})
	writeFile(t, dir, "jobs/b/chunks/"+tmpPrefix+"x.tmp", "partial", time.Time{})
	writeFile(t, dir, "jobs/old/transcript.txt", "old", time.Now().Add(-48*time.Hour))
	remote.Save(ctx, "jobs/a/transcript.txt", []byte("a"), "")

	r := NewUploadReconciler(dir, remote, zerolog.Nop())
	if got := r.reconcile(); got != 1 {
		t.Errorf("reconcile() = %d, want 1", got)
	}
	if got, ok := remote.get("jobs/b/chunks/0.txt"); !ok || got != "b0" {
		t.Errorf("chunk upload = %q, %v, want b0", got, ok)
	}
	if ct := remote.ct["jobs/b/chunks/0.txt"]; ct != "text/plain; charset=utf-8" {
		t.Errorf("content type = %q", ct)
	}
	if _, ok := remote.get("jobs/old/transcript.txt"); ok {
		t.Error("file outside the window was uploaded")
	}
	if got := r.reconcile(); got != 0 {
		t.Errorf("second reconcile() = %d, want 0", got)
	}
}

func TestCachePruner(t *testing.T) {
	ctx := context.Background()

	t.Run("retention_only_prunes_uploaded", func(t *testing.T) {
		dir := t.TempDir()
		remote := newMemRemote()
		old := time.Now().Add(-3 * time.Hour)

		uploaded := writeFile(t, dir, "jobs/a/transcript.txt", "a", old)
		pending := writeFile(t, dir, "jobs/b/transcript.txt", "b", old)
		fresh := writeFile(t, dir, "jobs/c/transcript.txt", "c", time.Time{})
		remote.Save(ctx, "jobs/a/transcript.txt", []byte("a"), "")
		remote.Save(ctx, "jobs/c/transcript.txt", []byte("c"), "")

		p := NewCachePruner(dir, time.Hour, 0, remote, zerolog.Nop())
		if got := p.prune(); got != 1 {
			t.Errorf("prune() = %d, want 1", got)
		}
		if _, err := os.Stat(uploaded); !os.IsNotExist(err) {
			t.Error("uploaded expired file still present")
		}
		if _, err := os.Stat(pending); err != nil {
			t.Error("file missing from S3 was pruned")
		}
		if _, err := os.Stat(fresh); err != nil {
			t.Error("fresh file was pruned")
		}
		if _, err := os.Stat(filepath.Join(dir, "jobs", "a")); !os.IsNotExist(err) {
			t.Error("empty job directory not removed")
		}
		if _, err := os.Stat(dir); err != nil {
			t.Error("cache root removed")
		}
	})

	t.Run("disabled", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "jobs/a/transcript.txt", "a", time.Now().Add(-100*time.Hour))
		p := NewCachePruner(dir, 0, 0, newMemRemote(), zerolog.Nop())
		if got := p.prune(); got != 0 {
			t.Errorf("prune() = %d, want 0", got)
		}
	})
}

func TestHumanizeBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{512, "512 B"},
		{2048, "2.0 KB"},
		{5 * 1024 * 1024, "5.0 MB"},
		{3 * 1024 * 1024 * 1024, "3.0 GB"},
	}
	for _, tt := range tests {
		if got := humanizeBytes(tt.in); got != tt.want {
			t.Errorf("humanizeBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
