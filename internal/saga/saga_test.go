package saga

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/scribe-engine/internal/config"
	"github.com/snarg/scribe-engine/internal/database"
	"github.com/snarg/scribe-engine/internal/transcribe"
	"github.com/snarg/scribe-engine/internal/workflow"
)

// ── fakes ────────────────────────────────────────────────────────────

type memJobs struct {
	mu       sync.Mutex
	jobs     map[string]*database.Job
	attempts map[string][]database.AttemptRow

	// completeFailures makes the next n MarkCompleted calls fail.
	completeFailures int
}

func newMemJobs() *memJobs {
	return &memJobs{
		jobs:     make(map[string]*database.Job),
		attempts: make(map[string][]database.AttemptRow),
	}
}

func (s *memJobs) CreateJob(_ context.Context, j *database.Job) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.JobID]; ok {
		return false, nil
	}
	cp := *j
	cp.Status = database.JobPending
	s.jobs[j.JobID] = &cp
	return true, nil
}

func (s *memJobs) GetJob(_ context.Context, id string) (*database.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, database.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *memJobs) update(id string, fn func(j *database.Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return database.ErrJobNotFound
	}
	if j.Status.Terminal() {
		return database.ErrJobTerminal
	}
	fn(j)
	return nil
}

func (s *memJobs) MarkProcessing(_ context.Context, id, path string) error {
	return s.update(id, func(j *database.Job) {
		j.Status = database.JobProcessing
		if path != "" {
			j.Path = path
		}
	})
}

func (s *memJobs) SaveTranscript(_ context.Context, id, transcript, provider string) error {
	return s.update(id, func(j *database.Job) {
		j.Transcript = &transcript
		j.Provider = &provider
	})
}

func (s *memJobs) MarkCompleted(_ context.Context, id string) error {
	s.mu.Lock()
	if s.completeFailures > 0 {
		s.completeFailures--
		s.mu.Unlock()
		return errors.New("connection reset by peer")
	}
	s.mu.Unlock()
	return s.update(id, func(j *database.Job) { j.Status = database.JobCompleted })
}

func (s *memJobs) MarkFailed(_ context.Context, id, errorType, message string) error {
	return s.update(id, func(j *database.Job) {
		j.Status = database.JobFailed
		j.ErrorType = &errorType
		j.ErrorMessage = &message
	})
}

func (s *memJobs) AppendAttempts(_ context.Context, id string, attempts []database.AttemptRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[id] = append(s.attempts[id], attempts...)
	return nil
}

func (s *memJobs) get(t *testing.T, id string) *database.Job {
	t.Helper()
	j, err := s.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("GetJob(%s): %v", id, err)
	}
	return j
}

type memArtifacts struct {
	mu   sync.Mutex
	data map[string]string
}

func (a *memArtifacts) Save(_ context.Context, key string, data []byte, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.data == nil {
		a.data = make(map[string]string)
	}
	a.data[key] = string(data)
	return nil
}

func (a *memArtifacts) get(key string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.data[key]
	return v, ok
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []FinalizedPayload
}

func (n *recordingNotifier) Finalized(_ context.Context, p FinalizedPayload) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, p)
	return nil
}

func (n *recordingNotifier) all() []FinalizedPayload {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]FinalizedPayload(nil), n.sent...)
}

type fixedProber struct {
	duration float64
	err      error
}

func (p fixedProber) Duration(context.Context, string, bool) (float64, error) {
	return p.duration, p.err
}

type fakeFallback struct {
	calls  atomic.Int32
	result transcribe.Result
}

func (f *fakeFallback) Run(_ context.Context, req transcribe.Request) transcribe.Outcome {
	f.calls.Add(1)
	res := f.result
	if !res.OK && res.Err == "" {
		res.Err = transcribe.ErrNoTranscript.Error()
	}
	return transcribe.Outcome{
		Result:   res,
		Attempts: []transcribe.Attempt{{Provider: "whisper", URL: req.URL, Applicable: true, Success: res.OK, Error: res.Err}},
		URL:      req.URL,
	}
}

type stubProvider struct {
	name  string
	fn    func(ctx context.Context, req transcribe.Request) (transcribe.Result, error)
	mu    sync.Mutex
	reqs  []transcribe.Request
	calls atomic.Int32
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) CanHandle(transcribe.Request) bool { return true }

func (p *stubProvider) GetTranscript(ctx context.Context, req transcribe.Request) (transcribe.Result, error) {
	p.calls.Add(1)
	p.mu.Lock()
	p.reqs = append(p.reqs, req)
	p.mu.Unlock()
	return p.fn(ctx, req)
}

func (p *stubProvider) requests() []transcribe.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]transcribe.Request(nil), p.reqs...)
}

type lookup map[string]transcribe.Provider

func (l lookup) Lookup(name string) (transcribe.Provider, bool) {
	p, ok := l[name]
	return p, ok
}

// ── harness ──────────────────────────────────────────────────────────

type harness struct {
	engine    *workflow.Engine
	jobs      *memJobs
	artifacts *memArtifacts
	notifier  *recordingNotifier
	fallback  *fakeFallback
	coord     *Coordinator
}

func testSagaConfig() config.SagaConfig {
	return config.SagaConfig{
		SingleJobCeiling:  900 * time.Second,
		MaxSourceDuration: 3 * time.Hour,
		PrimaryTimeout:    300 * time.Millisecond,
		ChunkTimeout:      500 * time.Millisecond,
		FailureGrace:      20 * time.Millisecond,
		PrimaryProvider:   "primary",
		ChunkProvider:     "chunker",
	}
}

func newHarness(t *testing.T, prober DurationProber, providers lookup, fb *fakeFallback) *harness {
	t.Helper()
	if fb == nil {
		fb = &fakeFallback{}
	}
	engine := workflow.NewEngine(workflow.Options{
		Bus:         workflow.NewBus(256, zerolog.Nop()),
		Store:       workflow.NewMemoryStore(),
		Workers:     4,
		QueueSize:   64,
		MaxAttempts: 1,
		RetryDelay:  time.Millisecond,
		Log:         zerolog.Nop(),
	})
	h := &harness{
		engine:    engine,
		jobs:      newMemJobs(),
		artifacts: &memArtifacts{},
		notifier:  &recordingNotifier{},
		fallback:  fb,
	}
	h.coord = NewCoordinator(Options{
		Engine:    engine,
		Jobs:      h.jobs,
		Artifacts: h.artifacts,
		Notifier:  h.notifier,
		Prober:    prober,
		Fallback:  fb,
		Config:    testSagaConfig(),
		Workers:   2,
		Log:       zerolog.Nop(),
	})
	h.coord.Register()
	NewProviderWorker(engine, providers, h.artifacts, zerolog.Nop()).Register()
	engine.Start()
	t.Cleanup(engine.Stop)
	return h
}

func (h *harness) submit(t *testing.T, jobID string) {
	t.Helper()
	created, err := h.coord.Submit(context.Background(), RequestedPayload{
		JobID:     jobID,
		SourceURL: "https://cdn.example.com/episode.mp3",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !created {
		t.Fatal("Submit created = false, want true")
	}
}

// waitFinal blocks until the job's finalization signal has been delivered.
func (h *harness) waitFinal(t *testing.T, jobID string) (*database.Job, FinalizedPayload) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, p := range h.notifier.all() {
			if p.JobID != jobID {
				continue
			}
			// the terminal status write may trail the notify step
			j := h.jobs.get(t, jobID)
			if j.Status.Terminal() {
				return j, p
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("job %s never finalized", jobID)
	return nil, FinalizedPayload{}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func succeedWith(text string) func(context.Context, transcribe.Request) (transcribe.Result, error) {
	return func(context.Context, transcribe.Request) (transcribe.Result, error) {
		return transcribe.Success("", text, nil), nil
	}
}

func chunkText(start float64) string {
	return fmt.Sprintf("Chunk starting at %.0f contains enough meaningful descriptive words to pass validation.", start)
}

// ── path selection ───────────────────────────────────────────────────

func TestChoosePath(t *testing.T) {
	cfg := testSagaConfig()
	tests := []struct {
		name     string
		duration float64
		want     string
	}{
		{"unknown", 0, PathSingle},
		{"short", 120, PathSingle},
		{"exactly_ceiling", 900, PathSingle},
		{"just_over_ceiling", 901, PathChunked},
		{"exactly_cap", 3 * 3600, PathChunked},
		{"over_cap", 3*3600 + 1, PathRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := choosePath(tt.duration, cfg); got != tt.want {
				t.Errorf("choosePath(%v) = %q, want %q", tt.duration, got, tt.want)
			}
		})
	}
}

func TestPlanChunks(t *testing.T) {
	t.Run("just_over_ceiling", func(t *testing.T) {
		got := planChunks(901, 900)
		want := []chunk{{0, 0, 900}, {1, 900, 901}}
		if len(got) != len(want) {
			t.Fatalf("len = %d, want %d", len(got), len(want))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("chunk %d = %+v, want %+v", i, got[i], want[i])
			}
		}
	})

	t.Run("exact_multiple", func(t *testing.T) {
		got := planChunks(2700, 900)
		if len(got) != 3 {
			t.Fatalf("len = %d, want 3", len(got))
		}
		if got[2].Start != 1800 || got[2].End != 2700 {
			t.Errorf("last chunk = %+v", got[2])
		}
	})

	t.Run("contiguous", func(t *testing.T) {
		got := planChunks(4000.5, 900)
		for i := 1; i < len(got); i++ {
			if got[i].Start != got[i-1].End {
				t.Errorf("gap between chunk %d and %d", i-1, i)
			}
		}
		if got[len(got)-1].End != 4000.5 {
			t.Errorf("last end = %v, want 4000.5", got[len(got)-1].End)
		}
	})
}

// ── single path ──────────────────────────────────────────────────────

func TestSaga_SinglePathPrimarySucceeds(t *testing.T) {
	primary := &stubProvider{name: "primary", fn: succeedWith("the primary transcript")}
	h := newHarness(t, fixedProber{duration: 900}, lookup{"primary": primary}, nil)
	h.submit(t, "j1")

	job, final := h.waitFinal(t, "j1")
	if job.Status != database.JobCompleted {
		t.Fatalf("status = %s, want COMPLETED", job.Status)
	}
	if job.Transcript == nil || *job.Transcript != "the primary transcript" {
		t.Errorf("transcript = %v", job.Transcript)
	}
	if job.Path != PathSingle {
		t.Errorf("path = %q, want single", job.Path)
	}
	if final.Status != FinalSucceeded || final.Provider != "primary" {
		t.Errorf("finalized = %+v", final)
	}
	if n := h.fallback.calls.Load(); n != 0 {
		t.Errorf("fallback calls = %d, want 0", n)
	}
	reqs := primary.requests()
	if len(reqs) != 1 || reqs[0].Windowed() {
		t.Errorf("primary requests = %+v, want one whole-source request", reqs)
	}
	if got, _ := h.artifacts.get(TranscriptKey("j1")); got != "the primary transcript" {
		t.Errorf("artifact = %q", got)
	}
}

func TestSaga_LostCompletionWriteKeepsSuccess(t *testing.T) {
	primary := &stubProvider{name: "primary", fn: succeedWith("the primary transcript")}
	h := newHarness(t, fixedProber{duration: 900}, lookup{"primary": primary}, nil)
	h.jobs.mu.Lock()
	h.jobs.completeFailures = 1
	h.jobs.mu.Unlock()
	h.submit(t, "j1")

	job, final := h.waitFinal(t, "j1")
	waitUntil(t, func() bool { return h.engine.Stats().Failed == 1 })

	if job.Status != database.JobCompleted {
		t.Errorf("status = %s, want COMPLETED", job.Status)
	}
	if job.ErrorType != nil {
		t.Errorf("errorType = %q, want none", *job.ErrorType)
	}
	if final.Status != FinalSucceeded {
		t.Errorf("finalized = %+v, want succeeded", final)
	}
	if sent := h.notifier.all(); len(sent) != 1 {
		t.Errorf("finalization signals = %+v, want exactly one", sent)
	}
}

func TestSaga_UnknownDurationUsesSinglePath(t *testing.T) {
	primary := &stubProvider{name: "primary", fn: succeedWith("done")}
	h := newHarness(t, fixedProber{err: errors.New("ffprobe: exit status 1")}, lookup{"primary": primary}, nil)
	h.submit(t, "j1")

	job, _ := h.waitFinal(t, "j1")
	if job.Status != database.JobCompleted || job.Path != PathSingle {
		t.Errorf("status = %s path = %q, want COMPLETED single", job.Status, job.Path)
	}
}

func TestSaga_PrimaryTimeoutFallsBackOnce(t *testing.T) {
	primary := &stubProvider{name: "primary", fn: func(ctx context.Context, _ transcribe.Request) (transcribe.Result, error) {
		select {
		case <-ctx.Done():
		case <-time.After(2 * time.Second):
		}
		return transcribe.Success("", "too late", nil), nil
	}}
	fb := &fakeFallback{result: transcribe.Success("whisper", "fallback transcript", nil)}
	h := newHarness(t, fixedProber{duration: 300}, lookup{"primary": primary}, fb)
	h.submit(t, "j1")

	job, final := h.waitFinal(t, "j1")
	if job.Status != database.JobCompleted {
		t.Fatalf("status = %s, want COMPLETED", job.Status)
	}
	if *job.Transcript != "fallback transcript" {
		t.Errorf("transcript = %q", *job.Transcript)
	}
	if final.Provider != "whisper" {
		t.Errorf("provider = %q, want whisper", final.Provider)
	}
	if n := fb.calls.Load(); n != 1 {
		t.Errorf("fallback calls = %d, want 1", n)
	}
	h.jobs.mu.Lock()
	recorded := len(h.jobs.attempts["j1"])
	h.jobs.mu.Unlock()
	if recorded != 1 {
		t.Errorf("recorded attempts = %d, want 1", recorded)
	}
}

func TestSaga_PrimaryFailureAndFallbackFailureFailsJob(t *testing.T) {
	primary := &stubProvider{name: "primary", fn: func(context.Context, transcribe.Request) (transcribe.Result, error) {
		return transcribe.Result{}, errors.New("assemblyai API error (status 503): overloaded")
	}}
	fb := &fakeFallback{}
	h := newHarness(t, fixedProber{duration: 60}, lookup{"primary": primary}, fb)
	h.submit(t, "j1")

	job, final := h.waitFinal(t, "j1")
	if job.Status != database.JobFailed {
		t.Fatalf("status = %s, want FAILED", job.Status)
	}
	if final.Status != FinalFailed {
		t.Errorf("finalized status = %q", final.Status)
	}
	if n := fb.calls.Load(); n != 1 {
		t.Errorf("fallback calls = %d, want 1", n)
	}
	if job.ErrorMessage == nil || *job.ErrorMessage != transcribe.ErrNoTranscript.Error() {
		t.Errorf("error message = %v", job.ErrorMessage)
	}
	if job.Transcript != nil {
		t.Errorf("transcript = %q, want none", *job.Transcript)
	}
}

// ── chunked path ─────────────────────────────────────────────────────

func TestSaga_ChunkedStitchesByStartTime(t *testing.T) {
	chunker := &stubProvider{name: "chunker", fn: func(ctx context.Context, req transcribe.Request) (transcribe.Result, error) {
		// later chunks answer first
		time.Sleep(time.Duration(2700-req.StartTime) * time.Millisecond / 20)
		return transcribe.Success("", chunkText(req.StartTime), nil), nil
	}}
	h := newHarness(t, fixedProber{duration: 2700}, lookup{"chunker": chunker}, nil)
	h.submit(t, "j1")

	job, _ := h.waitFinal(t, "j1")
	if job.Status != database.JobCompleted {
		t.Fatalf("status = %s, want COMPLETED (error %v)", job.Status, job.ErrorMessage)
	}
	want := chunkText(0) + " " + chunkText(900) + " " + chunkText(1800)
	if *job.Transcript != want {
		t.Errorf("transcript =\n%q\nwant\n%q", *job.Transcript, want)
	}
	if job.Path != PathChunked {
		t.Errorf("path = %q, want chunked", job.Path)
	}
	for _, start := range []float64{0, 900, 1800} {
		if got, ok := h.artifacts.get(ChunkArtifactKey("j1", start)); !ok || got != chunkText(start) {
			t.Errorf("chunk artifact %v = %q, %v", start, got, ok)
		}
	}
}

func TestSaga_JustOverCeilingDispatchesTwoChunks(t *testing.T) {
	chunker := &stubProvider{name: "chunker", fn: func(_ context.Context, req transcribe.Request) (transcribe.Result, error) {
		return transcribe.Success("", chunkText(req.StartTime), nil), nil
	}}
	h := newHarness(t, fixedProber{duration: 901}, lookup{"chunker": chunker}, nil)
	h.submit(t, "j1")
	h.waitFinal(t, "j1")

	reqs := chunker.requests()
	if len(reqs) != 2 {
		t.Fatalf("chunk requests = %d, want 2", len(reqs))
	}
	windows := map[float64]float64{}
	for _, r := range reqs {
		windows[r.StartTime] = r.Duration
	}
	if windows[0] != 900 || windows[900] != 1 {
		t.Errorf("windows = %v, want {0:900 900:1}", windows)
	}
}

func TestSaga_TooLongFailsWithoutDispatch(t *testing.T) {
	primary := &stubProvider{name: "primary", fn: succeedWith("x")}
	chunker := &stubProvider{name: "chunker", fn: succeedWith("x")}
	fb := &fakeFallback{}
	h := newHarness(t, fixedProber{duration: 3*3600 + 1}, lookup{"primary": primary, "chunker": chunker}, fb)
	h.submit(t, "j1")

	job, final := h.waitFinal(t, "j1")
	if job.Status != database.JobFailed || final.Status != FinalFailed {
		t.Fatalf("status = %s / %s, want FAILED / failed", job.Status, final.Status)
	}
	if !strings.Contains(*job.ErrorMessage, "too long") {
		t.Errorf("error = %q", *job.ErrorMessage)
	}
	if primary.calls.Load()+chunker.calls.Load() != 0 || fb.calls.Load() != 0 {
		t.Error("work was dispatched for an over-long source")
	}
}

func TestSaga_AllChunksRejected(t *testing.T) {
	tests := []struct {
		name string
		fn   func(context.Context, transcribe.Request) (transcribe.Result, error)
		want string
	}{
		{
			name: "filtered",
			fn:   succeedWith("and the and the and the and the and the"),
			want: "filtered as low quality",
		},
		{
			name: "failed",
			fn: func(context.Context, transcribe.Request) (transcribe.Result, error) {
				return transcribe.Result{}, errors.New("chunk provider exploded")
			},
			want: "failed to transcribe",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunker := &stubProvider{name: "chunker", fn: tt.fn}
			h := newHarness(t, fixedProber{duration: 1800}, lookup{"chunker": chunker}, nil)
			h.submit(t, "j1")

			job, _ := h.waitFinal(t, "j1")
			if job.Status != database.JobFailed {
				t.Fatalf("status = %s, want FAILED", job.Status)
			}
			if !strings.Contains(*job.ErrorMessage, tt.want) {
				t.Errorf("error = %q, want it to mention %q", *job.ErrorMessage, tt.want)
			}
		})
	}
}

func TestSaga_PartialChunkFailureStillCompletes(t *testing.T) {
	chunker := &stubProvider{name: "chunker", fn: func(_ context.Context, req transcribe.Request) (transcribe.Result, error) {
		if req.StartTime == 900 {
			return transcribe.Result{}, errors.New("decode failed")
		}
		return transcribe.Success("", chunkText(req.StartTime), nil), nil
	}}
	h := newHarness(t, fixedProber{duration: 2000}, lookup{"chunker": chunker}, nil)
	h.submit(t, "j1")

	job, _ := h.waitFinal(t, "j1")
	if job.Status != database.JobCompleted {
		t.Fatalf("status = %s, want COMPLETED", job.Status)
	}
	want := chunkText(0) + " " + chunkText(1800)
	if *job.Transcript != want {
		t.Errorf("transcript = %q, want %q", *job.Transcript, want)
	}
}

func TestSaga_ChunkTimeoutFailsJob(t *testing.T) {
	chunker := &stubProvider{name: "chunker", fn: func(ctx context.Context, req transcribe.Request) (transcribe.Result, error) {
		if req.StartTime == 900 {
			select {
			case <-ctx.Done():
			case <-time.After(3 * time.Second):
			}
		}
		return transcribe.Success("", chunkText(req.StartTime), nil), nil
	}}
	h := newHarness(t, fixedProber{duration: 1800}, lookup{"chunker": chunker}, nil)
	h.submit(t, "j1")

	job, _ := h.waitFinal(t, "j1")
	if job.Status != database.JobFailed {
		t.Fatalf("status = %s, want FAILED", job.Status)
	}
	if job.ErrorType == nil || *job.ErrorType != string(ErrTimeout) {
		t.Errorf("error type = %v, want timeout", job.ErrorType)
	}
	if job.Transcript != nil {
		t.Error("partial transcript was persisted")
	}
}

// ── submit ───────────────────────────────────────────────────────────

func TestSubmit(t *testing.T) {
	primary := &stubProvider{name: "primary", fn: succeedWith("done")}
	h := newHarness(t, fixedProber{duration: 10}, lookup{"primary": primary}, nil)

	t.Run("invalid_requests", func(t *testing.T) {
		bad := []RequestedPayload{
			{SourceURL: "https://example.com/a.mp3"},
			{JobID: "x", SourceURL: "not a url"},
			{JobID: "x", SourceURL: "ftp://example.com/a.mp3"},
			{JobID: "x", SourceURL: "https://example.com/a.mp3", GenerationMode: "triple"},
		}
		for _, req := range bad {
			if _, err := h.coord.Submit(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("Submit(%+v) err = %v, want ErrInvalidRequest", req, err)
			}
		}
	})

	t.Run("duplicate_is_noop", func(t *testing.T) {
		h.submit(t, "dup")
		h.waitFinal(t, "dup")
		created, err := h.coord.Submit(context.Background(), RequestedPayload{
			JobID:     "dup",
			SourceURL: "https://cdn.example.com/episode.mp3",
		})
		if err != nil || created {
			t.Errorf("second Submit = %v, %v; want false, nil", created, err)
		}
		time.Sleep(50 * time.Millisecond)
		if n := primary.calls.Load(); n != 1 {
			t.Errorf("primary calls = %d, want 1", n)
		}
	})
}
