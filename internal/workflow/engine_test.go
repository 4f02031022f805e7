package workflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestEngine(t *testing.T, store StepStore, maxAttempts int) *Engine {
	t.Helper()
	e := NewEngine(Options{
		Bus:         NewBus(64, zerolog.Nop()),
		Store:       store,
		Workers:     2,
		QueueSize:   16,
		MaxAttempts: maxAttempts,
		RetryDelay:  time.Millisecond,
		Log:         zerolog.Nop(),
	})
	t.Cleanup(e.Stop)
	return e
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestEngine_TriggersFunction(t *testing.T) {
	e := newTestEngine(t, NewMemoryStore(), 1)
	got := make(chan string, 1)
	e.Register(Function{
		Name:    "echo",
		Trigger: "ping",
		Handler: func(ctx context.Context, run *Run) error {
			var p chunkPayload
			if err := run.Event.Decode(&p); err != nil {
				return err
			}
			got <- p.JobID
			return nil
		},
	})
	e.Start()
	e.Send(MustEvent("ping", chunkPayload{JobID: "j1"}))

	select {
	case id := <-got:
		if id != "j1" {
			t.Errorf("jobId = %q", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler not invoked")
	}
	waitFor(t, func() bool { return e.Stats().Completed == 1 })
}

func TestEngine_RetryReplaysSteps(t *testing.T) {
	e := newTestEngine(t, NewMemoryStore(), 3)
	var stepCalls, attempts atomic.Int32

	e.Register(Function{
		Name:    "flaky",
		Trigger: "go",
		Handler: func(ctx context.Context, run *Run) error {
			attempts.Add(1)
			v, err := Step(ctx, run, "expensive", func(context.Context) (int, error) {
				stepCalls.Add(1)
				return 42, nil
			})
			if err != nil {
				return err
			}
			if v != 42 {
				t.Errorf("step value = %d", v)
			}
			if run.Attempt < 3 {
				return errors.New("transient")
			}
			return nil
		},
	})
	e.Start()
	e.Send(MustEvent("go", chunkPayload{JobID: "j1"}))

	waitFor(t, func() bool { return e.Stats().Completed == 1 })
	if attempts.Load() != 3 {
		t.Errorf("attempts = %d, want 3", attempts.Load())
	}
	if stepCalls.Load() != 1 {
		t.Errorf("memoized step ran %d times, want 1", stepCalls.Load())
	}
}

func TestEngine_OnFailureAfterExhaustion(t *testing.T) {
	e := newTestEngine(t, NewMemoryStore(), 2)
	failed := make(chan error, 1)
	e.Register(Function{
		Name:      "broken",
		Trigger:   "go",
		Handler:   func(context.Context, *Run) error { panic("kaboom") },
		OnFailure: func(_ context.Context, _ *Run, err error) { failed <- err },
	})
	e.Start()
	e.Send(MustEvent("go", chunkPayload{JobID: "j1"}))

	select {
	case err := <-failed:
		if err.Error() != "handler panic: kaboom" {
			t.Errorf("err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnFailure not called")
	}
	waitFor(t, func() bool { return e.Stats().Failed == 1 })
}

func TestEngine_DuplicateRunIDIgnored(t *testing.T) {
	e := newTestEngine(t, NewMemoryStore(), 1)
	release := make(chan struct{})
	var calls atomic.Int32
	e.Register(Function{
		Name:    "job",
		Trigger: "submit",
		RunID: func(ev Event) string {
			var p chunkPayload
			ev.Decode(&p)
			return "job:" + p.JobID
		},
		Handler: func(ctx context.Context, run *Run) error {
			calls.Add(1)
			<-release
			return nil
		},
	})
	e.Start()
	e.Send(MustEvent("submit", chunkPayload{JobID: "j1"}))
	waitFor(t, func() bool { return calls.Load() == 1 })
	e.Send(MustEvent("submit", chunkPayload{JobID: "j1"}))
	close(release)

	waitFor(t, func() bool { return e.Stats().Completed == 1 })
	time.Sleep(20 * time.Millisecond)
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestEngine_WaitForEventAndSend(t *testing.T) {
	e := newTestEngine(t, NewMemoryStore(), 1)
	var mu sync.Mutex
	var result string

	e.Register(Function{
		Name:    "waiter",
		Trigger: "start",
		Handler: func(ctx context.Context, run *Run) error {
			if err := SendEvent(ctx, run, "dispatch", MustEvent("work", chunkPayload{JobID: "j1"})); err != nil {
				return err
			}
			ev, err := WaitForEvent(ctx, run, "wait-done", []string{"done"}, Match{JobID: "j1"}, 2*time.Second)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			if ev == nil {
				result = "timeout"
				return nil
			}
			var p chunkPayload
			ev.Decode(&p)
			result = p.Text
			return nil
		},
	})
	e.Register(Function{
		Name:    "worker",
		Trigger: "work",
		Handler: func(ctx context.Context, run *Run) error {
			run.Send(MustEvent("done", chunkPayload{JobID: "j1", Text: "finished"}))
			return nil
		},
	})
	e.Start()
	e.Send(MustEvent("start", chunkPayload{JobID: "j1"}))

	waitFor(t, func() bool { return e.Stats().Completed == 2 })
	mu.Lock()
	defer mu.Unlock()
	if result != "finished" {
		t.Errorf("result = %q, want finished", result)
	}
}

func TestEngine_WaitTimeoutMemoized(t *testing.T) {
	e := newTestEngine(t, NewMemoryStore(), 2)
	var waits atomic.Int32
	e.Register(Function{
		Name:    "timeouts",
		Trigger: "start",
		Handler: func(ctx context.Context, run *Run) error {
			start := time.Now()
			ev, err := WaitForEvent(ctx, run, "wait", []string{"never"}, Match{JobID: "j1"}, 30*time.Millisecond)
			if err != nil {
				return err
			}
			if ev != nil {
				t.Error("expected timeout")
			}
			if time.Since(start) >= 30*time.Millisecond {
				waits.Add(1)
			}
			if run.Attempt == 1 {
				return errors.New("retry me")
			}
			return nil
		},
	})
	e.Start()
	e.Send(MustEvent("start", chunkPayload{JobID: "j1"}))

	waitFor(t, func() bool { return e.Stats().Completed == 1 })
	if waits.Load() != 1 {
		t.Errorf("real waits = %d, want 1 (replayed timeout should not wait)", waits.Load())
	}
}

func TestEngine_Resume(t *testing.T) {
	store := NewMemoryStore()
	ev := MustEvent("start", chunkPayload{JobID: "j9"})
	store.SaveRun(context.Background(), RunRecord{ID: "job:j9", Function: "job", Event: ev, Attempt: 1, Status: RunRunning})
	store.PutStep(context.Background(), "job:j9", "first", []byte(`"cached"`))

	e := newTestEngine(t, store, 1)
	got := make(chan string, 1)
	e.Register(Function{
		Name:    "job",
		Trigger: "start",
		Handler: func(ctx context.Context, run *Run) error {
			v, err := Step(ctx, run, "first", func(context.Context) (string, error) { return "fresh", nil })
			got <- v
			return err
		},
	})
	e.Start()

	n, err := e.Resume(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("Resume = %d, %v", n, err)
	}
	select {
	case v := <-got:
		if v != "cached" {
			t.Errorf("step = %q, want replayed value", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("resumed run not executed")
	}
	waitFor(t, func() bool {
		runs, _ := store.ActiveRuns(context.Background())
		return len(runs) == 0
	})
}

func TestEngine_DedicatedPoolDoesNotStarveSharedPool(t *testing.T) {
	e := NewEngine(Options{
		Bus:         NewBus(64, zerolog.Nop()),
		Store:       NewMemoryStore(),
		Workers:     1,
		QueueSize:   16,
		MaxAttempts: 1,
		RetryDelay:  time.Millisecond,
		Log:         zerolog.Nop(),
	})
	t.Cleanup(e.Stop)

	var finished atomic.Int32
	e.Register(Function{
		Name:        "waiter",
		Trigger:     "start",
		Concurrency: 2,
		Handler: func(ctx context.Context, run *Run) error {
			var p chunkPayload
			if err := run.Event.Decode(&p); err != nil {
				return err
			}
			if err := SendEvent(ctx, run, "ask", MustEvent("work", p)); err != nil {
				return err
			}
			ev, err := WaitForEvent(ctx, run, "answer", []string{"done"}, Match{JobID: p.JobID}, 2*time.Second)
			if err != nil {
				return err
			}
			if ev == nil {
				return errors.New("timed out")
			}
			finished.Add(1)
			return nil
		},
	})
	e.Register(Function{
		Name:    "answerer",
		Trigger: "work",
		Handler: func(ctx context.Context, run *Run) error {
			var p chunkPayload
			if err := run.Event.Decode(&p); err != nil {
				return err
			}
			run.Send(MustEvent("done", p))
			return nil
		},
	})
	e.Start()

	e.Send(MustEvent("start", chunkPayload{JobID: "a"}), MustEvent("start", chunkPayload{JobID: "b"}))
	waitFor(t, func() bool { return finished.Load() == 2 })
	if s := e.Stats(); s.Failed != 0 {
		t.Errorf("Failed = %d, want 0", s.Failed)
	}
}

func TestEngine_FinishedRunStartsClean(t *testing.T) {
	store := NewMemoryStore()
	e := newTestEngine(t, store, 1)
	var stepCalls atomic.Int32
	e.Register(Function{
		Name:    "keyed",
		Trigger: "go",
		RunID:   func(Event) string { return "keyed:fixed" },
		Handler: func(ctx context.Context, run *Run) error {
			_, err := Step(ctx, run, "work", func(context.Context) (int32, error) {
				return stepCalls.Add(1), nil
			})
			return err
		},
	})
	e.Start()

	released := func() bool {
		e.activeMu.Lock()
		defer e.activeMu.Unlock()
		return !e.active["keyed:fixed"]
	}

	e.Send(MustEvent("go", chunkPayload{JobID: "j1"}))
	waitFor(t, func() bool { return e.Stats().Completed == 1 && released() })
	if _, found, _ := store.GetStep(context.Background(), "keyed:fixed", "work"); found {
		t.Error("step result kept after run completed")
	}

	e.Send(MustEvent("go", chunkPayload{JobID: "j2"}))
	waitFor(t, func() bool { return e.Stats().Completed == 2 })
	if n := stepCalls.Load(); n != 2 {
		t.Errorf("step body ran %d times, want 2", n)
	}
}
