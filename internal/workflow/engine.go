package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/snarg/scribe-engine/internal/metrics"
)

// Handler is a workflow function body. It must be safe to re-run: work
// wrapped in Step, WaitForEvent and SendEvent is skipped on replay.
type Handler func(ctx context.Context, run *Run) error

// Function binds a handler to a trigger event name.
type Function struct {
	Name    string
	Trigger string
	// RunID derives the run identity from the triggering event. Two events
	// with the same run id share memoized steps and only one may be active.
	// Defaults to "<name>:<event id>".
	RunID   func(Event) string
	Handler Handler
	// OnFailure runs once after the final attempt fails.
	OnFailure func(ctx context.Context, run *Run, err error)
	// Concurrency > 0 gives the function its own worker pool of that size
	// instead of the shared one. Long-waiting functions use it so they
	// cannot starve the functions they wait on.
	Concurrency int
}

// Options configures an Engine.
type Options struct {
	Bus         *Bus
	Store       StepStore
	Workers     int
	QueueSize   int
	MaxAttempts int
	RetryDelay  time.Duration
	Log         zerolog.Logger
}

// QueueStats reports the current state of the task queue.
type QueueStats struct {
	Pending   int   `json:"pending"`
	InFlight  int   `json:"in_flight"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

type task struct {
	fn  Function
	rec RunRecord
}

// Engine executes functions on a bounded worker pool when their trigger
// events are published.
type Engine struct {
	bus    *Bus
	store  StepStore
	opts   Options
	origin string
	log    zerolog.Logger

	fnMu     sync.RWMutex
	funcs    map[string]Function
	triggers map[string][]string

	activeMu sync.Mutex
	active   map[string]bool

	tasks   chan task
	pools   map[string]chan task
	closeMu sync.RWMutex
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	inFlight  atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// NewEngine creates an engine and subscribes it to the bus.
func NewEngine(opts Options) *Engine {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		bus:      opts.Bus,
		store:    opts.Store,
		opts:     opts,
		origin:   uuid.NewString(),
		log:      opts.Log,
		funcs:    make(map[string]Function),
		triggers: make(map[string][]string),
		active:   make(map[string]bool),
		tasks:    make(chan task, opts.QueueSize),
		pools:    make(map[string]chan task),
		ctx:      ctx,
		cancel:   cancel,
	}
	opts.Bus.Listen(e.onEvent)
	return e
}

// Origin identifies events published by this engine instance.
func (e *Engine) Origin() string { return e.origin }

// Bus returns the engine's event bus.
func (e *Engine) Bus() *Bus { return e.bus }

// Register adds a function. Register before Start.
func (e *Engine) Register(fn Function) {
	e.fnMu.Lock()
	defer e.fnMu.Unlock()
	e.funcs[fn.Name] = fn
	e.triggers[fn.Trigger] = append(e.triggers[fn.Trigger], fn.Name)
	if fn.Concurrency > 0 {
		e.pools[fn.Name] = make(chan task, e.opts.QueueSize)
	}
}

// Start launches the worker goroutines.
func (e *Engine) Start() {
	for i := 0; i < e.opts.Workers; i++ {
		e.wg.Add(1)
		go e.worker(e.log.With().Int("worker", i).Logger(), e.tasks)
	}

	e.fnMu.RLock()
	for name, q := range e.pools {
		n := e.funcs[name].Concurrency
		for i := 0; i < n; i++ {
			e.wg.Add(1)
			go e.worker(e.log.With().Str("pool", name).Int("worker", i).Logger(), q)
		}
		e.log.Debug().Str("function", name).Int("workers", n).Msg("dedicated pool started")
	}
	e.fnMu.RUnlock()

	e.log.Info().Int("workers", e.opts.Workers).Int("queue_size", e.opts.QueueSize).Msg("workflow engine started")
}

// Stop cancels running handlers and waits for workers to exit. Runs
// interrupted by Stop stay marked running so Resume picks them up.
func (e *Engine) Stop() {
	e.closeMu.Lock()
	if e.stopped {
		e.closeMu.Unlock()
		return
	}
	e.stopped = true
	e.cancel()
	close(e.tasks)
	for _, q := range e.pools {
		close(q)
	}
	e.closeMu.Unlock()

	e.wg.Wait()
	e.log.Info().
		Int64("completed", e.completed.Load()).
		Int64("failed", e.failed.Load()).
		Msg("workflow engine stopped")
}

// Send publishes events on the bus, stamped with this engine's origin.
func (e *Engine) Send(events ...Event) {
	for _, ev := range events {
		if ev.Origin == "" {
			ev.Origin = e.origin
		}
		e.bus.Publish(ev)
	}
}

// Resume re-enqueues runs left active by a previous process.
func (e *Engine) Resume(ctx context.Context) (int, error) {
	recs, err := e.store.ActiveRuns(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active runs: %w", err)
	}
	n := 0
	for _, rec := range recs {
		e.fnMu.RLock()
		fn, ok := e.funcs[rec.Function]
		e.fnMu.RUnlock()
		if !ok {
			e.log.Warn().Str("run_id", rec.ID).Str("function", rec.Function).Msg("no function for stored run, skipping")
			continue
		}
		if !e.claim(rec.ID) {
			continue
		}
		e.enqueue(task{fn: fn, rec: rec})
		n++
	}
	if n > 0 {
		e.log.Info().Int("runs", n).Msg("resumed active runs")
	}
	return n, nil
}

// Stats returns current queue statistics.
func (e *Engine) Stats() QueueStats {
	return QueueStats{
		Pending:   e.QueueDepth(),
		InFlight:  int(e.inFlight.Load()),
		Completed: e.completed.Load(),
		Failed:    e.failed.Load(),
	}
}

// QueueDepth counts runs waiting for a worker across all pools.
func (e *Engine) QueueDepth() int {
	n := len(e.tasks)
	e.fnMu.RLock()
	for _, q := range e.pools {
		n += len(q)
	}
	e.fnMu.RUnlock()
	return n
}

func (e *Engine) InFlight() int     { return int(e.inFlight.Load()) }
func (e *Engine) PendingWaits() int { return e.bus.PendingWaits() }

func (e *Engine) onEvent(ev Event) {
	e.fnMu.RLock()
	names := e.triggers[ev.Name]
	fns := make([]Function, 0, len(names))
	for _, n := range names {
		fns = append(fns, e.funcs[n])
	}
	e.fnMu.RUnlock()

	for _, fn := range fns {
		id := fn.Name + ":" + ev.ID
		if fn.RunID != nil {
			id = fn.RunID(ev)
		}
		if !e.claim(id) {
			e.log.Debug().Str("run_id", id).Msg("run already active, ignoring trigger")
			continue
		}
		rec := RunRecord{
			ID:        id,
			Function:  fn.Name,
			Event:     ev,
			Attempt:   1,
			Status:    RunRunning,
			UpdatedAt: time.Now().UTC(),
		}
		if err := e.store.SaveRun(e.ctx, rec); err != nil {
			e.log.Error().Err(err).Str("run_id", id).Msg("failed to persist run record")
		}
		e.enqueue(task{fn: fn, rec: rec})
	}
}

func (e *Engine) claim(id string) bool {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	if e.active[id] {
		return false
	}
	e.active[id] = true
	return true
}

func (e *Engine) release(id string) {
	e.activeMu.Lock()
	delete(e.active, id)
	e.activeMu.Unlock()
}

// enqueue adds a task without blocking the publisher. A full queue is
// retried after RetryDelay.
func (e *Engine) enqueue(t task) {
	e.closeMu.RLock()
	defer e.closeMu.RUnlock()
	if e.stopped {
		return
	}
	q := e.tasks
	e.fnMu.RLock()
	if pool, ok := e.pools[t.fn.Name]; ok {
		q = pool
	}
	e.fnMu.RUnlock()
	select {
	case q <- t:
	default:
		e.log.Warn().Str("run_id", t.rec.ID).Msg("task queue full, deferring run")
		time.AfterFunc(e.opts.RetryDelay, func() { e.enqueue(t) })
	}
}

func (e *Engine) worker(log zerolog.Logger, q <-chan task) {
	defer e.wg.Done()
	for t := range q {
		e.execute(log, t)
	}
}

func (e *Engine) execute(log zerolog.Logger, t task) {
	rec := t.rec
	run := &Run{
		ID:       rec.ID,
		Function: rec.Function,
		Event:    rec.Event,
		Attempt:  rec.Attempt,
		engine:   e,
		Log:      log.With().Str("run_id", rec.ID).Str("function", rec.Function).Int("attempt", rec.Attempt).Logger(),
	}

	e.inFlight.Add(1)
	err := e.call(t.fn, run)
	e.inFlight.Add(-1)

	rec.UpdatedAt = time.Now().UTC()
	switch {
	case err == nil:
		rec.Status = RunCompleted
		e.completed.Add(1)
		metrics.WorkflowRunsTotal.WithLabelValues(rec.Function, "completed").Inc()

	case e.ctx.Err() != nil && errors.Is(err, context.Canceled):
		// shutdown: leave the record running for Resume
		e.release(rec.ID)
		return

	case rec.Attempt < e.opts.MaxAttempts:
		rec.Attempt++
		rec.Error = err.Error()
		metrics.WorkflowRunsTotal.WithLabelValues(rec.Function, "retried").Inc()
		run.Log.Warn().Err(err).Dur("retry_in", e.opts.RetryDelay).Msg("run failed, retrying")
		if serr := e.store.SaveRun(e.ctx, rec); serr != nil {
			run.Log.Error().Err(serr).Msg("failed to persist run record")
		}
		next := task{fn: t.fn, rec: rec}
		time.AfterFunc(e.opts.RetryDelay, func() { e.enqueue(next) })
		return

	default:
		rec.Status = RunFailed
		rec.Error = err.Error()
		e.failed.Add(1)
		metrics.WorkflowRunsTotal.WithLabelValues(rec.Function, "failed").Inc()
		run.Log.Error().Err(err).Msg("run failed, attempts exhausted")
		if t.fn.OnFailure != nil {
			t.fn.OnFailure(e.ctx, run, err)
		}
	}

	if serr := e.store.SaveRun(e.ctx, rec); serr != nil {
		run.Log.Error().Err(serr).Msg("failed to persist run record")
	}
	e.release(rec.ID)
}

func (e *Engine) call(fn Function, run *Run) (err error) {
	defer func() {
		if rv := recover(); rv != nil {
			err = fmt.Errorf("handler panic: %v", rv)
		}
	}()
	return fn.Handler(e.ctx, run)
}
