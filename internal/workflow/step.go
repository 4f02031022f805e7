package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Run is the per-invocation handle passed to a Handler.
type Run struct {
	ID       string
	Function string
	Event    Event
	Attempt  int
	Log      zerolog.Logger

	engine *Engine
}

// Step runs fn once per (run, name). On replay the stored result is decoded
// and returned without calling fn. Errors are not memoized.
func Step[T any](ctx context.Context, r *Run, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	data, found, err := r.engine.store.GetStep(ctx, r.ID, name)
	if err != nil {
		return zero, err
	}
	if found {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return zero, fmt.Errorf("decode step %s: %w", name, err)
		}
		r.Log.Debug().Str("step", name).Msg("step replayed")
		return v, nil
	}

	v, err := fn(ctx)
	if err != nil {
		return zero, err
	}
	data, err = json.Marshal(v)
	if err != nil {
		return zero, fmt.Errorf("encode step %s: %w", name, err)
	}
	if err := r.engine.store.PutStep(ctx, r.ID, name, data); err != nil {
		return zero, err
	}
	return v, nil
}

// SendEvent publishes events once per (run, name).
func SendEvent(ctx context.Context, r *Run, name string, events ...Event) error {
	_, err := Step(ctx, r, name, func(context.Context) (int, error) {
		r.engine.Send(events...)
		return len(events), nil
	})
	return err
}

type waitResult struct {
	Event *Event `json:"event,omitempty"`
}

// WaitForEvent suspends until an event named in names matching m arrives or
// timeout elapses. A nil event means the wait timed out. The outcome is
// memoized under name, so a replayed run does not wait again.
func WaitForEvent(ctx context.Context, r *Run, name string, names []string, m Match, timeout time.Duration) (*Event, error) {
	res, err := Step(ctx, r, name, func(ctx context.Context) (waitResult, error) {
		ev, ok, err := r.engine.bus.Wait(ctx, names, m, timeout)
		if err != nil {
			return waitResult{}, err
		}
		if !ok {
			return waitResult{}, nil
		}
		return waitResult{Event: &ev}, nil
	})
	if err != nil {
		return nil, err
	}
	return res.Event, nil
}

// Send publishes events without memoization.
func (r *Run) Send(events ...Event) { r.engine.Send(events...) }

// Done reports whether step name has a stored result for this run. Store
// errors count as not done.
func (r *Run) Done(ctx context.Context, name string) bool {
	_, found, err := r.engine.store.GetStep(ctx, r.ID, name)
	if err != nil {
		r.Log.Warn().Err(err).Str("step", name).Msg("step lookup failed")
		return false
	}
	return found
}
