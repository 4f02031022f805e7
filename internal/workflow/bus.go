package workflow

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/scribe-engine/internal/metrics"
)

// Bus distributes events to triggered functions, outstanding waits and
// bridges. A ring buffer keeps recent events so a wait registered after its
// event was published still resolves.
type Bus struct {
	mu      sync.Mutex
	waiters map[uint64]*waiter
	nextID  uint64
	pending atomic.Int64

	ring     []Event
	ringSize int
	ringHead int

	listeners []func(Event)
	log       zerolog.Logger
}

type waiter struct {
	names map[string]bool
	match Match
	ch    chan Event
}

// NewBus creates a bus with the given replay ring size.
func NewBus(ringSize int, log zerolog.Logger) *Bus {
	if ringSize < 1 {
		ringSize = 1
	}
	return &Bus{
		waiters:  make(map[uint64]*waiter),
		ring:     make([]Event, ringSize),
		ringSize: ringSize,
		log:      log,
	}
}

// Listen registers fn to receive every published event. Listeners run on the
// publisher's goroutine and must not block.
func (b *Bus) Listen(fn func(Event)) {
	b.mu.Lock()
	b.listeners = append(b.listeners, fn)
	b.mu.Unlock()
}

// Publish records e in the replay ring, resolves matching waits and notifies
// listeners.
func (b *Bus) Publish(e Event) {
	listeners := b.record(e)
	b.log.Debug().Str("event", e.Name).Str("event_id", e.ID).Msg("published")
	for _, fn := range listeners {
		fn(e)
	}
}

// Deliver records e and resolves matching waits without notifying
// listeners. Bridged events use it so only the originating process triggers
// functions.
func (b *Bus) Deliver(e Event) {
	b.record(e)
	b.log.Debug().Str("event", e.Name).Str("event_id", e.ID).Msg("delivered")
}

// record stores e in the ring, resolves waits and returns a snapshot of the
// listeners.
func (b *Bus) record(e Event) []func(Event) {
	metrics.WorkflowEventsTotal.WithLabelValues(e.Name).Inc()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.ring[b.ringHead] = e
	b.ringHead = (b.ringHead + 1) % b.ringSize

	for id, w := range b.waiters {
		if w.names[e.Name] && w.match.matches(e) {
			w.ch <- e // buffered, one slot, waiter removed below
			delete(b.waiters, id)
			b.pending.Add(-1)
		}
	}
	return slices.Clone(b.listeners)
}

// Wait blocks until an event named in names matching m is published, the
// timeout elapses, or ctx is done. Events already in the replay ring count.
// It returns (event, true, nil) on a match and (zero, false, nil) on timeout.
func (b *Bus) Wait(ctx context.Context, names []string, m Match, timeout time.Duration) (Event, bool, error) {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}

	b.mu.Lock()
	if e, ok := b.replay(set, m); ok {
		b.mu.Unlock()
		return e, true, nil
	}
	id := b.nextID
	b.nextID++
	w := &waiter{names: set, match: m, ch: make(chan Event, 1)}
	b.waiters[id] = w
	b.pending.Add(1)
	b.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case e := <-w.ch:
		return e, true, nil
	case <-timer.C:
	case <-ctx.Done():
	}

	b.mu.Lock()
	if _, still := b.waiters[id]; still {
		delete(b.waiters, id)
		b.pending.Add(-1)
	}
	b.mu.Unlock()

	// a publish may have raced the timer
	select {
	case e := <-w.ch:
		return e, true, nil
	default:
	}
	if err := ctx.Err(); err != nil {
		return Event{}, false, err
	}
	return Event{}, false, nil
}

// replay scans the ring oldest-first. Caller holds b.mu.
func (b *Bus) replay(names map[string]bool, m Match) (Event, bool) {
	for i := 0; i < b.ringSize; i++ {
		e := b.ring[(b.ringHead+i)%b.ringSize]
		if e.ID == "" {
			continue
		}
		if names[e.Name] && m.matches(e) {
			return e, true
		}
	}
	return Event{}, false
}

// PendingWaits reports outstanding wait registrations.
func (b *Bus) PendingWaits() int { return int(b.pending.Load()) }
