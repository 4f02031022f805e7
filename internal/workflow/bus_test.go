package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type chunkPayload struct {
	JobID     string   `json:"jobId"`
	StartTime *float64 `json:"startTimeSeconds,omitempty"`
	Text      string   `json:"text,omitempty"`
}

// ── Bus waits ─────────────────────────────────────────────────────────

func TestBusWait(t *testing.T) {
	t.Run("resolves_on_publish", func(t *testing.T) {
		b := NewBus(16, zerolog.Nop())
		done := make(chan Event, 1)
		go func() {
			e, ok, err := b.Wait(context.Background(), []string{"provider/succeeded"}, Match{JobID: "j1"}, time.Second)
			if err != nil || !ok {
				t.Errorf("Wait = ok %v err %v", ok, err)
			}
			done <- e
		}()

		waitForPending(t, b, 1)
		b.Publish(MustEvent("provider/succeeded", chunkPayload{JobID: "j1", Text: "hi"}))

		select {
		case e := <-done:
			if e.Name != "provider/succeeded" {
				t.Errorf("Name = %q", e.Name)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("wait did not resolve")
		}
		if b.PendingWaits() != 0 {
			t.Errorf("PendingWaits = %d, want 0", b.PendingWaits())
		}
	})

	t.Run("times_out", func(t *testing.T) {
		b := NewBus(16, zerolog.Nop())
		start := time.Now()
		_, ok, err := b.Wait(context.Background(), []string{"x"}, Match{JobID: "j1"}, 20*time.Millisecond)
		if err != nil || ok {
			t.Errorf("Wait = ok %v err %v, want timeout", ok, err)
		}
		if time.Since(start) < 20*time.Millisecond {
			t.Error("returned before timeout")
		}
		if b.PendingWaits() != 0 {
			t.Errorf("PendingWaits = %d, want 0", b.PendingWaits())
		}
	})

	t.Run("replays_earlier_event", func(t *testing.T) {
		b := NewBus(16, zerolog.Nop())
		b.Publish(MustEvent("provider/failed", chunkPayload{JobID: "j1"}))

		_, ok, _ := b.Wait(context.Background(), []string{"provider/succeeded", "provider/failed"}, Match{JobID: "j1"}, 10*time.Millisecond)
		if !ok {
			t.Error("event published before the wait should resolve it")
		}
	})

	t.Run("ignores_other_jobs", func(t *testing.T) {
		b := NewBus(16, zerolog.Nop())
		b.Publish(MustEvent("provider/succeeded", chunkPayload{JobID: "other"}))

		_, ok, _ := b.Wait(context.Background(), []string{"provider/succeeded"}, Match{JobID: "j1"}, 10*time.Millisecond)
		if ok {
			t.Error("event for another job resolved the wait")
		}
	})

	t.Run("chunk_key_correlation", func(t *testing.T) {
		b := NewBus(16, zerolog.Nop())
		b.Publish(MustEvent("provider/succeeded", chunkPayload{JobID: "j1", StartTime: ChunkKey(900), Text: "second"}))
		b.Publish(MustEvent("provider/succeeded", chunkPayload{JobID: "j1", StartTime: ChunkKey(0), Text: "first"}))

		e, ok, _ := b.Wait(context.Background(), []string{"provider/succeeded"}, Match{JobID: "j1", StartTime: ChunkKey(0)}, 10*time.Millisecond)
		if !ok {
			t.Fatal("wait did not resolve")
		}
		var p chunkPayload
		e.Decode(&p)
		if p.Text != "first" {
			t.Errorf("matched chunk %q, want first", p.Text)
		}
	})

	t.Run("context_cancel", func(t *testing.T) {
		b := NewBus(16, zerolog.Nop())
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, ok, err := b.Wait(ctx, []string{"x"}, Match{JobID: "j1"}, time.Minute)
		if ok || err == nil {
			t.Errorf("Wait = ok %v err %v, want context error", ok, err)
		}
	})
}

func TestBusRingOverwrite(t *testing.T) {
	b := NewBus(2, zerolog.Nop())
	b.Publish(MustEvent("a", chunkPayload{JobID: "old"}))
	b.Publish(MustEvent("a", chunkPayload{JobID: "j2"}))
	b.Publish(MustEvent("a", chunkPayload{JobID: "j3"}))

	if _, ok, _ := b.Wait(context.Background(), []string{"a"}, Match{JobID: "old"}, time.Millisecond); ok {
		t.Error("evicted event should not replay")
	}
	if _, ok, _ := b.Wait(context.Background(), []string{"a"}, Match{JobID: "j3"}, time.Millisecond); !ok {
		t.Error("recent event should replay")
	}
}

func TestBusListeners(t *testing.T) {
	b := NewBus(4, zerolog.Nop())
	var got []string
	b.Listen(func(e Event) { got = append(got, e.Name) })
	b.Publish(MustEvent("one", nil))
	b.Publish(MustEvent("two", nil))
	if len(got) != 2 || got[0] != "one" || got[1] != "two" {
		t.Errorf("listener saw %v", got)
	}
}

func waitForPending(t *testing.T, b *Bus, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for b.PendingWaits() < n {
		if time.Now().After(deadline) {
			t.Fatalf("PendingWaits never reached %d", n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestBusDeliverSkipsListeners(t *testing.T) {
	b := NewBus(16, zerolog.Nop())
	var heard int
	b.Listen(func(Event) { heard++ })

	b.Deliver(MustEvent("provider/start", chunkPayload{JobID: "j1"}))

	if heard != 0 {
		t.Errorf("listener called %d times, want 0", heard)
	}
	if _, ok, _ := b.Wait(context.Background(), []string{"provider/start"}, Match{JobID: "j1"}, 10*time.Millisecond); !ok {
		t.Error("delivered event not replayed to a later wait")
	}

	b.Publish(MustEvent("provider/start", chunkPayload{JobID: "j2"}))
	if heard != 1 {
		t.Errorf("listener called %d times after Publish, want 1", heard)
	}
}
