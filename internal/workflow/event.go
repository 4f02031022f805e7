// Package workflow is a small durable-execution substrate: named events on a
// bus, functions triggered by events, memoized steps and correlated waits.
package workflow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is a named JSON payload on the bus.
type Event struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Data   json.RawMessage `json:"data"`
	Origin string          `json:"origin,omitempty"`
	TS     time.Time       `json:"ts"`
}

// NewEvent marshals payload into a new event.
func NewEvent(name string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s: %w", name, err)
	}
	return Event{
		ID:   uuid.NewString(),
		Name: name,
		Data: data,
		TS:   time.Now().UTC(),
	}, nil
}

// MustEvent is NewEvent for payloads that always marshal.
func MustEvent(name string, payload any) Event {
	e, err := NewEvent(name, payload)
	if err != nil {
		panic(err)
	}
	return e
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", e.Name, err)
	}
	return nil
}

// correlation holds the payload fields waits are matched on.
type correlation struct {
	JobID     string   `json:"jobId"`
	StartTime *float64 `json:"startTimeSeconds,omitempty"`
}

// Match selects events for a wait. StartTime nil matches events with or
// without a chunk key.
type Match struct {
	JobID     string
	StartTime *float64
}

// ChunkKey returns a Match pointer value for a chunk start time.
func ChunkKey(start float64) *float64 { return &start }

func (m Match) matches(e Event) bool {
	var c correlation
	if err := json.Unmarshal(e.Data, &c); err != nil {
		return false
	}
	if c.JobID != m.JobID {
		return false
	}
	if m.StartTime == nil {
		return true
	}
	return c.StartTime != nil && *c.StartTime == *m.StartTime
}
