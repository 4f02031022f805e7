package workflow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// RunStatus is the lifecycle state of a function run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// RunRecord is the durable description of a function run, enough to
// re-enqueue it after a restart.
type RunRecord struct {
	ID        string    `json:"id"`
	Function  string    `json:"function"`
	Event     Event     `json:"event"`
	Attempt   int       `json:"attempt"`
	Status    RunStatus `json:"status"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StepStore persists memoized step results and run records.
type StepStore interface {
	// GetStep returns the stored result of step in run. found is false when
	// the step has not completed.
	GetStep(ctx context.Context, runID, step string) (data []byte, found bool, err error)
	PutStep(ctx context.Context, runID, step string, data []byte) error
	SaveRun(ctx context.Context, rec RunRecord) error
	// ActiveRuns lists runs still marked running.
	ActiveRuns(ctx context.Context) ([]RunRecord, error)
}

// MemoryStore is an in-process StepStore. Step results do not survive a
// restart.
type MemoryStore struct {
	mu    sync.RWMutex
	steps map[string]map[string][]byte
	runs  map[string]RunRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		steps: make(map[string]map[string][]byte),
		runs:  make(map[string]RunRecord),
	}
}

func (s *MemoryStore) GetStep(_ context.Context, runID, step string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.steps[runID][step]
	return data, ok, nil
}

func (s *MemoryStore) PutStep(_ context.Context, runID, step string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.steps[runID]
	if !ok {
		m = make(map[string][]byte)
		s.steps[runID] = m
	}
	m[step] = append([]byte(nil), data...)
	return nil
}

// SaveRun records a running run. A finished run is dropped along with its
// step results, so a later run reusing the id starts clean.
func (s *MemoryStore) SaveRun(_ context.Context, rec RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.Status == RunRunning {
		s.runs[rec.ID] = rec
	} else {
		delete(s.runs, rec.ID)
		delete(s.steps, rec.ID)
	}
	return nil
}

func (s *MemoryStore) ActiveRuns(_ context.Context) ([]RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RunRecord, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}
