// Package journal records push runs so an operator can tell which runs ended
// and which left a lineage entry behind.
package journal

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the progress of a push run.
type State string

const (
	StateStarted   State = "STARTED"
	StateUploaded  State = "UPLOADED"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
)

// Open reports whether the run has not reached a terminal state.
func (s State) Open() bool {
	return s == StateStarted || s == StateUploaded
}

// ErrRunNotFound is returned by Get for unknown run ids.
var ErrRunNotFound = errors.New("push run not found")

// Run is one push of one table.
type Run struct {
	ID         string    `json:"id"`
	Table      string    `json:"table"`
	TableType  string    `json:"tableType"`
	Mode       string    `json:"mode"`
	EntryID    string    `json:"entryId,omitempty"`
	SegmentsTo []string  `json:"segmentsTo"`
	State      State     `json:"state"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Store persists runs.
type Store interface {
	// Begin assigns an id when run.ID is empty and stores the run as STARTED.
	Begin(ctx context.Context, run *Run) error
	// Update stores the run's current state, entry id and error.
	Update(ctx context.Context, run *Run) error
	Get(ctx context.Context, id string) (*Run, error)
	// ListOpen returns runs of the table that never reached a terminal state,
	// oldest first.
	ListOpen(ctx context.Context, table, tableType string) ([]Run, error)
	Close() error
}

func prepare(run *Run, now time.Time) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.State == "" {
		run.State = StateStarted
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = now
	}
	run.UpdatedAt = now
}

// MemoryStore keeps runs in process memory.
type MemoryStore struct {
	mu   sync.Mutex
	runs map[string]Run
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]Run), now: time.Now}
}

func (m *MemoryStore) Begin(_ context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prepare(run, m.now())
	m.runs[run.ID] = clone(*run)
	return nil
}

func (m *MemoryStore) Update(_ context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; !ok {
		return ErrRunNotFound
	}
	run.UpdatedAt = m.now()
	m.runs[run.ID] = clone(*run)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	out := clone(run)
	return &out, nil
}

func (m *MemoryStore) ListOpen(_ context.Context, table, tableType string) ([]Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Run
	for _, run := range m.runs {
		if run.Table == table && run.TableType == tableType && run.State.Open() {
			out = append(out, clone(run))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

func clone(r Run) Run {
	r.SegmentsTo = append([]string(nil), r.SegmentsTo...)
	return r
}
