package xray

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStorage is an in-memory Storage, mainly for tests. Stored values are
// deep copies, so callers never alias what the store holds.
type MemoryStorage struct {
	mu     sync.RWMutex
	traces map[string]Trace
	steps  map[string]map[string]Step // trace_id -> step_id -> step
}

// NewMemoryStorage creates an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		traces: make(map[string]Trace),
		steps:  make(map[string]map[string]Step),
	}
}

// SaveTrace upserts the trace and its steps.
func (s *MemoryStorage) SaveTrace(_ context.Context, trace Trace) error {
	c, err := trace.Clone()
	if err != nil {
		return err
	}
	steps := c.Steps
	c.Steps = nil

	s.mu.Lock()
	defer s.mu.Unlock()
	s.traces[c.TraceID] = c
	if _, ok := s.steps[c.TraceID]; !ok {
		s.steps[c.TraceID] = make(map[string]Step)
	}
	for _, st := range steps {
		if st.TraceID != c.TraceID {
			return fmt.Errorf("step %s belongs to trace %s, not %s", st.StepID, st.TraceID, c.TraceID)
		}
		s.steps[c.TraceID][st.StepID] = st
	}
	return nil
}

// SaveStep upserts one step. Like the SQL backends it rejects a step whose
// trace does not exist.
func (s *MemoryStorage) SaveStep(_ context.Context, step Step) error {
	c, err := step.Clone()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.traces[c.TraceID]; !ok {
		return fmt.Errorf("save step %s: trace %s does not exist", c.StepID, c.TraceID)
	}
	s.steps[c.TraceID][c.StepID] = c
	return nil
}

// GetTrace returns a copy of the trace with ordered steps.
func (s *MemoryStorage) GetTrace(_ context.Context, traceID string) (Trace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadLocked(traceID)
}

func (s *MemoryStorage) loadLocked(traceID string) (Trace, error) {
	t, ok := s.traces[traceID]
	if !ok {
		return Trace{}, ErrNotFound
	}
	out, err := t.Clone()
	if err != nil {
		return Trace{}, err
	}
	for _, st := range s.steps[traceID] {
		c, err := st.Clone()
		if err != nil {
			return Trace{}, err
		}
		out.Steps = append(out.Steps, c)
	}
	sort.Slice(out.Steps, func(i, j int) bool { return out.Steps[i].Order < out.Steps[j].Order })
	return out, nil
}

// ListTraces returns traces newest first, optionally filtered by status.
func (s *MemoryStorage) ListTraces(_ context.Context, opts ListOptions) ([]Trace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.traces))
	for id, t := range s.traces {
		if opts.Status != "" && t.Status != opts.Status {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := s.traces[ids[i]].StartTime, s.traces[ids[j]].StartTime
		if a.Equal(b) {
			return ids[i] > ids[j]
		}
		return a.After(b)
	})
	if limit := opts.EffectiveLimit(); len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]Trace, 0, len(ids))
	for _, id := range ids {
		t, err := s.loadLocked(id)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// DeleteTrace removes the trace and its steps.
func (s *MemoryStorage) DeleteTrace(_ context.Context, traceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.traces[traceID]; !ok {
		return ErrNotFound
	}
	delete(s.traces, traceID)
	delete(s.steps, traceID)
	return nil
}

// PurgeBefore deletes traces that started before cutoff and returns how many
// were removed.
func (s *MemoryStorage) PurgeBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, t := range s.traces {
		if t.StartTime.Before(cutoff) {
			delete(s.traces, id)
			delete(s.steps, id)
			n++
		}
	}
	return n, nil
}

// Close is a no-op.
func (s *MemoryStorage) Close() error { return nil }
