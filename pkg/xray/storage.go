package xray

import (
	"context"
	"errors"
	"time"
)

// DefaultListLimit is used when ListOptions.Limit is zero.
const DefaultListLimit = 100

// MaxListLimit is the largest page the query service accepts.
const MaxListLimit = 1000

var (
	// ErrNotFound is returned when a trace does not exist.
	ErrNotFound = errors.New("trace not found")
	// ErrAlreadyEnded is returned when a trace or step is ended twice.
	ErrAlreadyEnded = errors.New("already ended")
)

// ListOptions narrows ListTraces. An empty Status matches every trace.
type ListOptions struct {
	Limit  int
	Status Status
}

// EffectiveLimit returns Limit, or DefaultListLimit when Limit is not positive.
func (o ListOptions) EffectiveLimit() int {
	if o.Limit <= 0 {
		return DefaultListLimit
	}
	return o.Limit
}

// Storage persists traces and steps. Every Save call must be durable before it
// returns. Saves are upserts keyed by id.
type Storage interface {
	// SaveTrace upserts the trace row and every step in trace.Steps.
	SaveTrace(ctx context.Context, trace Trace) error
	// SaveStep upserts a single step. The owning trace must already exist.
	SaveStep(ctx context.Context, step Step) error
	// GetTrace returns the trace with its steps in step_order, or ErrNotFound.
	GetTrace(ctx context.Context, traceID string) (Trace, error)
	// ListTraces returns at most opts.Limit traces, newest start_time first.
	ListTraces(ctx context.Context, opts ListOptions) ([]Trace, error)
	// DeleteTrace removes a trace and all of its steps, or returns ErrNotFound.
	DeleteTrace(ctx context.Context, traceID string) error
	Close() error
}

// Purger is implemented by storages that can delete traces by age.
type Purger interface {
	// PurgeBefore deletes traces whose start_time is before cutoff, returning
	// the number of traces removed. Steps go with their trace.
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
