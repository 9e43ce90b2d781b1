package xray

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Observer is notified after a step or trace has been finalized and persisted.
// Implementations must not block.
type Observer interface {
	StepEnded(ctx context.Context, step Step)
	TraceEnded(ctx context.Context, trace Trace)
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) {
		if now != nil {
			r.now = now
		}
	}
}

// WithIDGenerator overrides uuid-based id generation.
func WithIDGenerator(newID func() string) Option {
	return func(r *Recorder) {
		if newID != nil {
			r.newID = newID
		}
	}
}

// WithLogger sets the logger used for lifecycle debug output.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Recorder) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithObserver registers an observer. May be given more than once.
func WithObserver(o Observer) Option {
	return func(r *Recorder) {
		if o != nil {
			r.observers = append(r.observers, o)
		}
	}
}

// Recorder creates traces against a Storage. Construct one per process and
// pass it to the code that records decisions.
type Recorder struct {
	storage   Storage
	now       func() time.Time
	newID     func() string
	logger    *slog.Logger
	observers []Observer
}

// New returns a Recorder writing to storage.
func New(storage Storage, opts ...Option) *Recorder {
	r := &Recorder{
		storage: storage,
		now:     time.Now,
		newID:   uuid.NewString,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Storage returns the backing store.
func (r *Recorder) Storage() Storage {
	return r.storage
}

// Close closes the backing store.
func (r *Recorder) Close() error {
	return r.storage.Close()
}

// BeginTrace starts a running trace and persists it right away so readers can
// see partially recorded workflows.
func (r *Recorder) BeginTrace(ctx context.Context, name string, metadata Document) (*TraceHandle, error) {
	md, err := metadata.Clone()
	if err != nil {
		return nil, err
	}
	if md == nil {
		md = Document{}
	}
	began := r.now()
	t := Trace{
		TraceID:   r.newID(),
		Name:      name,
		StartTime: began.UTC().Truncate(TimePrecision),
		Status:    StatusRunning,
		Metadata:  md,
		Steps:     []Step{},
	}
	if err := r.storage.SaveTrace(ctx, t); err != nil {
		return nil, fmt.Errorf("save trace %s: %w", t.TraceID, err)
	}
	r.logger.Debug("trace started", "trace_id", t.TraceID, "trace_name", name)
	return &TraceHandle{rec: r, trace: t, began: began}, nil
}

// Run records fn as one trace. The trace is finalized on every exit path: a
// returned error or a panic marks it failed. fn's error is returned as is; if
// persisting also fails both errors are joined.
func (r *Recorder) Run(ctx context.Context, name string, metadata Document, fn func(context.Context, *TraceHandle) error) (err error) {
	h, err := r.BeginTrace(ctx, name, metadata)
	if err != nil {
		return err
	}
	ctx = WithTraceID(ctx, h.ID())
	defer func() {
		if p := recover(); p != nil {
			_ = h.End(ctx, panicError(p))
			panic(p)
		}
	}()
	err = fn(ctx, h)
	if endErr := h.End(ctx, err); endErr != nil && !errors.Is(endErr, ErrAlreadyEnded) {
		return errors.Join(err, endErr)
	}
	return err
}

func (r *Recorder) stepEnded(ctx context.Context, s Step) {
	for _, o := range r.observers {
		o.StepEnded(ctx, s)
	}
}

func (r *Recorder) traceEnded(ctx context.Context, t Trace) {
	for _, o := range r.observers {
		o.TraceEnded(ctx, t)
	}
}

func panicError(p any) error {
	if err, ok := p.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return fmt.Errorf("panic: %v", p)
}

// finish stamps end time and duration from the monotonic start reading. The
// duration is derived from the stored timestamps so it always equals
// end minus start.
func finish(now, began, start time.Time) (time.Time, int64) {
	elapsed := now.Sub(began)
	if elapsed < 0 {
		elapsed = 0
	}
	end := start.Add(elapsed).Truncate(TimePrecision)
	return end, end.Sub(start).Milliseconds()
}

// TraceHandle is the recording scope of one trace.
type TraceHandle struct {
	rec   *Recorder
	began time.Time

	mu         sync.Mutex
	trace      Trace
	next       int
	steps      []*StepHandle
	stepFailed bool
	ended      bool
}

// ID returns the trace id.
func (h *TraceHandle) ID() string {
	return h.trace.TraceID
}

// SetMetadata merges keys into the trace metadata (shallow, top level).
func (h *TraceHandle) SetMetadata(doc Document) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for k, v := range doc {
		h.trace.Metadata[k] = v
	}
}

// BeginStep starts the next step. Its order is the trace's counter value,
// starting at 0. The step is persisted when it ends.
func (h *TraceHandle) BeginStep(name string) *StepHandle {
	began := h.rec.now()
	h.mu.Lock()
	defer h.mu.Unlock()
	s := &StepHandle{
		trace: h,
		began: began,
		step: Step{
			StepID:    h.rec.newID(),
			TraceID:   h.trace.TraceID,
			Name:      name,
			Order:     h.next,
			Input:     Document{},
			Metadata:  Document{},
			StartTime: began.UTC().Truncate(TimePrecision),
			Status:    StatusRunning,
		},
	}
	h.next++
	h.steps = append(h.steps, s)
	return s
}

// Step records fn as one step of the trace, finalizing it on every exit path.
// A panic inside fn is recorded as a failure and re-raised.
func (h *TraceHandle) Step(ctx context.Context, name string, fn func(context.Context, *StepHandle) error) (err error) {
	s := h.BeginStep(name)
	defer func() {
		if p := recover(); p != nil {
			_ = s.End(ctx, panicError(p))
			panic(p)
		}
	}()
	err = fn(ctx, s)
	if endErr := s.End(ctx, err); endErr != nil && !errors.Is(endErr, ErrAlreadyEnded) {
		return errors.Join(err, endErr)
	}
	return err
}

var errStepNotFinished = errors.New("trace ended before step finished")

// End finalizes the trace. It fails when err is non-nil or any of its steps
// failed. Steps still running are ended as failed first. The trace is saved
// together with its steps, even when ctx is already cancelled.
func (h *TraceHandle) End(ctx context.Context, err error) error {
	ctx = context.WithoutCancel(ctx)
	now := h.rec.now()
	h.mu.Lock()
	if h.ended {
		h.mu.Unlock()
		return ErrAlreadyEnded
	}
	h.ended = true
	handles := append([]*StepHandle(nil), h.steps...)
	h.mu.Unlock()

	var errs []error
	for _, s := range handles {
		if s.running() {
			if endErr := s.End(ctx, errStepNotFinished); endErr != nil && !errors.Is(endErr, ErrAlreadyEnded) {
				errs = append(errs, endErr)
			}
		}
	}

	steps := make([]Step, 0, len(handles))
	for _, s := range handles {
		steps = append(steps, s.Snapshot())
	}

	h.mu.Lock()
	end, ms := finish(now, h.began, h.trace.StartTime)
	h.trace.EndTime = &end
	h.trace.DurationMS = &ms
	if err != nil || h.stepFailed {
		h.trace.Status = StatusFailed
	} else {
		h.trace.Status = StatusCompleted
	}
	h.trace.Steps = steps
	snap, cloneErr := h.trace.Clone()
	h.mu.Unlock()
	if cloneErr != nil {
		return errors.Join(append(errs, cloneErr)...)
	}

	if saveErr := h.rec.storage.SaveTrace(ctx, snap); saveErr != nil {
		errs = append(errs, fmt.Errorf("save trace %s: %w", snap.TraceID, saveErr))
		return errors.Join(errs...)
	}
	h.rec.logger.Debug("trace ended",
		"trace_id", snap.TraceID,
		"status", string(snap.Status),
		"duration_ms", ms,
		"steps", len(steps),
	)
	h.rec.traceEnded(ctx, snap)
	return errors.Join(errs...)
}

// Snapshot returns a copy of the trace as currently recorded.
func (h *TraceHandle) Snapshot() Trace {
	h.mu.Lock()
	handles := append([]*StepHandle(nil), h.steps...)
	t := h.trace
	h.mu.Unlock()
	out, err := t.Clone()
	if err != nil {
		out = t
	}
	out.Steps = make([]Step, 0, len(handles))
	for _, s := range handles {
		out.Steps = append(out.Steps, s.Snapshot())
	}
	return out
}

func (h *TraceHandle) markStepFailed() {
	h.mu.Lock()
	h.stepFailed = true
	h.mu.Unlock()
}
