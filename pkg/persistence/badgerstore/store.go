// Package badgerstore keeps traces in an embedded Badger key-value store via
// badgerhold. It needs no cgo, which makes it the portable alternative to the
// SQLite backend.
package badgerstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/timshannon/badgerhold/v4"

	"github.com/basket/decisiontrace/pkg/xray"
)

// traceRecord is the stored form of a trace. Documents are kept as JSON text
// so that gob never has to encode interface values.
type traceRecord struct {
	TraceID    string
	Name       string
	StartTime  time.Time
	EndTime    *time.Time
	DurationMS *int64
	Status     string `badgerhold:"index"`
	Metadata   string
}

type stepRecord struct {
	StepID     string
	TraceID    string `badgerhold:"index"`
	Name       string
	Order      int
	Input      string
	Output     *string
	Reasoning  *string
	Metadata   string
	StartTime  time.Time
	EndTime    *time.Time
	DurationMS *int64
	Status     string
	Error      *string
}

// Store is a badgerhold-backed xray.Storage.
type Store struct {
	store *badgerhold.Store
}

var _ xray.Storage = (*Store)(nil)
var _ xray.Purger = (*Store)(nil)

// Options returns the badgerhold options Open uses for dir. Writes are
// synced to disk before a commit returns.
func Options(dir string) badgerhold.Options {
	options := badgerhold.DefaultOptions
	options.Dir = dir
	options.ValueDir = dir
	options.SyncWrites = true
	options.Logger = nil
	return options
}

// Open opens (or creates) the database directory dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create badger directory: %w", err)
	}
	store, err := badgerhold.Open(Options(dir))
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &Store{store: store}, nil
}

// SyncWrites reports whether the open database syncs every commit.
func (s *Store) SyncWrites() bool {
	return s.store.Badger().Opts().SyncWrites
}

func (s *Store) Close() error {
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

func toTraceRecord(t xray.Trace) (traceRecord, error) {
	md, err := xray.EncodeDocument(t.Metadata)
	if err != nil {
		return traceRecord{}, fmt.Errorf("encode trace metadata: %w", err)
	}
	return traceRecord{
		TraceID:    t.TraceID,
		Name:       t.Name,
		StartTime:  t.StartTime.UTC(),
		EndTime:    utcPtr(t.EndTime),
		DurationMS: t.DurationMS,
		Status:     string(t.Status),
		Metadata:   md,
	}, nil
}

func (r traceRecord) toTrace() (xray.Trace, error) {
	md, err := xray.DecodeDocument(r.Metadata)
	if err != nil {
		return xray.Trace{}, fmt.Errorf("decode trace metadata: %w", err)
	}
	return xray.Trace{
		TraceID:    r.TraceID,
		Name:       r.Name,
		StartTime:  r.StartTime.UTC(),
		EndTime:    utcPtr(r.EndTime),
		DurationMS: r.DurationMS,
		Status:     xray.Status(r.Status),
		Metadata:   md,
		Steps:      []xray.Step{},
	}, nil
}

func toStepRecord(st xray.Step) (stepRecord, error) {
	input, err := xray.EncodeDocument(st.Input)
	if err != nil {
		return stepRecord{}, fmt.Errorf("encode step input: %w", err)
	}
	md, err := xray.EncodeDocument(st.Metadata)
	if err != nil {
		return stepRecord{}, fmt.Errorf("encode step metadata: %w", err)
	}
	var output *string
	if st.Output != nil {
		raw, err := xray.EncodeDocument(st.Output)
		if err != nil {
			return stepRecord{}, fmt.Errorf("encode step output: %w", err)
		}
		output = &raw
	}
	return stepRecord{
		StepID:     st.StepID,
		TraceID:    st.TraceID,
		Name:       st.Name,
		Order:      st.Order,
		Input:      input,
		Output:     output,
		Reasoning:  st.Reasoning,
		Metadata:   md,
		StartTime:  st.StartTime.UTC(),
		EndTime:    utcPtr(st.EndTime),
		DurationMS: st.DurationMS,
		Status:     string(st.Status),
		Error:      st.Error,
	}, nil
}

func (r stepRecord) toStep() (xray.Step, error) {
	input, err := xray.DecodeDocument(r.Input)
	if err != nil {
		return xray.Step{}, fmt.Errorf("decode step input: %w", err)
	}
	md, err := xray.DecodeDocument(r.Metadata)
	if err != nil {
		return xray.Step{}, fmt.Errorf("decode step metadata: %w", err)
	}
	var output xray.Document
	if r.Output != nil {
		if output, err = xray.DecodeDocument(*r.Output); err != nil {
			return xray.Step{}, fmt.Errorf("decode step output: %w", err)
		}
	}
	return xray.Step{
		StepID:     r.StepID,
		TraceID:    r.TraceID,
		Name:       r.Name,
		Order:      r.Order,
		Input:      input,
		Output:     output,
		Reasoning:  r.Reasoning,
		Metadata:   md,
		StartTime:  r.StartTime.UTC(),
		EndTime:    utcPtr(r.EndTime),
		DurationMS: r.DurationMS,
		Status:     xray.Status(r.Status),
		Error:      r.Error,
	}, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

// SaveTrace upserts the trace and its steps in one badger transaction.
func (s *Store) SaveTrace(ctx context.Context, trace xray.Trace) error {
	if !trace.Status.Valid() {
		return fmt.Errorf("save trace %s: invalid status %q", trace.TraceID, trace.Status)
	}
	rec, err := toTraceRecord(trace)
	if err != nil {
		return err
	}
	steps := make([]stepRecord, 0, len(trace.Steps))
	for _, st := range trace.Steps {
		if st.TraceID != trace.TraceID {
			return fmt.Errorf("step %s belongs to trace %s, not %s", st.StepID, st.TraceID, trace.TraceID)
		}
		sr, err := toStepRecord(st)
		if err != nil {
			return err
		}
		steps = append(steps, sr)
	}
	err = s.store.Badger().Update(func(tx *badger.Txn) error {
		if err := s.store.TxUpsert(tx, rec.TraceID, rec); err != nil {
			return err
		}
		for _, sr := range steps {
			if err := s.store.TxUpsert(tx, sr.StepID, sr); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save trace %s: %w", trace.TraceID, err)
	}
	return nil
}

// SaveStep upserts one step after checking that its trace exists.
func (s *Store) SaveStep(ctx context.Context, step xray.Step) error {
	if !step.Status.Valid() {
		return fmt.Errorf("save step %s: invalid status %q", step.StepID, step.Status)
	}
	sr, err := toStepRecord(step)
	if err != nil {
		return err
	}
	err = s.store.Badger().Update(func(tx *badger.Txn) error {
		var owner traceRecord
		if err := s.store.TxGet(tx, step.TraceID, &owner); err != nil {
			if errors.Is(err, badgerhold.ErrNotFound) {
				return fmt.Errorf("trace %s does not exist", step.TraceID)
			}
			return err
		}
		return s.store.TxUpsert(tx, sr.StepID, sr)
	})
	if err != nil {
		return fmt.Errorf("save step %s: %w", step.StepID, err)
	}
	return nil
}

// GetTrace loads a trace with its steps in order.
func (s *Store) GetTrace(ctx context.Context, traceID string) (xray.Trace, error) {
	var rec traceRecord
	if err := s.store.Get(traceID, &rec); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return xray.Trace{}, xray.ErrNotFound
		}
		return xray.Trace{}, fmt.Errorf("get trace %s: %w", traceID, err)
	}
	return s.load(rec)
}

func (s *Store) load(rec traceRecord) (xray.Trace, error) {
	t, err := rec.toTrace()
	if err != nil {
		return xray.Trace{}, err
	}
	var steps []stepRecord
	if err := s.store.Find(&steps, badgerhold.Where("TraceID").Eq(rec.TraceID).Index("TraceID").SortBy("Order")); err != nil {
		return xray.Trace{}, fmt.Errorf("load steps of %s: %w", rec.TraceID, err)
	}
	for _, sr := range steps {
		st, err := sr.toStep()
		if err != nil {
			return xray.Trace{}, err
		}
		t.Steps = append(t.Steps, st)
	}
	return t, nil
}

// ListTraces returns the newest traces first, optionally filtered by status.
func (s *Store) ListTraces(ctx context.Context, opts xray.ListOptions) ([]xray.Trace, error) {
	query := badgerhold.Where("TraceID").Ne("")
	if opts.Status != "" {
		query = badgerhold.Where("Status").Eq(string(opts.Status)).Index("Status")
	}
	query = query.SortBy("StartTime", "TraceID").Reverse().Limit(opts.EffectiveLimit())

	var recs []traceRecord
	if err := s.store.Find(&recs, query); err != nil {
		return nil, fmt.Errorf("list traces: %w", err)
	}
	traces := make([]xray.Trace, 0, len(recs))
	for _, rec := range recs {
		t, err := s.load(rec)
		if err != nil {
			return nil, err
		}
		traces = append(traces, t)
	}
	return traces, nil
}

// DeleteTrace removes a trace and its steps.
func (s *Store) DeleteTrace(ctx context.Context, traceID string) error {
	err := s.store.Badger().Update(func(tx *badger.Txn) error {
		return s.deleteTx(tx, traceID)
	})
	if errors.Is(err, badgerhold.ErrNotFound) {
		return xray.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("delete trace %s: %w", traceID, err)
	}
	return nil
}

func (s *Store) deleteTx(tx *badger.Txn, traceID string) error {
	if err := s.store.TxDelete(tx, traceID, &traceRecord{}); err != nil {
		return err
	}
	return s.store.TxDeleteMatching(tx, &stepRecord{}, badgerhold.Where("TraceID").Eq(traceID).Index("TraceID"))
}

// PurgeBefore deletes traces that started before cutoff.
func (s *Store) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var old []traceRecord
	if err := s.store.Find(&old, badgerhold.Where("StartTime").Lt(cutoff.UTC())); err != nil {
		return 0, fmt.Errorf("find expired traces: %w", err)
	}
	var purged int64
	for _, rec := range old {
		err := s.store.Badger().Update(func(tx *badger.Txn) error {
			return s.deleteTx(tx, rec.TraceID)
		})
		if err != nil && !errors.Is(err, badgerhold.ErrNotFound) {
			return purged, fmt.Errorf("purge trace %s: %w", rec.TraceID, err)
		}
		if err == nil {
			purged++
		}
	}
	return purged, nil
}
