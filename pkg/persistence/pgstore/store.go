// Package pgstore is the PostgreSQL storage backend, built on pgx/v5.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/basket/decisiontrace/pkg/xray"
)

const schema = `
CREATE TABLE IF NOT EXISTS traces (
	trace_id    TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	start_time  TIMESTAMPTZ NOT NULL,
	end_time    TIMESTAMPTZ,
	duration_ms BIGINT,
	status      TEXT NOT NULL CHECK (status IN ('running', 'completed', 'failed')),
	metadata    JSONB NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_traces_status ON traces(status);
CREATE INDEX IF NOT EXISTS idx_traces_start_time ON traces(start_time DESC);
CREATE TABLE IF NOT EXISTS steps (
	step_id     TEXT PRIMARY KEY,
	trace_id    TEXT NOT NULL REFERENCES traces(trace_id) ON DELETE CASCADE,
	name        TEXT NOT NULL,
	step_order  INTEGER NOT NULL,
	input       JSONB NOT NULL DEFAULT '{}',
	output      JSONB,
	reasoning   TEXT,
	metadata    JSONB NOT NULL DEFAULT '{}',
	start_time  TIMESTAMPTZ NOT NULL,
	end_time    TIMESTAMPTZ,
	duration_ms BIGINT,
	status      TEXT NOT NULL CHECK (status IN ('running', 'completed', 'failed')),
	error       TEXT
);
CREATE INDEX IF NOT EXISTS idx_steps_trace_order ON steps(trace_id, step_order);
`

// Store is a PostgreSQL-backed xray.Storage.
type Store struct {
	pool *pgxpool.Pool
}

var _ xray.Storage = (*Store)(nil)
var _ xray.Purger = (*Store)(nil)

// New wraps an existing pool. Call Migrate before first use.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Open connects to dsn and creates the schema if needed.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := New(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates tables and indexes. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate postgres schema: %w", err)
	}
	return nil
}

// Ping verifies the pool can reach the server.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// SaveTrace upserts the trace and its steps in one transaction.
func (s *Store) SaveTrace(ctx context.Context, trace xray.Trace) error {
	if !trace.Status.Valid() {
		return fmt.Errorf("save trace %s: invalid status %q", trace.TraceID, trace.Status)
	}
	metadata, err := xray.EncodeDocument(trace.Metadata)
	if err != nil {
		return fmt.Errorf("encode trace metadata: %w", err)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO traces (trace_id, name, start_time, end_time, duration_ms, status, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)
		ON CONFLICT (trace_id) DO UPDATE SET
			name = EXCLUDED.name,
			start_time = EXCLUDED.start_time,
			end_time = EXCLUDED.end_time,
			duration_ms = EXCLUDED.duration_ms,
			status = EXCLUDED.status,
			metadata = EXCLUDED.metadata`,
		trace.TraceID, trace.Name, trace.StartTime.UTC(), trace.EndTime, trace.DurationMS,
		string(trace.Status), metadata,
	)
	if err != nil {
		return fmt.Errorf("upsert trace %s: %w", trace.TraceID, err)
	}
	for _, st := range trace.Steps {
		if st.TraceID != trace.TraceID {
			return fmt.Errorf("step %s belongs to trace %s, not %s", st.StepID, st.TraceID, trace.TraceID)
		}
		if err := upsertStep(ctx, tx, st); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit trace %s: %w", trace.TraceID, err)
	}
	return nil
}

// SaveStep upserts one step. The foreign key rejects orphans.
func (s *Store) SaveStep(ctx context.Context, step xray.Step) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := upsertStep(ctx, tx, step); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func upsertStep(ctx context.Context, tx pgx.Tx, st xray.Step) error {
	if !st.Status.Valid() {
		return fmt.Errorf("save step %s: invalid status %q", st.StepID, st.Status)
	}
	input, err := xray.EncodeDocument(st.Input)
	if err != nil {
		return fmt.Errorf("encode step input: %w", err)
	}
	metadata, err := xray.EncodeDocument(st.Metadata)
	if err != nil {
		return fmt.Errorf("encode step metadata: %w", err)
	}
	var output *string
	if st.Output != nil {
		raw, err := xray.EncodeDocument(st.Output)
		if err != nil {
			return fmt.Errorf("encode step output: %w", err)
		}
		output = &raw
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO steps (step_id, trace_id, name, step_order, input, output, reasoning, metadata,
			start_time, end_time, duration_ms, status, error)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, $7, $8::jsonb, $9, $10, $11, $12, $13)
		ON CONFLICT (step_id) DO UPDATE SET
			name = EXCLUDED.name,
			step_order = EXCLUDED.step_order,
			input = EXCLUDED.input,
			output = EXCLUDED.output,
			reasoning = EXCLUDED.reasoning,
			metadata = EXCLUDED.metadata,
			start_time = EXCLUDED.start_time,
			end_time = EXCLUDED.end_time,
			duration_ms = EXCLUDED.duration_ms,
			status = EXCLUDED.status,
			error = EXCLUDED.error`,
		st.StepID, st.TraceID, st.Name, st.Order, input, output, st.Reasoning, metadata,
		st.StartTime.UTC(), st.EndTime, st.DurationMS, string(st.Status), st.Error,
	)
	if err != nil {
		return fmt.Errorf("upsert step %s: %w", st.StepID, err)
	}
	return nil
}

const traceColumns = `trace_id, name, start_time, end_time, duration_ms, status, metadata`

func scanTrace(row pgx.Row) (xray.Trace, error) {
	var (
		t        xray.Trace
		status   string
		metadata []byte
	)
	if err := row.Scan(&t.TraceID, &t.Name, &t.StartTime, &t.EndTime, &t.DurationMS, &status, &metadata); err != nil {
		return xray.Trace{}, err
	}
	md, err := xray.DecodeDocument(string(metadata))
	if err != nil {
		return xray.Trace{}, fmt.Errorf("decode trace metadata: %w", err)
	}
	t.StartTime = t.StartTime.UTC()
	t.EndTime = utcPtr(t.EndTime)
	t.Status = xray.Status(status)
	t.Metadata = md
	t.Steps = []xray.Step{}
	return t, nil
}

func scanStep(row pgx.Row) (xray.Step, error) {
	var (
		st                      xray.Step
		status                  string
		input, output, metadata []byte
	)
	if err := row.Scan(&st.StepID, &st.TraceID, &st.Name, &st.Order, &input, &output, &st.Reasoning,
		&metadata, &st.StartTime, &st.EndTime, &st.DurationMS, &status, &st.Error); err != nil {
		return xray.Step{}, err
	}
	var err error
	if st.Input, err = xray.DecodeDocument(string(input)); err != nil {
		return xray.Step{}, fmt.Errorf("decode step input: %w", err)
	}
	if output != nil {
		if st.Output, err = xray.DecodeDocument(string(output)); err != nil {
			return xray.Step{}, fmt.Errorf("decode step output: %w", err)
		}
	}
	if st.Metadata, err = xray.DecodeDocument(string(metadata)); err != nil {
		return xray.Step{}, fmt.Errorf("decode step metadata: %w", err)
	}
	st.StartTime = st.StartTime.UTC()
	st.EndTime = utcPtr(st.EndTime)
	st.Status = xray.Status(status)
	return st, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

// GetTrace loads a trace with its steps in order.
func (s *Store) GetTrace(ctx context.Context, traceID string) (xray.Trace, error) {
	t, err := scanTrace(s.pool.QueryRow(ctx, `SELECT `+traceColumns+` FROM traces WHERE trace_id = $1`, traceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return xray.Trace{}, xray.ErrNotFound
	}
	if err != nil {
		return xray.Trace{}, fmt.Errorf("get trace %s: %w", traceID, err)
	}
	traces := []xray.Trace{t}
	if err := s.attachSteps(ctx, traces); err != nil {
		return xray.Trace{}, err
	}
	return traces[0], nil
}

// ListTraces returns the newest traces first, optionally filtered by status.
func (s *Store) ListTraces(ctx context.Context, opts xray.ListOptions) ([]xray.Trace, error) {
	query := `SELECT ` + traceColumns + ` FROM traces`
	args := []any{}
	argIdx := 1
	if opts.Status != "" {
		query += fmt.Sprintf(" WHERE status = $%d", argIdx)
		args = append(args, string(opts.Status))
		argIdx++
	}
	query += fmt.Sprintf(" ORDER BY start_time DESC, trace_id DESC LIMIT $%d", argIdx)
	args = append(args, opts.EffectiveLimit())

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list traces: %w", err)
	}
	defer rows.Close()
	traces := []xray.Trace{}
	for rows.Next() {
		t, err := scanTrace(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trace: %w", err)
		}
		traces = append(traces, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate traces: %w", err)
	}
	if err := s.attachSteps(ctx, traces); err != nil {
		return nil, err
	}
	return traces, nil
}

func (s *Store) attachSteps(ctx context.Context, traces []xray.Trace) error {
	if len(traces) == 0 {
		return nil
	}
	ids := make([]string, len(traces))
	index := make(map[string]int, len(traces))
	for i, t := range traces {
		ids[i] = t.TraceID
		index[t.TraceID] = i
	}
	rows, err := s.pool.Query(ctx, `
		SELECT step_id, trace_id, name, step_order, input, output, reasoning, metadata,
		       start_time, end_time, duration_ms, status, error
		FROM steps
		WHERE trace_id = ANY($1)
		ORDER BY trace_id, step_order ASC`, ids)
	if err != nil {
		return fmt.Errorf("load steps: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return fmt.Errorf("scan step: %w", err)
		}
		i := index[st.TraceID]
		traces[i].Steps = append(traces[i].Steps, st)
	}
	return rows.Err()
}

// DeleteTrace removes a trace; ON DELETE CASCADE removes its steps.
func (s *Store) DeleteTrace(ctx context.Context, traceID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM traces WHERE trace_id = $1`, traceID)
	if err != nil {
		return fmt.Errorf("delete trace %s: %w", traceID, err)
	}
	if tag.RowsAffected() == 0 {
		return xray.ErrNotFound
	}
	return nil
}

// PurgeBefore deletes traces that started before cutoff.
func (s *Store) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM traces WHERE start_time < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge traces: %w", err)
	}
	return tag.RowsAffected(), nil
}
