package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/decisiontrace/pkg/xray"
)

// Fixed width so that text comparison orders timestamps.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const busyRetries = 5

var _ xray.Storage = (*Store)(nil)
var _ xray.Purger = (*Store)(nil)

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(raw string) (time.Time, error) {
	return time.Parse(timeLayout, raw)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTimePtr(raw sql.NullString) (*time.Time, error) {
	if !raw.Valid {
		return nil, nil
	}
	t, err := parseTime(raw.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func int64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func nullInt64(n *int64) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *n, Valid: true}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SaveTrace upserts the trace row and every step it carries in one
// transaction. ON CONFLICT keeps the row in place; a REPLACE would cascade
// and drop the trace's steps.
func (s *Store) SaveTrace(ctx context.Context, trace xray.Trace) error {
	if !trace.Status.Valid() {
		return fmt.Errorf("save trace %s: invalid status %q", trace.TraceID, trace.Status)
	}
	metadata, err := xray.EncodeDocument(trace.Metadata)
	if err != nil {
		return fmt.Errorf("encode trace metadata: %w", err)
	}
	return retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO traces (trace_id, name, start_time, end_time, duration_ms, status, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(trace_id) DO UPDATE SET
				name = excluded.name,
				start_time = excluded.start_time,
				end_time = excluded.end_time,
				duration_ms = excluded.duration_ms,
				status = excluded.status,
				metadata = excluded.metadata;
		`, trace.TraceID, trace.Name, formatTime(trace.StartTime), formatTimePtr(trace.EndTime),
			nullInt64(trace.DurationMS), string(trace.Status), metadata); err != nil {
			return fmt.Errorf("upsert trace %s: %w", trace.TraceID, err)
		}
		for _, step := range trace.Steps {
			if step.TraceID != trace.TraceID {
				return fmt.Errorf("step %s belongs to trace %s, not %s", step.StepID, step.TraceID, trace.TraceID)
			}
			if err := upsertStep(ctx, tx, step); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// SaveStep upserts a single step. The owning trace must exist.
func (s *Store) SaveStep(ctx context.Context, step xray.Step) error {
	return retryOnBusy(ctx, busyRetries, func() error {
		return upsertStep(ctx, s.db, step)
	})
}

func upsertStep(ctx context.Context, db execer, step xray.Step) error {
	if !step.Status.Valid() {
		return fmt.Errorf("save step %s: invalid status %q", step.StepID, step.Status)
	}
	input, err := xray.EncodeDocument(step.Input)
	if err != nil {
		return fmt.Errorf("encode step input: %w", err)
	}
	metadata, err := xray.EncodeDocument(step.Metadata)
	if err != nil {
		return fmt.Errorf("encode step metadata: %w", err)
	}
	var output sql.NullString
	if step.Output != nil {
		raw, err := xray.EncodeDocument(step.Output)
		if err != nil {
			return fmt.Errorf("encode step output: %w", err)
		}
		output = sql.NullString{String: raw, Valid: true}
	}
	if _, err := db.ExecContext(ctx, `
		INSERT INTO steps (step_id, trace_id, name, step_order, input, output, reasoning, metadata,
			start_time, end_time, duration_ms, status, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(step_id) DO UPDATE SET
			name = excluded.name,
			step_order = excluded.step_order,
			input = excluded.input,
			output = excluded.output,
			reasoning = excluded.reasoning,
			metadata = excluded.metadata,
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			duration_ms = excluded.duration_ms,
			status = excluded.status,
			error = excluded.error;
	`, step.StepID, step.TraceID, step.Name, step.Order, input, output, nullString(step.Reasoning), metadata,
		formatTime(step.StartTime), formatTimePtr(step.EndTime), nullInt64(step.DurationMS),
		string(step.Status), nullString(step.Error)); err != nil {
		return fmt.Errorf("upsert step %s: %w", step.StepID, err)
	}
	return nil
}

const traceColumns = `trace_id, name, start_time, end_time, duration_ms, status, metadata`

func scanTrace(scanFn func(dest ...any) error) (xray.Trace, error) {
	var (
		t        xray.Trace
		start    string
		end      sql.NullString
		dur      sql.NullInt64
		status   string
		metadata string
	)
	if err := scanFn(&t.TraceID, &t.Name, &start, &end, &dur, &status, &metadata); err != nil {
		return xray.Trace{}, err
	}
	var err error
	if t.StartTime, err = parseTime(start); err != nil {
		return xray.Trace{}, fmt.Errorf("parse trace start_time: %w", err)
	}
	if t.EndTime, err = parseTimePtr(end); err != nil {
		return xray.Trace{}, fmt.Errorf("parse trace end_time: %w", err)
	}
	t.DurationMS = int64Ptr(dur)
	t.Status = xray.Status(status)
	if t.Metadata, err = xray.DecodeDocument(metadata); err != nil {
		return xray.Trace{}, fmt.Errorf("decode trace metadata: %w", err)
	}
	t.Steps = []xray.Step{}
	return t, nil
}

const stepColumns = `step_id, trace_id, name, step_order, input, output, reasoning, metadata,
	start_time, end_time, duration_ms, status, error`

func scanStep(scanFn func(dest ...any) error) (xray.Step, error) {
	var (
		st        xray.Step
		input     string
		output    sql.NullString
		reasoning sql.NullString
		metadata  string
		start     string
		end       sql.NullString
		dur       sql.NullInt64
		status    string
		errMsg    sql.NullString
	)
	if err := scanFn(&st.StepID, &st.TraceID, &st.Name, &st.Order, &input, &output, &reasoning,
		&metadata, &start, &end, &dur, &status, &errMsg); err != nil {
		return xray.Step{}, err
	}
	var err error
	if st.Input, err = xray.DecodeDocument(input); err != nil {
		return xray.Step{}, fmt.Errorf("decode step input: %w", err)
	}
	if output.Valid {
		if st.Output, err = xray.DecodeDocument(output.String); err != nil {
			return xray.Step{}, fmt.Errorf("decode step output: %w", err)
		}
	}
	if st.Metadata, err = xray.DecodeDocument(metadata); err != nil {
		return xray.Step{}, fmt.Errorf("decode step metadata: %w", err)
	}
	if st.StartTime, err = parseTime(start); err != nil {
		return xray.Step{}, fmt.Errorf("parse step start_time: %w", err)
	}
	if st.EndTime, err = parseTimePtr(end); err != nil {
		return xray.Step{}, fmt.Errorf("parse step end_time: %w", err)
	}
	st.Reasoning = stringPtr(reasoning)
	st.DurationMS = int64Ptr(dur)
	st.Status = xray.Status(status)
	st.Error = stringPtr(errMsg)
	return st, nil
}

// GetTrace loads a trace with its steps in step_order.
func (s *Store) GetTrace(ctx context.Context, traceID string) (xray.Trace, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+traceColumns+` FROM traces WHERE trace_id = ?;`, traceID)
	t, err := scanTrace(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
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
	q := `SELECT ` + traceColumns + ` FROM traces`
	var args []any
	if opts.Status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(opts.Status))
	}
	q += ` ORDER BY start_time DESC, trace_id DESC LIMIT ?;`
	args = append(args, opts.EffectiveLimit())

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list traces: %w", err)
	}
	defer rows.Close()

	traces := []xray.Trace{}
	for rows.Next() {
		t, err := scanTrace(rows.Scan)
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

// attachSteps loads the steps of all given traces in one query.
func (s *Store) attachSteps(ctx context.Context, traces []xray.Trace) error {
	if len(traces) == 0 {
		return nil
	}
	index := make(map[string]int, len(traces))
	args := make([]any, 0, len(traces))
	for i, t := range traces {
		index[t.TraceID] = i
		args = append(args, t.TraceID)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(traces)), ",")
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE trace_id IN (`+placeholders+`) ORDER BY trace_id, step_order ASC;`,
		args...)
	if err != nil {
		return fmt.Errorf("load steps: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		st, err := scanStep(rows.Scan)
		if err != nil {
			return fmt.Errorf("scan step: %w", err)
		}
		i := index[st.TraceID]
		traces[i].Steps = append(traces[i].Steps, st)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate steps: %w", err)
	}
	return nil
}

// DeleteTrace removes a trace; its steps go with it through the foreign key.
func (s *Store) DeleteTrace(ctx context.Context, traceID string) error {
	var affected int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM traces WHERE trace_id = ?;`, traceID)
		if err != nil {
			return err
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete trace %s: %w", traceID, err)
	}
	if affected == 0 {
		return xray.ErrNotFound
	}
	return nil
}

// CountTraces returns the number of stored traces.
func (s *Store) CountTraces(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM traces;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count traces: %w", err)
	}
	return n, nil
}
