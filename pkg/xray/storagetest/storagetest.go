// Package storagetest holds behavioral checks shared by every xray.Storage
// implementation.
package storagetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/basket/decisiontrace/pkg/xray"
)

// Factory returns a fresh, empty store. The store is closed by the suite.
type Factory func(t *testing.T) xray.Storage

// Base is the start time used by SampleTrace callers in the suite. It carries
// a fractional second at xray.TimePrecision so round trips check full
// recorded precision.
var Base = time.Date(2026, 3, 1, 12, 0, 0, 123456000, time.UTC)

// Run executes the shared storage checks against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("RoundTrip", func(t *testing.T) { testRoundTrip(t, newStore(t)) })
	t.Run("UpsertKeepsSteps", func(t *testing.T) { testUpsertKeepsSteps(t, newStore(t)) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, newStore(t)) })
	t.Run("ListLimitAndOrder", func(t *testing.T) { testListLimitAndOrder(t, newStore(t)) })
	t.Run("ListTieBreak", func(t *testing.T) { testListTieBreak(t, newStore(t)) })
	t.Run("ListStatusFilter", func(t *testing.T) { testListStatusFilter(t, newStore(t)) })
	t.Run("DeleteCascades", func(t *testing.T) { testDeleteCascades(t, newStore(t)) })
	t.Run("StepRequiresTrace", func(t *testing.T) { testStepRequiresTrace(t, newStore(t)) })
	t.Run("PurgeBefore", func(t *testing.T) { testPurgeBefore(t, newStore(t)) })
	t.Run("RecorderRoundTrip", func(t *testing.T) { testRecorderRoundTrip(t, newStore(t)) })
}

// SampleTrace builds a finished trace with n steps, all timestamps derived
// from start.
func SampleTrace(id string, start time.Time, status xray.Status, n int) xray.Trace {
	end := start.Add(time.Duration(n+1) * time.Second)
	dur := end.Sub(start).Milliseconds()
	tr := xray.Trace{
		TraceID:    id,
		Name:       "pipeline-" + id,
		StartTime:  start,
		EndTime:    &end,
		DurationMS: &dur,
		Status:     status,
		Metadata:   xray.Document{"env": "test", "attempt": json.Number("1")},
	}
	for i := 0; i < n; i++ {
		sStart := start.Add(time.Duration(i) * time.Second)
		sEnd := sStart.Add(500 * time.Millisecond)
		sDur := int64(500)
		reasoning := fmt.Sprintf("because %d", i)
		st := xray.Step{
			StepID:     fmt.Sprintf("%s-step-%d", id, i),
			TraceID:    id,
			Name:       fmt.Sprintf("step-%d", i),
			Order:      i,
			Input:      xray.Document{"query": "laptop stand", "n": json.Number(fmt.Sprint(i))},
			Output:     xray.Document{"kept": []any{"A", "B"}},
			Reasoning:  &reasoning,
			Metadata:   xray.Document{"nested": map[string]any{"ok": true}},
			StartTime:  sStart,
			EndTime:    &sEnd,
			DurationMS: &sDur,
			Status:     xray.StatusCompleted,
		}
		if i == n-1 && status == xray.StatusFailed {
			msg := "upstream timeout"
			st.Status = xray.StatusFailed
			st.Error = &msg
		}
		tr.Steps = append(tr.Steps, st)
	}
	return tr
}

func closeStore(t *testing.T, s xray.Storage) {
	t.Helper()
	t.Cleanup(func() { _ = s.Close() })
}

func assertSameTrace(t *testing.T, want, got xray.Trace) {
	t.Helper()
	w, err := json.Marshal(want)
	if err != nil {
		t.Fatalf("marshal want: %v", err)
	}
	g, err := json.Marshal(got)
	if err != nil {
		t.Fatalf("marshal got: %v", err)
	}
	if string(w) != string(g) {
		t.Fatalf("trace mismatch\nwant %s\ngot  %s", w, g)
	}
}

func testRoundTrip(t *testing.T, s xray.Storage) {
	closeStore(t, s)
	ctx := context.Background()
	want := SampleTrace("rt", Base, xray.StatusFailed, 3)
	if err := s.SaveTrace(ctx, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.GetTrace(ctx, "rt")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	assertSameTrace(t, want, got)
	if !got.StartTime.Equal(want.StartTime) {
		t.Fatalf("start time %v != %v", got.StartTime, want.StartTime)
	}
}

func testUpsertKeepsSteps(t *testing.T, s xray.Storage) {
	closeStore(t, s)
	ctx := context.Background()
	tr := SampleTrace("up", Base, xray.StatusCompleted, 2)
	if err := s.SaveTrace(ctx, tr); err != nil {
		t.Fatalf("save: %v", err)
	}
	head := tr
	head.Steps = nil
	head.Name = "renamed"
	if err := s.SaveTrace(ctx, head); err != nil {
		t.Fatalf("resave: %v", err)
	}
	got, err := s.GetTrace(ctx, "up")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "renamed" {
		t.Fatalf("name = %q, want renamed", got.Name)
	}
	if len(got.Steps) != 2 {
		t.Fatalf("re-saving a trace must not drop its steps, got %d", len(got.Steps))
	}

	step := tr.Steps[1]
	step.Name = "updated"
	if err := s.SaveStep(ctx, step); err != nil {
		t.Fatalf("save step: %v", err)
	}
	got, _ = s.GetTrace(ctx, "up")
	if len(got.Steps) != 2 || got.Steps[1].Name != "updated" {
		t.Fatalf("step upsert failed: %+v", got.Steps)
	}
}

func testNotFound(t *testing.T, s xray.Storage) {
	closeStore(t, s)
	ctx := context.Background()
	if _, err := s.GetTrace(ctx, "does-not-exist"); !errors.Is(err, xray.ErrNotFound) {
		t.Fatalf("get missing = %v, want ErrNotFound", err)
	}
	if err := s.DeleteTrace(ctx, "does-not-exist"); !errors.Is(err, xray.ErrNotFound) {
		t.Fatalf("delete missing = %v, want ErrNotFound", err)
	}
}

func testListLimitAndOrder(t *testing.T, s xray.Storage) {
	closeStore(t, s)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		tr := SampleTrace(fmt.Sprintf("t%d", i), Base.Add(time.Duration(i)*time.Minute), xray.StatusCompleted, 1)
		if err := s.SaveTrace(ctx, tr); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}
	got, err := s.ListTraces(ctx, xray.ListOptions{Limit: 3})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 traces, got %d", len(got))
	}
	for i, want := range []string{"t4", "t3", "t2"} {
		if got[i].TraceID != want {
			t.Fatalf("position %d = %s, want %s", i, got[i].TraceID, want)
		}
		if len(got[i].Steps) != 1 {
			t.Fatalf("listed trace %s missing steps", got[i].TraceID)
		}
	}
}

// testListTieBreak checks that traces sharing a start time are listed by
// trace id, descending.
func testListTieBreak(t *testing.T, s xray.Storage) {
	closeStore(t, s)
	ctx := context.Background()
	for _, id := range []string{"tie-b", "tie-a", "tie-c"} {
		if err := s.SaveTrace(ctx, SampleTrace(id, Base, xray.StatusCompleted, 0)); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}
	got, err := s.ListTraces(ctx, xray.ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var ids []string
	for _, tr := range got {
		ids = append(ids, tr.TraceID)
	}
	if fmt.Sprint(ids) != "[tie-c tie-b tie-a]" {
		t.Fatalf("order = %v, want [tie-c tie-b tie-a]", ids)
	}
}

func testListStatusFilter(t *testing.T, s xray.Storage) {
	closeStore(t, s)
	ctx := context.Background()
	statuses := []xray.Status{xray.StatusCompleted, xray.StatusFailed, xray.StatusFailed, xray.StatusCompleted}
	for i, st := range statuses {
		tr := SampleTrace(fmt.Sprintf("s%d", i), Base.Add(time.Duration(i)*time.Minute), st, 1)
		if err := s.SaveTrace(ctx, tr); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	got, err := s.ListTraces(ctx, xray.ListOptions{Status: xray.StatusFailed})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 failed traces, got %d", len(got))
	}
	for _, tr := range got {
		if tr.Status != xray.StatusFailed {
			t.Fatalf("status filter leaked %s", tr.Status)
		}
	}
}

func testDeleteCascades(t *testing.T, s xray.Storage) {
	closeStore(t, s)
	ctx := context.Background()
	if err := s.SaveTrace(ctx, SampleTrace("del", Base, xray.StatusCompleted, 3)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.SaveTrace(ctx, SampleTrace("keep", Base, xray.StatusCompleted, 2)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.DeleteTrace(ctx, "del"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetTrace(ctx, "del"); !errors.Is(err, xray.ErrNotFound) {
		t.Fatalf("deleted trace still readable: %v", err)
	}
	// Re-creating the trace must not resurrect its old steps.
	head := SampleTrace("del", Base, xray.StatusCompleted, 0)
	if err := s.SaveTrace(ctx, head); err != nil {
		t.Fatalf("recreate: %v", err)
	}
	got, err := s.GetTrace(ctx, "del")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Steps) != 0 {
		t.Fatalf("steps survived delete: %d", len(got.Steps))
	}
	kept, err := s.GetTrace(ctx, "keep")
	if err != nil || len(kept.Steps) != 2 {
		t.Fatalf("unrelated trace affected: %v %d", err, len(kept.Steps))
	}
}

func testStepRequiresTrace(t *testing.T, s xray.Storage) {
	closeStore(t, s)
	orphan := SampleTrace("ghost", Base, xray.StatusCompleted, 1).Steps[0]
	if err := s.SaveStep(context.Background(), orphan); err == nil {
		t.Fatalf("expected error saving a step without its trace")
	}
}

func testPurgeBefore(t *testing.T, s xray.Storage) {
	closeStore(t, s)
	p, ok := s.(xray.Purger)
	if !ok {
		t.Skip("store does not support purge")
	}
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		tr := SampleTrace(fmt.Sprintf("p%d", i), Base.Add(time.Duration(i)*24*time.Hour), xray.StatusCompleted, 2)
		if err := s.SaveTrace(ctx, tr); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	n, err := p.PurgeBefore(ctx, Base.Add(36*time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 2 {
		t.Fatalf("purged %d, want 2", n)
	}
	got, _ := s.ListTraces(ctx, xray.ListOptions{})
	if len(got) != 2 {
		t.Fatalf("remaining %d, want 2", len(got))
	}
}

// testRecorderRoundTrip records through xray.Recorder with a clock that has
// nanosecond readings and expects the stored trace to equal the recorder's
// own view of it.
func testRecorderRoundTrip(t *testing.T, s xray.Storage) {
	closeStore(t, s)
	ctx := context.Background()
	now := Base.Add(987 * time.Nanosecond)
	clock := func() time.Time {
		now = now.Add(1234567 * time.Nanosecond)
		return now
	}
	rec := xray.New(s, xray.WithClock(clock))

	tr, err := rec.BeginTrace(ctx, "recorded", xray.Document{"source": "suite"})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	st := tr.BeginStep("score")
	st.SetInput(xray.Document{"candidates": []any{"A", "B"}})
	st.AddLLMMetadata("model-x", xray.TokensUsed(12))
	if err := st.End(ctx, nil); err != nil {
		t.Fatalf("end step: %v", err)
	}
	if err := tr.End(ctx, nil); err != nil {
		t.Fatalf("end trace: %v", err)
	}

	got, err := s.GetTrace(ctx, tr.ID())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	assertSameTrace(t, tr.Snapshot(), got)
}
