package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/decisiontrace/internal/config"
	"github.com/basket/decisiontrace/internal/demo"
	"github.com/basket/decisiontrace/internal/gateway"
	"github.com/basket/decisiontrace/internal/storage"
	"github.com/basket/decisiontrace/pkg/xray"
	"github.com/basket/decisiontrace/pkg/xray/storagetest"
)

func openHomeStore(t *testing.T, home string) xray.Storage {
	t.Helper()
	s, err := storage.Open(context.Background(), config.StorageConfig{
		Type:       config.StorageSQLite,
		SQLitePath: filepath.Join(home, "xray.db"),
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunDemoCommand_RecordsTrace(t *testing.T) {
	home := setTestConfig(t, "log_level: warn\n")
	out := captureStdout(t)
	ctx := context.Background()

	if code := runDemoCommand(ctx, nil); code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
	if !strings.Contains(out.String(), "selected B0COMP01") {
		t.Fatalf("unexpected output %q", out.String())
	}

	traces, err := openHomeStore(t, home).ListTraces(ctx, xray.ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(traces) != 1 || traces[0].Name != demo.TraceName || traces[0].Status != xray.StatusCompleted {
		t.Fatalf("unexpected traces %+v", traces)
	}
	if len(traces[0].Steps) != 4 {
		t.Fatalf("expected 4 steps, got %d", len(traces[0].Steps))
	}
}

func TestRunDemoCommand_Fail(t *testing.T) {
	home := setTestConfig(t, "")
	out := captureStdout(t)
	ctx := context.Background()

	if code := runDemoCommand(ctx, []string{"-fail"}); code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
	if !strings.Contains(out.String(), "pipeline failed as requested") {
		t.Fatalf("unexpected output %q", out.String())
	}
	traces, err := openHomeStore(t, home).ListTraces(ctx, xray.ListOptions{Status: xray.StatusFailed})
	if err != nil || len(traces) != 1 {
		t.Fatalf("expected one failed trace, got %d (%v)", len(traces), err)
	}
}

func TestRunDemoCommand_ContentPipeline(t *testing.T) {
	home := setTestConfig(t, "log_level: warn\n")
	out := captureStdout(t)
	ctx := context.Background()

	if code := runDemoCommand(ctx, []string{"-pipeline", "content"}); code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
	if !strings.Contains(out.String(), `recommended C007 "Our Planet"`) {
		t.Fatalf("unexpected output %q", out.String())
	}

	traces, err := openHomeStore(t, home).ListTraces(ctx, xray.ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(traces) != 1 || traces[0].Name != demo.ContentTraceName || traces[0].Status != xray.StatusCompleted {
		t.Fatalf("unexpected traces %+v", traces)
	}
}

func TestRunDemoCommand_Usage(t *testing.T) {
	if code := runDemoCommand(context.Background(), []string{"extra"}); code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
	if code := runDemoCommand(context.Background(), []string{"-pipeline", "fraud"}); code != 2 {
		t.Fatalf("got exit code %d for unknown pipeline, want 2", code)
	}
}

func TestRunTracesCommand(t *testing.T) {
	store := xray.NewMemoryStorage()
	ctx := context.Background()
	for i, st := range []xray.Status{xray.StatusCompleted, xray.StatusFailed, xray.StatusCompleted} {
		tr := storagetest.SampleTrace("trace-"+string(rune('a'+i)), storagetest.Base.Add(time.Duration(i)*time.Minute), st, 1)
		if err := store.SaveTrace(ctx, tr); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	ts := httptest.NewServer(gateway.New(gateway.Config{Storage: store}).Handler())
	defer ts.Close()
	setTestConfig(t, `bind_addr: "`+ts.Listener.Addr().String()+`"`)

	t.Run("list", func(t *testing.T) {
		out := captureStdout(t)
		if code := runTracesCommand(ctx, []string{"-limit", "2"}); code != 0 {
			t.Fatalf("got exit code %d", code)
		}
		var got []map[string]any
		if err := json.Unmarshal(out.Bytes(), &got); err != nil {
			t.Fatalf("decode: %v\n%s", err, out.String())
		}
		if len(got) != 2 || got[0]["trace_id"] != "trace-c" {
			t.Fatalf("expected newest two traces, got %v", got)
		}
	})

	t.Run("status filter", func(t *testing.T) {
		out := captureStdout(t)
		if code := runTracesCommand(ctx, []string{"-status", "failed"}); code != 0 {
			t.Fatalf("got exit code %d", code)
		}
		var got []map[string]any
		if err := json.Unmarshal(out.Bytes(), &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(got) != 1 || got[0]["trace_id"] != "trace-b" {
			t.Fatalf("unexpected filtered traces %v", got)
		}
	})

	t.Run("by id", func(t *testing.T) {
		out := captureStdout(t)
		if code := runTracesCommand(ctx, []string{"trace-a"}); code != 0 {
			t.Fatalf("got exit code %d", code)
		}
		if !strings.Contains(out.String(), `"trace_id": "trace-a"`) {
			t.Fatalf("unexpected output %s", out.String())
		}
	})

	t.Run("missing id", func(t *testing.T) {
		captureStdout(t)
		if code := runTracesCommand(ctx, []string{"does-not-exist"}); code != 1 {
			t.Fatalf("got exit code %d, want 1", code)
		}
	})

	t.Run("server rejects limit", func(t *testing.T) {
		captureStdout(t)
		if code := runTracesCommand(ctx, []string{"-limit", "5000"}); code != 1 {
			t.Fatalf("got exit code %d, want 1", code)
		}
	})

	t.Run("bad status", func(t *testing.T) {
		if code := runTracesCommand(ctx, []string{"-status", "paused"}); code != 2 {
			t.Fatalf("got exit code %d, want 2", code)
		}
	})
}

func TestRunPruneCommand(t *testing.T) {
	home := setTestConfig(t, "")
	ctx := context.Background()

	store := openHomeStore(t, home)
	old := storagetest.SampleTrace("old", storagetest.Base.AddDate(-1, 0, 0), xray.StatusCompleted, 2)
	if err := store.SaveTrace(ctx, old); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if code := runPruneCommand(ctx, nil); code != 2 {
		t.Fatalf("got exit code %d, want 2 without -days or retention.days", code)
	}

	out := captureStdout(t)
	if code := runPruneCommand(ctx, []string{"-days", "30"}); code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
	if !strings.HasPrefix(out.String(), "pruned 1 traces") {
		t.Fatalf("unexpected output %q", out.String())
	}
	if _, err := store.GetTrace(ctx, "old"); !errors.Is(err, xray.ErrNotFound) {
		t.Fatalf("expected old trace to be gone, got %v", err)
	}
}
