package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/basket/decisiontrace/internal/client"
	"github.com/basket/decisiontrace/pkg/xray"
	"github.com/basket/decisiontrace/pkg/xray/storagetest"
)

type fakeSource struct {
	traces  []xray.Trace
	listErr error
	getErr  error
	calls   int
}

func (f *fakeSource) ListTraces(_ context.Context, opts xray.ListOptions) ([]xray.Trace, error) {
	f.calls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []xray.Trace
	for _, t := range f.traces {
		if opts.Status == "" || t.Status == opts.Status {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeSource) GetTrace(_ context.Context, id string) (xray.Trace, error) {
	f.calls++
	if f.getErr != nil {
		return xray.Trace{}, f.getErr
	}
	for _, t := range f.traces {
		if t.TraceID == id {
			return t, nil
		}
	}
	return xray.Trace{}, xray.ErrNotFound
}

// drive runs cmd synchronously and feeds its message back into the model.
func drive(t *testing.T, m model, cmd tea.Cmd) model {
	t.Helper()
	if cmd == nil {
		return m
	}
	next, _ := m.Update(cmd())
	return next.(model)
}

func press(m model, key string) (model, tea.Cmd) {
	var msg tea.KeyMsg
	switch key {
	case "enter":
		msg = tea.KeyMsg{Type: tea.KeyEnter}
	case "esc":
		msg = tea.KeyMsg{Type: tea.KeyEsc}
	case "down":
		msg = tea.KeyMsg{Type: tea.KeyDown}
	default:
		msg = tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(key)}
	}
	next, cmd := m.Update(msg)
	return next.(model), cmd
}

func sampleSource() *fakeSource {
	ok := storagetest.SampleTrace("trace-ok", storagetest.Base.Add(1), xray.StatusCompleted, 2)
	ok.Name = "competitor_selection"
	bad := storagetest.SampleTrace("trace-bad", storagetest.Base, xray.StatusFailed, 1)
	bad.Name = "movie_recs"
	bad.Steps[0].Metadata = xray.Document{
		"llm": map[string]any{"model": "gpt-4o-mini", "tokens_used": 42},
	}
	return &fakeSource{traces: []xray.Trace{ok, bad}}
}

func TestModel_LoadingThenList(t *testing.T) {
	src := sampleSource()
	m := newModel(context.Background(), Config{Source: src, Title: "127.0.0.1:8000"})
	if !strings.Contains(m.View(), "Loading traces") {
		t.Fatalf("expected loading state, got:\n%s", m.View())
	}
	m = drive(t, m, m.Init())
	if m.state != stateReady || len(m.traces) != 2 {
		t.Fatalf("expected 2 traces ready, got state %d with %d", m.state, len(m.traces))
	}
	v := m.View()
	for _, want := range []string{"competitor_selection", "movie_recs", "127.0.0.1:8000", "filter: all"} {
		if !strings.Contains(v, want) {
			t.Errorf("list view missing %q:\n%s", want, v)
		}
	}
}

func TestModel_OpenDetailAndBack(t *testing.T) {
	src := sampleSource()
	m := newModel(context.Background(), Config{Source: src})
	m = drive(t, m, m.Init())

	m, _ = press(m, "down")
	m, cmd := press(m, "enter")
	if m.screen != screenDetail || m.state != stateLoading || m.detailID != "trace-bad" {
		t.Fatalf("expected detail loading for trace-bad, got screen %d state %d id %q", m.screen, m.state, m.detailID)
	}
	m = drive(t, m, cmd)
	v := m.View()
	for _, want := range []string{"movie_recs", "llm: gpt-4o-mini", "tokens 42"} {
		if !strings.Contains(v, want) {
			t.Errorf("detail view missing %q:\n%s", want, v)
		}
	}

	m, cmd = press(m, "esc")
	if cmd != nil || m.screen != screenList || m.state != stateReady {
		t.Fatalf("esc should return to the cached list")
	}
}

func TestModel_NotFound(t *testing.T) {
	src := sampleSource()
	m := newModel(context.Background(), Config{Source: src})
	m = drive(t, m, m.Init())
	src.traces = src.traces[1:] // trace-ok disappears between list and open

	m, cmd := press(m, "enter")
	m = drive(t, m, cmd)
	if m.state != stateNotFound {
		t.Fatalf("expected not-found state, got %d", m.state)
	}
	if v := m.View(); !strings.Contains(v, "Trace not found: trace-ok") || !strings.Contains(v, "[esc] back") {
		t.Fatalf("unexpected not-found view:\n%s", v)
	}
	m, _ = press(m, "esc")
	if m.screen != screenList {
		t.Fatal("esc should go back to the list")
	}
}

func TestModel_ErrorAndRetry(t *testing.T) {
	src := &fakeSource{listErr: fmt.Errorf("GET /traces: %w", errors.New("connection refused"))}
	m := newModel(context.Background(), Config{Source: src})
	m = drive(t, m, m.Init())
	if m.state != stateError {
		t.Fatalf("expected error state, got %d", m.state)
	}
	if v := m.View(); !strings.Contains(v, "Connection refused") || !strings.Contains(v, "[r] retry") {
		t.Fatalf("unexpected error view:\n%s", v)
	}

	src.listErr = nil
	src.traces = sampleSource().traces
	m, cmd := press(m, "r")
	if m.state != stateLoading {
		t.Fatalf("retry should show loading, got %d", m.state)
	}
	m = drive(t, m, cmd)
	if m.state != stateReady || len(m.traces) != 2 {
		t.Fatalf("retry should recover, got state %d", m.state)
	}
}

func TestModel_FilterCycle(t *testing.T) {
	src := sampleSource()
	m := newModel(context.Background(), Config{Source: src})
	m = drive(t, m, m.Init())

	m, cmd := press(m, "f")
	m = drive(t, m, cmd)
	if m.filter != xray.StatusRunning || len(m.traces) != 0 {
		t.Fatalf("expected running filter with no traces, got %q/%d", m.filter, len(m.traces))
	}
	if !strings.Contains(m.View(), "No traces recorded yet.") {
		t.Fatal("expected empty state")
	}
	m, cmd = press(m, "f")
	m = drive(t, m, cmd)
	m, cmd = press(m, "f")
	m = drive(t, m, cmd)
	if m.filter != xray.StatusFailed || len(m.traces) != 1 {
		t.Fatalf("expected one failed trace, got %q/%d", m.filter, len(m.traces))
	}
	m, cmd = press(m, "f")
	m = drive(t, m, cmd)
	if m.filter != "" || len(m.traces) != 2 {
		t.Fatalf("expected wrap to all, got %q/%d", m.filter, len(m.traces))
	}
}

func TestModel_StaleResultsIgnored(t *testing.T) {
	m := newModel(context.Background(), Config{Source: sampleSource()})
	m.screen = screenDetail
	m.detailID = "wanted"
	next, _ := m.Update(traceLoadedMsg{id: "other", trace: xray.Trace{Name: "other"}})
	if got := next.(model); got.state != stateLoading || got.detail.Name != "" {
		t.Fatal("result for another trace must be ignored")
	}
}

func TestModel_Quit(t *testing.T) {
	m := newModel(context.Background(), Config{Source: sampleSource()})
	_, cmd := press(m, "q")
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatal("expected tea.QuitMsg")
	}
}

func TestHumanError(t *testing.T) {
	if got := humanError(&client.APIError{StatusCode: 500, Message: "disk full"}); got != "disk full" {
		t.Fatalf("got %q", got)
	}
	if got := humanError(errors.New("a: b: timeout")); got != "Timeout" {
		t.Fatalf("got %q", got)
	}
	if humanError(nil) != "" {
		t.Fatal("nil error should be empty")
	}
}
