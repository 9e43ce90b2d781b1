package dashboard

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/basket/decisiontrace/pkg/xray"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func get(t *testing.T, h http.Handler, path string) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec.Code, rec.Body.String()
}

func recordPipeline(t *testing.T, storage xray.Storage, fail bool) string {
	t.Helper()
	rec := xray.New(storage)
	var id string
	_ = rec.Run(context.Background(), "competitor_selection", xray.Document{"source": "test"}, func(ctx context.Context, tr *xray.TraceHandle) error {
		id = tr.ID()
		if err := tr.Step(ctx, "keywords", func(_ context.Context, s *xray.StepHandle) error {
			s.SetInput(xray.Document{"title": "Steel Bottle"})
			s.SetOutput(xray.Document{"keywords": []any{"bottle", "steel"}})
			s.AddLLMMetadata("gpt-4o-mini", xray.TokensUsed(88), xray.Temperature(0.2))
			return nil
		}); err != nil {
			return err
		}
		if err := tr.Step(ctx, "filter", func(_ context.Context, s *xray.StepHandle) error {
			s.SetReasoning("kept items with enough reviews")
			s.AddEvaluation("B01", xray.Document{"reviews": 500}, []xray.FilterResult{{Name: "reviews", Passed: true, Detail: "500 >= 100"}}, true, "")
			s.AddEvaluation("B02", xray.Document{"reviews": 3}, []xray.FilterResult{{Name: "reviews", Passed: false, Detail: "3 < 100"}}, false, "too new")
			return nil
		}); err != nil {
			return err
		}
		return tr.Step(ctx, "rank", func(_ context.Context, s *xray.StepHandle) error {
			s.SetMetadata(xray.Document{"ranked_candidates": []any{
				map[string]any{"rank": 1, "title": "Steel Bottle Pro", "asin": "B01", "score_breakdown": map[string]any{"total_score": 0.91}},
			}})
			if fail {
				return errors.New("ranking service unavailable")
			}
			return nil
		})
	})
	return id
}

func TestList(t *testing.T) {
	storage := xray.NewMemoryStorage()
	id := recordPipeline(t, storage, false)
	h := New(storage, quiet())

	code, body := get(t, h, "/")
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	for _, want := range []string{"competitor_selection", "/ui/traces/" + id, "status-completed"} {
		if !strings.Contains(body, want) {
			t.Fatalf("list page missing %q", want)
		}
	}

	code, body = get(t, h, "/?status=failed")
	if code != http.StatusOK || strings.Contains(body, id) {
		t.Fatalf("failed filter should hide the completed trace (code %d)", code)
	}
	if !strings.Contains(body, "No traces recorded yet.") {
		t.Fatal("expected empty state")
	}

	if code, _ := get(t, h, "/?status=bogus"); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad status, got %d", code)
	}
}

func TestDetail_RendersPanels(t *testing.T) {
	storage := xray.NewMemoryStorage()
	id := recordPipeline(t, storage, true)
	h := New(storage, quiet())

	code, body := get(t, h, "/ui/traces/"+id)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", code, body)
	}
	for _, want := range []string{
		"LLM call", "gpt-4o-mini", "88",
		"Evaluations: <span class=\"pass\">1 passed</span>",
		"3 &lt; 100", "too new",
		"Ranked candidates", "Steel Bottle Pro (B01)", "0.91",
		"Error: ranking service unavailable",
		"kept items with enough reviews",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("detail page missing %q", want)
		}
	}
}

func TestDetail_NotFound(t *testing.T) {
	h := New(xray.NewMemoryStorage(), quiet())
	code, body := get(t, h, "/ui/traces/nope")
	if code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}
	if !strings.Contains(body, "Trace not found") || !strings.Contains(body, `href="/"`) {
		t.Fatalf("not-found page should link back: %s", body)
	}
}

type failingSource struct{}

func (failingSource) ListTraces(context.Context, xray.ListOptions) ([]xray.Trace, error) {
	return nil, errors.New("connection refused")
}

func (failingSource) GetTrace(context.Context, string) (xray.Trace, error) {
	return xray.Trace{}, errors.New("connection refused")
}

func TestErrorPageOffersRetry(t *testing.T) {
	h := New(failingSource{}, quiet())
	code, body := get(t, h, "/ui/traces/abc?x=1")
	if code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", code)
	}
	if !strings.Contains(body, "connection refused") {
		t.Fatalf("error page should show the cause: %s", body)
	}
	if !strings.Contains(body, `href="/ui/traces/abc?x=1"`) {
		t.Fatalf("error page should retry the same URL: %s", body)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h := New(xray.NewMemoryStorage(), quiet())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}
