// Package dashboard renders stored traces as server-side HTML pages.
package dashboard

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/basket/decisiontrace/internal/shared"
	"github.com/basket/decisiontrace/internal/view"
	"github.com/basket/decisiontrace/pkg/xray"
)

//go:embed templates/*.html
var templateFS embed.FS

// Source is the read side the dashboard needs. xray.Storage and
// client.Client both satisfy it.
type Source interface {
	ListTraces(ctx context.Context, opts xray.ListOptions) ([]xray.Trace, error)
	GetTrace(ctx context.Context, traceID string) (xray.Trace, error)
}

// Handler serves "/" (trace list) and "/ui/traces/{id}" (step timeline).
type Handler struct {
	source    Source
	logger    *slog.Logger
	templates *template.Template
}

var funcs = template.FuncMap{
	"rfc3339": func(t time.Time) string { return t.UTC().Format(time.RFC3339) },
	"duration": func(ms *int64) string {
		if ms == nil {
			return "running"
		}
		return (time.Duration(*ms) * time.Millisecond).String()
	},
	"pretty": func(d xray.Document) string {
		if d == nil {
			return "{}"
		}
		return view.PrettyJSON(d)
	},
	"filterCell": func(row view.EvaluationRow, name string) *view.FilterCell {
		if c, ok := row.Filter(name); ok {
			return &c
		}
		return nil
	},
}

func New(source Source, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	tmpl := template.Must(template.New("dashboard").Funcs(funcs).ParseFS(templateFS, "templates/*.html"))
	return &Handler{source: source, logger: logger, templates: tmpl}
}

type listPage struct {
	Title    string
	Filter   xray.Status
	Statuses []xray.Status
	Traces   []xray.Trace
}

type stepView struct {
	Step  xray.Step
	Panel view.Panel
}

type detailPage struct {
	Title string
	Trace xray.Trace
	Steps []stepView
}

type notFoundPage struct {
	Title   string
	TraceID string
}

type errorPage struct {
	Title    string
	Message  string
	RetryURL string
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	switch {
	case r.URL.Path == "/":
		h.serveList(w, r)
	case strings.HasPrefix(r.URL.Path, "/ui/traces/"):
		h.serveDetail(w, r, strings.TrimPrefix(r.URL.Path, "/ui/traces/"))
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) serveList(w http.ResponseWriter, r *http.Request) {
	page := listPage{
		Title:    "Traces",
		Statuses: []xray.Status{xray.StatusRunning, xray.StatusCompleted, xray.StatusFailed},
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		st, err := xray.ParseStatus(raw)
		if err != nil {
			h.render(w, r, http.StatusBadRequest, "error", errorPage{Title: "Error", Message: err.Error(), RetryURL: "/"})
			return
		}
		page.Filter = st
	}
	traces, err := h.source.ListTraces(r.Context(), xray.ListOptions{Limit: xray.DefaultListLimit, Status: page.Filter})
	if err != nil {
		h.fail(w, r, fmt.Errorf("load traces: %w", err))
		return
	}
	page.Traces = traces
	h.render(w, r, http.StatusOK, "list", page)
}

func (h *Handler) serveDetail(w http.ResponseWriter, r *http.Request, traceID string) {
	if traceID == "" || strings.Contains(traceID, "/") {
		h.render(w, r, http.StatusNotFound, "notfound", notFoundPage{Title: "Not found", TraceID: traceID})
		return
	}
	tr, err := h.source.GetTrace(shared.WithTraceID(r.Context(), traceID), traceID)
	if errors.Is(err, xray.ErrNotFound) {
		h.render(w, r, http.StatusNotFound, "notfound", notFoundPage{Title: "Not found", TraceID: traceID})
		return
	}
	if err != nil {
		h.fail(w, r, fmt.Errorf("load trace %s: %w", traceID, err))
		return
	}
	page := detailPage{Title: tr.Name, Trace: tr, Steps: make([]stepView, 0, len(tr.Steps))}
	for _, s := range tr.Steps {
		page.Steps = append(page.Steps, stepView{Step: s, Panel: view.Detect(s.Metadata)})
	}
	h.render(w, r, http.StatusOK, "detail", page)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Error("dashboard load failed",
		"request_id", shared.RequestID(r.Context()),
		"path", r.URL.Path,
		"error", err,
	)
	h.render(w, r, http.StatusInternalServerError, "error", errorPage{
		Title:    "Error",
		Message:  err.Error(),
		RetryURL: r.URL.RequestURI(),
	})
}

// render executes into a buffer first so a template failure never leaves a
// half-written page behind.
func (h *Handler) render(w http.ResponseWriter, r *http.Request, status int, name string, data any) {
	var buf bytes.Buffer
	if err := h.templates.ExecuteTemplate(&buf, name, data); err != nil {
		h.logger.Error("failed to render page",
			"template", name,
			"request_id", shared.RequestID(r.Context()),
			"error", err,
		)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}
