// Package gateway serves stored decision traces over HTTP. The service is
// read-only: every route answers GET and nothing else.
package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/decisiontrace/internal/config"
	"github.com/basket/decisiontrace/internal/otel"
	"github.com/basket/decisiontrace/internal/shared"
	"github.com/basket/decisiontrace/pkg/xray"
)

// ServiceName is reported by /health.
const ServiceName = "decisiontrace"

type Config struct {
	Storage xray.Storage
	Logger  *slog.Logger

	// Tracer and Metrics instrument every request. Both may be nil.
	Tracer  trace.Tracer
	Metrics *otel.Metrics

	CORS      config.CORSConfig
	Auth      config.AuthConfig
	RateLimit config.RateLimitConfig

	// UI, when set, serves the HTML dashboard at "/" and "/ui/".
	UI http.Handler
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	limiter *RateLimitMiddleware
}

type errorBody struct {
	Error string `json:"error"`
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limiter := NewRateLimitMiddleware(cfg.RateLimit)
	if cfg.Metrics != nil {
		limiter.OnReject(func(r *http.Request) {
			cfg.Metrics.RateLimitRejects.Add(r.Context(), 1)
		})
	}
	return &Server{cfg: cfg, logger: logger, limiter: limiter}
}

// RateLimiter exposes the limiter so callers can start bucket eviction.
func (s *Server) RateLimiter() *RateLimitMiddleware {
	return s.limiter
}

// Handler returns the routed service wrapped in its middleware chain:
// request id and access log outermost, then CORS, auth and rate limiting.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/traces", s.handleListTraces)
	mux.HandleFunc("/api/traces", s.handleListTraces)
	mux.HandleFunc("/traces/", s.handleTraceByID)
	mux.HandleFunc("/api/traces/", s.handleTraceByID)
	if s.cfg.UI != nil {
		mux.Handle("/", s.cfg.UI)
		mux.Handle("/ui/", s.cfg.UI)
	}

	var h http.Handler = mux
	h = s.limiter.Wrap(h)
	h = NewAuthMiddleware(s.cfg.Auth).Wrap(h)
	h = NewCORSMiddleware(s.cfg.CORS)(h)
	h = RequestLogMiddleware(s.logger, s.cfg.Tracer, s.cfg.Metrics)(h)
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": ServiceName})
}

func (s *Server) handleListTraces(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	opts, err := ParseListOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	traces, err := s.cfg.Storage.ListTraces(r.Context(), opts)
	if err != nil {
		s.internalError(w, r, "list traces", err)
		return
	}
	if traces == nil {
		traces = []xray.Trace{}
	}
	writeJSON(w, http.StatusOK, traces)
}

func (s *Server) handleTraceByID(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	traceID := strings.TrimPrefix(r.URL.Path, "/api")
	traceID = strings.TrimPrefix(traceID, "/traces/")
	if traceID == "" || strings.Contains(traceID, "/") {
		writeError(w, http.StatusNotFound, xray.ErrNotFound.Error())
		return
	}
	ctx := shared.WithTraceID(r.Context(), traceID)
	tr, err := s.cfg.Storage.GetTrace(ctx, traceID)
	if errors.Is(err, xray.ErrNotFound) {
		writeError(w, http.StatusNotFound, xray.ErrNotFound.Error())
		return
	}
	if err != nil {
		s.internalError(w, r.WithContext(ctx), "get trace", err)
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

// ParseListOptions reads ?limit= and ?status=. A missing limit means
// xray.DefaultListLimit; limits outside 1..xray.MaxListLimit and unknown
// statuses are rejected.
func ParseListOptions(r *http.Request) (xray.ListOptions, error) {
	q := r.URL.Query()
	opts := xray.ListOptions{Limit: xray.DefaultListLimit}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > xray.MaxListLimit {
			return opts, errors.New("limit must be an integer between 1 and " + strconv.Itoa(xray.MaxListLimit))
		}
		opts.Limit = n
	}
	if v := q.Get("status"); v != "" {
		st, err := xray.ParseStatus(v)
		if err != nil {
			return opts, err
		}
		opts.Status = st
	}
	return opts, nil
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	s.logger.Error("query failed",
		"op", op,
		"request_id", shared.RequestID(r.Context()),
		"trace_id", shared.TraceID(r.Context()),
		"api_key", KeyNameFromContext(r.Context()),
		"error", err,
	)
	writeError(w, http.StatusInternalServerError, err.Error())
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return true
	}
	w.Header().Set("Allow", "GET, HEAD")
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}
