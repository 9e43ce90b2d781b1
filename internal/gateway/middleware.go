package gateway

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/decisiontrace/internal/otel"
	"github.com/basket/decisiontrace/internal/shared"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// RequestLogMiddleware assigns a request id, opens a server span, records
// the request duration and writes one access log line per request.
func RequestLogMiddleware(logger *slog.Logger, tracer trace.Tracer, metrics *otel.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqID := r.Header.Get(RequestIDHeader)
			if reqID == "" {
				reqID = shared.NewRequestID()
			}
			w.Header().Set(RequestIDHeader, reqID)
			ctx := shared.WithRequestID(r.Context(), reqID)

			route := routeOf(r.URL.Path)
			var span trace.Span
			if tracer != nil {
				ctx, span = otel.StartServerSpan(ctx, tracer, r.Method+" "+route,
					otel.AttrHTTPRoute.String(route),
					otel.AttrRequestID.String(reqID),
				)
			}

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(ctx))
			elapsed := time.Since(start)

			if span != nil {
				span.SetAttributes(otel.AttrHTTPStatus.Int(rec.status))
				if rec.status >= 500 {
					span.SetStatus(codes.Error, http.StatusText(rec.status))
				}
				span.End()
			}
			if metrics != nil {
				metrics.RequestDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
					otel.AttrHTTPRoute.String(route),
					otel.AttrHTTPStatus.Int(rec.status),
				))
			}
			level := slog.LevelInfo
			if rec.status >= 500 {
				level = slog.LevelError
			}
			logger.Log(ctx, level, "http request",
				"request_id", reqID,
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration_ms", elapsed.Milliseconds(),
			)
		})
	}
}

// routeOf collapses trace ids so span names and metric attributes stay
// low-cardinality.
func routeOf(path string) string {
	for _, prefix := range []string{"/api/traces/", "/traces/", "/ui/traces/"} {
		if strings.HasPrefix(path, prefix) && len(path) > len(prefix) {
			return prefix + "{trace_id}"
		}
	}
	return path
}
