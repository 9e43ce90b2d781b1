package xray

import "context"

type traceIDKey struct{}

// Well-known metadata keys.
const (
	MetaEvaluations = "evaluations"
	MetaLLM         = "llm"
	MetaCandidates  = "ranked_candidates"
)

// WithTraceID attaches a trace id to ctx.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, id)
}

// TraceIDFromContext returns the trace id set by Recorder.Run, if any.
func TraceIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(traceIDKey{}).(string)
	return id, ok && id != ""
}
