package shared

import (
	"context"
	"testing"
)

func TestRequestID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := RequestID(ctx); got != "-" {
		t.Fatalf("expected '-', got %q", got)
	}
	id := NewRequestID()
	ctx = WithRequestID(ctx, id)
	if got := RequestID(ctx); got != id {
		t.Fatalf("expected %q, got %q", id, got)
	}
}

func TestTraceID_DefaultDash(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected '-', got %q", got)
	}
	ctx = WithTraceID(ctx, "tr-9")
	if got := TraceID(ctx); got != "tr-9" {
		t.Fatalf("expected tr-9, got %q", got)
	}
	if got := TraceID(WithTraceID(context.Background(), "")); got != "-" {
		t.Fatalf("empty trace id should read as '-', got %q", got)
	}
}
