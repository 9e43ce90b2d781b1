package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/basket/decisiontrace/internal/gateway"
	"github.com/basket/decisiontrace/pkg/xray"
)

func TestRunStatusCommand_ExtraArgs(t *testing.T) {
	code := runStatusCommand(context.Background(), []string{"extra"})
	if code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}

func TestRunStatusCommand_HealthyServer(t *testing.T) {
	gw := gateway.New(gateway.Config{Storage: xray.NewMemoryStorage()})
	ts := httptest.NewServer(gw.Handler())
	defer ts.Close()

	setTestConfig(t, `bind_addr: "`+ts.Listener.Addr().String()+`"`)
	out := captureStdout(t)

	code := runStatusCommand(context.Background(), nil)
	if code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
	if !strings.Contains(out.String(), `"service": "decisiontrace"`) {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestRunStatusCommand_UnhealthyServer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":"storage unavailable"}`))
	}))
	defer ts.Close()

	setTestConfig(t, `bind_addr: "`+ts.Listener.Addr().String()+`"`)

	code := runStatusCommand(context.Background(), nil)
	if code != 1 {
		t.Fatalf("got exit code %d, want 1", code)
	}
}

func TestRunStatusCommand_SendsAPIKey(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"status":"ok","service":"decisiontrace"}`))
	}))
	defer ts.Close()

	setTestConfig(t, "bind_addr: \""+ts.Listener.Addr().String()+"\"\nauth:\n  enabled: true\n  keys:\n    - name: ci\n      key: secret-key\n")
	captureStdout(t)

	if code := runStatusCommand(context.Background(), nil); code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
	if gotAuth != "Bearer secret-key" {
		t.Fatalf("expected configured key to be sent, got %q", gotAuth)
	}
}

func TestRunStatusCommand_ConnectionRefused(t *testing.T) {
	setTestConfig(t, `bind_addr: "127.0.0.1:1"`)

	code := runStatusCommand(context.Background(), nil)
	if code != 1 {
		t.Fatalf("got exit code %d, want 1 for connection refused", code)
	}
}

func TestRunStatusCommand_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	setTestConfig(t, `bind_addr: "127.0.0.1:8000"`)

	code := runStatusCommand(ctx, nil)
	if code != 1 {
		t.Fatalf("got exit code %d, want 1 for cancelled context", code)
	}
}
