package main

import (
	"bytes"
	"net"
	"os"
	"os/exec"
	"strings"
	"testing"
)

// setTestConfig writes config.yaml to a temp XRAY_HOME and clears env
// overrides that would leak in from the developer's shell.
func setTestConfig(t *testing.T, yaml string) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("XRAY_HOME", home)
	for _, k := range []string{"XRAY_BIND_ADDR", "XRAY_STORAGE", "XRAY_DB_PATH", "XRAY_POSTGRES_DSN", "XRAY_API_KEY", "XRAY_RETENTION_DAYS", "XRAY_LOG_LEVEL"} {
		t.Setenv(k, "")
	}
	if err := os.WriteFile(home+"/config.yaml", []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return home
}

// captureStdout redirects subcommand output for the duration of the test.
func captureStdout(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := stdout
	stdout = &buf
	t.Cleanup(func() { stdout = prev })
	return &buf
}

func TestParseServeArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    bool
		wantErr bool
	}{
		{name: "no args", args: nil, want: false},
		{name: "daemon flag", args: []string{"-daemon"}, want: true},
		{name: "double dash daemon", args: []string{"--daemon"}, want: true},
		{name: "unexpected arg", args: []string{"extra"}, wantErr: true},
		{name: "unknown flag", args: []string{"-nope"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseServeArgs(tt.args)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if !strings.Contains(err.Error(), "usage: xray serve") {
					t.Fatalf("unexpected error %q", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("daemon mismatch: got %v want %v", got, tt.want)
			}
		})
	}
}

func TestIsAddrInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	_, err = net.Listen("tcp", ln.Addr().String())
	if err == nil {
		t.Fatal("expected second listen to fail")
	}
	if !isAddrInUse(err) {
		t.Fatalf("expected address-in-use, got %v", err)
	}
	if isAddrInUse(os.ErrNotExist) {
		t.Fatal("unrelated error reported as address-in-use")
	}
}

func TestPortOccupantHint(t *testing.T) {
	prev := execCommandFunc
	t.Cleanup(func() { execCommandFunc = prev })

	execCommandFunc = func(string, ...string) *exec.Cmd { return exec.Command("echo", "4242") }
	if got := portOccupantHint("127.0.0.1:8000"); !strings.Contains(got, "PID 4242") {
		t.Fatalf("expected PID in hint, got %q", got)
	}

	execCommandFunc = func(string, ...string) *exec.Cmd { return exec.Command("false") }
	if got := portOccupantHint("127.0.0.1:8000"); !strings.Contains(got, "Port 8000 is already in use") {
		t.Fatalf("unexpected fallback hint %q", got)
	}

	if got := portOccupantHint("garbage"); !strings.Contains(got, "garbage") {
		t.Fatalf("unexpected hint for bad addr %q", got)
	}
}
