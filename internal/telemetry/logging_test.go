package telemetry

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func readLogLines(t *testing.T, home string) []map[string]any {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("unmarshal log json: %v", err)
		}
		out = append(out, entry)
	}
	return out
}

func TestNewLogger_EmitsStructuredSchema(t *testing.T) {
	home := t.TempDir()
	lvl := new(slog.LevelVar)
	lvl.Set(slog.LevelDebug)
	logger, closer, err := NewLogger(home, lvl, true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("startup phase", "phase", "config_loaded", "trace_id", "tr-1")

	lines := readLogLines(t, home)
	if len(lines) == 0 {
		t.Fatalf("expected at least one log line")
	}
	entry := lines[0]
	for _, key := range []string{"timestamp", "level", "msg", "component", "request_id"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("missing required key %q in log entry: %#v", key, entry)
		}
	}
	if entry["component"] != "server" {
		t.Fatalf("expected component=server, got %#v", entry["component"])
	}
	if entry["trace_id"] != "tr-1" {
		t.Fatalf("expected trace_id propagation, got %#v", entry["trace_id"])
	}
}

func TestNewLogger_RedactsSensitiveFields(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, nil, true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("security check",
		"api_key", "abc123",
		"auth_header", "Authorization: Bearer super-secret-token",
		"postgres_dsn", "postgres://user:pw@db/xray",
	)

	lines := readLogLines(t, home)
	entry := lines[len(lines)-1]
	for _, key := range []string{"api_key", "auth_header", "postgres_dsn"} {
		if entry[key] != "[REDACTED]" {
			t.Fatalf("expected %s redaction, got %#v", key, entry[key])
		}
	}
}

func TestNewLogger_LevelIsLive(t *testing.T) {
	home := t.TempDir()
	lvl := new(slog.LevelVar)
	lvl.Set(slog.LevelWarn)
	logger, closer, err := NewLogger(home, lvl, true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("dropped")
	lvl.Set(slog.LevelInfo)
	logger.Info("kept")

	lines := readLogLines(t, home)
	if len(lines) != 1 || lines[0]["msg"] != "kept" {
		t.Fatalf("expected only the post-reload line, got %v", lines)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
