package doctor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/basket/decisiontrace/internal/config"
	"github.com/basket/decisiontrace/internal/otel"
	"github.com/basket/decisiontrace/internal/retention"
	"github.com/basket/decisiontrace/internal/storage"
)

const (
	StatusPass = "PASS"
	StatusWarn = "WARN"
	StatusFail = "FAIL"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkPermissions,
		checkStorage,
		checkBindAddr,
		checkRetention,
		checkTelemetry,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.NeedsInit {
		return CheckResult{
			Name:    "Config",
			Status:  StatusWarn,
			Message: "config.yaml missing, using defaults",
			Detail:  config.ConfigPath(cfg.HomeDir),
		}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", config.ConfigPath(cfg.HomeDir))}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

// schemaVersioner is implemented by the SQLite store.
type schemaVersioner interface {
	SchemaVersion(ctx context.Context) (int, error)
}

func checkStorage(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Storage", Status: StatusSkip, Message: "Config missing"}
	}
	desc := storage.Describe(cfg.Storage)

	openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	s, err := storage.Open(openCtx, cfg.Storage)
	if err != nil {
		return CheckResult{Name: "Storage", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err), Detail: desc}
	}
	defer s.Close()

	n, err := storage.Check(openCtx, s)
	if err != nil {
		return CheckResult{Name: "Storage", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err), Detail: desc}
	}

	msg := fmt.Sprintf("Readable, %d traces on the first page", n)
	if sv, ok := s.(schemaVersioner); ok {
		if v, err := sv.SchemaVersion(openCtx); err == nil {
			msg += fmt.Sprintf(", schema v%d", v)
		}
	}
	if cfg.Storage.Type == config.StorageMemory {
		return CheckResult{Name: "Storage", Status: StatusWarn, Message: "In-memory storage loses traces on restart", Detail: desc}
	}
	return CheckResult{Name: "Storage", Status: StatusPass, Message: msg, Detail: desc}
}

func checkBindAddr(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Bind Address", Status: StatusSkip, Message: "Config missing"}
	}
	if _, _, err := net.SplitHostPort(cfg.BindAddr); err != nil {
		return CheckResult{Name: "Bind Address", Status: StatusFail, Message: fmt.Sprintf("Invalid bind_addr %q: %v", cfg.BindAddr, err)}
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return CheckResult{
				Name:    "Bind Address",
				Status:  StatusWarn,
				Message: fmt.Sprintf("%s is in use", cfg.BindAddr),
				Detail:  "A server may already be running; try `xray status`",
			}
		}
		return CheckResult{Name: "Bind Address", Status: StatusFail, Message: fmt.Sprintf("Cannot listen on %s: %v", cfg.BindAddr, err)}
	}
	ln.Close()
	return CheckResult{Name: "Bind Address", Status: StatusPass, Message: fmt.Sprintf("%s is available", cfg.BindAddr)}
}

func checkRetention(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Retention", Status: StatusSkip, Message: "Config missing"}
	}
	if cfg.Retention.Days <= 0 {
		return CheckResult{Name: "Retention", Status: StatusPass, Message: "Disabled, traces are kept forever"}
	}
	if _, err := retention.ParseSchedule(cfg.Retention.Schedule); err != nil {
		return CheckResult{Name: "Retention", Status: StatusFail, Message: fmt.Sprintf("Invalid schedule %q: %v", cfg.Retention.Schedule, err)}
	}
	return CheckResult{
		Name:    "Retention",
		Status:  StatusPass,
		Message: fmt.Sprintf("Keeping %d days, pruning %s", cfg.Retention.Days, cfg.Retention.Schedule),
	}
}

func checkTelemetry(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Telemetry", Status: StatusSkip, Message: "Config missing"}
	}
	if !cfg.Telemetry.Enabled {
		return CheckResult{Name: "Telemetry", Status: StatusSkip, Message: "Disabled"}
	}
	p, err := otel.Init(ctx, otel.FromConfig(cfg.Telemetry))
	if err != nil {
		return CheckResult{Name: "Telemetry", Status: StatusFail, Message: fmt.Sprintf("Init failed: %v", err)}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = p.Shutdown(shutdownCtx)
	return CheckResult{
		Name:    "Telemetry",
		Status:  StatusPass,
		Message: fmt.Sprintf("Exporter %q ready", cfg.Telemetry.Exporter),
		Detail:  fmt.Sprintf("service=%s, sample_rate=%g", cfg.Telemetry.ServiceName, cfg.Telemetry.SampleRate),
	}
}
