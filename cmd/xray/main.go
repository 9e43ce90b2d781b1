package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/decisiontrace/internal/config"
	"github.com/basket/decisiontrace/internal/dashboard"
	"github.com/basket/decisiontrace/internal/gateway"
	otelPkg "github.com/basket/decisiontrace/internal/otel"
	"github.com/basket/decisiontrace/internal/retention"
	"github.com/basket/decisiontrace/internal/storage"
	"github.com/basket/decisiontrace/internal/telemetry"
	"github.com/basket/decisiontrace/internal/tui"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

// stdout is where subcommands print results. Tests replace it.
var stdout io.Writer = os.Stdout

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %[1]s:

SERVER (default):
  %[1]s                        Serve the query API and dashboard, with the TUI on a terminal
  %[1]s -daemon                Serve without the TUI (logs to stdout)
  %[1]s serve [-daemon]        Same as above

SUBCOMMANDS:
  %[1]s demo [-fail]           Record the sample competitor-selection pipeline
      -pipeline content        Record the content-recommendation pipeline instead
  %[1]s tui [-addr host:port]  Browse traces of a running server
  %[1]s traces [flags] [id]    Print traces as JSON
                              Flags: -limit N, -status running|completed|failed
  %[1]s status                 Show server health (/health)
  %[1]s prune -days N          Delete traces older than N days
  %[1]s doctor [-json]         Run diagnostic checks

FLAGS:
`, os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  XRAY_HOME               Data directory (default: ~/.decisiontrace)
  XRAY_NO_TUI             Set to 1 to disable the TUI
  XRAY_BIND_ADDR          Override bind_addr
  XRAY_STORAGE            Override storage.type (sqlite, badger, postgres, memory)
  XRAY_API_KEY            Require this API key (server) or send it (client commands)
`)
}

func main() {
	interactive := isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("XRAY_NO_TUI") == ""
	daemon := flag.Bool("daemon", false, "run without the TUI, logging to stdout")
	flag.Usage = printUsage
	flag.Parse()

	if *daemon {
		interactive = false
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "demo":
			os.Exit(runDemoCommand(ctx, args[1:]))
		case "tui":
			os.Exit(runTUICommand(ctx, args[1:]))
		case "traces":
			os.Exit(runTracesCommand(ctx, args[1:]))
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "prune":
			os.Exit(runPruneCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		case "serve":
			serveDaemon, err := parseServeArgs(args[1:])
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(2)
			}
			if serveDaemon {
				interactive = false
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	runServer(ctx, stop, interactive)
}

func parseServeArgs(args []string) (daemon bool, err error) {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	d := fs.Bool("daemon", false, "run without the TUI")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 {
		return false, errors.New("usage: xray serve [-daemon]")
	}
	return *d, nil
}

func runServer(ctx context.Context, stop context.CancelFunc, interactive bool) {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Quiet logs (file-only) while the TUI owns the terminal.
	level := new(slog.LevelVar)
	level.Set(telemetry.ParseLevel(cfg.LogLevel))
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, level, interactive)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "config_fingerprint", cfg.Fingerprint())
	if cfg.NeedsInit {
		logger.Info("no config.yaml found, using defaults", "path", config.ConfigPath(cfg.HomeDir))
	}
	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && !cfg.Auth.Enabled {
			logger.Warn("query service bound to a non-loopback address without auth", "bind_addr", cfg.BindAddr)
		}
	}

	otelProvider, err := otelPkg.Init(ctx, otelPkg.FromConfig(cfg.Telemetry))
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "storage_opened", "storage", storage.Describe(cfg.Storage))

	gw := gateway.New(gateway.Config{
		Storage:   store,
		Logger:    logger,
		Tracer:    otelProvider.Tracer,
		Metrics:   metrics,
		CORS:      cfg.CORS,
		Auth:      cfg.Auth,
		RateLimit: cfg.RateLimit,
		UI:        dashboard.New(store, logger),
	})
	gw.RateLimiter().StartEviction(ctx, 5*time.Minute, 10*time.Minute)

	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			hint := portOccupantHint(cfg.BindAddr)
			fatalStartup(logger, "E_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, hint))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", ln.Addr().String())
	go func() {
		logger.Info("query service listening", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	if cfg.Retention.Days > 0 {
		sched, err := retention.NewScheduler(retention.Config{
			Storage:  store,
			Logger:   logger,
			Days:     cfg.Retention.Days,
			Schedule: cfg.Retention.Schedule,
		})
		if err != nil {
			fatalStartup(logger, "E_RETENTION_INIT", err)
		}
		sched.Start(ctx)
		defer sched.Stop()
	}

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go watchConfig(cfg, level, watcher, logger)

	logger.Info("startup phase", "phase", "ready")

	if interactive {
		go func() {
			if err := tui.Run(ctx, tui.Config{Source: store, Title: ln.Addr().String()}); err != nil && ctx.Err() == nil {
				logger.Error("tui exited with error", "error", err)
			}
			stop()
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("query service error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	logger.Info("shutdown complete")
}

// watchConfig applies log_level changes live. Anything else that changed
// needs a restart, which is logged.
func watchConfig(running config.Config, level *slog.LevelVar, w *config.Watcher, logger *slog.Logger) {
	for range w.Events() {
		next, err := config.LoadFrom(running.HomeDir)
		if err != nil {
			logger.Warn("config reload failed", "error", err)
			continue
		}
		if next.LogLevel != running.LogLevel {
			level.Set(telemetry.ParseLevel(next.LogLevel))
			logger.Info("log level changed", "from", running.LogLevel, "to", next.LogLevel)
		}
		if next.Fingerprint() != running.Fingerprint() {
			logger.Warn("config changed, restart to apply",
				"running_fingerprint", running.Fingerprint(),
				"file_fingerprint", next.Fingerprint())
		}
		running.LogLevel = next.LogLevel
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"server","request_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		var sysErr *os.SyscallError
		if errors.As(opErr.Err, &sysErr) {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	// Try lsof to identify the occupying process (macOS/Linux).
	out, err := execCommand("lsof", "-ti", ":"+port)
	if err == nil && strings.TrimSpace(out) != "" {
		pids := strings.TrimSpace(out)
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}

func execCommand(name string, args ...string) (string, error) {
	cmd := execCommandFunc(name, args...)
	out, err := cmd.Output()
	return string(out), err
}

var execCommandFunc = newExecCommand

func newExecCommand(name string, args ...string) *exec.Cmd {
	return exec.Command(name, args...)
}
