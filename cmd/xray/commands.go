package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/basket/decisiontrace/internal/client"
	"github.com/basket/decisiontrace/internal/config"
	"github.com/basket/decisiontrace/internal/demo"
	otelPkg "github.com/basket/decisiontrace/internal/otel"
	"github.com/basket/decisiontrace/internal/retention"
	"github.com/basket/decisiontrace/internal/storage"
	"github.com/basket/decisiontrace/internal/telemetry"
	"github.com/basket/decisiontrace/internal/tui"
	"github.com/basket/decisiontrace/pkg/xray"
)

// newFlagSet returns a flag set that reports errors on stderr instead of
// exiting.
func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}

// clientFor builds a query-service client for cfg. An explicit addr wins
// over bind_addr; the API key comes from XRAY_API_KEY or the first
// configured key.
func clientFor(cfg config.Config, addr string) *client.Client {
	if addr == "" {
		addr = cfg.BindAddr
	}
	var opts []client.Option
	if key := strings.TrimSpace(os.Getenv("XRAY_API_KEY")); key != "" {
		opts = append(opts, client.WithAPIKey(key))
	} else if cfg.Auth.Enabled && len(cfg.Auth.Keys) > 0 {
		opts = append(opts, client.WithAPIKey(cfg.Auth.Keys[0].Key))
	}
	return client.New(addr, opts...)
}

func runDemoCommand(ctx context.Context, args []string) int {
	fs := newFlagSet("demo")
	fail := fs.Bool("fail", false, "make the ranking step fail")
	pipeline := fs.String("pipeline", "competitor", "pipeline to record: competitor or content")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "usage: xray demo [-pipeline competitor|content] [-fail]")
		return 2
	}
	if *pipeline != "competitor" && *pipeline != "content" {
		fmt.Fprintf(os.Stderr, "demo: unknown pipeline %q (want competitor or content)\n", *pipeline)
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	if cfg.Storage.Type == config.StorageMemory {
		fmt.Fprintln(os.Stderr, "demo: storage type memory does not outlive this command; configure sqlite, badger or postgres")
		return 1
	}
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, nil, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		return 1
	}
	defer closer.Close()

	provider, err := otelPkg.Init(ctx, otelPkg.FromConfig(cfg.Telemetry))
	if err != nil {
		fmt.Fprintf(os.Stderr, "telemetry: %v\n", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()
	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		fmt.Fprintf(os.Stderr, "telemetry: %v\n", err)
		return 1
	}

	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		fmt.Fprintf(os.Stderr, "storage: %v\n", err)
		return 1
	}
	rec := xray.New(store,
		xray.WithLogger(logger),
		xray.WithObserver(otelPkg.NewObserver(provider.Tracer, metrics)),
	)
	defer rec.Close()

	opts := demo.Options{Fail: *fail, Logger: logger}
	var (
		traceID string
		summary []string
	)
	if *pipeline == "content" {
		res, runErr := demo.RunContent(ctx, rec, opts)
		traceID, err = res.TraceID, runErr
		for _, p := range res.Picks {
			summary = append(summary, fmt.Sprintf("recommended %s %q (%s, score %g)",
				p.Title.ID, p.Title.Name, p.Title.Genre, p.Scores.Total))
		}
	} else {
		res, runErr := demo.Run(ctx, rec, opts)
		traceID, err = res.TraceID, runErr
		if res.Selected != nil {
			p := res.Selected.Product
			summary = append(summary, fmt.Sprintf("selected %s %q ($%.2f, %g stars, %d reviews, score %g)",
				p.ASIN, p.Title, p.Price, p.Rating, p.Reviews, res.Selected.Scores.Total))
		}
	}
	if traceID != "" {
		fmt.Fprintf(stdout, "trace %s recorded in %s\n", traceID, storage.Describe(cfg.Storage))
	}
	if err != nil {
		if errors.Is(err, demo.ErrRankingUnavailable) {
			fmt.Fprintf(stdout, "pipeline failed as requested: %v\n", err)
			return 0
		}
		fmt.Fprintf(os.Stderr, "demo: %v\n", err)
		return 1
	}
	for _, line := range summary {
		fmt.Fprintln(stdout, line)
	}
	return 0
}

func runTUICommand(ctx context.Context, args []string) int {
	fs := newFlagSet("tui")
	addr := fs.String("addr", "", "query service address (default: bind_addr)")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "usage: xray tui [-addr host:port]")
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	c := clientFor(cfg, *addr)
	if err := tui.Run(ctx, tui.Config{Source: c, Title: c.BaseURL()}); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "tui: %v\n", err)
		return 1
	}
	return 0
}

func runTracesCommand(ctx context.Context, args []string) int {
	fs := newFlagSet("traces")
	limit := fs.Int("limit", 0, "maximum traces to list (1-1000)")
	status := fs.String("status", "", "only traces with this status")
	addr := fs.String("addr", "", "query service address (default: bind_addr)")
	if err := fs.Parse(args); err != nil || fs.NArg() > 1 {
		fmt.Fprintln(os.Stderr, "usage: xray traces [-limit N] [-status S] [-addr host:port] [trace_id]")
		return 2
	}
	if *status != "" && !xray.Status(*status).Valid() {
		fmt.Fprintf(os.Stderr, "invalid status %q (running, completed, failed)\n", *status)
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	c := clientFor(cfg, *addr)

	var out any
	if id := fs.Arg(0); id != "" {
		tr, err := c.GetTrace(ctx, id)
		if errors.Is(err, xray.ErrNotFound) {
			fmt.Fprintf(os.Stderr, "trace %s not found\n", id)
			return 1
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "traces: %v\n", err)
			return 1
		}
		out = tr
	} else {
		traces, err := c.ListTraces(ctx, xray.ListOptions{Limit: *limit, Status: xray.Status(*status)})
		if err != nil {
			fmt.Fprintf(os.Stderr, "traces: %v\n", err)
			return 1
		}
		if traces == nil {
			traces = []xray.Trace{}
		}
		out = traces
	}
	return printJSON(stdout, out)
}

func runPruneCommand(ctx context.Context, args []string) int {
	fs := newFlagSet("prune")
	days := fs.Int("days", 0, "delete traces that started more than this many days ago (default: retention.days)")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "usage: xray prune -days N")
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	n := *days
	if n == 0 {
		n = cfg.Retention.Days
	}
	if n <= 0 {
		fmt.Fprintln(os.Stderr, "prune: -days must be positive (retention.days is not set)")
		return 2
	}

	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		fmt.Fprintf(os.Stderr, "storage: %v\n", err)
		return 1
	}
	defer store.Close()

	now := time.Now()
	removed, err := retention.Prune(ctx, store, n, now)
	if err != nil {
		fmt.Fprintf(os.Stderr, "prune: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "pruned %d traces started before %s\n", removed, retention.Cutoff(now, n).UTC().Format(time.RFC3339))
	return 0
}

func printJSON(w io.Writer, v any) int {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "encode: %v\n", err)
		return 1
	}
	return 0
}
