package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/decisiontrace/internal/client"
	"github.com/basket/decisiontrace/pkg/xray"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8000", "query service address")
	apiKey := flag.String("api-key", os.Getenv("XRAY_API_KEY"), "API key, if auth is enabled")
	timeout := flag.Duration("timeout", 15*time.Second, "overall timeout")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var opts []client.Option
	if k := strings.TrimSpace(*apiKey); k != "" {
		opts = append(opts, client.WithAPIKey(k))
	}
	c := client.New(*addr, opts...)

	checks, err := smoke(ctx, c, strings.TrimSpace(*apiKey))
	for _, line := range checks {
		fmt.Println(line)
	}
	if err != nil {
		fmt.Printf("error=%v\n", err)
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}

// smoke walks the read API the way a dashboard would and returns one
// key=value line per completed check.
func smoke(ctx context.Context, c *client.Client, apiKey string) ([]string, error) {
	var lines []string

	h, err := c.Health(ctx)
	if err != nil {
		return lines, fmt.Errorf("health: %w", err)
	}
	if h.Status != "ok" {
		return lines, fmt.Errorf("health: status %q", h.Status)
	}
	lines = append(lines, "health=ok service="+h.Service)

	traces, err := c.ListTraces(ctx, xray.ListOptions{Limit: 5})
	if err != nil {
		return lines, fmt.Errorf("list traces: %w", err)
	}
	for i := 1; i < len(traces); i++ {
		if traces[i].StartTime.After(traces[i-1].StartTime) {
			return lines, fmt.Errorf("list traces: not newest first at index %d", i)
		}
	}
	lines = append(lines, fmt.Sprintf("list_traces=%d", len(traces)))

	if len(traces) > 0 {
		first := traces[0]
		got, err := c.GetTrace(ctx, first.TraceID)
		if err != nil {
			return lines, fmt.Errorf("get trace %s: %w", first.TraceID, err)
		}
		if len(got.Steps) != len(first.Steps) {
			return lines, fmt.Errorf("get trace %s: %d steps, list said %d", first.TraceID, len(got.Steps), len(first.Steps))
		}
		for i, s := range got.Steps {
			if s.Order != i {
				return lines, fmt.Errorf("get trace %s: step %d has order %d", first.TraceID, i, s.Order)
			}
		}
		lines = append(lines, fmt.Sprintf("get_trace=%s steps=%d", got.TraceID, len(got.Steps)))
	}

	missing := uuid.NewString()
	if _, err := c.GetTrace(ctx, missing); !errors.Is(err, xray.ErrNotFound) {
		return lines, fmt.Errorf("get missing trace: expected not found, got %v", err)
	}
	lines = append(lines, "missing_trace=404")

	code, err := rawStatus(ctx, c.BaseURL()+"/traces?limit=0", apiKey)
	if err != nil {
		return lines, fmt.Errorf("bad limit: %w", err)
	}
	if code != http.StatusBadRequest {
		return lines, fmt.Errorf("bad limit: expected 400, got %d", code)
	}
	lines = append(lines, "bad_limit=400")

	code, err = rawStatus(ctx, c.BaseURL()+"/traces", apiKey, http.MethodPost)
	if err != nil {
		return lines, fmt.Errorf("post traces: %w", err)
	}
	if code != http.StatusMethodNotAllowed {
		return lines, fmt.Errorf("post traces: expected 405, got %d", code)
	}
	lines = append(lines, "read_only=405")
	return lines, nil
}

func rawStatus(ctx context.Context, url, apiKey string, method ...string) (int, error) {
	m := http.MethodGet
	if len(method) > 0 {
		m = method[0]
	}
	req, err := http.NewRequestWithContext(ctx, m, url, nil)
	if err != nil {
		return 0, err
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}
