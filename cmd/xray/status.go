package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/basket/decisiontrace/internal/config"
)

func runStatusCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: xray status")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	c := clientFor(cfg, "")
	h, err := c.Health(reqCtx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	code := printJSON(stdout, h)
	if h.Status != "ok" {
		return 1
	}
	return code
}
