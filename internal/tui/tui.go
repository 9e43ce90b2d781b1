// Package tui is a terminal browser for recorded traces: a list screen and a
// per-trace step timeline.
package tui

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/basket/decisiontrace/pkg/xray"
)

// Source is where traces are read from, normally a *client.Client.
type Source interface {
	ListTraces(ctx context.Context, opts xray.ListOptions) ([]xray.Trace, error)
	GetTrace(ctx context.Context, traceID string) (xray.Trace, error)
}

type Config struct {
	Source Source
	// Title is shown in the header, usually the service address.
	Title string
	Limit int
}

// Run blocks until the user quits or ctx is cancelled.
func Run(ctx context.Context, cfg Config) error {
	defer bestEffortResetTTY()

	p := tea.NewProgram(newModel(ctx, cfg), tea.WithAltScreen())

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		<-done
		return ctx.Err()
	case err := <-done:
		return err
	}
}
