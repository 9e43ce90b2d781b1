package tui

import (
	"context"
	"errors"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/basket/decisiontrace/pkg/xray"
)

type screen int

const (
	screenList screen = iota
	screenDetail
)

type loadState int

const (
	stateLoading loadState = iota
	stateReady
	stateNotFound
	stateError
)

// statusFilters is the cycle order for the "f" key. The empty status means
// every trace.
var statusFilters = []xray.Status{"", xray.StatusRunning, xray.StatusCompleted, xray.StatusFailed}

type tracesLoadedMsg struct {
	filter xray.Status
	traces []xray.Trace
	err    error
}

type traceLoadedMsg struct {
	id    string
	trace xray.Trace
	err   error
}

type model struct {
	ctx   context.Context
	cfg   Config
	width int
	// height of the terminal; 0 until the first WindowSizeMsg.
	height int

	screen screen
	state  loadState
	err    error

	filter xray.Status
	traces []xray.Trace
	cursor int

	detailID string
	detail   xray.Trace
	scroll   int
}

func newModel(ctx context.Context, cfg Config) model {
	if cfg.Limit <= 0 {
		cfg.Limit = xray.DefaultListLimit
	}
	return model{ctx: ctx, cfg: cfg, screen: screenList, state: stateLoading}
}

func loadTracesCmd(ctx context.Context, src Source, filter xray.Status, limit int) tea.Cmd {
	return func() tea.Msg {
		traces, err := src.ListTraces(ctx, xray.ListOptions{Limit: limit, Status: filter})
		return tracesLoadedMsg{filter: filter, traces: traces, err: err}
	}
}

func loadTraceCmd(ctx context.Context, src Source, id string) tea.Cmd {
	return func() tea.Msg {
		tr, err := src.GetTrace(ctx, id)
		return traceLoadedMsg{id: id, trace: tr, err: err}
	}
}

func (m model) Init() tea.Cmd {
	return loadTracesCmd(m.ctx, m.cfg.Source, m.filter, m.cfg.Limit)
}

func (m model) reload() (model, tea.Cmd) {
	m.state = stateLoading
	m.err = nil
	if m.screen == screenDetail {
		return m, loadTraceCmd(m.ctx, m.cfg.Source, m.detailID)
	}
	return m, loadTracesCmd(m.ctx, m.cfg.Source, m.filter, m.cfg.Limit)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil

	case tracesLoadedMsg:
		if m.screen != screenList || msg.filter != m.filter {
			return m, nil
		}
		if msg.err != nil {
			m.state, m.err = stateError, msg.err
			return m, nil
		}
		m.traces = msg.traces
		m.state = stateReady
		if m.cursor >= len(m.traces) {
			m.cursor = max(len(m.traces)-1, 0)
		}
		return m, nil

	case traceLoadedMsg:
		if m.screen != screenDetail || msg.id != m.detailID {
			return m, nil
		}
		switch {
		case errors.Is(msg.err, xray.ErrNotFound):
			m.state, m.err = stateNotFound, nil
		case msg.err != nil:
			m.state, m.err = stateError, msg.err
		default:
			m.detail = msg.trace
			m.state = stateReady
			m.scroll = 0
		}
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg.String())
	}
	return m, nil
}

func (m model) handleKey(key string) (tea.Model, tea.Cmd) {
	switch key {
	case "ctrl+c", "q":
		return m, tea.Quit
	case "r":
		if m.state != stateLoading {
			return m.reload()
		}
		return m, nil
	}

	if m.screen == screenDetail {
		switch key {
		case "esc", "backspace", "left", "h":
			m.screen = screenList
			if m.traces == nil {
				return m.reload()
			}
			m.state, m.err = stateReady, nil
		case "up", "k":
			if m.scroll > 0 {
				m.scroll--
			}
		case "down", "j":
			m.scroll++
		case "home", "g":
			m.scroll = 0
		}
		return m, nil
	}

	switch key {
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(m.traces)-1 {
			m.cursor++
		}
	case "f":
		next := 0
		for i, s := range statusFilters {
			if s == m.filter {
				next = (i + 1) % len(statusFilters)
			}
		}
		m.filter = statusFilters[next]
		m.cursor = 0
		m.traces = nil
		return m.reload()
	case "enter", "right", "l":
		if m.state != stateReady || len(m.traces) == 0 {
			return m, nil
		}
		m.screen = screenDetail
		m.detailID = m.traces[m.cursor].TraceID
		m.detail = xray.Trace{}
		return m.reload()
	}
	return m, nil
}
