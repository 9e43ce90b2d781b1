package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/basket/decisiontrace/internal/view"
	"github.com/basket/decisiontrace/pkg/xray"
)

var (
	titleS  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	dimS    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	selS    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	okS     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failS   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	runS    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	headS   = lipgloss.NewStyle().Bold(true)
	reasonS = lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("252"))
)

func statusStyle(s xray.Status) lipgloss.Style {
	switch s {
	case xray.StatusCompleted:
		return okS
	case xray.StatusFailed:
		return failS
	default:
		return runS
	}
}

func formatDuration(ms *int64) string {
	if ms == nil {
		return "running"
	}
	return (time.Duration(*ms) * time.Millisecond).String()
}

func (m model) View() string {
	var b strings.Builder
	header := "decisiontrace"
	if m.cfg.Title != "" {
		header += " · " + m.cfg.Title
	}
	b.WriteString(titleS.Render(header) + "\n\n")

	switch m.state {
	case stateLoading:
		if m.screen == screenDetail {
			b.WriteString("Loading trace " + m.detailID + "…\n")
		} else {
			b.WriteString("Loading traces…\n")
		}
		b.WriteString("\n" + dimS.Render("[q] quit") + "\n")
		return b.String()
	case stateNotFound:
		b.WriteString(failS.Render("Trace not found: "+m.detailID) + "\n")
		b.WriteString("\n" + dimS.Render("[esc] back  [q] quit") + "\n")
		return b.String()
	case stateError:
		b.WriteString(failS.Render("Error: "+humanError(m.err)) + "\n")
		help := "[r] retry  [q] quit"
		if m.screen == screenDetail {
			help = "[r] retry  [esc] back  [q] quit"
		}
		b.WriteString("\n" + dimS.Render(help) + "\n")
		return b.String()
	}

	if m.screen == screenDetail {
		b.WriteString(m.detailView())
		return b.String()
	}
	b.WriteString(m.listView())
	return b.String()
}

func (m model) listView() string {
	var b strings.Builder
	filter := "all"
	if m.filter != "" {
		filter = string(m.filter)
	}
	b.WriteString(dimS.Render("filter: "+filter) + "\n\n")
	if len(m.traces) == 0 {
		b.WriteString("No traces recorded yet.\n")
	}
	for i, tr := range m.traces {
		cursor := "  "
		name := tr.Name
		if i == m.cursor {
			cursor = "> "
			name = selS.Render(name)
		}
		b.WriteString(fmt.Sprintf("%s%-32s %s  %s  %d steps  %s\n",
			cursor,
			name,
			statusStyle(tr.Status).Render(fmt.Sprintf("%-9s", tr.Status)),
			tr.StartTime.Local().Format("2006-01-02 15:04:05"),
			len(tr.Steps),
			dimS.Render(formatDuration(tr.DurationMS)),
		))
	}
	b.WriteString("\n" + dimS.Render("[↑/↓] move  [enter] open  [f] filter  [r] refresh  [q] quit") + "\n")
	return b.String()
}

func (m model) detailView() string {
	lines := detailLines(m.detail)
	avail := len(lines)
	if m.height > 0 {
		// Title, blank line and footer take four rows.
		avail = max(m.height-4, 1)
	}
	start := min(m.scroll, max(len(lines)-avail, 0))
	end := min(start+avail, len(lines))

	var b strings.Builder
	b.WriteString(strings.Join(lines[start:end], "\n"))
	b.WriteString("\n\n" + dimS.Render("[↑/↓] scroll  [esc] back  [r] refresh  [q] quit") + "\n")
	return b.String()
}

func detailLines(tr xray.Trace) []string {
	lines := []string{
		headS.Render(tr.Name) + "  " + statusStyle(tr.Status).Render(string(tr.Status)) + "  " + dimS.Render(formatDuration(tr.DurationMS)),
		dimS.Render("trace " + tr.TraceID + " · started " + tr.StartTime.UTC().Format(time.RFC3339)),
	}
	if len(tr.Metadata) > 0 {
		lines = append(lines, dimS.Render("metadata: "+view.Display(map[string]any(tr.Metadata))))
	}
	for _, s := range tr.Steps {
		lines = append(lines, "",
			fmt.Sprintf("%s %s  %s  %s",
				headS.Render(fmt.Sprintf("#%d", s.Order)),
				headS.Render(s.Name),
				statusStyle(s.Status).Render(string(s.Status)),
				dimS.Render(formatDuration(s.DurationMS)),
			))
		if s.Error != nil {
			lines = append(lines, failS.Render("  error: "+*s.Error))
		}
		if s.Reasoning != nil {
			lines = append(lines, reasonS.Render("  "+*s.Reasoning))
		}
		lines = append(lines, dimS.Render("  input:  ")+view.Display(map[string]any(s.Input)))
		if s.Output != nil {
			lines = append(lines, dimS.Render("  output: ")+view.Display(map[string]any(s.Output)))
		}
		lines = append(lines, panelLines(view.Detect(s.Metadata))...)
	}
	return lines
}

func panelLines(p view.Panel) []string {
	var out []string
	switch p.Kind {
	case view.KindEvaluationTable:
		t := p.Evaluations
		out = append(out, fmt.Sprintf("  evaluations: %s, %s",
			okS.Render(fmt.Sprintf("%d passed", t.Passed)),
			failS.Render(fmt.Sprintf("%d failed", t.Failed))))
		for _, row := range t.Rows {
			mark := okS.Render("✓")
			if !row.Qualified {
				mark = failS.Render("✗")
			}
			cells := make([]string, 0, len(row.Filters))
			for _, f := range row.Filters {
				c := f.Name
				if f.Detail != "" {
					c += " (" + f.Detail + ")"
				}
				if f.Passed {
					cells = append(cells, okS.Render(c))
				} else {
					cells = append(cells, failS.Render(c))
				}
			}
			line := fmt.Sprintf("    %s %-12s %s", mark, row.ItemID, strings.Join(cells, ", "))
			if row.Reasoning != "" {
				line += dimS.Render(" · " + row.Reasoning)
			}
			out = append(out, line)
		}
	case view.KindLLMCard:
		c := p.LLM
		out = append(out, fmt.Sprintf("  llm: %s  tokens %s  temperature %s", c.Model, c.TokensUsed, c.Temperature))
		for _, f := range c.Extra {
			out = append(out, dimS.Render(fmt.Sprintf("    %s: %s", f.Key, f.Value)))
		}
	case view.KindRankedList:
		out = append(out, "  ranked candidates:")
		for _, it := range p.Ranked.Items {
			parts := make([]string, 0, len(it.Breakdown))
			for _, f := range it.Breakdown {
				parts = append(parts, f.Key+"="+f.Value)
			}
			line := fmt.Sprintf("    %d. %s  total %s", it.Rank, it.Label, it.Total)
			if len(parts) > 0 {
				line += dimS.Render("  " + strings.Join(parts, " "))
			}
			out = append(out, line)
		}
	default:
		if p.Raw != "{}" {
			out = append(out, dimS.Render("  metadata:"))
			for _, l := range strings.Split(p.Raw, "\n") {
				out = append(out, "    "+l)
			}
		}
	}
	if p.Extra != "" {
		out = append(out, dimS.Render("  other metadata:"))
		for _, l := range strings.Split(p.Extra, "\n") {
			out = append(out, "    "+l)
		}
	}
	return out
}
