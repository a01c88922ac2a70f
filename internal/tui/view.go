package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/video-transcribe/server/internal/gpu"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	panelStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	focusedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("230")).Background(lipgloss.Color("62")).Bold(true)
)

func (m appModel) View() string {
	width := m.width
	if width <= 0 {
		width = 100
	}
	height := m.height
	if height <= 0 {
		height = 30
	}

	switch m.mode {
	case modeConfirm:
		return m.viewConfirm(width, height)
	default:
		return m.viewMain(width, height)
	}
}

func (m appModel) viewMain(width, height int) string {
	header := titleStyle.Render("video-transcribe") + "  " + mutedStyle.Render(m.gpuSummary())

	var hints string
	if m.mode == modeRunning {
		hints = mutedStyle.Render("esc/x: stop after current step | ctrl+c: quit")
	} else {
		hints = mutedStyle.Render("up/down or tab: move | left/right/space: change | ctrl+s: start | esc: quit")
	}

	form := m.renderFormPanel(width)
	logs := m.renderLogPanel(width, height)
	status := m.renderStatusLine(width)

	return lipgloss.JoinVertical(lipgloss.Left, header, hints, form, logs, status)
}

func (m appModel) renderFormPanel(width int) string {
	lines := make([]string, 0, fieldCount)
	for i, f := range m.fields {
		prefix := "  "
		if i == m.focus && m.mode == modeForm {
			prefix = "> "
		}

		var value string
		switch f.kind {
		case fieldText:
			if i == m.focus && m.mode == modeForm {
				value = f.input.View()
			} else {
				value = f.input.Value()
				if value == "" {
					value = mutedStyle.Render("(" + f.input.Placeholder + ")")
				}
			}
		case fieldSelect:
			value = "[" + f.options[f.optionIdx] + "]" + m.modelHint(f.options[f.optionIdx])
		case fieldToggle:
			if f.enabled {
				value = okStyle.Render("on")
			} else {
				value = mutedStyle.Render("off")
			}
		}

		line := fmt.Sprintf("%s%-12s %s", prefix, f.label+":", value)
		if i == m.focus && m.mode == modeForm && f.kind != fieldText {
			line = focusedStyle.Render(line)
		}
		lines = append(lines, line)
	}
	return panelStyle.Width(maxInt(width-2, 40)).Render(strings.Join(lines, "\n"))
}

// modelHint annotates a model size with the hardware recommendation.
func (m appModel) modelHint(size string) string {
	recommended, _ := gpu.RecommendModel(m.deps.GPU)
	switch {
	case gpu.ModelTooLarge(m.deps.GPU, size):
		return " " + warnStyle.Render("may not fit in memory")
	case size == recommended:
		return " " + mutedStyle.Render("recommended")
	default:
		return ""
	}
}

func (m appModel) renderLogPanel(width, height int) string {
	maxRows := clampInt(height-fieldCount-9, 4, 20)
	start := 0
	if len(m.logs) > maxRows {
		start = len(m.logs) - maxRows
	}

	lines := m.logs[start:]
	if len(lines) == 0 {
		lines = []string{mutedStyle.Render("Activity will appear here.")}
	}
	trimmed := make([]string, len(lines))
	for i, l := range lines {
		trimmed[i] = truncateRunes(l, maxInt(width-6, 20))
	}
	return panelStyle.Width(maxInt(width-2, 40)).Render(strings.Join(trimmed, "\n"))
}

func (m appModel) renderStatusLine(width int) string {
	counters := fmt.Sprintf("tasks: %d submitted, %d completed", m.counters.Submitted, m.counters.Completed)
	msg := strings.TrimSpace(m.status)
	if msg == "" {
		msg = "Tip: point Input Path at a folder to transcribe every video in it."
	}

	style := mutedStyle
	if strings.HasPrefix(strings.ToLower(msg), "error:") {
		style = errorStyle
	} else if strings.HasPrefix(msg, "finished") || strings.HasPrefix(msg, "API listening") {
		style = okStyle
	}
	return style.Width(width).Render(truncateRunes(msg+"  |  "+counters, maxInt(width-2, 20)))
}

func (m appModel) viewConfirm(width, height int) string {
	estimate := time.Duration(m.estimate * float64(time.Second)).Round(time.Second)
	preview := m.pending
	more := ""
	if len(preview) > 8 {
		more = fmt.Sprintf("\n  ... and %d more", len(preview)-8)
		preview = preview[:8]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Transcribe %d file(s)?\n\n", len(m.pending))
	for _, f := range preview {
		fmt.Fprintf(&b, "  %s\n", truncateRunes(f, maxInt(width-14, 20)))
	}
	b.WriteString(more)
	fmt.Fprintf(&b, "\nEstimated time: ~%s\n\nPress y or Enter to start, n or Esc to go back.", estimate)

	boxW := clampInt(width-8, 40, 90)
	panel := panelStyle.Width(boxW).Render(b.String())
	return lipgloss.Place(width, height, lipgloss.Center, lipgloss.Center, panel)
}

func (m appModel) gpuSummary() string {
	if m.deps.GPU.Available {
		return m.deps.GPU.Name
	}
	return "no GPU detected, CPU mode"
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func truncateRunes(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	if limit <= 3 {
		return string(r[:limit])
	}
	return string(r[:limit-3]) + "..."
}
