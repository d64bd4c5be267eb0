package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/pkaragiannis/chunkpipe/internal/events"
)

// ProgressPaneModel shows pipeline-level progress: counts, status and a bar.
type ProgressPaneModel struct {
	status    string
	total     int
	completed int
	failed    int
	current   string
	percent   float64
	width     int
	height    int
	focused   bool
}

// NewProgressPaneModel creates a new progress pane model.
func NewProgressPaneModel() ProgressPaneModel {
	return ProgressPaneModel{status: "pending"}
}

// Update handles messages for the progress pane.
func (m ProgressPaneModel) Update(msg tea.Msg) (ProgressPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case events.PipelineStartedEvent:
		m.status = "running"
		m.total = msg.TotalChunks

	case events.PipelineProgressEvent:
		m.status = msg.Status
		m.total = msg.TotalChunks
		m.completed = msg.CompletedChunks
		m.failed = msg.FailedChunks
		m.current = msg.CurrentTask
		m.percent = msg.ProgressPercent

	case events.PipelineFinishedEvent:
		m.status = msg.Status
		m.current = ""
	}

	return m, nil
}

// View renders the progress pane.
func (m ProgressPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder

	title := styleTitle.Render("Pipeline Progress")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	b.WriteString(fmt.Sprintf("Status:    %s\n", statusStyle(m.status).Render(m.status)))
	b.WriteString(fmt.Sprintf("Total:     %d\n", m.total))
	b.WriteString(fmt.Sprintf("Completed: %s\n", styleCompleted.Render(fmt.Sprintf("%d", m.completed))))
	b.WriteString(fmt.Sprintf("Failed:    %s\n", styleFailed.Render(fmt.Sprintf("%d", m.failed))))
	if m.current != "" {
		b.WriteString(fmt.Sprintf("Current:   %s\n", m.current))
	}

	b.WriteString("\n")

	if m.total > 0 {
		barWidth := min(m.width-4, 40)
		completedWidth := (m.completed * barWidth) / m.total
		failedWidth := (m.failed * barWidth) / m.total
		pendingWidth := barWidth - completedWidth - failedWidth

		bar := styleCompleted.Render(strings.Repeat("=", max(0, completedWidth)))
		bar += styleFailed.Render(strings.Repeat("!", max(0, failedWidth)))
		bar += styleIdle.Render(strings.Repeat(".", max(0, pendingWidth)))

		b.WriteString(fmt.Sprintf("[%s]  %.0f%%\n", bar, m.percent))
	}

	style := paneBlurred
	if m.focused {
		style = paneFocused
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

// SetSize updates the pane dimensions.
func (m *ProgressPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *ProgressPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
