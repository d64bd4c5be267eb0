package tui

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/pkaragiannis/chunkpipe/internal/events"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneChunks PaneID = iota
	PaneProgress
)

// Model is the root Bubble Tea model: the chunk pane on the left, pipeline
// progress on the right, both fed by the event bus.
type Model struct {
	chunkPane    ChunkPaneModel
	progressPane ProgressPaneModel
	focusedPane  PaneID
	eventSub     <-chan events.Event
	width        int
	height       int
	quitting     bool
}

// New creates the TUI model, subscribed to every topic on the bus.
func New(bus *events.Bus) Model {
	return Model{
		chunkPane:    NewChunkPaneModel(),
		progressPane: NewProgressPaneModel(),
		focusedPane:  PaneChunks,
		eventSub:     bus.Subscribe(256),
	}
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return waitForEvent(m.eventSub)
}

// waitForEvent returns a command that waits for the next bus event.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return nil // bus closed
		}
		return event
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case KeyQuit, KeyCtrlC:
			m.quitting = true
			return m, tea.Quit

		case KeyTab:
			m.focusedPane = (m.focusedPane + 1) % 2
			m.updateFocusStates()

		default:
			switch m.focusedPane {
			case PaneChunks:
				var cmd tea.Cmd
				m.chunkPane, cmd = m.chunkPane.Update(msg)
				cmds = append(cmds, cmd)
			case PaneProgress:
				var cmd tea.Cmd
				m.progressPane, cmd = m.progressPane.Update(msg)
				cmds = append(cmds, cmd)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()

	case events.ChunkStartedEvent, events.ChunkCompletedEvent, events.ChunkFailedEvent, events.ChunkRetriedEvent:
		var cmd tea.Cmd
		m.chunkPane, cmd = m.chunkPane.Update(msg)
		cmds = append(cmds, cmd)
		cmds = append(cmds, waitForEvent(m.eventSub))

	case events.PipelineStartedEvent, events.PipelineProgressEvent, events.PipelineFinishedEvent:
		var cmd tea.Cmd
		m.progressPane, cmd = m.progressPane.Update(msg)
		cmds = append(cmds, cmd)
		cmds = append(cmds, waitForEvent(m.eventSub))
	}

	return m, tea.Batch(cmds...)
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}

	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	left := m.chunkPane.View()
	right := m.progressPane.View()
	mainContent := lipgloss.JoinHorizontal(lipgloss.Top, left, right)

	return lipgloss.JoinVertical(lipgloss.Left, mainContent, HelpView())
}

// computeLayout calculates pane dimensions and updates the child models.
func (m *Model) computeLayout() {
	leftWidth := (m.width * 60) / 100
	rightWidth := m.width - leftWidth
	availableHeight := m.height - 1 // reserve 1 line for the help bar

	m.chunkPane.SetSize(leftWidth, availableHeight)
	m.progressPane.SetSize(rightWidth, availableHeight)
	m.updateFocusStates()
}

// updateFocusStates updates the focus state of both panes.
func (m *Model) updateFocusStates() {
	m.chunkPane.SetFocused(m.focusedPane == PaneChunks)
	m.progressPane.SetFocused(m.focusedPane == PaneProgress)
}
