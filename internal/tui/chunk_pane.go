package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/bubbles/viewport"

	"github.com/pkaragiannis/chunkpipe/internal/events"
)

// ChunkState tracks one chunk's display state.
type ChunkState struct {
	ChunkID   string
	Title     string
	Status    string // "running", "completed", "failed", "retrying"
	Log       []string
	StartTime time.Time
}

// ChunkPaneModel renders the chunk list plus a scrollable log viewport for
// the selected chunk.
type ChunkPaneModel struct {
	chunks      map[string]*ChunkState // chunkID -> state
	chunkOrder  []string               // insertion order for display
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
}

// NewChunkPaneModel creates a new chunk pane model.
func NewChunkPaneModel() ChunkPaneModel {
	vp := viewport.New(0, 0)
	return ChunkPaneModel{
		chunks:   make(map[string]*ChunkState),
		viewport: vp,
	}
}

// Update handles messages for the chunk pane.
func (m ChunkPaneModel) Update(msg tea.Msg) (ChunkPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resizeViewport()

	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.chunkOrder)-1 {
				m.selectedIdx++
				m.refreshViewport()
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.refreshViewport()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.ChunkStartedEvent:
		state, exists := m.chunks[msg.ChunkID]
		if !exists {
			state = &ChunkState{
				ChunkID:   msg.ChunkID,
				Title:     msg.Title,
				StartTime: msg.Timestamp,
			}
			m.chunks[msg.ChunkID] = state
			m.chunkOrder = append(m.chunkOrder, msg.ChunkID)
		}
		state.Status = "running"
		state.Log = append(state.Log, fmt.Sprintf("started at %s", msg.Timestamp.Format("15:04:05")))
		if m.selected() == msg.ChunkID || len(m.chunkOrder) == 1 {
			m.refreshViewport()
		}

	case events.ChunkCompletedEvent:
		if state, exists := m.chunks[msg.ChunkID]; exists {
			state.Status = "completed"
			state.Log = append(state.Log, fmt.Sprintf("completed: %d files, %d tokens", msg.FilesCreated, msg.TokensUsed))
			if m.selected() == msg.ChunkID {
				m.refreshViewport()
			}
		}

	case events.ChunkRetriedEvent:
		if state, exists := m.chunks[msg.ChunkID]; exists {
			state.Status = "retrying"
			state.Log = append(state.Log, fmt.Sprintf("retry %d/%d", msg.RetryCount, msg.MaxRetries))
			if m.selected() == msg.ChunkID {
				m.refreshViewport()
			}
		}

	case events.ChunkFailedEvent:
		if state, exists := m.chunks[msg.ChunkID]; exists {
			state.Status = "failed"
			for _, e := range msg.Errors {
				state.Log = append(state.Log, "error: "+e)
			}
			if m.selected() == msg.ChunkID {
				m.refreshViewport()
			}
		}
	}

	return m, cmd
}

// View renders the chunk list above the log viewport.
func (m ChunkPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString(styleTitle.Render("Chunks"))
	b.WriteString("\n")

	for i, id := range m.chunkOrder {
		state := m.chunks[id]
		marker := "  "
		if i == m.selectedIdx {
			marker = "> "
		}
		line := fmt.Sprintf("%s%s %s", marker, statusStyle(state.Status).Render(statusGlyph(state.Status)), state.Title)
		b.WriteString(line)
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(m.viewport.View())

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
func (m *ChunkPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *ChunkPaneModel) SetFocused(focused bool) {
	m.focused = focused
}

func (m *ChunkPaneModel) resizeViewport() {
	listHeight := len(m.chunkOrder) + 3
	vpHeight := m.height - listHeight - 2
	if vpHeight < 3 {
		vpHeight = 3
	}
	m.viewport.Width = m.width - 4
	m.viewport.Height = vpHeight
}

func (m *ChunkPaneModel) refreshViewport() {
	id := m.selected()
	if id == "" {
		m.viewport.SetContent("")
		return
	}
	state := m.chunks[id]
	m.viewport.SetContent(strings.Join(state.Log, "\n"))
	m.viewport.GotoBottom()
}

func (m *ChunkPaneModel) selected() string {
	if m.selectedIdx < 0 || m.selectedIdx >= len(m.chunkOrder) {
		return ""
	}
	return m.chunkOrder[m.selectedIdx]
}

func statusGlyph(status string) string {
	switch status {
	case "completed":
		return "+"
	case "failed":
		return "x"
	case "retrying":
		return "~"
	default:
		return "*"
	}
}

