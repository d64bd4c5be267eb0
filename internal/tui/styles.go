package tui

import "github.com/charmbracelet/lipgloss"

// Palette shared by both panes so chunk rows and the progress bar agree on
// what each state looks like.
var (
	colorAccent = lipgloss.Color("69")
	colorDim    = lipgloss.Color("240")
	colorOK     = lipgloss.Color("42")
	colorActive = lipgloss.Color("214")
	colorFail   = lipgloss.Color("196")
)

// Pane chrome: the focused pane carries the accent border so tab focus stays
// visible while chunks stream output.
var (
	paneFocused = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorAccent)

	paneBlurred = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorDim)
)

var (
	styleTitle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	styleHelp  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))

	styleCompleted = lipgloss.NewStyle().Foreground(colorOK).Bold(true)
	styleFailed    = lipgloss.NewStyle().Foreground(colorFail).Bold(true)
	styleActive    = lipgloss.NewStyle().Foreground(colorActive).Bold(true)
	styleIdle      = lipgloss.NewStyle().Foreground(colorDim)
)

// statusStyle maps chunk and pipeline status strings onto the palette.
// Pending and skipped work renders dim; everything not yet terminal renders
// as active so running chunks stand out in the list.
func statusStyle(status string) lipgloss.Style {
	switch status {
	case "completed":
		return styleCompleted
	case "failed", "cancelled":
		return styleFailed
	case "pending", "skipped":
		return styleIdle
	default:
		return styleActive
	}
}
