package tui

// Keybinding constants
const (
	KeyTab   = "tab"
	KeyQuit  = "q"
	KeyCtrlC = "ctrl+c"
	KeyUp    = "up"
	KeyDown  = "down"
	KeyJ     = "j"
	KeyK     = "k"
)

// HelpView returns a one-line help bar with common keybindings.
func HelpView() string {
	return styleHelp.Render("Tab: switch pane | j/k: select chunk | q: quit")
}
