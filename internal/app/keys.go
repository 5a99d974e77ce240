package app

import "github.com/charmbracelet/bubbles/key"

// KeyMap defines all keyboard bindings for the TUI.
type KeyMap struct {
	Up         key.Binding
	Down       key.Binding
	Initiate   key.Binding
	New        key.Binding
	Disconnect key.Binding
	Resolve    key.Binding
	Forget     key.Binding
	Refresh    key.Binding
	ScrollUp   key.Binding
	ScrollDown key.Binding
	Enter      key.Binding
	Escape     key.Binding
	Quit       key.Binding
}

// DefaultKeyMap returns the default key bindings.
func DefaultKeyMap() KeyMap {
	return KeyMap{
		Up: key.NewBinding(
			key.WithKeys("k", "up"),
			key.WithHelp("k/↑", "prev session"),
		),
		Down: key.NewBinding(
			key.WithKeys("j", "down"),
			key.WithHelp("j/↓", "next session"),
		),
		Initiate: key.NewBinding(
			key.WithKeys("i"),
			key.WithHelp("i", "initiate"),
		),
		New: key.NewBinding(
			key.WithKeys("n"),
			key.WithHelp("n", "new session"),
		),
		Disconnect: key.NewBinding(
			key.WithKeys("d"),
			key.WithHelp("d", "disconnect"),
		),
		Resolve: key.NewBinding(
			key.WithKeys("c"),
			key.WithHelp("c", "resolve conflict"),
		),
		Forget: key.NewBinding(
			key.WithKeys("x"),
			key.WithHelp("x", "forget"),
		),
		Refresh: key.NewBinding(
			key.WithKeys("r"),
			key.WithHelp("r", "refresh"),
		),
		ScrollUp: key.NewBinding(
			key.WithKeys("pgup"),
			key.WithHelp("pgup", "scroll feed"),
		),
		ScrollDown: key.NewBinding(
			key.WithKeys("pgdown"),
			key.WithHelp("pgdn", "scroll feed"),
		),
		Enter: key.NewBinding(
			key.WithKeys("enter"),
			key.WithHelp("enter", "confirm"),
		),
		Escape: key.NewBinding(
			key.WithKeys("esc"),
			key.WithHelp("esc", "cancel"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
	}
}

// ShortHelp implements help.KeyMap.
func (k KeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Down, k.Initiate, k.New, k.Disconnect, k.Resolve, k.Forget, k.Refresh, k.Quit}
}

// FullHelp implements help.KeyMap.
func (k KeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Up, k.Down, k.ScrollUp, k.ScrollDown},
		{k.Initiate, k.New, k.Disconnect, k.Resolve, k.Forget},
		{k.Refresh, k.Quit},
	}
}
