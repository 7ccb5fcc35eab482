package tui

import "github.com/charmbracelet/bubbles/key"

// keyMap defines all keybindings for the TUI.
type keyMap struct {
	// Navigation
	Up   key.Binding
	Down key.Binding

	// Actions
	Retry   key.Binding
	Unwatch key.Binding

	// General
	Help key.Binding
	Quit key.Binding
}

// defaultKeyMap returns the default keybindings.
func defaultKeyMap() keyMap {
	return keyMap{
		Up: key.NewBinding(
			key.WithKeys("up", "k"),
			key.WithHelp("↑/k", "move up"),
		),
		Down: key.NewBinding(
			key.WithKeys("down", "j"),
			key.WithHelp("↓/j", "move down"),
		),
		Retry: key.NewBinding(
			key.WithKeys("r"),
			key.WithHelp("r", "retry failed or timed out task"),
		),
		Unwatch: key.NewBinding(
			key.WithKeys("x", "delete"),
			key.WithHelp("x", "stop watching task"),
		),
		Help: key.NewBinding(
			key.WithKeys("?"),
			key.WithHelp("?", "toggle help"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "esc", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
	}
}

// ShortHelp returns keybindings for the short help view.
func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Retry, k.Help, k.Quit}
}

// FullHelp returns keybindings for the full help view.
func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Up, k.Down},
		{k.Retry, k.Unwatch},
		{k.Help, k.Quit},
	}
}
