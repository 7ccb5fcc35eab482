package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/tfshome/tfsctl/internal/analysis"
)

// Color palette - Dracula theme inspired.
var (
	colorPurple   = lipgloss.Color("#bd93f9")
	colorGreen    = lipgloss.Color("#50fa7b")
	colorYellow   = lipgloss.Color("#f1fa8c")
	colorCyan     = lipgloss.Color("#8be9fd")
	colorOrange   = lipgloss.Color("#ffb86c")
	colorRed      = lipgloss.Color("#ff5555")
	colorWhite    = lipgloss.Color("#f8f8f2")
	colorGray     = lipgloss.Color("#6272a4")
	colorDarkGray = lipgloss.Color("#44475a")
)

// Styles holds the lipgloss styles for the watch view.
type Styles struct {
	Header lipgloss.Style

	Item         lipgloss.Style
	SelectedItem lipgloss.Style
	Detail       lipgloss.Style

	StatusBar  lipgloss.Style
	StatusKey  lipgloss.Style
	StatusText lipgloss.Style

	Empty lipgloss.Style
	Help  lipgloss.Style

	// Badges per analysis status.
	Pending   lipgloss.Style
	Analyzing lipgloss.Style
	Completed lipgloss.Style
	Failed    lipgloss.Style
	TimedOut  lipgloss.Style
}

// DefaultStyles returns the default style configuration.
func DefaultStyles() Styles {
	return Styles{
		Header: lipgloss.NewStyle().
			Bold(true).
			Foreground(colorPurple).
			MarginBottom(1),

		Item: lipgloss.NewStyle().
			Padding(0, 1).
			Foreground(colorWhite),

		SelectedItem: lipgloss.NewStyle().
			Padding(0, 1).
			Foreground(colorPurple).
			Bold(true).
			Background(colorDarkGray),

		Detail: lipgloss.NewStyle().
			Foreground(colorGray).
			PaddingLeft(4),

		StatusBar: lipgloss.NewStyle().
			Padding(0, 1).
			Background(colorDarkGray).
			Foreground(colorWhite),

		StatusKey: lipgloss.NewStyle().
			Foreground(colorPurple).
			Bold(true),

		StatusText: lipgloss.NewStyle().
			Foreground(colorGray),

		Empty: lipgloss.NewStyle().
			Foreground(colorGray).
			Italic(true).
			Padding(1, 2),

		Help: lipgloss.NewStyle().
			Padding(1, 2).
			Foreground(colorWhite),

		Pending:   lipgloss.NewStyle().Foreground(colorCyan),
		Analyzing: lipgloss.NewStyle().Foreground(colorYellow),
		Completed: lipgloss.NewStyle().Foreground(colorGreen).Bold(true),
		Failed:    lipgloss.NewStyle().Foreground(colorRed).Bold(true),
		TimedOut:  lipgloss.NewStyle().Foreground(colorOrange),
	}
}

// PlainStyles drops all colors and decorations, for NO_COLOR terminals.
func PlainStyles() Styles {
	plain := lipgloss.NewStyle()
	return Styles{
		Header: plain.MarginBottom(1), Item: plain.Padding(0, 1), SelectedItem: plain.Padding(0, 1).Reverse(true),
		Detail: plain.PaddingLeft(4), StatusBar: plain, StatusKey: plain, StatusText: plain,
		Empty: plain.Padding(1, 2), Help: plain.Padding(1, 2),
		Pending: plain, Analyzing: plain, Completed: plain, Failed: plain, TimedOut: plain,
	}
}

// Badge renders a status label in its color.
func (s Styles) Badge(status analysis.Status) string {
	var st lipgloss.Style
	switch status {
	case analysis.StatusAnalyzing:
		st = s.Analyzing
	case analysis.StatusCompleted:
		st = s.Completed
	case analysis.StatusFailed:
		st = s.Failed
	case analysis.StatusTimedOut:
		st = s.TimedOut
	default:
		st = s.Pending
	}
	return st.Render(status.String())
}
