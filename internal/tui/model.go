// Package tui renders a live view of tasks whose analysis is being watched.
package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/tfshome/tfsctl/internal/analysis"
	"github.com/tfshome/tfsctl/internal/poller"
)

// Controller is the part of the scheduler the view drives.
type Controller interface {
	Retry(id string) (*poller.Handle, error)
	Unwatch(id string) error
}

// Options configures the watch view.
type Options struct {
	// ExitWhenDone quits once every row is terminal.
	ExitWhenDone bool
	NoColor      bool
	ReduceMotion bool
}

// Model is the Bubble Tea model for the watch view.
type Model struct {
	ctrl  Controller
	rows  []poller.WatchedEntity
	index map[string]int

	selected int
	width    int
	height   int
	showHelp bool
	opts     Options

	spinner *Spinner
	keys    keyMap
	styles  Styles

	// Status message
	statusMsg string
}

// New creates a watch view for the given entities.
func New(ctrl Controller, entities []poller.WatchedEntity, opts Options) Model {
	styles := DefaultStyles()
	if opts.NoColor {
		styles = PlainStyles()
	}
	m := Model{
		ctrl:  ctrl,
		index: make(map[string]int),
		opts:  opts,
		spinner: NewSpinner(SpinnerOptions{
			Color:        colorPurple,
			NoColor:      opts.NoColor,
			ReduceMotion: opts.ReduceMotion,
		}),
		keys:   defaultKeyMap(),
		styles: styles,
	}
	for _, e := range entities {
		m.upsert(e)
	}
	return m
}

func (m *Model) upsert(e poller.WatchedEntity) {
	if i, ok := m.index[e.ID]; ok {
		if e.Task == nil {
			e.Task = m.rows[i].Task
		}
		m.rows[i] = e
		return
	}
	m.index[e.ID] = len(m.rows)
	m.rows = append(m.rows, e)
}

func (m *Model) remove(id string) {
	i, ok := m.index[id]
	if !ok {
		return
	}
	m.rows = append(m.rows[:i], m.rows[i+1:]...)
	delete(m.index, id)
	for j := i; j < len(m.rows); j++ {
		m.index[m.rows[j].ID] = j
	}
	if m.selected >= len(m.rows) && m.selected > 0 {
		m.selected = len(m.rows) - 1
	}
}

// Done reports whether every row is terminal.
func (m Model) Done() bool {
	for _, r := range m.rows {
		if !r.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// Rows returns the current rows in display order.
func (m Model) Rows() []poller.WatchedEntity {
	return append([]poller.WatchedEntity(nil), m.rows...)
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick()
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyPress(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case TransitionMsg:
		m.upsert(msg.Entity)
		m.statusMsg = fmt.Sprintf("%s: %s → %s", label(msg.Entity), msg.From, msg.To)
		if m.opts.ExitWhenDone && m.Done() {
			return m, tea.Quit
		}
		return m, nil

	case retryResultMsg:
		if msg.err != nil {
			m.statusMsg = fmt.Sprintf("retry %s: %v", msg.id, msg.err)
		}
		return m, nil

	case unwatchResultMsg:
		if msg.err != nil {
			m.statusMsg = fmt.Sprintf("unwatch %s: %v", msg.id, msg.err)
			return m, nil
		}
		m.remove(msg.id)
		m.statusMsg = "stopped watching " + msg.id
		if m.opts.ExitWhenDone && m.Done() {
			return m, tea.Quit
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.spinner, cmd = m.spinner.Update(msg)
	return m, cmd
}

// handleKeyPress processes keyboard input.
func (m Model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit

	case key.Matches(msg, m.keys.Help):
		m.showHelp = !m.showHelp
		return m, nil

	case key.Matches(msg, m.keys.Up):
		if m.selected > 0 {
			m.selected--
		}
		return m, nil

	case key.Matches(msg, m.keys.Down):
		if m.selected < len(m.rows)-1 {
			m.selected++
		}
		return m, nil

	case key.Matches(msg, m.keys.Retry):
		row, ok := m.current()
		if !ok {
			return m, nil
		}
		if row.Status != analysis.StatusFailed && row.Status != analysis.StatusTimedOut {
			m.statusMsg = fmt.Sprintf("%s is %s; only failed or timed out tasks can be retried", label(row), row.Status)
			return m, nil
		}
		ctrl, id := m.ctrl, row.ID
		m.statusMsg = "retrying " + label(row)
		return m, func() tea.Msg {
			_, err := ctrl.Retry(id)
			return retryResultMsg{id: id, err: err}
		}

	case key.Matches(msg, m.keys.Unwatch):
		row, ok := m.current()
		if !ok {
			return m, nil
		}
		ctrl, id := m.ctrl, row.ID
		return m, func() tea.Msg {
			return unwatchResultMsg{id: id, err: ctrl.Unwatch(id)}
		}
	}

	return m, nil
}

func (m Model) current() (poller.WatchedEntity, bool) {
	if m.selected < 0 || m.selected >= len(m.rows) {
		return poller.WatchedEntity{}, false
	}
	return m.rows[m.selected], true
}

// View implements tea.Model.
func (m Model) View() string {
	if m.showHelp {
		return m.helpView()
	}

	header := m.styles.Header.Render(fmt.Sprintf("tfsctl watch · %d task(s)", len(m.rows)))
	content := lipgloss.JoinVertical(lipgloss.Left, header, m.renderRows())

	if m.height > 0 {
		if filler := m.height - lipgloss.Height(content) - 1; filler > 0 {
			content = lipgloss.JoinVertical(lipgloss.Left, content, strings.Repeat("\n", filler-1))
		}
	}
	return lipgloss.JoinVertical(lipgloss.Left, content, m.renderStatusBar())
}

func (m Model) renderRows() string {
	if len(m.rows) == 0 {
		return m.styles.Empty.Render("Nothing is being watched.")
	}

	items := make([]string, 0, len(m.rows)*2)
	for i, r := range m.rows {
		indicator := "  "
		if !r.Status.IsTerminal() {
			indicator = m.spinner.View() + " "
		}

		line := fmt.Sprintf("%s%-24s %s  attempt %d", indicator, label(r), m.styles.Badge(r.Status), r.Attempts)
		if r.Task != nil && r.Task.Quadrant != "" {
			line += fmt.Sprintf("  %s (%s)", r.Task.Quadrant, r.Task.Quadrant.Label())
		}

		style := m.styles.Item
		if i == m.selected {
			style = m.styles.SelectedItem
		}
		items = append(items, style.Render(m.truncate(line)))

		if detail := detailLine(r); detail != "" {
			items = append(items, m.styles.Detail.Render(m.truncate(detail)))
		}
	}
	return lipgloss.JoinVertical(lipgloss.Left, items...)
}

func detailLine(r poller.WatchedEntity) string {
	switch {
	case r.Reason != "":
		return r.Reason
	case r.LastError != "":
		return "last probe failed: " + r.LastError
	case r.Task != nil && r.Task.AIReasoning != "":
		return r.Task.AIReasoning
	}
	return ""
}

func (m Model) truncate(s string) string {
	if m.width <= 4 {
		return s
	}
	return ansi.Truncate(s, m.width-4, "…")
}

// renderStatusBar renders the bottom status bar.
func (m Model) renderStatusBar() string {
	left := m.styles.StatusKey.Render("q") + m.styles.StatusText.Render(" quit  ")
	left += m.styles.StatusKey.Render("r") + m.styles.StatusText.Render(" retry  ")
	left += m.styles.StatusKey.Render("x") + m.styles.StatusText.Render(" unwatch  ")
	left += m.styles.StatusKey.Render("?") + m.styles.StatusText.Render(" help")

	if m.statusMsg != "" {
		left = m.styles.StatusText.Render(m.statusMsg)
	}
	bar := m.styles.StatusBar
	if m.width > 0 {
		bar = bar.Width(m.width)
	}
	return bar.Render(m.truncate(left))
}

// helpView renders the help screen.
func (m Model) helpView() string {
	var b strings.Builder
	b.WriteString("Keyboard Shortcuts\n==================\n")
	for _, group := range m.keys.FullHelp() {
		b.WriteString("\n")
		for _, k := range group {
			fmt.Fprintf(&b, "  %-8s %s\n", k.Help().Key, k.Help().Desc)
		}
	}
	b.WriteString("\nPress ? to return...\n")
	return m.styles.Help.Render(b.String())
}

func label(e poller.WatchedEntity) string {
	if e.Task != nil && e.Task.Title != "" {
		return fmt.Sprintf("#%s %s", e.ID, e.Task.Title)
	}
	return "#" + e.ID
}

// Run shows the watch view until the user quits, ctx ends, or (with
// ExitWhenDone) every task is terminal. It returns the final rows.
func Run(ctx context.Context, s *poller.Scheduler, ids []string, opts Options, progOpts ...tea.ProgramOption) ([]poller.WatchedEntity, error) {
	var p *tea.Program
	ready := make(chan struct{})

	// Subscribe before taking snapshots so no transition falls in between.
	// The scheduler does not move an entity on until its transition has been
	// delivered, so a snapshot is never newer than a queued message.
	unsubscribe := s.OnTransition(func(tr poller.Transition) {
		<-ready
		p.Send(TransitionMsg(tr))
	})
	defer unsubscribe()

	entities := make([]poller.WatchedEntity, 0, len(ids))
	for _, id := range ids {
		if e, ok := s.Get(id); ok {
			entities = append(entities, e)
		}
	}

	progOpts = append([]tea.ProgramOption{tea.WithContext(ctx)}, progOpts...)
	p = tea.NewProgram(New(s, entities, opts), progOpts...)
	close(ready)

	final, err := p.Run()
	if m, ok := final.(Model); ok {
		return m.Rows(), err
	}
	return nil, err
}
