package tui

import (
	"errors"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/x/ansi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tfshome/tfsctl/internal/analysis"
	"github.com/tfshome/tfsctl/internal/api"
	"github.com/tfshome/tfsctl/internal/poller"
)

type fakeController struct {
	retried   []string
	unwatched []string
	retryErr  error
}

func (f *fakeController) Retry(id string) (*poller.Handle, error) {
	f.retried = append(f.retried, id)
	return nil, f.retryErr
}

func (f *fakeController) Unwatch(id string) error {
	f.unwatched = append(f.unwatched, id)
	return nil
}

func entity(id string, status analysis.Status) poller.WatchedEntity {
	return poller.WatchedEntity{ID: id, Status: status}
}

func press(t *testing.T, m Model, keys string) (Model, tea.Cmd) {
	t.Helper()
	var msg tea.KeyMsg
	switch keys {
	case "down":
		msg = tea.KeyMsg{Type: tea.KeyDown}
	case "up":
		msg = tea.KeyMsg{Type: tea.KeyUp}
	default:
		msg = tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(keys)}
	}
	updated, cmd := m.Update(msg)
	return updated.(Model), cmd
}

func TestModel_TransitionUpdatesRow(t *testing.T) {
	m := New(&fakeController{}, []poller.WatchedEntity{entity("1", analysis.StatusPending)}, Options{NoColor: true, ReduceMotion: true})

	next := entity("1", analysis.StatusAnalyzing)
	next.Attempts = 2
	next.Task = &api.Task{ID: 1, Title: "Write quarterly report"}
	updated, _ := m.Update(TransitionMsg{ID: "1", From: analysis.StatusPending, To: analysis.StatusAnalyzing, Entity: next})
	m = updated.(Model)

	rows := m.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, analysis.StatusAnalyzing, rows[0].Status)
	assert.Equal(t, 2, rows[0].Attempts)

	view := ansi.Strip(m.View())
	assert.Contains(t, view, "#1 Write quarterly report")
	assert.Contains(t, view, "ANALYZING")
	assert.Contains(t, view, "PENDING → ANALYZING")
}

func TestModel_KeepsTaskWhenTransitionHasNone(t *testing.T) {
	first := entity("1", analysis.StatusAnalyzing)
	first.Task = &api.Task{ID: 1, Title: "Keep me", Quadrant: api.QuadrantDoFirst}
	m := New(&fakeController{}, []poller.WatchedEntity{first}, Options{NoColor: true, ReduceMotion: true})

	updated, _ := m.Update(TransitionMsg{ID: "1", From: analysis.StatusAnalyzing, To: analysis.StatusTimedOut, Entity: entity("1", analysis.StatusTimedOut)})
	m = updated.(Model)

	require.NotNil(t, m.Rows()[0].Task)
	assert.Contains(t, ansi.Strip(m.View()), "Q1 (do first)")
}

func TestModel_ExitWhenDone(t *testing.T) {
	m := New(&fakeController{}, []poller.WatchedEntity{
		entity("1", analysis.StatusPending),
		entity("2", analysis.StatusCompleted),
	}, Options{ExitWhenDone: true, NoColor: true, ReduceMotion: true})
	assert.False(t, m.Done())

	done := entity("1", analysis.StatusFailed)
	done.Reason = "scoring failed"
	updated, cmd := m.Update(TransitionMsg{ID: "1", From: analysis.StatusPending, To: analysis.StatusFailed, Entity: done})
	m = updated.(Model)

	assert.True(t, m.Done())
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
	assert.Contains(t, ansi.Strip(m.View()), "scoring failed")
}

func TestModel_RetryOnlyTerminalFailures(t *testing.T) {
	ctrl := &fakeController{}
	m := New(ctrl, []poller.WatchedEntity{
		entity("1", analysis.StatusAnalyzing),
		entity("2", analysis.StatusTimedOut),
	}, Options{NoColor: true, ReduceMotion: true})

	m, cmd := press(t, m, "r")
	assert.Nil(t, cmd)
	assert.Contains(t, m.statusMsg, "only failed or timed out")

	m, _ = press(t, m, "down")
	m, cmd = press(t, m, "r")
	require.NotNil(t, cmd)
	msg := cmd()
	assert.Equal(t, []string{"2"}, ctrl.retried)

	updated, _ := m.Update(msg)
	m = updated.(Model)
	assert.Equal(t, "retrying #2", m.statusMsg)
}

func TestModel_RetryErrorShown(t *testing.T) {
	ctrl := &fakeController{retryErr: errors.New("scheduler closed")}
	m := New(ctrl, []poller.WatchedEntity{entity("5", analysis.StatusFailed)}, Options{NoColor: true, ReduceMotion: true})

	m, cmd := press(t, m, "r")
	require.NotNil(t, cmd)
	updated, _ := m.Update(cmd())
	m = updated.(Model)
	assert.Contains(t, m.statusMsg, "scheduler closed")
}

func TestModel_Unwatch(t *testing.T) {
	ctrl := &fakeController{}
	m := New(ctrl, []poller.WatchedEntity{
		entity("1", analysis.StatusPending),
		entity("2", analysis.StatusPending),
	}, Options{NoColor: true, ReduceMotion: true})

	m, _ = press(t, m, "down")
	m, cmd := press(t, m, "x")
	require.NotNil(t, cmd)
	updated, _ := m.Update(cmd())
	m = updated.(Model)

	assert.Equal(t, []string{"2"}, ctrl.unwatched)
	require.Len(t, m.Rows(), 1)
	assert.Equal(t, "1", m.Rows()[0].ID)
	assert.Equal(t, 0, m.selected)
}

func TestModel_NavigationBounds(t *testing.T) {
	m := New(&fakeController{}, []poller.WatchedEntity{entity("1", analysis.StatusPending)}, Options{NoColor: true, ReduceMotion: true})
	m, _ = press(t, m, "up")
	assert.Equal(t, 0, m.selected)
	m, _ = press(t, m, "down")
	assert.Equal(t, 0, m.selected)
}

func TestModel_TruncatesToWidth(t *testing.T) {
	long := entity("1", analysis.StatusPending)
	long.Task = &api.Task{ID: 1, Title: strings.Repeat("very long title ", 20)}
	m := New(&fakeController{}, []poller.WatchedEntity{long}, Options{NoColor: true, ReduceMotion: true})

	updated, _ := m.Update(tea.WindowSizeMsg{Width: 60, Height: 20})
	m = updated.(Model)

	for _, line := range strings.Split(ansi.Strip(m.View()), "\n") {
		assert.LessOrEqual(t, ansi.StringWidth(line), 60, "line %q", line)
	}
}

func TestModel_HelpToggle(t *testing.T) {
	m := New(&fakeController{}, nil, Options{NoColor: true, ReduceMotion: true})
	assert.Contains(t, ansi.Strip(m.View()), "Nothing is being watched")

	m, _ = press(t, m, "?")
	view := ansi.Strip(m.View())
	assert.Contains(t, view, "Keyboard Shortcuts")
	assert.Contains(t, view, "retry failed or timed out task")

	m, _ = press(t, m, "?")
	assert.NotContains(t, ansi.Strip(m.View()), "Keyboard Shortcuts")
}

func TestModel_Quit(t *testing.T) {
	m := New(&fakeController{}, nil, Options{NoColor: true, ReduceMotion: true})
	_, cmd := press(t, m, "q")
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}
