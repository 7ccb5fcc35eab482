package tui

import "github.com/tfshome/tfsctl/internal/poller"

// TransitionMsg carries a scheduler transition into the program.
type TransitionMsg poller.Transition

// retryResultMsg reports the outcome of a retry key press.
type retryResultMsg struct {
	id  string
	err error
}

type unwatchResultMsg struct {
	id  string
	err error
}
