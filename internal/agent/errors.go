package agent

import (
	"errors"
)

var (
	// ErrTurnInProgress is returned when a conversation already has a turn
	// running.
	ErrTurnInProgress = errors.New("a turn is already in progress for this conversation")

	// ErrStopped is returned when a turn was stopped with Stop.
	ErrStopped = errors.New("turn stopped")
)

// TurnError is a failed turn with the context needed to act on it.
type TurnError struct {
	ConversationID string
	Endpoint       string
	Round          int
	Err            error
}

func (e *TurnError) Error() string {
	return "conversation " + e.ConversationID + ": " + e.Err.Error()
}

func (e *TurnError) Unwrap() error {
	return e.Err
}
