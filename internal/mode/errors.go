package mode

import (
	"errors"
	"fmt"
)

var (
	ErrTurnPaused   = errors.New("turn paused, resume it first")
	ErrNoPausedTurn = errors.New("no paused turn")
)

// CompletionFailure is returned when the completion capability fails. The
// turn stays paused at its last successful checkpoint.
type CompletionFailure struct {
	Mode       Mode
	Checkpoint int
	Err        error
}

func (e *CompletionFailure) Error() string {
	return fmt.Sprintf("completion failed in %s after checkpoint %d: %v", e.Mode, e.Checkpoint, e.Err)
}

func (e *CompletionFailure) Unwrap() error {
	return e.Err
}
