package terminal

import (
	"errors"
	"fmt"
)

// ErrNotRunning is returned by Write and Resize when no process is attached.
var ErrNotRunning = errors.New("process not running")

// ProcessStartError reports that the wrapped program could not be launched.
type ProcessStartError struct {
	Command string
	Err     error
}

func (e *ProcessStartError) Error() string {
	return fmt.Sprintf("start %s: %v", e.Command, e.Err)
}

func (e *ProcessStartError) Unwrap() error { return e.Err }
