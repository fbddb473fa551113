package bridge

import (
	"errors"
	"fmt"
)

// ErrTransportInit matches any TransportInitError via errors.Is.
var ErrTransportInit = errors.New("transport init failed")

// TransportInitError reports a transport that could not be brought up. The
// session keeps running in pass-through mode without it.
type TransportInitError struct {
	Transport string
	Stage     string // init or setup
	Err       error
}

func (e *TransportInitError) Error() string {
	return fmt.Sprintf("transport %s %s: %v", e.Transport, e.Stage, e.Err)
}

func (e *TransportInitError) Unwrap() error { return e.Err }

func (e *TransportInitError) Is(target error) bool { return target == ErrTransportInit }
