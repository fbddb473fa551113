// Package transport defines the channel contract used to carry conversation
// turns out of a session and commands back in, plus the built-in channels.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/asheshgoplani/claudecom/internal/logging"
)

var transportLog = logging.ForComponent(logging.CompTransport)

// SetupResult binds a session to a channel context.
type SetupResult struct {
	ContextID   string
	DisplayName string
}

// MessageHandler receives inbound text for a context.
type MessageHandler func(contextID, text string)

// Transport is an outbound/inbound channel for one session.
//
// SendMessage is best-effort; the caller logs failures and keeps going.
// The handler registered with OnMessage may be called from any goroutine.
type Transport interface {
	Name() string
	Init(ctx context.Context) error
	Setup(ctx context.Context, instance string) (SetupResult, error)
	SendMessage(ctx context.Context, contextID, text string) error
	OnMessage(h MessageHandler)
	Cleanup(ctx context.Context) error
}

// TipProvider is implemented by transports that have setup hints for the operator.
type TipProvider interface {
	InitTips() []string
}

// Tips returns t's setup hints, or nil when it has none.
func Tips(t Transport) []string {
	if tp, ok := t.(TipProvider); ok {
		return tp.InitTips()
	}
	return nil
}

// ErrUnknownContext is returned when a message targets a context this
// transport was not set up for.
var ErrUnknownContext = errors.New("unknown context")

// SendError reports a failed delivery.
type SendError struct {
	Transport string
	ContextID string
	Err       error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("%s: send to %s: %v", e.Transport, e.ContextID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Built-in transport names.
const (
	NameFile      = "file"
	NameWebSocket = "websocket"
)

// Names lists the built-in transport names, sorted.
func Names() []string {
	names := []string{NameFile, NameWebSocket}
	sort.Strings(names)
	return names
}
