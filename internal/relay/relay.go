// Package relay turns inbound text commands into keystrokes for the wrapped
// program, one command at a time.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/asheshgoplani/claudecom/internal/logging"
)

var relayLog = logging.ForComponent(logging.CompRelay)

// Default keystrokes and timing.
const (
	DefaultInterruptKey = "\x1b" // ESC
	DefaultClearLineKey = "\x15" // Ctrl+U
	DefaultSubmitKey    = "\r"
	DefaultStopWord     = "STOP"
	DefaultSubmitDelay  = 50 * time.Millisecond
)

// ErrClosed is returned by Submit after Stop.
var ErrClosed = errors.New("relay closed")

// Writer is the pseudo-terminal input side.
type Writer interface {
	Write(p []byte) error
	Running() bool
}

// WriteError reports a failed keystroke write. The command is dropped.
type WriteError struct {
	Command string
	Stage   string
	Err     error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("relay %s for %q: %v", e.Stage, e.Command, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Config tunes the relay. Zero values select the defaults.
type Config struct {
	SubmitDelay  time.Duration
	MinInterval  time.Duration // minimum spacing between relayed commands; 0 disables
	InterruptKey string
	ClearLineKey string
	SubmitKey    string
	StopWord     string

	// OnError observes write failures. Optional.
	OnError func(error)
}

func (c *Config) applyDefaults() {
	if c.SubmitDelay <= 0 {
		c.SubmitDelay = DefaultSubmitDelay
	}
	if c.InterruptKey == "" {
		c.InterruptKey = DefaultInterruptKey
	}
	if c.ClearLineKey == "" {
		c.ClearLineKey = DefaultClearLineKey
	}
	if c.SubmitKey == "" {
		c.SubmitKey = DefaultSubmitKey
	}
	if c.StopWord == "" {
		c.StopWord = DefaultStopWord
	}
}

// Relay serializes commands onto a Writer. Commands are typed strictly in
// FIFO order with at most one in flight; the stop word bypasses the queue.
type Relay struct {
	w       Writer
	cfg     Config
	limiter *rate.Limiter

	mu      sync.Mutex
	queue   []string
	closed  bool
	started bool
	wake    chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a relay for w. Call Start to begin draining.
func New(w Writer, cfg Config) *Relay {
	cfg.applyDefaults()
	r := &Relay{
		w:    w,
		cfg:  cfg,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	if cfg.MinInterval > 0 {
		r.limiter = rate.NewLimiter(rate.Every(cfg.MinInterval), 1)
	}
	return r
}

// Start launches the worker. It is a no-op after the first call.
func (r *Relay) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.closed {
		return
	}
	r.started = true
	ctx, r.cancel = context.WithCancel(ctx)
	go r.run(ctx)
}

// Submit relays text. The stop word (case-insensitive, surrounding space
// ignored) sends the interrupt key immediately; anything else is queued.
func (r *Relay) Submit(text string) error {
	if r.IsStop(text) {
		return r.Interrupt()
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.queue = append(r.queue, text)
	depth := len(r.queue)
	r.mu.Unlock()

	relayLog.Debug("command_queued", slog.Int("depth", depth))
	select {
	case r.wake <- struct{}{}:
	default:
	}
	return nil
}

// IsStop reports whether text is the stop word.
func (r *Relay) IsStop(text string) bool {
	return strings.EqualFold(strings.TrimSpace(text), r.cfg.StopWord)
}

// Interrupt writes the interrupt key right away.
func (r *Relay) Interrupt() error {
	if !r.w.Running() {
		relayLog.Debug("interrupt_dropped_not_running")
		return nil
	}
	relayLog.Info("interrupt_sent")
	if err := r.w.Write([]byte(r.cfg.InterruptKey)); err != nil {
		werr := &WriteError{Command: r.cfg.StopWord, Stage: "interrupt", Err: err}
		r.report(werr)
		return werr
	}
	return nil
}

// Pending returns the number of queued commands.
func (r *Relay) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Stop ends draining and waits for a command already being typed to finish.
// Queued commands are discarded. Stop is idempotent.
func (r *Relay) Stop() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		if r.started {
			<-r.done
		}
		return
	}
	r.closed = true
	dropped := len(r.queue)
	r.queue = nil
	started := r.started
	cancel := r.cancel
	r.mu.Unlock()

	if dropped > 0 {
		relayLog.Info("queue_discarded", slog.Int("commands", dropped))
	}
	if !started {
		close(r.done)
		return
	}
	cancel()
	<-r.done
}

func (r *Relay) run(ctx context.Context) {
	defer close(r.done)
	for {
		cmd, ok := r.next()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-r.wake:
				continue
			}
		}

		if !r.w.Running() {
			r.mu.Lock()
			dropped := len(r.queue) + 1
			r.queue = nil
			r.mu.Unlock()
			relayLog.Warn("queue_dropped_not_running", slog.Int("commands", dropped))
			continue
		}

		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return
			}
		}
		if ctx.Err() != nil {
			return
		}
		r.send(cmd)
	}
}

func (r *Relay) next() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || len(r.queue) == 0 {
		return "", false
	}
	cmd := r.queue[0]
	r.queue = r.queue[1:]
	return cmd, true
}

// send types one command. Once started it runs to completion.
func (r *Relay) send(cmd string) {
	start := time.Now()
	if err := r.w.Write([]byte(r.cfg.ClearLineKey + cmd)); err != nil {
		r.report(&WriteError{Command: cmd, Stage: "type", Err: err})
		return
	}
	time.Sleep(r.cfg.SubmitDelay)
	if err := r.w.Write([]byte(r.cfg.SubmitKey)); err != nil {
		r.report(&WriteError{Command: cmd, Stage: "submit", Err: err})
		return
	}
	relayLog.Info("command_relayed",
		slog.Int("chars", len(cmd)),
		slog.Duration("elapsed", time.Since(start)))
	logging.Aggregate(logging.CompRelay, "command_relayed")
}

func (r *Relay) report(err error) {
	relayLog.Warn("relay_write_failed", slog.String("error", err.Error()))
	if r.cfg.OnError != nil {
		r.cfg.OnError(err)
	}
}
