//go:build !windows

package terminal

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/muesli/cancelreader"
	"golang.org/x/term"
)

const (
	// InterruptByte is Ctrl+C. It is intercepted locally instead of forwarded.
	InterruptByte = 0x03

	// startupDiscard drops terminal capability replies that arrive right
	// after raw mode is entered.
	startupDiscard = 50 * time.Millisecond
)

// Target is the pseudo-terminal side a Passthrough feeds.
type Target interface {
	Write(p []byte) error
	Resize(cols, rows int) error
}

// Passthrough forwards host keystrokes to a Target and keeps the PTY size
// in step with the host display.
type Passthrough struct {
	In          *os.File
	Out         *os.File
	Target      Target
	OnInterrupt func()

	mu       sync.Mutex
	oldState *term.State
}

// Run puts the host terminal in raw mode (when it is one) and forwards input
// until ctx is cancelled, stdin closes or the interrupt key is pressed.
// The terminal state is restored before Run returns.
func (p *Passthrough) Run(ctx context.Context) error {
	in := p.In
	if in == nil {
		in = os.Stdin
	}
	out := p.Out
	if out == nil {
		out = os.Stdout
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if term.IsTerminal(int(in.Fd())) {
		state, err := term.MakeRaw(int(in.Fd()))
		if err != nil {
			return err
		}
		p.mu.Lock()
		p.oldState = state
		p.mu.Unlock()
		defer p.Restore()
	}

	var wg sync.WaitGroup

	if term.IsTerminal(int(out.Fd())) {
		sigwinch := make(chan os.Signal, 1)
		signal.Notify(sigwinch, syscall.SIGWINCH)
		defer signal.Stop(sigwinch)

		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-sigwinch:
					cols, rows, err := term.GetSize(int(out.Fd()))
					if err != nil {
						continue
					}
					if err := p.Target.Resize(cols, rows); err != nil && !errors.Is(err, ErrNotRunning) {
						ptyLog.Debug("pty_resize_failed", slog.String("error", err.Error()))
					}
				}
			}
		}()
	}

	reader, err := cancelreader.NewReader(in)
	if err != nil {
		return err
	}
	defer reader.Close()

	readErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		readErr <- p.forward(reader)
	}()

	select {
	case <-ctx.Done():
		reader.Cancel()
		cancel()
		wg.Wait()
		return nil
	case err := <-readErr:
		cancel()
		wg.Wait()
		return err
	}
}

func (p *Passthrough) forward(r io.Reader) error {
	start := time.Now()
	buf := make([]byte, 256)
	for {
		n, err := r.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, cancelreader.ErrCanceled) {
				return nil
			}
			return err
		}
		if time.Since(start) < startupDiscard {
			continue
		}

		data := buf[:n]
		if i := bytes.IndexByte(data, InterruptByte); i >= 0 {
			if i > 0 {
				_ = p.Target.Write(data[:i])
			}
			if p.OnInterrupt != nil {
				p.OnInterrupt()
			}
			return nil
		}

		if err := p.Target.Write(data); err != nil {
			if errors.Is(err, ErrNotRunning) {
				return nil
			}
			ptyLog.Debug("pty_forward_failed", slog.String("error", err.Error()))
		}
	}
}

// Restore returns the host terminal to its original mode. Safe to call
// more than once.
func (p *Passthrough) Restore() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.oldState == nil {
		return
	}
	in := p.In
	if in == nil {
		in = os.Stdin
	}
	_ = term.Restore(int(in.Fd()), p.oldState)
	p.oldState = nil
}
