//go:build !windows

// Package terminal runs the wrapped program under a pseudo-terminal and
// connects it to the host terminal.
package terminal

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/term"

	"github.com/asheshgoplani/claudecom/internal/logging"
)

var ptyLog = logging.ForComponent(logging.CompPTY)

const (
	defaultCols = 80
	defaultRows = 24
	readBufSize = 4096
)

// Chunk is one read from the pseudo-terminal.
type Chunk struct {
	Data []byte
	At   time.Time
}

// ExitStatus describes how the wrapped program ended.
type ExitStatus struct {
	Code   int
	Signal string
	Err    error
}

// Options configures a Supervisor.
type Options struct {
	// Dir is the working directory of the child (default: current directory).
	Dir string

	// Env is the child environment (default: os.Environ()).
	Env []string

	// TermName is exported as TERM (default: xterm-256color).
	TermName string

	// Display receives every output chunk verbatim for local viewing.
	// nil disables mirroring.
	Display io.Writer

	// Size reports the host display size used for the initial PTY size.
	// Defaults to the size of os.Stdout, falling back to 80x24.
	Size func() (cols, rows int)
}

// Supervisor owns one pseudo-terminal backed child process.
//
// Output callbacks run on a single reader goroutine in arrival order; the
// exit callback runs once, after the last output callback.
type Supervisor struct {
	opts Options

	mu      sync.Mutex
	cmd     *exec.Cmd
	ptmx    *os.File
	running bool
	done    chan struct{}

	onOutput func(Chunk)
	onExit   func(ExitStatus)
}

// NewSupervisor creates a supervisor. Nothing is spawned until Start.
func NewSupervisor(opts Options) *Supervisor {
	if opts.TermName == "" {
		opts.TermName = "xterm-256color"
	}
	if opts.Size == nil {
		opts.Size = HostSize
	}
	return &Supervisor{opts: opts}
}

// HostSize returns the size of the process's stdout terminal, or 80x24.
func HostSize() (int, int) {
	cols, rows, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || cols <= 0 || rows <= 0 {
		return defaultCols, defaultRows
	}
	return cols, rows
}

// OnOutput registers the output callback. Register before Start.
func (s *Supervisor) OnOutput(fn func(Chunk)) {
	s.mu.Lock()
	s.onOutput = fn
	s.mu.Unlock()
}

// OnExit registers the exit callback. Register before Start.
func (s *Supervisor) OnExit(fn func(ExitStatus)) {
	s.mu.Lock()
	s.onExit = fn
	s.mu.Unlock()
}

// Start spawns command attached to a new pseudo-terminal sized to the host
// display. Calling Start while a process is running is a no-op.
func (s *Supervisor) Start(command string, args []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	cmd := exec.Command(command, args...)
	cmd.Dir = s.opts.Dir
	env := s.opts.Env
	if env == nil {
		env = os.Environ()
	}
	cmd.Env = append(append([]string(nil), env...), "TERM="+s.opts.TermName)

	cols, rows := s.opts.Size()
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		ptyLog.Error("pty_start_failed",
			slog.String("command", command),
			slog.String("error", err.Error()))
		return &ProcessStartError{Command: command, Err: err}
	}

	s.cmd = cmd
	s.ptmx = ptmx
	s.running = true
	s.done = make(chan struct{})

	ptyLog.Info("pty_started",
		slog.String("command", command),
		slog.Int("pid", cmd.Process.Pid),
		slog.Int("cols", cols),
		slog.Int("rows", rows))

	go s.readLoop(cmd, ptmx, s.done, s.onOutput, s.onExit)
	return nil
}

func (s *Supervisor) readLoop(cmd *exec.Cmd, ptmx *os.File, done chan struct{}, onOutput func(Chunk), onExit func(ExitStatus)) {
	defer close(done)

	buf := make([]byte, readBufSize)
	for {
		n, err := ptmx.Read(buf)
		if n > 0 {
			chunk := Chunk{Data: append([]byte(nil), buf[:n]...), At: time.Now()}
			if s.opts.Display != nil {
				_, _ = s.opts.Display.Write(chunk.Data)
			}
			if onOutput != nil {
				onOutput(chunk)
			}
		}
		if err != nil {
			// Linux reports EIO once the child side is gone; treat it like EOF.
			if !errors.Is(err, io.EOF) && !errors.Is(err, syscall.EIO) && !errors.Is(err, os.ErrClosed) {
				ptyLog.Warn("pty_read_failed", slog.String("error", err.Error()))
			}
			break
		}
	}

	status := exitStatus(cmd.Wait())
	_ = ptmx.Close()

	s.mu.Lock()
	if s.cmd == cmd {
		s.running = false
	}
	s.mu.Unlock()

	ptyLog.Info("pty_exited",
		slog.Int("code", status.Code),
		slog.String("signal", status.Signal))
	if onExit != nil {
		onExit(status)
	}
}

func exitStatus(err error) ExitStatus {
	if err == nil {
		return ExitStatus{}
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return ExitStatus{Code: -1, Err: err}
	}
	st := ExitStatus{Code: exitErr.ExitCode()}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		st.Signal = ws.Signal().String()
	}
	return st
}

// Write sends raw bytes to the program's input side.
func (s *Supervisor) Write(p []byte) error {
	s.mu.Lock()
	ptmx, running := s.ptmx, s.running
	s.mu.Unlock()

	if !running {
		ptyLog.Debug("pty_write_dropped", slog.Int("bytes", len(p)))
		return ErrNotRunning
	}
	if len(p) == 0 {
		return nil
	}
	if _, err := ptmx.Write(p); err != nil {
		return fmt.Errorf("pty write: %w", err)
	}
	return nil
}

// Resize propagates a display size change to the pseudo-terminal.
func (s *Supervisor) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("invalid dimensions: cols=%d rows=%d", cols, rows)
	}
	s.mu.Lock()
	ptmx, running := s.ptmx, s.running
	s.mu.Unlock()

	if !running {
		return ErrNotRunning
	}
	return pty.Setsize(ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// Stop sends SIGTERM to the program's process group and marks it not
// running. The exit callback still fires once the reader drains. Stop is
// idempotent.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false

	if s.cmd == nil || s.cmd.Process == nil {
		return nil
	}
	pid := s.cmd.Process.Pid
	if pgid, err := syscall.Getpgid(pid); err == nil {
		if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
			return fmt.Errorf("signal process group %d: %w", pgid, err)
		}
	} else if err := s.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}
	ptyLog.Info("pty_stop_requested", slog.Int("pid", pid))
	return nil
}

// Running reports whether the program is attached and not stopped.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Done is closed when the current process has exited and its output is drained.
// It returns nil before the first Start.
func (s *Supervisor) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// PID returns the process id of the running program, or 0.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}
