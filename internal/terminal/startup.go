//go:build !windows

package terminal

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/asheshgoplani/claudecom/internal/ansi"
)

// ClearScreen erases the display and homes the cursor.
const ClearScreen = "\x1b[2J\x1b[H"

// StartupScreen is a display writer that holds the program's first output
// until its input box has been drawn, then clears the display and replays
// the held output in one write. Later writes pass straight through.
//
// If the box never shows up, the held output is released as is after the
// hold limit, or when Release is called.
type StartupScreen struct {
	w       io.Writer
	maxHold time.Duration

	mu    sync.Mutex
	held  bytes.Buffer
	ready bool
	timer *time.Timer
}

// NewStartupScreen wraps w. maxHold bounds how long output is held.
func NewStartupScreen(w io.Writer, maxHold time.Duration) *StartupScreen {
	return &StartupScreen{w: w, maxHold: maxHold}
}

func (s *StartupScreen) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return s.w.Write(p)
	}
	if s.timer == nil && s.maxHold > 0 {
		s.timer = time.AfterFunc(s.maxHold, func() { s.release(false) })
	}
	s.held.Write(p)
	if !inputBoxDrawn(s.held.String()) {
		return len(p), nil
	}
	ptyLog.Debug("startup_screen_ready", slog.Int("held_bytes", s.held.Len()))
	if err := s.flushLocked(true); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Release stops holding and writes out whatever is held, without clearing.
func (s *StartupScreen) Release() {
	s.release(false)
}

// Ready reports whether output passes through.
func (s *StartupScreen) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *StartupScreen) release(clear bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return
	}
	if s.held.Len() > 0 {
		ptyLog.Debug("startup_screen_released", slog.Int("held_bytes", s.held.Len()))
	}
	_ = s.flushLocked(clear)
}

func (s *StartupScreen) flushLocked(clear bool) error {
	s.ready = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	out := s.held.Bytes()
	if clear {
		out = append([]byte(ClearScreen), out...)
	}
	s.held.Reset()
	if len(out) == 0 {
		return nil
	}
	_, err := s.w.Write(out)
	return err
}

// inputBoxDrawn reports whether raw output contains the bottom edge of the
// input box and a prompt.
func inputBoxDrawn(raw string) bool {
	clean := ansi.Strip(raw)
	return strings.Contains(clean, "╰────") && strings.Contains(clean, "> ")
}
