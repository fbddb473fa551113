// Package flush batches raw terminal output and decides when a batch is
// complete enough to hand to the conversation extractor.
package flush

import (
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/asheshgoplani/claudecom/internal/ansi"
	"github.com/asheshgoplani/claudecom/internal/logging"
)

var flushLog = logging.ForComponent(logging.CompFlush)

const (
	DefaultDebounce  = 100 * time.Millisecond
	DefaultMaxBuffer = 64 * 1024
)

// Glyphs used by the completion heuristic.
const (
	ResponseMarker = "⏺"
	PromptLine     = "│ >"
	BoxBottomStart = "╰─"
	BoxBottomEnd   = "─╯"
)

// Reason records why a batch was flushed.
type Reason string

const (
	ReasonDebounce Reason = "debounce"
	ReasonComplete Reason = "complete"
	ReasonOverflow Reason = "overflow"
	ReasonManual   Reason = "manual"
	ReasonStop     Reason = "stop"
)

// Config tunes the scheduler. Zero values select the defaults.
type Config struct {
	Debounce  time.Duration
	MaxBuffer int
}

// Handler receives one flushed batch of raw output.
type Handler func(batch string, reason Reason)

// Scheduler accumulates chunks and flushes them on debounce expiry, when
// the buffer looks like a finished turn followed by an idle prompt, or when
// it grows past MaxBuffer.
//
// Batches are queued and delivered in order by a single goroutine, so Push
// never waits on the handler. The handler must not call back into the
// Scheduler.
type Scheduler struct {
	cfg     Config
	handler Handler

	mu      sync.Mutex
	buf     strings.Builder
	timer   *time.Timer
	gen     uint64
	stopped bool
	queue   []queued

	wake chan struct{}
	done chan struct{}
}

type queued struct {
	batch  string
	reason Reason
	// delivered is closed once the handler returns; nil when nobody waits.
	delivered chan struct{}
}

// New creates a scheduler that calls handler for every batch and starts its
// delivery goroutine. Stop ends the goroutine.
func New(cfg Config, handler Handler) *Scheduler {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.MaxBuffer <= 0 {
		cfg.MaxBuffer = DefaultMaxBuffer
	}
	s := &Scheduler{
		cfg:     cfg,
		handler: handler,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go s.deliverLoop()
	return s
}

// Push appends a chunk and re-arms the debounce timer, or queues a flush
// right away when the completion heuristic matches. Pushes after Stop are
// dropped.
func (s *Scheduler) Push(chunk string) {
	if chunk == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		flushLog.Debug("push_after_stop", slog.Int("bytes", len(chunk)))
		return
	}
	s.buf.WriteString(chunk)
	s.cancelTimerLocked()

	switch {
	case s.buf.Len() >= s.cfg.MaxBuffer:
		s.flushLocked(ReasonOverflow, nil)
		if s.buf.Len() == 0 {
			return
		}
	case LooksComplete(s.buf.String()):
		s.flushLocked(ReasonComplete, nil)
		return
	}

	gen := s.gen
	s.timer = time.AfterFunc(s.cfg.Debounce, func() { s.fire(gen) })
}

// Flush queues whatever is buffered now and waits until it is delivered.
func (s *Scheduler) Flush() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.cancelTimerLocked()
	delivered := make(chan struct{})
	if !s.flushLocked(ReasonManual, delivered) {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	<-delivered
}

// Stop cancels the pending timer, queues the remaining buffer, rejects
// further pushes and waits until every queued batch is delivered. Stop is
// idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		s.cancelTimerLocked()
		s.flushLocked(ReasonStop, nil)
		s.signal()
	}
	s.mu.Unlock()
	<-s.done
}

// Pending returns the number of buffered bytes.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Len()
}

func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		// Superseded by a newer chunk or an earlier flush.
		return
	}
	s.timer = nil
	s.flushLocked(ReasonDebounce, nil)
}

// cancelTimerLocked invalidates any armed timer. A timer that already
// started running sees a stale generation and does nothing.
func (s *Scheduler) cancelTimerLocked() {
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// flushLocked moves the buffer onto the delivery queue. Overflow flushes
// keep an unfinished escape sequence or rune at the tail in the buffer.
// It reports whether a batch was queued.
func (s *Scheduler) flushLocked(reason Reason, delivered chan struct{}) bool {
	if s.buf.Len() == 0 {
		return false
	}
	batch := s.buf.String()
	s.buf.Reset()
	if reason == ReasonOverflow {
		var tail string
		batch, tail = SplitIncomplete(batch)
		s.buf.WriteString(tail)
		if batch == "" {
			return false
		}
	}
	s.queue = append(s.queue, queued{batch: batch, reason: reason, delivered: delivered})
	s.signal()
	return true
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) deliverLoop() {
	defer close(s.done)
	for {
		s.mu.Lock()
		pending := s.queue
		s.queue = nil
		stopped := s.stopped
		s.mu.Unlock()

		for _, q := range pending {
			s.deliver(q)
		}
		if len(pending) > 0 {
			continue
		}
		if stopped {
			return
		}
		<-s.wake
	}
}

func (s *Scheduler) deliver(q queued) {
	if q.delivered != nil {
		defer close(q.delivered)
	}
	flushLog.Debug("flush",
		slog.String("reason", string(q.reason)),
		slog.Int("bytes", len(q.batch)))
	logging.Aggregate(logging.CompFlush, "flush_"+string(q.reason), slog.Int("bytes", len(q.batch)))

	if s.handler != nil {
		s.handler(q.batch, q.reason)
	}
}

// maxEscapeCarry bounds how far back SplitIncomplete looks for an
// unterminated escape sequence.
const maxEscapeCarry = 256

// SplitIncomplete splits raw output into a prefix that ends on a sequence
// boundary and a tail holding a trailing escape sequence or UTF-8 rune that
// is not finished yet.
func SplitIncomplete(raw string) (complete, tail string) {
	if i := incompleteEscape(raw); i >= 0 {
		return raw[:i], raw[i:]
	}
	// A rune is at most utf8.UTFMax bytes; look for a truncated lead byte.
	for back := 1; back < utf8.UTFMax && back <= len(raw); back++ {
		i := len(raw) - back
		if !utf8.RuneStart(raw[i]) {
			continue
		}
		if raw[i] >= utf8.RuneSelf && !utf8.FullRuneInString(raw[i:]) {
			return raw[:i], raw[i:]
		}
		break
	}
	return raw, ""
}

// incompleteEscape returns the index of an unterminated trailing ESC
// sequence, or -1.
func incompleteEscape(raw string) int {
	from := len(raw) - maxEscapeCarry
	if from < 0 {
		from = 0
	}
	i := strings.LastIndexByte(raw[from:], 0x1b)
	if i < 0 {
		return -1
	}
	i += from
	seq := raw[i+1:]
	if seq == "" {
		return i
	}
	switch seq[0] {
	case '[':
		// CSI: parameter and intermediate bytes until a final byte 0x40-0x7E.
		for j := 1; j < len(seq); j++ {
			if seq[j] >= 0x40 && seq[j] <= 0x7e {
				return -1
			}
		}
		return i
	case ']', 'P', '_', '^':
		// OSC/DCS/APC/PM end with BEL or the ST introducer ESC. A trailing
		// ESC would have been found as the last one, so only BEL ends here.
		if strings.IndexByte(seq, 0x07) >= 0 {
			return -1
		}
		return i
	case '(', ')', '*', '+', '#':
		// Charset designations carry one more byte.
		if len(seq) < 2 {
			return i
		}
	}
	return -1
}

// LooksComplete reports whether raw output shows a response followed by a
// fully drawn idle prompt box.
func LooksComplete(raw string) bool {
	clean := ansi.Strip(raw)
	if !strings.Contains(clean, ResponseMarker) {
		return false
	}
	if !strings.Contains(clean, PromptLine) || !strings.Contains(clean, BoxBottomStart) {
		return false
	}
	return strings.HasSuffix(strings.TrimRight(clean, " \r\n"), BoxBottomEnd)
}
