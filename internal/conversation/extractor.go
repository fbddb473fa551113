// Package conversation reconstructs user and agent turns from stripped
// terminal output.
package conversation

import (
	"log/slog"
	"strings"
	"time"

	"github.com/asheshgoplani/claudecom/internal/ansi"
)

const (
	DefaultDedupWindow = 5 * time.Second
	defaultRecentMax   = 2048
)

// Speaker identifies who a turn is attributed to.
type Speaker int

const (
	SpeakerUser Speaker = iota
	SpeakerAgent
)

func (s Speaker) String() string {
	if s == SpeakerAgent {
		return "agent"
	}
	return "user"
}

// Turn is one reconstructed conversation turn.
type Turn struct {
	Speaker   Speaker
	Text      string
	Synthetic bool // produced by the extractor, not read from the screen
	At        time.Time
}

// State is the extractor's capture state.
type State int

const (
	StateIdle State = iota
	StateCapturingUser
	StateCapturingAgent
	StateInPermissionDialog
)

func (s State) String() string {
	switch s {
	case StateCapturingUser:
		return "capturing_user"
	case StateCapturingAgent:
		return "capturing_agent"
	case StateInPermissionDialog:
		return "in_permission_dialog"
	default:
		return "idle"
	}
}

// Config tunes an Extractor. Zero values select the defaults.
type Config struct {
	Patterns    *ResolvedPatterns
	DedupWindow time.Duration

	// KeepTurnsOpen leaves an agent turn open at the end of a batch until a
	// terminator arrives. By default an agent turn whose last line does not
	// trail off with an ellipsis is closed when the batch ends.
	KeepTurnsOpen bool

	Now func() time.Time
}

type emitted struct {
	text string
	at   time.Time
}

// Extractor is the per-session conversation state machine. It is not safe
// for concurrent use; callers serialize Process calls.
type Extractor struct {
	patterns      *ResolvedPatterns
	window        time.Duration
	keepTurnsOpen bool
	now           func() time.Time

	state    State
	userBuf  []string
	agentBuf []string
	activity bool // the last agent-side line seen was a progress or status line

	recent   *recentLines
	last     map[Speaker]emitted
	lastTurn *Turn
}

// NewExtractor creates an extractor in the Idle state.
func NewExtractor(cfg Config) *Extractor {
	if cfg.Patterns == nil {
		cfg.Patterns = DefaultPatterns()
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = DefaultDedupWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Extractor{
		patterns:      cfg.Patterns,
		window:        cfg.DedupWindow,
		keepTurnsOpen: cfg.KeepTurnsOpen,
		now:           cfg.Now,
		recent:        newRecentLines(cfg.DedupWindow, defaultRecentMax, cfg.Now),
		last:          make(map[Speaker]emitted),
	}
}

// State returns the current capture state.
func (e *Extractor) State() State { return e.state }

// Reset returns the extractor to Idle and forgets every cache.
func (e *Extractor) Reset() {
	e.state = StateIdle
	e.userBuf = nil
	e.agentBuf = nil
	e.activity = false
	e.recent.Reset()
	e.last = make(map[Speaker]emitted)
	e.lastTurn = nil
}

// Process consumes one flushed batch of raw output and returns the turns it
// completed. Unrecognized input is dropped; Process never fails.
func (e *Extractor) Process(raw string) []Turn {
	lines := strings.Split(ansi.Strip(raw), "\n")
	e.recent.sweep()

	classified := make([]Line, len(lines))
	trigger := -1
	for i, line := range lines {
		classified[i] = e.patterns.Classify(line, false)
		if trigger < 0 && classified[i].Class == ClassPermissionTrigger {
			trigger = i
		}
	}

	// A redraw of an open dialog carries its option text; ignore it whole.
	if e.state == StateInPermissionDialog && trigger >= 0 {
		return nil
	}

	var out []Turn
	end := len(lines)
	if trigger >= 0 {
		end = trigger
	}

	for i := 0; i < end; i++ {
		l := classified[i]
		if e.state == StateInPermissionDialog {
			l = e.patterns.Classify(lines[i], true)
			if l.Class != ClassPermissionResolution {
				continue
			}
			extractLog.Debug("permission_dialog_resolved", slog.String("line", l.Text))
			e.state = StateIdle
			l = classified[i]
		}
		out = e.handle(l, out)
	}

	if trigger >= 0 {
		out = e.openDialog(classified[trigger], out)
		return out
	}

	if e.state == StateCapturingAgent && !e.keepTurnsOpen && len(e.agentBuf) > 0 && !e.activity {
		if !trailsOff(e.agentBuf[len(e.agentBuf)-1]) {
			out = e.closeAgent(out)
			e.state = StateIdle
		}
	}
	return out
}

func (e *Extractor) handle(l Line, out []Turn) []Turn {
	switch l.Class {
	case ClassChrome, ClassProgress, ClassPermissionResolution:
		if l.Class == ClassProgress && e.state == StateCapturingAgent {
			e.activity = true
		}
		return out

	case ClassUserMarker:
		switch e.state {
		case StateCapturingAgent:
			out = e.closeAgent(out)
		case StateCapturingUser:
			// The prompt was redrawn while typing; the newest text wins.
			e.userBuf = nil
		}
		e.state = StateCapturingUser
		e.userBuf = append(e.userBuf, l.Content)
		return out

	case ClassAgentMarker:
		if e.state == StateCapturingUser {
			out = e.closeUser(out)
		}
		if e.state != StateCapturingAgent {
			e.agentBuf = nil
			e.state = StateCapturingAgent
		}
		if l.Content != "" {
			e.appendAgent(l.Content)
		}
		return out

	case ClassTerminator:
		switch e.state {
		case StateCapturingUser:
			out = e.closeUser(out)
		case StateCapturingAgent:
			out = e.closeAgent(out)
		}
		e.state = StateIdle
		return out

	default:
		switch e.state {
		case StateCapturingUser:
			e.userBuf = append(e.userBuf, l.Text)
		case StateCapturingAgent:
			e.appendAgent(l.Text)
		}
		return out
	}
}

func (e *Extractor) appendAgent(text string) {
	if e.patterns.IsProgress(text) || e.patterns.IsNoise(text) {
		e.activity = true
		return
	}
	e.activity = false
	if e.recent.Seen(text) {
		return
	}
	e.agentBuf = append(e.agentBuf, text)
	e.recent.Add(text)
}

func (e *Extractor) openDialog(l Line, out []Turn) []Turn {
	switch e.state {
	case StateCapturingUser:
		out = e.closeUser(out)
	case StateCapturingAgent:
		out = e.closeAgent(out)
	}
	e.state = StateInPermissionDialog

	tool := e.patterns.toolFromTrigger(l.Raw)
	extractLog.Debug("permission_dialog_opened", slog.String("tool", tool))
	return e.emit(out, Turn{
		Speaker:   SpeakerAgent,
		Text:      "[Permission requested for " + tool + "]",
		Synthetic: true,
	})
}

func (e *Extractor) closeUser(out []Turn) []Turn {
	text := strings.TrimSpace(strings.Join(e.userBuf, "\n"))
	e.userBuf = nil
	if text == "" {
		return out
	}
	return e.emit(out, Turn{Speaker: SpeakerUser, Text: text})
}

func (e *Extractor) closeAgent(out []Turn) []Turn {
	text := strings.TrimSpace(strings.Join(e.agentBuf, "\n"))
	e.agentBuf = nil
	e.activity = false
	if text == "" {
		return out
	}
	return e.emit(out, Turn{Speaker: SpeakerAgent, Text: text})
}

// emit appends t unless it repeats the previous turn, or repeats the same
// speaker's last turn within the dedup window.
func (e *Extractor) emit(out []Turn, t Turn) []Turn {
	now := e.now()
	if e.lastTurn != nil && e.lastTurn.Speaker == t.Speaker && e.lastTurn.Text == t.Text {
		extractLog.Debug("turn_suppressed_duplicate", slog.String("speaker", t.Speaker.String()))
		return out
	}
	if prev, ok := e.last[t.Speaker]; ok && prev.text == t.Text && now.Sub(prev.at) <= e.window {
		extractLog.Debug("turn_suppressed_recent", slog.String("speaker", t.Speaker.String()))
		return out
	}

	t.At = now
	e.last[t.Speaker] = emitted{text: t.Text, at: now}
	e.lastTurn = &Turn{Speaker: t.Speaker, Text: t.Text}
	extractLog.Debug("turn_emitted",
		slog.String("speaker", t.Speaker.String()),
		slog.Int("chars", len(t.Text)),
		slog.Bool("synthetic", t.Synthetic))
	return append(out, t)
}

func trailsOff(s string) bool {
	return strings.HasSuffix(s, "…") || strings.HasSuffix(s, "...")
}
