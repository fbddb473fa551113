package conversation

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestExtractor() (*Extractor, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	return NewExtractor(Config{Now: clock.Now}), clock
}

func process(e *Extractor, raw string) string {
	return Render(e.Process(raw), DefaultLabels)
}

func TestExtractorStripsAnsi(t *testing.T) {
	e, _ := newTestExtractor()
	got := process(e, "\x1b[2K\x1b[1A> hello\n\x1b[38;2;255;255;255m⏺ response\x1b[0m")
	assert.Equal(t, "User: hello\n\nAgent: response\n", got)
	assert.Equal(t, StateIdle, e.State())
}

func TestExtractorFiltersChrome(t *testing.T) {
	e, _ := newTestExtractor()
	input := `
╭────────────────╮
│ > test message │
╰────────────────╯
⏺ test response
✻ Thriving… (17s · ↓ 71 tokens)
? for shortcuts
`
	got := process(e, input)
	assert.Equal(t, "User: test message\n\nAgent: test response\n", got)
	assert.NotContains(t, got, "╭")
	assert.NotContains(t, got, "shortcuts")
}

func TestExtractorMultiLineResponse(t *testing.T) {
	e, _ := newTestExtractor()
	input := "\n> multi-line question\n⏺ This is a response\nthat spans multiple\nlines of text\n"
	got := process(e, input)
	assert.Equal(t, "User: multi-line question\n\nAgent: This is a response\nthat spans multiple\nlines of text\n", got)
}

func TestExtractorMultiLinePrompt(t *testing.T) {
	e, _ := newTestExtractor()
	got := process(e, "> first line\nsecond line\n⏺ ok\n")
	assert.Equal(t, "User: first line\nsecond line\n\nAgent: ok\n", got)
}

func TestExtractorRemovesControlCharacters(t *testing.T) {
	e, _ := newTestExtractor()
	got := process(e, "> \x15tell me a fact\n⏺ Here is a fact")
	assert.Equal(t, "User: tell me a fact\n\nAgent: Here is a fact\n", got)
}

func TestExtractorResponseSplitAcrossFlushes(t *testing.T) {
	e, _ := newTestExtractor()

	assert.Equal(t, "User: question\n", process(e, "> question\n⏺ Starting response..."))
	assert.Equal(t, StateCapturingAgent, e.State())

	assert.Equal(t, "Agent: Starting response...\nmore text\n", process(e, "more text\n\n"))
	assert.Equal(t, StateIdle, e.State())
}

func TestExtractorKeepsTurnOpenWhileWorking(t *testing.T) {
	e, _ := newTestExtractor()

	assert.Equal(t, "User: go\n", process(e, "> go\n⏺ Reading files\n✶ Cogitating… (3s · ↑ 12 tokens)"))
	assert.Equal(t, StateCapturingAgent, e.State())

	assert.Equal(t, "Agent: Reading files\nFound it\n", process(e, "Found it\n\n"))
}

func TestExtractorKeepTurnsOpenOption(t *testing.T) {
	e := NewExtractor(Config{KeepTurnsOpen: true})
	assert.Equal(t, "User: hi\n", process(e, "> hi\n⏺ hello"))
	assert.Equal(t, "Agent: hello\n", process(e, "\n"))
}

func TestExtractorIgnoresStatusMessages(t *testing.T) {
	e, _ := newTestExtractor()
	input := `
⏺ Actual response text
✻ Thriving...
tokens used: 123
Done
API Error (ignored)
Tool uses: 2
more actual text
`
	assert.Equal(t, "Agent: Actual response text\nmore actual text\n", process(e, input))
}

func TestExtractorProgressNeverEmitted(t *testing.T) {
	e, _ := newTestExtractor()
	progress := "✻ Thriving… (17s · ↓ 71 tokens)"
	inputs := []string{
		"> q\n" + progress + "\n⏺ a\n" + progress + "\n\n",
		"⏺ " + progress + "\nb\n\n",
		progress + "\n> again\n\n",
	}
	for _, in := range inputs {
		for _, turn := range e.Process(in) {
			assert.NotContains(t, turn.Text, "Thriving")
		}
	}
}

func TestExtractorPermissionDialogEmitsOnce(t *testing.T) {
	e, _ := newTestExtractor()
	dialog := "╭──────────╮\n│ Claude needs your permission to use Bash │\n│ ❯ 1. Yes │\n│   2. No, and tell Claude what to do differently │\n╰──────────╯\n"

	turns := e.Process("> run it\n⏺ I'll run the command\n" + dialog)
	require.Len(t, turns, 3)
	assert.Equal(t, Turn{Speaker: SpeakerUser, Text: "run it"}, stripAt(turns[0]))
	assert.Equal(t, Turn{Speaker: SpeakerAgent, Text: "I'll run the command"}, stripAt(turns[1]))
	assert.Equal(t, Turn{Speaker: SpeakerAgent, Text: "[Permission requested for Bash]", Synthetic: true}, stripAt(turns[2]))
	assert.Equal(t, StateInPermissionDialog, e.State())

	// The dialog keeps redrawing until answered.
	assert.Empty(t, e.Process(dialog))
	assert.Empty(t, e.Process("\x1b[2K"+dialog))
	assert.Empty(t, e.Process("some stray text\n"))
	assert.Equal(t, StateInPermissionDialog, e.State())

	// Output resumes with a response marker.
	got := process(e, "⏺ Command finished\n\n")
	assert.Equal(t, "Agent: Command finished\n", got)
	assert.Equal(t, StateIdle, e.State())
}

func TestExtractorPermissionDefaultTool(t *testing.T) {
	e, _ := newTestExtractor()
	got := process(e, "│ Do you want to make this edit to main.go? │\n")
	assert.Equal(t, "Agent: [Permission requested for a tool]\n", got)
}

func TestExtractorPermissionResolvedByPrompt(t *testing.T) {
	e, _ := newTestExtractor()
	_ = e.Process("Claude needs your permission to use Write\n")
	require.Equal(t, StateInPermissionDialog, e.State())

	got := process(e, "│ >                │\n> next question\n⏺ answer\n")
	assert.Equal(t, "User: next question\n\nAgent: answer\n", got)
}

func TestExtractorNoImmediateDuplicate(t *testing.T) {
	e, clock := newTestExtractor()

	assert.Equal(t, "Agent: hello\n", process(e, "⏺ hello\n\n"))
	assert.Empty(t, process(e, "⏺ hello\n\n"), "redraw within the window")

	clock.Advance(10 * time.Second)
	assert.Empty(t, process(e, "⏺ hello\n\n"), "same turn twice in a row")
}

func TestExtractorDedupExpiry(t *testing.T) {
	e, clock := newTestExtractor()

	assert.Equal(t, "Agent: hello\n", process(e, "⏺ hello\n\n"))
	assert.Equal(t, "User: thanks\n", process(e, "> thanks\n\n"))

	clock.Advance(2 * time.Second)
	assert.Empty(t, process(e, "⏺ hello\n\n"), "still inside the window")

	clock.Advance(6 * time.Second)
	assert.Equal(t, "Agent: hello\n", process(e, "⏺ hello\n\n"))
}

func TestExtractorUserRedrawKeepsLatest(t *testing.T) {
	e, _ := newTestExtractor()
	got := process(e, "> hel\n> hello wor\n> hello world\n\n")
	assert.Equal(t, "User: hello world\n", got)
}

func TestExtractorSecondAgentMarkerAppends(t *testing.T) {
	e, _ := newTestExtractor()
	got := process(e, "> fix it\n⏺ Looking at the file\n⏺ Fixed the bug\n\n")
	assert.Equal(t, "User: fix it\n\nAgent: Looking at the file\nFixed the bug\n", got)
}

func TestExtractorRedrawnLinesDropped(t *testing.T) {
	e, _ := newTestExtractor()
	assert.Equal(t, "User: q\n", process(e, "> q\n⏺ line one\nline two..."))
	// The UI redraws the already printed lines before continuing.
	got := process(e, "line one\nline two...\nline three\n\n")
	assert.Equal(t, "Agent: line one\nline two...\nline three\n", got)
}

func TestExtractorIdleTextDropped(t *testing.T) {
	e, _ := newTestExtractor()
	assert.Empty(t, e.Process("random banner text\nWelcome to Claude Code!\n"))
	assert.Equal(t, StateIdle, e.State())
}

func TestExtractorNeverPanics(t *testing.T) {
	e, _ := newTestExtractor()
	inputs := []string{
		"", "\n\n\n", "\x1b", "\x1b[", "⏺", ">", "│", "│ > │",
		string([]byte{0xff, 0xfe, 0x00}), strings.Repeat("─", 500),
		"╰─" + strings.Repeat("x", 10000),
	}
	for _, in := range inputs {
		assert.NotPanics(t, func() { e.Process(in) }, "input %q", in)
	}
}

func TestExtractorReset(t *testing.T) {
	e, _ := newTestExtractor()
	_ = e.Process("> hi\n⏺ partial...")
	require.Equal(t, StateCapturingAgent, e.State())

	e.Reset()
	assert.Equal(t, StateIdle, e.State())
	assert.Equal(t, "Agent: partial...\n", process(e, "⏺ partial...\n\n"))
}

func TestRenderLabels(t *testing.T) {
	turns := []Turn{{Speaker: SpeakerUser, Text: "hi"}, {Speaker: SpeakerAgent, Text: "yo"}}
	assert.Equal(t, "Me: hi\n\nClaude: yo\n", Render(turns, Labels{User: "Me", Agent: "Claude"}))
	assert.Equal(t, "User: hi\n\nAgent: yo\n", Render(turns, Labels{}))
	assert.Equal(t, "", Render(nil, DefaultLabels))
}

func stripAt(t Turn) Turn {
	t.At = time.Time{}
	return t
}
