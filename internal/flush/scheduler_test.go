package flush

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type batch struct {
	text   string
	reason Reason
	at     time.Time
}

type recorder struct {
	mu      sync.Mutex
	batches []batch
}

func (r *recorder) handle(text string, reason Reason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, batch{text: text, reason: reason, at: time.Now()})
}

func (r *recorder) snapshot() []batch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]batch(nil), r.batches...)
}

const completeScreen = "⏺ done\n╭──────╮\n│ >    │\n╰──────╯\n"

func TestDebounceFlushesAfterQuiet(t *testing.T) {
	rec := &recorder{}
	s := New(Config{Debounce: 30 * time.Millisecond}, rec.handle)

	last := time.Now()
	s.Push("hel")
	s.Push("lo\n")

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 2*time.Millisecond)
	got := rec.snapshot()[0]
	assert.Equal(t, "hello\n", got.text)
	assert.Equal(t, ReasonDebounce, got.reason)
	assert.GreaterOrEqual(t, got.at.Sub(last), 30*time.Millisecond)
	assert.Zero(t, s.Pending())
}

func TestDebounceResetsOnEachChunk(t *testing.T) {
	rec := &recorder{}
	s := New(Config{Debounce: 40 * time.Millisecond}, rec.handle)

	for i := 0; i < 5; i++ {
		s.Push("x")
		time.Sleep(10 * time.Millisecond)
	}
	assert.Empty(t, rec.snapshot(), "no flush while chunks keep arriving")

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, "xxxxx", rec.snapshot()[0].text)
}

func TestCompletionHeuristicFlushesImmediately(t *testing.T) {
	rec := &recorder{}
	s := New(Config{Debounce: time.Hour}, rec.handle)

	s.Push("> hi\n")
	assert.Empty(t, rec.snapshot())

	s.Push(completeScreen)
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, time.Millisecond)
	got := rec.snapshot()
	assert.Equal(t, "> hi\n"+completeScreen, got[0].text)
	assert.Equal(t, ReasonComplete, got[0].reason)

	// The cancelled debounce timer must not deliver an empty or stale batch.
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, rec.snapshot(), 1)
}

func TestOverflowFlushes(t *testing.T) {
	rec := &recorder{}
	s := New(Config{Debounce: time.Hour, MaxBuffer: 16}, rec.handle)

	s.Push(strings.Repeat("a", 10))
	assert.Empty(t, rec.snapshot())
	s.Push(strings.Repeat("b", 10))

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, time.Millisecond)
	got := rec.snapshot()
	assert.Equal(t, ReasonOverflow, got[0].reason)
	assert.Len(t, got[0].text, 20)
}

func TestOverflowCarriesUnfinishedSequence(t *testing.T) {
	rec := &recorder{}
	s := New(Config{Debounce: time.Hour, MaxBuffer: 16}, rec.handle)

	s.Push("0123456789abc\x1b[38;2;25")
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, "0123456789abc", rec.snapshot()[0].text)
	assert.Equal(t, len("\x1b[38;2;25"), s.Pending())

	s.Push("5;255;255m⏺ x")
	s.Stop()
	got := rec.snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, "\x1b[38;2;255;255;255m⏺ x", got[1].text)
}

func TestPushDoesNotWaitForSlowHandler(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	var seen []string
	s := New(Config{Debounce: 10 * time.Millisecond}, func(text string, _ Reason) {
		<-release
		mu.Lock()
		seen = append(seen, text)
		mu.Unlock()
	})

	s.Push("a")
	time.Sleep(40 * time.Millisecond)
	s.Push("b")
	time.Sleep(40 * time.Millisecond)

	start := time.Now()
	s.Push("c")
	assert.Less(t, time.Since(start), 20*time.Millisecond, "push must not block on delivery")

	close(release)
	s.Stop()
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c"}, seen, "batches keep their order")
}

func TestFlushWaitsForDelivery(t *testing.T) {
	rec := &recorder{}
	s := New(Config{Debounce: time.Hour}, rec.handle)
	defer s.Stop()

	s.Push("now")
	s.Flush()
	got := rec.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, ReasonManual, got[0].reason)
}

func TestSplitIncomplete(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		complete string
		tail     string
	}{
		{"plain", "hello", "hello", ""},
		{"finished csi", "a\x1b[31mb", "a\x1b[31mb", ""},
		{"open csi", "a\x1b[38;5", "a", "\x1b[38;5"},
		{"lone esc", "a\x1b", "a", "\x1b"},
		{"open osc", "a\x1b]0;tit", "a", "\x1b]0;tit"},
		{"osc with bel", "a\x1b]0;t\x07b", "a\x1b]0;t\x07b", ""},
		{"charset", "a\x1b(", "a", "\x1b("},
		{"split rune", "ab" + "⏺"[:2], "ab", "⏺"[:2]},
		{"whole rune", "ab⏺", "ab⏺", ""},
		{"empty", "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			complete, tail := SplitIncomplete(tt.raw)
			assert.Equal(t, tt.complete, complete)
			assert.Equal(t, tt.tail, tail)
		})
	}
}

func TestStopFlushesSynchronously(t *testing.T) {
	rec := &recorder{}
	s := New(Config{Debounce: time.Hour}, rec.handle)

	s.Push("pending output")
	s.Stop()

	got := rec.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, "pending output", got[0].text)
	assert.Equal(t, ReasonStop, got[0].reason)

	s.Push("late")
	s.Stop()
	assert.Len(t, rec.snapshot(), 1)
	assert.Zero(t, s.Pending())
}

func TestEmptyFlushDeliversNothing(t *testing.T) {
	rec := &recorder{}
	s := New(Config{}, rec.handle)
	s.Push("")
	s.Flush()
	s.Stop()
	assert.Empty(t, rec.snapshot())
}

func TestConcurrentPushesKeepEveryByte(t *testing.T) {
	rec := &recorder{}
	s := New(Config{Debounce: 5 * time.Millisecond}, rec.handle)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				s.Push("z")
			}
		}()
	}
	wg.Wait()
	s.Stop()

	total := 0
	for _, b := range rec.snapshot() {
		total += len(b.text)
	}
	assert.Equal(t, 400, total)
}

func TestLooksComplete(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want bool
	}{
		{"full screen", completeScreen, true},
		{"trailing spaces", "⏺ ok\n│ > │\n╰──╯  \r\n", true},
		{"wrapped in sgr", "\x1b[1m⏺ ok\x1b[0m\n│ > │\n\x1b[2m╰──╯\x1b[0m\n", true},
		{"no response marker", "│ > │\n╰──╯\n", false},
		{"no prompt line", "⏺ ok\n╰──╯\n", false},
		{"not at end", "⏺ ok\n│ > │\n╰──╯\nmore\n", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, LooksComplete(tt.raw))
		})
	}
}
