package relay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type write struct {
	data string
	at   time.Time
}

type fakePTY struct {
	mu      sync.Mutex
	writes  []write
	running bool
	failOn  string
}

func newFakePTY() *fakePTY { return &fakePTY{running: true} }

func (f *fakePTY) Write(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn != "" && strings.Contains(string(p), f.failOn) {
		return errors.New("write failed")
	}
	f.writes = append(f.writes, write{data: string(p), at: time.Now()})
	return nil
}

func (f *fakePTY) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakePTY) setRunning(v bool) {
	f.mu.Lock()
	f.running = v
	f.mu.Unlock()
}

func (f *fakePTY) snapshot() []write {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]write(nil), f.writes...)
}

func (f *fakePTY) joined() string {
	var b strings.Builder
	for _, w := range f.snapshot() {
		b.WriteString(w.data)
	}
	return b.String()
}

func TestRelayTypesAndSubmits(t *testing.T) {
	pty := newFakePTY()
	r := New(pty, Config{SubmitDelay: 20 * time.Millisecond})
	r.Start(context.Background())
	defer r.Stop()

	require.NoError(t, r.Submit("hello"))
	require.Eventually(t, func() bool { return len(pty.snapshot()) == 2 }, time.Second, 2*time.Millisecond)

	w := pty.snapshot()
	assert.Equal(t, "\x15hello", w[0].data)
	assert.Equal(t, "\r", w[1].data)
	assert.GreaterOrEqual(t, w[1].at.Sub(w[0].at), 20*time.Millisecond)
}

func TestRelayFIFONoInterleave(t *testing.T) {
	pty := newFakePTY()
	r := New(pty, Config{SubmitDelay: 5 * time.Millisecond})

	for _, c := range []string{"one", "two", "three"} {
		require.NoError(t, r.Submit(c))
	}
	assert.Equal(t, 3, r.Pending())

	r.Start(context.Background())
	defer r.Stop()

	require.Eventually(t, func() bool { return len(pty.snapshot()) == 6 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, "\x15one\r\x15two\r\x15three\r", pty.joined())
}

func TestRelayStopWordBypassesQueue(t *testing.T) {
	pty := newFakePTY()
	r := New(pty, Config{SubmitDelay: 5 * time.Millisecond})
	// Not started: ordinary commands wait in the queue.
	require.NoError(t, r.Submit("pending"))

	for _, stop := range []string{"STOP", " stop ", "Stop\n"} {
		require.NoError(t, r.Submit(stop))
	}
	assert.Equal(t, "\x1b\x1b\x1b", pty.joined())
	assert.Equal(t, 1, r.Pending())
	r.Stop()
}

func TestRelayIsStop(t *testing.T) {
	r := New(newFakePTY(), Config{})
	assert.True(t, r.IsStop("STOP"))
	assert.True(t, r.IsStop("  sToP\t"))
	assert.False(t, r.IsStop("STOP now"))
	assert.False(t, r.IsStop(""))
}

func TestRelayCustomKeys(t *testing.T) {
	pty := newFakePTY()
	r := New(pty, Config{
		SubmitDelay:  time.Millisecond,
		InterruptKey: "\x03",
		ClearLineKey: "\x01\x0b",
		SubmitKey:    "\n",
		StopWord:     "HALT",
	})
	r.Start(context.Background())
	defer r.Stop()

	require.NoError(t, r.Submit("halt"))
	require.NoError(t, r.Submit("STOP"))
	require.Eventually(t, func() bool { return len(pty.snapshot()) == 3 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, "\x03\x01\x0bSTOP\n", pty.joined())
}

func TestRelayWriteErrorDropsCommand(t *testing.T) {
	pty := newFakePTY()
	pty.failOn = "bad"

	var mu sync.Mutex
	var errs []error
	r := New(pty, Config{
		SubmitDelay: time.Millisecond,
		OnError: func(err error) {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		},
	})
	r.Start(context.Background())
	defer r.Stop()

	require.NoError(t, r.Submit("bad command"))
	require.NoError(t, r.Submit("good"))
	require.Eventually(t, func() bool { return pty.joined() == "\x15good\r" }, time.Second, 2*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, errs, 1)
	var werr *WriteError
	require.ErrorAs(t, errs[0], &werr)
	assert.Equal(t, "bad command", werr.Command)
	assert.Equal(t, "type", werr.Stage)
}

func TestRelayStopsDrainingWhenNotRunning(t *testing.T) {
	pty := newFakePTY()
	pty.setRunning(false)
	r := New(pty, Config{SubmitDelay: time.Millisecond})

	require.NoError(t, r.Submit("a"))
	require.NoError(t, r.Submit("b"))
	r.Start(context.Background())

	require.Eventually(t, func() bool { return r.Pending() == 0 }, time.Second, 2*time.Millisecond)
	assert.Empty(t, pty.snapshot())

	// Interrupt is also a no-op without a process.
	assert.NoError(t, r.Submit("STOP"))
	assert.Empty(t, pty.snapshot())
	r.Stop()
}

func TestRelayStopLetsInFlightFinish(t *testing.T) {
	pty := newFakePTY()
	r := New(pty, Config{SubmitDelay: 40 * time.Millisecond})
	r.Start(context.Background())

	require.NoError(t, r.Submit("first"))
	require.NoError(t, r.Submit("second"))
	require.Eventually(t, func() bool { return len(pty.snapshot()) == 1 }, time.Second, time.Millisecond)

	r.Stop()
	assert.Equal(t, "\x15first\r", pty.joined(), "in-flight command completes, queued one is dropped")
	assert.ErrorIs(t, r.Submit("late"), ErrClosed)
	r.Stop()
}

func TestRelayMinInterval(t *testing.T) {
	pty := newFakePTY()
	r := New(pty, Config{SubmitDelay: time.Millisecond, MinInterval: 50 * time.Millisecond})
	r.Start(context.Background())
	defer r.Stop()

	require.NoError(t, r.Submit("a"))
	require.NoError(t, r.Submit("b"))
	require.Eventually(t, func() bool { return len(pty.snapshot()) == 4 }, 2*time.Second, 2*time.Millisecond)

	w := pty.snapshot()
	assert.GreaterOrEqual(t, w[2].at.Sub(w[0].at), 45*time.Millisecond)
}

func TestRelayStopWithoutStart(t *testing.T) {
	r := New(newFakePTY(), Config{})
	r.Stop()
	r.Stop()
	r.Start(context.Background())
	assert.ErrorIs(t, r.Submit("x"), ErrClosed)
}
