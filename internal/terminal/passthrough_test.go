//go:build !windows

package terminal

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTarget struct {
	mu      sync.Mutex
	written []byte
	closed  bool
}

func (f *fakeTarget) Write(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrNotRunning
	}
	f.written = append(f.written, p...)
	return nil
}

func (f *fakeTarget) Resize(int, int) error { return nil }

func (f *fakeTarget) data() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return string(f.written)
}

func TestForwardDiscardsStartupBytes(t *testing.T) {
	target := &fakeTarget{}
	p := &Passthrough{Target: target}

	r, w := io.Pipe()
	done := make(chan error, 1)
	go func() { done <- p.forward(r) }()

	_, _ = w.Write([]byte("\x1b[?1;2c"))
	time.Sleep(startupDiscard + 20*time.Millisecond)
	_, _ = w.Write([]byte("ls\r"))
	require.Eventually(t, func() bool { return target.data() == "ls\r" }, time.Second, 5*time.Millisecond)

	_ = w.Close()
	require.NoError(t, <-done)
}

func TestForwardInterceptsInterrupt(t *testing.T) {
	target := &fakeTarget{}
	interrupted := make(chan struct{})
	p := &Passthrough{Target: target, OnInterrupt: func() { close(interrupted) }}

	r, w := io.Pipe()
	done := make(chan error, 1)
	go func() { done <- p.forward(r) }()

	time.Sleep(startupDiscard + 20*time.Millisecond)
	go func() { _, _ = w.Write([]byte("ab\x03cd")) }()

	select {
	case <-interrupted:
	case <-time.After(time.Second):
		t.Fatal("interrupt not reported")
	}
	require.NoError(t, <-done)
	assert.Equal(t, "ab", target.data(), "bytes after the interrupt are not forwarded")
}

func TestForwardStopsWhenTargetGone(t *testing.T) {
	target := &fakeTarget{closed: true}
	p := &Passthrough{Target: target}

	r, w := io.Pipe()
	done := make(chan error, 1)
	go func() { done <- p.forward(r) }()

	time.Sleep(startupDiscard + 20*time.Millisecond)
	go func() { _, _ = w.Write([]byte("x")) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("forward did not stop")
	}
}

func TestRestoreWithoutRawMode(t *testing.T) {
	p := &Passthrough{}
	p.Restore()
	p.Restore()
}
