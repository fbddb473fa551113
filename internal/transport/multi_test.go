package transport

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/claudecom/internal/archive"
)

// fakeTransport records calls for assertions.
type fakeTransport struct {
	name     string
	initErr  error
	setupErr error
	sendErr  error

	mu       sync.Mutex
	sent     []string
	sentCtx  []string
	handler  MessageHandler
	cleaned  bool
	recorded []string
}

func (f *fakeTransport) Name() string               { return f.name }
func (f *fakeTransport) Init(context.Context) error { return f.initErr }
func (f *fakeTransport) InitTips() []string         { return []string{f.name + " tip"} }

func (f *fakeTransport) OnMessage(h MessageHandler) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
}

func (f *fakeTransport) Cleanup(context.Context) error {
	f.mu.Lock()
	f.cleaned = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Setup(_ context.Context, instance string) (SetupResult, error) {
	if f.setupErr != nil {
		return SetupResult{}, f.setupErr
	}
	return SetupResult{ContextID: f.name + "-" + instance, DisplayName: f.name}, nil
}

func (f *fakeTransport) SendMessage(_ context.Context, contextID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, text)
	f.sentCtx = append(f.sentCtx, contextID)
	return nil
}

func (f *fakeTransport) RecordCommand(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded = append(f.recorded, text)
	return nil
}

func (f *fakeTransport) deliver(text string) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h(f.name+"-x", text)
}

func TestMultiFansOut(t *testing.T) {
	primary := &fakeTransport{name: "file"}
	secondary := &fakeTransport{name: "archive"}
	m := NewMulti(primary, secondary)
	ctx := context.Background()

	assert.Equal(t, "file+archive", m.Name())
	require.NoError(t, m.Init(ctx))
	res, err := m.Setup(ctx, "dev")
	require.NoError(t, err)
	assert.Equal(t, "file-dev", res.ContextID)

	require.NoError(t, m.SendMessage(ctx, "file-dev", "Agent: ok\n"))
	assert.Equal(t, []string{"file-dev"}, primary.sentCtx)
	assert.Equal(t, []string{"archive-dev"}, secondary.sentCtx, "each child gets its own context")

	assert.Equal(t, []string{"file tip", "archive tip"}, m.InitTips())

	require.NoError(t, m.Cleanup(ctx))
	assert.True(t, primary.cleaned)
	assert.True(t, secondary.cleaned)
}

func TestMultiRejectsForeignContext(t *testing.T) {
	m := NewMulti(&fakeTransport{name: "file"})
	_, err := m.Setup(context.Background(), "dev")
	require.NoError(t, err)
	assert.ErrorIs(t, m.SendMessage(context.Background(), "other", "x"), ErrUnknownContext)
}

func TestMultiPrimaryFailureIsReturned(t *testing.T) {
	boom := errors.New("boom")
	m := NewMulti(&fakeTransport{name: "file", initErr: boom}, &fakeTransport{name: "archive"})
	assert.ErrorIs(t, m.Init(context.Background()), boom)
}

func TestMultiSecondaryFailureDisablesIt(t *testing.T) {
	secondary := &fakeTransport{name: "archive", setupErr: errors.New("disk full")}
	primary := &fakeTransport{name: "file"}
	m := NewMulti(primary, secondary)
	ctx := context.Background()

	require.NoError(t, m.Init(ctx))
	_, err := m.Setup(ctx, "dev")
	require.NoError(t, err)

	require.NoError(t, m.SendMessage(ctx, "file-dev", "x"))
	assert.Len(t, primary.sent, 1)
	assert.Empty(t, secondary.sent)

	require.NoError(t, m.Cleanup(ctx))
	assert.True(t, secondary.cleaned, "initialized child is cleaned up after being disabled")
}

func TestMultiSendFailureStillCleansUp(t *testing.T) {
	secondary := &fakeTransport{name: "archive", sendErr: errors.New("database is locked")}
	primary := &fakeTransport{name: "file"}
	m := NewMulti(primary, secondary)
	ctx := context.Background()

	require.NoError(t, m.Init(ctx))
	_, err := m.Setup(ctx, "dev")
	require.NoError(t, err)
	require.NoError(t, m.SendMessage(ctx, "file-dev", "x"))
	require.NoError(t, m.SendMessage(ctx, "file-dev", "y"))
	assert.Len(t, primary.sent, 2)

	require.NoError(t, m.Cleanup(ctx))
	assert.True(t, primary.cleaned)
	assert.True(t, secondary.cleaned)
}

func TestMultiCleanupSkipsChildThatFailedInit(t *testing.T) {
	primary := &fakeTransport{name: "websocket", initErr: errors.New("address in use")}
	secondary := &fakeTransport{name: "archive"}
	m := NewMulti(primary, secondary)
	ctx := context.Background()

	require.Error(t, m.Init(ctx))
	require.NoError(t, m.Cleanup(ctx))
	assert.False(t, primary.cleaned)
	assert.True(t, secondary.cleaned)
}

func TestArchiveCleanupAfterSendFailureEndsSession(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.db")
	arch := NewArchive(path, "claude")
	m := NewMulti(&fakeTransport{name: "file"}, arch)
	ctx := context.Background()

	require.NoError(t, m.Init(ctx))
	_, err := m.Setup(ctx, "dev")
	require.NoError(t, err)
	require.NotEmpty(t, arch.SessionID())

	// The archive insert fails on the cancelled context and is disabled;
	// the fake primary ignores the context.
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	require.NoError(t, m.SendMessage(cancelled, "file-dev", "Agent: hi\n"))
	assert.False(t, m.isActive(1))
	require.NoError(t, m.Cleanup(ctx))

	store, err := archive.Open(path)
	require.NoError(t, err)
	defer store.Close()
	sessions, err := store.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.False(t, sessions[0].StoppedAt.IsZero(), "stopped_at is recorded")
}

func TestMultiInboundUsesPrimaryContext(t *testing.T) {
	primary := &fakeTransport{name: "file"}
	secondary := &fakeTransport{name: "ws"}
	m := NewMulti(primary, secondary)
	rec := &received{}
	m.OnMessage(rec.handle)
	_, err := m.Setup(context.Background(), "dev")
	require.NoError(t, err)

	secondary.deliver("from ws")
	primary.deliver("from file")

	ctxs, msgs := rec.snapshot()
	assert.Equal(t, []string{"file-dev", "file-dev"}, ctxs)
	assert.Equal(t, []string{"from ws", "from file"}, msgs)
}

func TestMultiRecordCommand(t *testing.T) {
	secondary := &fakeTransport{name: "archive"}
	m := NewMulti(&fakeTransport{name: "file"}, secondary)
	require.NoError(t, m.RecordCommand(context.Background(), "ls"))
	assert.Equal(t, []string{"ls"}, secondary.recorded)
}

func TestArchiveTransport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	a := NewArchive(path, "claude")
	ctx := context.Background()

	_, err := a.Setup(ctx, "dev")
	require.Error(t, err, "setup before init")

	require.NoError(t, a.Init(ctx))
	res, err := a.Setup(ctx, "dev")
	require.NoError(t, err)
	assert.Equal(t, "archive-dev", res.ContextID)
	require.NotEmpty(t, a.SessionID())

	require.NoError(t, a.SendMessage(ctx, res.ContextID, "User: hi\n"))
	require.NoError(t, a.RecordCommand(ctx, "hi"))
	assert.ErrorIs(t, a.SendMessage(ctx, "file-dev", "x"), ErrUnknownContext)
	require.NoError(t, a.Cleanup(ctx))
	require.NoError(t, a.Cleanup(ctx))

	store, err := archive.Open(path)
	require.NoError(t, err)
	defer store.Close()

	sessions, err := store.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "dev", sessions[0].Instance)
	assert.Equal(t, "claude", sessions[0].Command)
	assert.False(t, sessions[0].StoppedAt.IsZero())

	turns, err := store.Turns(ctx, a.SessionID())
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, archive.DirectionOut, turns[0].Direction)
	assert.Equal(t, "User: hi\n", turns[0].Text)
	assert.Equal(t, archive.DirectionIn, turns[1].Direction)
}

func TestTips(t *testing.T) {
	assert.Equal(t, []string{"x tip"}, Tips(&fakeTransport{name: "x"}))
	assert.Nil(t, Tips(bareTransport{}))
}

type bareTransport struct{}

func (bareTransport) Name() string                                      { return "bare" }
func (bareTransport) Init(context.Context) error                        { return nil }
func (bareTransport) Setup(context.Context, string) (SetupResult, error) { return SetupResult{}, nil }
func (bareTransport) SendMessage(context.Context, string, string) error { return nil }
func (bareTransport) OnMessage(MessageHandler)                          {}
func (bareTransport) Cleanup(context.Context) error                     { return nil }
