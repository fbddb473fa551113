package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/asheshgoplani/claudecom/internal/archive"
)

// NameArchive is the archive transport's name.
const NameArchive = "archive"

// Archive stores every outbound message, and every inbound command recorded
// through RecordCommand, in a SQLite transcript archive. It never produces
// inbound messages.
type Archive struct {
	path    string
	command string

	mu        sync.Mutex
	store     *archive.Store
	sessionID string
	contextID string
}

// NewArchive creates an archive transport backed by the database at path.
// command is stored on the session row.
func NewArchive(path, command string) *Archive {
	return &Archive{path: path, command: command}
}

func (a *Archive) Name() string { return NameArchive }

// Init opens and migrates the database.
func (a *Archive) Init(ctx context.Context) error {
	store, err := archive.Open(a.path)
	if err != nil {
		return err
	}
	if err := store.Migrate(); err != nil {
		store.Close()
		return err
	}
	a.mu.Lock()
	a.store = store
	a.mu.Unlock()
	return nil
}

func (a *Archive) Setup(ctx context.Context, instance string) (SetupResult, error) {
	a.mu.Lock()
	store := a.store
	a.mu.Unlock()
	if store == nil {
		return SetupResult{}, fmt.Errorf("archive not initialized")
	}

	id := uuid.NewString()
	contextID := "archive-" + instance
	if err := store.StartSession(ctx, archive.SessionRow{
		ID:        id,
		Instance:  instance,
		ContextID: contextID,
		Command:   a.command,
		StartedAt: time.Now(),
	}); err != nil {
		return SetupResult{}, err
	}

	a.mu.Lock()
	a.sessionID, a.contextID = id, contextID
	a.mu.Unlock()
	return SetupResult{ContextID: contextID, DisplayName: "Archive (" + a.path + ")"}, nil
}

func (a *Archive) SendMessage(ctx context.Context, contextID, text string) error {
	return a.append(ctx, contextID, archive.DirectionOut, text)
}

// RecordCommand archives an inbound command.
func (a *Archive) RecordCommand(ctx context.Context, text string) error {
	a.mu.Lock()
	contextID := a.contextID
	a.mu.Unlock()
	return a.append(ctx, contextID, archive.DirectionIn, text)
}

func (a *Archive) append(ctx context.Context, contextID, direction, text string) error {
	a.mu.Lock()
	store, sessionID, own := a.store, a.sessionID, a.contextID
	a.mu.Unlock()

	if store == nil || sessionID == "" {
		return &SendError{Transport: NameArchive, ContextID: contextID, Err: fmt.Errorf("archive not set up")}
	}
	if contextID != own {
		return &SendError{Transport: NameArchive, ContextID: contextID, Err: ErrUnknownContext}
	}
	if _, err := store.AppendTurn(ctx, archive.TurnRow{
		SessionID: sessionID,
		Direction: direction,
		Text:      text,
	}); err != nil {
		return &SendError{Transport: NameArchive, ContextID: contextID, Err: err}
	}
	return nil
}

// OnMessage is a no-op; the archive has no inbound side.
func (a *Archive) OnMessage(MessageHandler) {}

// Cleanup marks the session stopped and closes the database.
func (a *Archive) Cleanup(ctx context.Context) error {
	a.mu.Lock()
	store, sessionID := a.store, a.sessionID
	a.store = nil
	a.mu.Unlock()

	if store == nil {
		return nil
	}
	var endErr error
	if sessionID != "" {
		endErr = store.EndSession(ctx, sessionID, time.Now())
	}
	if err := store.Close(); err != nil && endErr == nil {
		endErr = err
	}
	return endErr
}

// SessionID returns the archive session id assigned by Setup.
func (a *Archive) SessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionID
}

func (a *Archive) InitTips() []string {
	return []string{"Archive: " + displayPath(a.path)}
}
