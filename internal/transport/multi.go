package transport

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Recorder is implemented by transports that also log inbound commands.
type Recorder interface {
	RecordCommand(ctx context.Context, text string) error
}

// Multi fans a session out to a primary transport and any number of
// secondary ones. The primary decides success; secondary failures are logged
// and the failing transport is disabled for the rest of the session. Every
// child whose Init succeeded is cleaned up, disabled or not.
type Multi struct {
	children []Transport

	mu          sync.Mutex
	active      []bool
	initialized []bool
	contexts    []string
	primary     string
}

// NewMulti combines primary with others.
func NewMulti(primary Transport, others ...Transport) *Multi {
	children := append([]Transport{primary}, others...)
	m := &Multi{
		children: children,
		active:      make([]bool, len(children)),
		initialized: make([]bool, len(children)),
		contexts:    make([]string, len(children)),
	}
	for i := range m.active {
		m.active[i] = true
	}
	return m
}

func (m *Multi) Name() string {
	names := make([]string, len(m.children))
	for i, c := range m.children {
		names[i] = c.Name()
	}
	return strings.Join(names, "+")
}

func (m *Multi) Init(ctx context.Context) error {
	return m.each(ctx, "init", func(ctx context.Context, i int, t Transport) error {
		if err := t.Init(ctx); err != nil {
			return err
		}
		m.mu.Lock()
		m.initialized[i] = true
		m.mu.Unlock()
		return nil
	})
}

func (m *Multi) Setup(ctx context.Context, instance string) (SetupResult, error) {
	results := make([]SetupResult, len(m.children))
	err := m.each(ctx, "setup", func(ctx context.Context, i int, t Transport) error {
		r, err := t.Setup(ctx, instance)
		if err != nil {
			return err
		}
		results[i] = r
		return nil
	})
	if err != nil {
		return SetupResult{}, err
	}

	m.mu.Lock()
	for i, r := range results {
		m.contexts[i] = r.ContextID
	}
	m.primary = results[0].ContextID
	m.mu.Unlock()
	return results[0], nil
}

func (m *Multi) SendMessage(ctx context.Context, contextID, text string) error {
	m.mu.Lock()
	if contextID != m.primary {
		m.mu.Unlock()
		return &SendError{Transport: m.Name(), ContextID: contextID, Err: ErrUnknownContext}
	}
	contexts := append([]string(nil), m.contexts...)
	m.mu.Unlock()

	return m.each(ctx, "send", func(ctx context.Context, i int, t Transport) error {
		return t.SendMessage(ctx, contexts[i], text)
	})
}

// OnMessage registers h on every child. Inbound text from a secondary is
// reported under the primary context id.
func (m *Multi) OnMessage(h MessageHandler) {
	for _, c := range m.children {
		c.OnMessage(func(_ string, text string) {
			m.mu.Lock()
			primary := m.primary
			m.mu.Unlock()
			h(primary, text)
		})
	}
}

func (m *Multi) Cleanup(ctx context.Context) error {
	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range m.children {
		if !m.isInitialized(i) {
			continue
		}
		g.Go(func() error {
			if err := c.Cleanup(gctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// RecordCommand forwards to every active child that implements Recorder.
func (m *Multi) RecordCommand(ctx context.Context, text string) error {
	var errs []error
	for i, c := range m.children {
		r, ok := c.(Recorder)
		if !ok || !m.isActive(i) {
			continue
		}
		if err := r.RecordCommand(ctx, text); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// InitTips concatenates the children's tips.
func (m *Multi) InitTips() []string {
	var tips []string
	for _, c := range m.children {
		tips = append(tips, Tips(c)...)
	}
	return tips
}

func (m *Multi) isInitialized(i int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialized[i]
}

func (m *Multi) isActive(i int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[i]
}

// each runs fn on every active child in parallel. The primary's error is
// returned; a failing secondary is logged and disabled.
func (m *Multi) each(ctx context.Context, op string, fn func(ctx context.Context, i int, t Transport) error) error {
	var primaryErr error
	g := new(errgroup.Group)
	for i, c := range m.children {
		if !m.isActive(i) {
			continue
		}
		g.Go(func() error {
			err := fn(ctx, i, c)
			if err == nil {
				return nil
			}
			if i == 0 {
				primaryErr = err
				return nil
			}
			transportLog.Warn("secondary_transport_failed",
				slog.String("transport", c.Name()),
				slog.String("op", op),
				slog.String("error", err.Error()))
			m.mu.Lock()
			m.active[i] = false
			m.mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return primaryErr
}
