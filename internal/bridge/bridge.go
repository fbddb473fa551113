// Package bridge runs one wrapped program inside a pseudo-terminal and
// connects it to a transport: reconstructed conversation turns go out,
// inbound commands are typed back in.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/asheshgoplani/claudecom/internal/conversation"
	"github.com/asheshgoplani/claudecom/internal/flush"
	"github.com/asheshgoplani/claudecom/internal/logging"
	"github.com/asheshgoplani/claudecom/internal/relay"
	"github.com/asheshgoplani/claudecom/internal/terminal"
	"github.com/asheshgoplani/claudecom/internal/transport"
)

var bridgeLog = logging.ForComponent(logging.CompBridge)

const (
	sendTimeout    = 10 * time.Second
	cleanupTimeout = 5 * time.Second
	stopGrace      = 2 * time.Second
)

// Process is the pseudo-terminal side of a session. *terminal.Supervisor
// implements it.
type Process interface {
	Start(command string, args []string) error
	Write(p []byte) error
	Resize(cols, rows int) error
	Stop() error
	Running() bool
	Done() <-chan struct{}
	OnOutput(fn func(terminal.Chunk))
	OnExit(fn func(terminal.ExitStatus))
}

// Session describes the running wrapped-program instance.
type Session struct {
	ID        string
	Instance  string
	ContextID string
	Running   bool
	StartedAt time.Time
	StoppedAt time.Time
}

// Options configures a Bridge.
type Options struct {
	Command  string
	Args     []string
	Instance string

	// Transport carries turns out and commands in. nil runs pass-through only.
	Transport transport.Transport

	Flush   flush.Config
	Relay   relay.Config
	Extract conversation.Config
	Labels  conversation.Labels

	// Process defaults to a terminal.Supervisor mirroring output to Display.
	Process Process
	// Display defaults to os.Stdout.
	Display io.Writer
	// StartupHold holds the display until the program first draws its input
	// box, at most this long, then clears the screen and replays it. Zero
	// mirrors output from the first byte. Ignored when Process is set.
	StartupHold time.Duration

	// Input is the host keyboard. Run forwards it to the program unless nil.
	Input *os.File
	// Output is the host display used for resize tracking (default os.Stdout).
	Output *os.File

	// OnConnected runs after the transport is set up (or has failed) and
	// before the program is spawned.
	OnConnected func()

	// CrashDumpDir receives crash-<unix>.jsonl when the program exits
	// non-zero. Empty disables the dump.
	CrashDumpDir string

	Now func() time.Time
}

// Bridge wires a Process, flush scheduler, conversation extractor, command
// relay and transport into one session.
type Bridge struct {
	opts      Options
	proc      Process
	sched     *flush.Scheduler
	extractor *conversation.Extractor
	relay     *relay.Relay
	screen    *terminal.StartupScreen

	mu       sync.Mutex
	tr       transport.Transport
	session  Session
	started  bool
	stopping bool
	initErr  error
	exit     terminal.ExitStatus
	cancel   context.CancelFunc

	stopOnce sync.Once
	stopped  chan struct{}
}

// New builds a bridge. Nothing starts until Start or Run.
func New(opts Options) *Bridge {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Display == nil {
		opts.Display = os.Stdout
	}
	if opts.Instance == "" {
		opts.Instance = "claude-com"
	}
	var screen *terminal.StartupScreen
	proc := opts.Process
	if proc == nil {
		display := opts.Display
		if opts.StartupHold > 0 {
			screen = terminal.NewStartupScreen(display, opts.StartupHold)
			display = screen
		}
		proc = terminal.NewSupervisor(terminal.Options{Display: display})
	}

	b := &Bridge{
		opts:      opts,
		proc:      proc,
		extractor: conversation.NewExtractor(opts.Extract),
		screen:    screen,
		stopped:   make(chan struct{}),
	}
	b.sched = flush.New(opts.Flush, b.handleBatch)

	rc := opts.Relay
	userOnError := rc.OnError
	rc.OnError = func(err error) {
		bridgeLog.Warn("relay_write_failed", slog.String("error", err.Error()))
		if userOnError != nil {
			userOnError(err)
		}
	}
	b.relay = relay.New(proc, rc)
	return b
}

// Start connects the transport, then spawns the program. A transport that
// fails to initialize is dropped and the session runs pass-through only;
// TransportError reports why. A program that cannot be spawned is fatal.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = true
	ctx, b.cancel = context.WithCancel(ctx)
	b.session = Session{
		ID:        uuid.NewString(),
		Instance:  b.opts.Instance,
		StartedAt: b.opts.Now(),
	}
	b.mu.Unlock()

	b.connect(ctx)
	if b.opts.OnConnected != nil {
		b.opts.OnConnected()
	}

	b.proc.OnOutput(func(c terminal.Chunk) { b.sched.Push(string(c.Data)) })
	b.proc.OnExit(b.handleExit)
	b.relay.Start(ctx)

	if err := b.proc.Start(b.opts.Command, b.opts.Args); err != nil {
		bridgeLog.Error("session_start_failed",
			slog.String("command", b.opts.Command),
			slog.String("error", err.Error()))
		b.shutdown(false)
		return err
	}

	b.mu.Lock()
	b.session.Running = true
	sess := b.session
	b.mu.Unlock()

	bridgeLog.Info("session_started",
		slog.String("session_id", sess.ID),
		slog.String("instance", sess.Instance),
		slog.String("context_id", sess.ContextID),
		slog.String("command", b.opts.Command))
	return nil
}

// connect runs transport Init and Setup. On failure the transport is
// discarded and the error kept for TransportError.
func (b *Bridge) connect(ctx context.Context) {
	tr := b.opts.Transport
	if tr == nil {
		return
	}
	if err := tr.Init(ctx); err != nil {
		b.degrade(tr, "init", err)
		return
	}
	res, err := tr.Setup(ctx, b.opts.Instance)
	if err != nil {
		b.degrade(tr, "setup", err)
		return
	}

	b.mu.Lock()
	b.tr = tr
	b.session.ContextID = res.ContextID
	b.mu.Unlock()

	tr.OnMessage(b.handleMessage)
	bridgeLog.Info("transport_ready",
		slog.String("transport", tr.Name()),
		slog.String("context_id", res.ContextID),
		slog.String("display_name", res.DisplayName))

	b.send(fmt.Sprintf("🟢 Instance started: %s", b.opts.Instance))
}

// degrade records the failure and releases whatever the transport did
// acquire, such as a fan-out child that initialized before the primary failed.
func (b *Bridge) degrade(tr transport.Transport, stage string, err error) {
	initErr := &TransportInitError{Transport: tr.Name(), Stage: stage, Err: err}
	b.mu.Lock()
	b.initErr = initErr
	b.mu.Unlock()
	bridgeLog.Warn("transport_init_failed",
		slog.String("transport", tr.Name()),
		slog.String("stage", stage),
		slog.String("error", err.Error()))

	cctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if cerr := tr.Cleanup(cctx); cerr != nil {
		bridgeLog.Debug("transport_cleanup_failed",
			slog.String("transport", tr.Name()),
			slog.String("error", cerr.Error()))
	}
}

// TransportError returns the transport setup failure, or nil.
func (b *Bridge) TransportError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.initErr
}

// Transport returns the connected transport, or nil in pass-through mode.
func (b *Bridge) Transport() transport.Transport {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tr
}

// Session returns a snapshot of the session.
func (b *Bridge) Session() Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.session
}

// ExitStatus returns how the program ended. It is zero until it has exited.
func (b *Bridge) ExitStatus() terminal.ExitStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exit
}

// Stopped is closed once Stop has finished.
func (b *Bridge) Stopped() <-chan struct{} { return b.stopped }

// Run starts the session, forwards host input when Options.Input is set,
// and blocks until the program exits, ctx is cancelled or the interrupt key
// is pressed. It always stops the session before returning.
func (b *Bridge) Run(ctx context.Context) (terminal.ExitStatus, error) {
	if err := b.Start(ctx); err != nil {
		return terminal.ExitStatus{Code: 1, Err: err}, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var ptDone chan struct{}
	if b.opts.Input != nil {
		pt := &terminal.Passthrough{
			In:     b.opts.Input,
			Out:    b.opts.Output,
			Target: b.proc,
			OnInterrupt: func() {
				bridgeLog.Info("interrupt_received")
				cancel()
			},
		}
		ptDone = make(chan struct{})
		go func() {
			defer close(ptDone)
			if err := pt.Run(runCtx); err != nil {
				bridgeLog.Warn("passthrough_failed", slog.String("error", err.Error()))
			}
		}()
	}

	select {
	case <-b.proc.Done():
	case <-runCtx.Done():
	}
	cancel()

	b.Stop()
	if ptDone != nil {
		<-ptDone
	}
	return b.ExitStatus(), nil
}

// handleBatch runs on the scheduler's delivery goroutine, so the extractor
// only ever sees one batch at a time.
func (b *Bridge) handleBatch(batch string, reason flush.Reason) {
	turns := b.extract(batch)
	if len(turns) == 0 {
		return
	}
	for _, t := range turns {
		logging.Aggregate(logging.CompExtract, "turn_emitted", slog.String("speaker", t.Speaker.String()))
	}
	text := conversation.Render(turns, b.opts.Labels)
	bridgeLog.Debug("turns_extracted",
		slog.Int("turns", len(turns)),
		slog.String("reason", string(reason)))
	b.send(text)
}

// extract drops the batch instead of letting a parser panic escape.
func (b *Bridge) extract(batch string) (turns []conversation.Turn) {
	defer func() {
		if r := recover(); r != nil {
			bridgeLog.Error("extract_panic",
				slog.Any("panic", r),
				slog.Int("batch_bytes", len(batch)))
			turns = nil
		}
	}()
	return b.extractor.Process(batch)
}

func (b *Bridge) send(text string) {
	b.mu.Lock()
	tr, contextID := b.tr, b.session.ContextID
	b.mu.Unlock()
	if tr == nil || text == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := tr.SendMessage(ctx, contextID, text); err != nil {
		var sendErr *transport.SendError
		if !errors.As(err, &sendErr) {
			err = &transport.SendError{Transport: tr.Name(), ContextID: contextID, Err: err}
		}
		bridgeLog.Warn("transport_send_failed", slog.String("error", err.Error()))
	}
}

// handleMessage accepts commands addressed to this session's context only.
func (b *Bridge) handleMessage(contextID, text string) {
	b.mu.Lock()
	tr, own, stopping := b.tr, b.session.ContextID, b.stopping
	b.mu.Unlock()

	if contextID != own {
		bridgeLog.Warn("command_rejected",
			slog.String("context_id", contextID),
			slog.String("want", own))
		return
	}
	if stopping {
		return
	}

	if rec, ok := tr.(transport.Recorder); ok {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		if err := rec.RecordCommand(ctx, text); err != nil {
			bridgeLog.Warn("command_record_failed", slog.String("error", err.Error()))
		}
		cancel()
	}

	if err := b.relay.Submit(text); err != nil {
		bridgeLog.Warn("command_dropped", slog.String("error", err.Error()))
		return
	}
	bridgeLog.Info("command_received", slog.Int("bytes", len(text)), slog.Bool("stop", b.relay.IsStop(text)))
}

func (b *Bridge) handleExit(st terminal.ExitStatus) {
	if b.screen != nil {
		b.screen.Release()
	}
	b.mu.Lock()
	b.exit = st
	b.session.Running = false
	stopping := b.stopping
	b.mu.Unlock()

	bridgeLog.Info("session_program_exited",
		slog.Int("code", st.Code),
		slog.String("signal", st.Signal))

	if st.Code != 0 && !stopping {
		b.dumpCrash()
	}
}

func (b *Bridge) dumpCrash() {
	if b.opts.CrashDumpDir == "" {
		return
	}
	path := filepath.Join(b.opts.CrashDumpDir, fmt.Sprintf("crash-%d.jsonl", b.opts.Now().Unix()))
	if err := os.MkdirAll(b.opts.CrashDumpDir, 0o755); err != nil {
		bridgeLog.Warn("crash_dump_failed", slog.String("error", err.Error()))
		return
	}
	if err := logging.DumpRingBuffer(path); err != nil {
		bridgeLog.Warn("crash_dump_failed", slog.String("error", err.Error()))
		return
	}
	bridgeLog.Info("crash_dump_written", slog.String("path", path))
}

// Stop flushes buffered output, stops relaying, says goodbye on the
// transport, terminates the program and releases the transport. It is
// idempotent and safe to call after the program has exited on its own.
func (b *Bridge) Stop() {
	b.shutdown(true)
}

func (b *Bridge) shutdown(farewell bool) {
	b.stopOnce.Do(func() {
		defer close(b.stopped)

		b.mu.Lock()
		b.stopping = true
		cancel := b.cancel
		b.mu.Unlock()

		b.sched.Stop()
		b.relay.Stop()

		if farewell {
			b.send(fmt.Sprintf("🔴 Instance terminated: %s", b.opts.Instance))
		}

		if err := b.proc.Stop(); err != nil {
			bridgeLog.Warn("session_stop_failed", slog.String("error", err.Error()))
		}
		if done := b.proc.Done(); done != nil {
			select {
			case <-done:
			case <-time.After(stopGrace):
				bridgeLog.Warn("session_stop_timeout")
			}
		}

		b.mu.Lock()
		tr := b.tr
		b.tr = nil
		b.mu.Unlock()
		if tr != nil {
			ctx, cleanupCancel := context.WithTimeout(context.Background(), cleanupTimeout)
			if err := tr.Cleanup(ctx); err != nil {
				bridgeLog.Warn("transport_cleanup_failed", slog.String("error", err.Error()))
			}
			cleanupCancel()
		}
		if cancel != nil {
			cancel()
		}

		b.mu.Lock()
		b.session.Running = false
		b.session.StoppedAt = b.opts.Now()
		sess := b.session
		b.mu.Unlock()

		bridgeLog.Info("session_stopped",
			slog.String("session_id", sess.ID),
			slog.Duration("uptime", sess.StoppedAt.Sub(sess.StartedAt)))
	})
}
