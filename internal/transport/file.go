package transport

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// InputHeader is written to the input file whenever it is reset.
const InputHeader = "# Add your command/prompt here\n# The entire file content will be sent as one request\n"

const (
	defaultSettle       = 200 * time.Millisecond
	defaultPollInterval = 5 * time.Second
)

// FileConfig configures the file mailbox.
type FileConfig struct {
	InputPath    string        // default: ./input.txt
	OutputPath   string        // default: ./output.txt
	Settle       time.Duration // wait after a change before reading
	PollInterval time.Duration // fallback poll in case an event is missed

	Now func() time.Time
}

// File is a two-file mailbox: commands are read from an input file, turns
// are appended to an output file.
type File struct {
	cfg FileConfig

	mu        sync.Mutex
	handler   MessageHandler
	contextID string
	watcher   *fsnotify.Watcher
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	readMu    sync.Mutex
}

// NewFile creates a file transport. Relative paths are resolved against the
// current directory.
func NewFile(cfg FileConfig) *File {
	cwd, _ := os.Getwd()
	if cfg.InputPath == "" {
		cfg.InputPath = "input.txt"
	}
	if cfg.OutputPath == "" {
		cfg.OutputPath = "output.txt"
	}
	if !filepath.IsAbs(cfg.InputPath) {
		cfg.InputPath = filepath.Join(cwd, cfg.InputPath)
	}
	if !filepath.IsAbs(cfg.OutputPath) {
		cfg.OutputPath = filepath.Join(cwd, cfg.OutputPath)
	}
	if cfg.Settle <= 0 {
		cfg.Settle = defaultSettle
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &File{cfg: cfg}
}

func (f *File) Name() string { return NameFile }

// InputPath returns the absolute input file path.
func (f *File) InputPath() string { return f.cfg.InputPath }

// OutputPath returns the absolute output file path.
func (f *File) OutputPath() string { return f.cfg.OutputPath }

// Init creates both files. The output file is truncated and given a header.
func (f *File) Init(ctx context.Context) error {
	for _, p := range []string{f.cfg.InputPath, f.cfg.OutputPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return fmt.Errorf("create dir for %s: %w", p, err)
		}
	}
	if _, err := os.Stat(f.cfg.InputPath); os.IsNotExist(err) {
		if err := os.WriteFile(f.cfg.InputPath, []byte(InputHeader), 0644); err != nil {
			return fmt.Errorf("create input file: %w", err)
		}
	}
	header := fmt.Sprintf("# ClaudeCom Output - %s\n\n", f.timestamp())
	if err := os.WriteFile(f.cfg.OutputPath, []byte(header), 0644); err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	return nil
}

// Setup resets the input file and starts watching it.
func (f *File) Setup(ctx context.Context, instance string) (SetupResult, error) {
	if err := os.WriteFile(f.cfg.InputPath, []byte(InputHeader), 0644); err != nil {
		return SetupResult{}, fmt.Errorf("reset input file: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return SetupResult{}, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	// Watch the directory so editors that replace the file are still seen.
	if err := watcher.Add(filepath.Dir(f.cfg.InputPath)); err != nil {
		_ = watcher.Close()
		return SetupResult{}, fmt.Errorf("watch %s: %w", filepath.Dir(f.cfg.InputPath), err)
	}

	watchCtx, cancel := context.WithCancel(context.Background())

	f.mu.Lock()
	f.contextID = "file-" + instance
	f.watcher = watcher
	f.cancel = cancel
	f.mu.Unlock()

	f.wg.Add(2)
	go f.watch(watchCtx, watcher)
	go f.poll(watchCtx)

	return SetupResult{
		ContextID:   "file-" + instance,
		DisplayName: fmt.Sprintf("File Transport (%s → %s)", f.cfg.InputPath, f.cfg.OutputPath),
	}, nil
}

func (f *File) watch(ctx context.Context, watcher *fsnotify.Watcher) {
	defer f.wg.Done()

	var settleTimer *time.Timer
	defer func() {
		if settleTimer != nil {
			settleTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != f.cfg.InputPath {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if settleTimer != nil {
				settleTimer.Stop()
			}
			settleTimer = time.AfterFunc(f.cfg.Settle, func() {
				if ctx.Err() == nil {
					f.checkInput()
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			transportLog.Warn("file_watcher_error", slog.String("error", err.Error()))
		}
	}
}

func (f *File) poll(ctx context.Context) {
	defer f.wg.Done()
	ticker := time.NewTicker(f.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.checkInput()
		}
	}
}

// checkInput delivers the non-comment content of the input file as one
// command and resets the file.
func (f *File) checkInput() {
	f.readMu.Lock()
	defer f.readMu.Unlock()

	data, err := os.ReadFile(f.cfg.InputPath)
	if err != nil {
		if !os.IsNotExist(err) {
			transportLog.Warn("file_input_read_failed", slog.String("error", err.Error()))
		}
		return
	}

	command := ParseInput(string(data))
	if command == "" {
		return
	}

	if err := os.WriteFile(f.cfg.InputPath, []byte(InputHeader), 0644); err != nil {
		transportLog.Warn("file_input_reset_failed", slog.String("error", err.Error()))
	}

	f.mu.Lock()
	handler, contextID := f.handler, f.contextID
	f.mu.Unlock()

	transportLog.Debug("file_command_received", slog.Int("chars", len(command)))
	if handler != nil && contextID != "" {
		handler(contextID, command)
	}
}

// ParseInput drops comment and blank lines and returns what is left, trimmed.
func ParseInput(content string) string {
	var kept []string
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		kept = append(kept, strings.TrimRight(line, "\r"))
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// SendMessage appends a timestamped entry to the output file.
func (f *File) SendMessage(ctx context.Context, contextID, text string) error {
	entry := fmt.Sprintf("[%s]\n%s\n\n", f.timestamp(), text)
	if err := appendFile(f.cfg.OutputPath, entry); err != nil {
		return &SendError{Transport: NameFile, ContextID: contextID, Err: err}
	}
	return nil
}

func (f *File) OnMessage(h MessageHandler) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
}

// Cleanup stops watching and appends a footer to the output file.
func (f *File) Cleanup(ctx context.Context) error {
	f.mu.Lock()
	cancel, watcher := f.cancel, f.watcher
	f.cancel, f.watcher = nil, nil
	f.mu.Unlock()

	if cancel == nil && watcher == nil {
		// Never set up, or already cleaned up.
		return nil
	}
	if cancel != nil {
		cancel()
	}
	if watcher != nil {
		_ = watcher.Close()
	}
	f.wg.Wait()

	return appendFile(f.cfg.OutputPath, fmt.Sprintf("\n# Session ended - %s\n", f.timestamp()))
}

// InitTips shows the mailbox paths, relative to the current directory when inside it.
func (f *File) InitTips() []string {
	return []string{
		"Input:  " + displayPath(f.cfg.InputPath),
		"Output: " + displayPath(f.cfg.OutputPath),
	}
}

func (f *File) timestamp() string {
	return f.cfg.Now().UTC().Format(time.RFC3339Nano)
}

func displayPath(p string) string {
	cwd, err := os.Getwd()
	if err != nil {
		return p
	}
	if rel, err := filepath.Rel(cwd, p); err == nil && !strings.HasPrefix(rel, "..") {
		return rel
	}
	return p
}

func appendFile(path, s string) error {
	fh, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := fh.WriteString(s); err != nil {
		fh.Close()
		return err
	}
	return fh.Close()
}
