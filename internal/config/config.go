// Package config loads claudecom settings from layered TOML files and
// CLAUDECOM_* environment variables.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sahilm/fuzzy"

	"github.com/asheshgoplani/claudecom/internal/conversation"
	"github.com/asheshgoplani/claudecom/internal/flush"
	"github.com/asheshgoplani/claudecom/internal/logging"
	"github.com/asheshgoplani/claudecom/internal/relay"
	"github.com/asheshgoplani/claudecom/internal/transport"
)

var configLog = logging.ForComponent(logging.CompConfig)

const (
	// FileName is the per-user config file inside DirName.
	FileName = "config.toml"
	// DirName is the per-user state directory under $HOME.
	DirName = ".claudecom"
	// LocalFileName is the project-local config file.
	LocalFileName = ".claudecom.toml"

	DefaultCommand   = "claude"
	DefaultInstance  = "claude-com"
	DefaultPprofAddr = "localhost:6060"
)

// Config is the full set of claudecom settings.
type Config struct {
	Transport string   `toml:"transport"`
	Instance  string   `toml:"instance"`
	Command   string   `toml:"command"`
	Args      []string `toml:"args"`
	Verbose   bool     `toml:"verbose"`
	Quiet     bool     `toml:"quiet"`

	Display   DisplaySettings   `toml:"display"`
	Flush     FlushSettings     `toml:"flush"`
	Relay     RelaySettings     `toml:"relay"`
	Extract   ExtractSettings   `toml:"extract"`
	Patterns  PatternSettings   `toml:"patterns"`
	File      FileSettings      `toml:"file"`
	WebSocket WebSocketSettings `toml:"websocket"`
	Archive   ArchiveSettings   `toml:"archive"`
	Logging   LogSettings       `toml:"logging"`

	// Sources lists the files that were decoded, lowest priority first.
	Sources []string `toml:"-"`
}

// DisplaySettings controls how the wrapped program appears locally.
type DisplaySettings struct {
	// HoldStartup keeps the program's loading screens off the display until
	// its input box is drawn, then clears and redraws once.
	HoldStartup   bool `toml:"hold_startup"`
	StartupHoldMs int  `toml:"startup_hold_ms"`
}

// DefaultStartupHold bounds how long startup output is held.
const DefaultStartupHold = 3 * time.Second

// FlushSettings tunes the output flush scheduler.
type FlushSettings struct {
	DebounceMs     int `toml:"debounce_ms"`
	MaxBufferBytes int `toml:"max_buffer_bytes"`
}

// RelaySettings tunes command injection.
type RelaySettings struct {
	SubmitDelayMs int    `toml:"submit_delay_ms"`
	MinIntervalMs int    `toml:"min_interval_ms"`
	InterruptKey  string `toml:"interrupt_key"`
	ClearLineKey  string `toml:"clear_line_key"`
	SubmitKey     string `toml:"submit_key"`
	StopWord      string `toml:"stop_word"`
}

// ExtractSettings tunes conversation reconstruction.
type ExtractSettings struct {
	DedupWindowMs int    `toml:"dedup_window_ms"`
	KeepTurnsOpen bool   `toml:"keep_turns_open"`
	AgentLabel    string `toml:"agent_label"`
	UserLabel     string `toml:"user_label"`
}

// PatternSettings adjusts the line classification patterns. Override
// fields replace the built-in list, extra fields are appended to it.
// Entries prefixed with "re:" are regular expressions.
type PatternSettings struct {
	Override conversation.RawPatterns `toml:"override"`
	Extra    conversation.RawPatterns `toml:"extra"`
}

// FileSettings configures the file mailbox transport.
type FileSettings struct {
	InputPath      string `toml:"input_path"`
	OutputPath     string `toml:"output_path"`
	PollIntervalMs int    `toml:"poll_interval_ms"`
}

// WebSocketSettings configures the websocket transport.
type WebSocketSettings struct {
	Listen string `toml:"listen"`
	Token  string `toml:"token"`
}

// ArchiveSettings configures the SQLite transcript archive.
type ArchiveSettings struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"` // default ~/.claudecom/archive.db
}

// LogSettings configures debug logging.
type LogSettings struct {
	Dir          string `toml:"dir"`
	Level        string `toml:"level"`
	Format       string `toml:"format"`
	MaxSizeMB    int    `toml:"max_size_mb"`
	MaxBackups   int    `toml:"max_backups"`
	MaxAgeDays   int    `toml:"max_age_days"`
	Compress     bool   `toml:"compress"`
	PprofEnabled bool   `toml:"pprof_enabled"`
}

// Default returns the built-in configuration. The instance name defaults to
// the base name of the working directory.
func Default() *Config {
	instance := DefaultInstance
	if cwd, err := os.Getwd(); err == nil {
		if base := filepath.Base(cwd); base != "" && base != "/" && base != "." {
			instance = base
		}
	}
	return &Config{
		Transport: transport.NameFile,
		Instance:  instance,
		Command:   DefaultCommand,
		Display: DisplaySettings{
			HoldStartup:   true,
			StartupHoldMs: int(DefaultStartupHold / time.Millisecond),
		},
		Flush: FlushSettings{
			DebounceMs:     int(flush.DefaultDebounce / time.Millisecond),
			MaxBufferBytes: flush.DefaultMaxBuffer,
		},
		Relay: RelaySettings{
			SubmitDelayMs: int(relay.DefaultSubmitDelay / time.Millisecond),
			InterruptKey:  relay.DefaultInterruptKey,
			ClearLineKey:  relay.DefaultClearLineKey,
			SubmitKey:     relay.DefaultSubmitKey,
			StopWord:      relay.DefaultStopWord,
		},
		Extract: ExtractSettings{
			DedupWindowMs: int(conversation.DefaultDedupWindow / time.Millisecond),
			AgentLabel:    conversation.DefaultLabels.Agent,
			UserLabel:     conversation.DefaultLabels.User,
		},
		File: FileSettings{
			InputPath:  "./input.txt",
			OutputPath: "./output.txt",
		},
		WebSocket: WebSocketSettings{
			Listen: transport.DefaultWebSocketListen,
		},
		Archive: ArchiveSettings{
			Enabled: true,
		},
		Logging: LogSettings{
			Level:  "info",
			Format: "json",
		},
	}
}

// Dir returns ~/.claudecom.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, DirName), nil
}

// UserConfigPath returns ~/.claudecom/config.toml.
func UserConfigPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, FileName), nil
}

// SearchPaths returns the config files consulted by Load, lowest priority
// first. Missing files are skipped.
func SearchPaths() []string {
	paths := []string{"/etc/claudecom/config.toml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".config", "claudecom", FileName),
			filepath.Join(home, DirName, FileName),
		)
	}
	return append(paths, LocalFileName)
}

// LoadOptions controls where Load reads from.
type LoadOptions struct {
	// Paths overrides SearchPaths when non-nil.
	Paths []string
	// Explicit is a --config path. It must exist.
	Explicit string
	// Getenv defaults to os.Getenv.
	Getenv func(string) string
}

// Load decodes every config file in priority order over the defaults, then
// applies environment overrides and normalizes the result. Each file only
// replaces the keys it sets.
func Load(opts LoadOptions) (*Config, error) {
	cfg := Default()

	paths := opts.Paths
	if paths == nil {
		paths = SearchPaths()
	}
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := cfg.decodeFile(path); err != nil {
			return nil, err
		}
	}
	if opts.Explicit != "" {
		if _, err := os.Stat(opts.Explicit); err != nil {
			return nil, fmt.Errorf("config file %s: %w", opts.Explicit, err)
		}
		if err := cfg.decodeFile(opts.Explicit); err != nil {
			return nil, err
		}
	}

	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	cfg.applyEnv(getenv)
	cfg.normalize()
	return cfg, nil
}

func (c *Config) decodeFile(path string) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("%s parse error: %w", path, err)
	}
	for _, key := range md.Undecoded() {
		configLog.Warn("config_unknown_key", "path", path, "key", key.String())
	}
	c.Sources = append(c.Sources, path)
	configLog.Debug("config_loaded", "path", path)
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.Transport, "CLAUDECOM_TRANSPORT")
	set(&c.Instance, "CLAUDECOM_INSTANCE")
	set(&c.Command, "CLAUDECOM_COMMAND")
	set(&c.File.InputPath, "CLAUDECOM_FILE_INPUT")
	set(&c.File.OutputPath, "CLAUDECOM_FILE_OUTPUT")
	set(&c.WebSocket.Listen, "CLAUDECOM_WS_LISTEN")
	set(&c.WebSocket.Token, "CLAUDECOM_WS_TOKEN")
	set(&c.Logging.Dir, "CLAUDECOM_LOG_DIR")
	if v := getenv("CLAUDECOM_VERBOSE"); v != "" {
		c.Verbose = v == "true" || v == "1"
	}
}

// normalize replaces non-positive tunables and empty strings with defaults.
func (c *Config) normalize() {
	d := Default()
	if c.Transport == "" {
		c.Transport = d.Transport
	}
	c.Transport = strings.ToLower(strings.TrimSpace(c.Transport))
	if c.Instance == "" {
		c.Instance = d.Instance
	}
	if c.Command == "" {
		c.Command = d.Command
	}
	if c.Display.StartupHoldMs <= 0 {
		c.Display.StartupHoldMs = d.Display.StartupHoldMs
	}
	if c.Flush.DebounceMs <= 0 {
		c.Flush.DebounceMs = d.Flush.DebounceMs
	}
	if c.Flush.MaxBufferBytes <= 0 {
		c.Flush.MaxBufferBytes = d.Flush.MaxBufferBytes
	}
	if c.Relay.SubmitDelayMs <= 0 {
		c.Relay.SubmitDelayMs = d.Relay.SubmitDelayMs
	}
	if c.Relay.MinIntervalMs < 0 {
		c.Relay.MinIntervalMs = 0
	}
	if c.Extract.DedupWindowMs <= 0 {
		c.Extract.DedupWindowMs = d.Extract.DedupWindowMs
	}
	if c.Extract.AgentLabel == "" {
		c.Extract.AgentLabel = d.Extract.AgentLabel
	}
	if c.Extract.UserLabel == "" {
		c.Extract.UserLabel = d.Extract.UserLabel
	}
	if c.File.PollIntervalMs < 0 {
		c.File.PollIntervalMs = 0
	}
	if c.WebSocket.Listen == "" {
		c.WebSocket.Listen = d.WebSocket.Listen
	}
	if c.Verbose && c.Logging.Level == "info" {
		c.Logging.Level = "debug"
	}
}

// Validate checks values that have no sensible fallback.
func (c *Config) Validate() error {
	if err := ValidateTransport(c.Transport); err != nil {
		return err
	}
	if _, err := c.ResolvedPatterns(); err != nil {
		return err
	}
	return nil
}

// ValidateTransport rejects names that are not built-in transports, with a
// suggestion when one is close.
func ValidateTransport(name string) error {
	names := transport.Names()
	for _, n := range names {
		if n == name {
			return nil
		}
	}
	if s := SuggestTransport(name); s != "" {
		return fmt.Errorf("unknown transport %q (did you mean %q?)", name, s)
	}
	return fmt.Errorf("unknown transport %q (available: %s)", name, strings.Join(names, ", "))
}

// SuggestTransport returns the closest built-in transport name, or "".
func SuggestTransport(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return ""
	}
	names := transport.Names()
	if matches := fuzzy.Find(name, names); len(matches) > 0 {
		return matches[0].Str
	}
	// Transposed letters rarely survive a subsequence match, so retry with
	// the leading characters only.
	if len(name) > 3 {
		if matches := fuzzy.Find(name[:3], names); len(matches) > 0 {
			return matches[0].Str
		}
	}
	return ""
}

// StartupHold returns the display hold for the program's startup screens,
// or zero when holding is off.
func (c *Config) StartupHold() time.Duration {
	if !c.Display.HoldStartup {
		return 0
	}
	return ms(c.Display.StartupHoldMs)
}

// FlushConfig returns the scheduler settings.
func (c *Config) FlushConfig() flush.Config {
	return flush.Config{
		Debounce:  ms(c.Flush.DebounceMs),
		MaxBuffer: c.Flush.MaxBufferBytes,
	}
}

// RelayConfig returns the command relay settings.
func (c *Config) RelayConfig() relay.Config {
	return relay.Config{
		SubmitDelay:  ms(c.Relay.SubmitDelayMs),
		MinInterval:  ms(c.Relay.MinIntervalMs),
		InterruptKey: c.Relay.InterruptKey,
		ClearLineKey: c.Relay.ClearLineKey,
		SubmitKey:    c.Relay.SubmitKey,
		StopWord:     c.Relay.StopWord,
	}
}

// ResolvedPatterns merges pattern overrides and extras into the defaults
// and compiles them.
func (c *Config) ResolvedPatterns() (*conversation.ResolvedPatterns, error) {
	raw := conversation.MergeRawPatterns(conversation.DefaultRawPatterns(), &c.Patterns.Override, &c.Patterns.Extra)
	p, err := conversation.CompilePatterns(raw)
	if err != nil {
		return nil, fmt.Errorf("patterns: %w", err)
	}
	return p, nil
}

// ExtractorConfig returns the conversation extractor settings.
func (c *Config) ExtractorConfig() (conversation.Config, error) {
	p, err := c.ResolvedPatterns()
	if err != nil {
		return conversation.Config{}, err
	}
	return conversation.Config{
		Patterns:      p,
		DedupWindow:   ms(c.Extract.DedupWindowMs),
		KeepTurnsOpen: c.Extract.KeepTurnsOpen,
	}, nil
}

// Labels returns the speaker labels for rendered turns.
func (c *Config) Labels() conversation.Labels {
	return conversation.Labels{User: c.Extract.UserLabel, Agent: c.Extract.AgentLabel}
}

// FileConfig returns the file mailbox settings.
func (c *Config) FileConfig() transport.FileConfig {
	return transport.FileConfig{
		InputPath:    c.File.InputPath,
		OutputPath:   c.File.OutputPath,
		PollInterval: ms(c.File.PollIntervalMs),
	}
}

// WebSocketConfig returns the websocket channel settings.
func (c *Config) WebSocketConfig() transport.WebSocketConfig {
	return transport.WebSocketConfig{Listen: c.WebSocket.Listen, Token: c.WebSocket.Token}
}

// ArchivePath returns the archive database path, defaulting to
// ~/.claudecom/archive.db.
func (c *Config) ArchivePath() (string, error) {
	if c.Archive.Path != "" {
		return expandHome(c.Archive.Path)
	}
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "archive.db"), nil
}

// LoggingConfig returns the logging settings. Verbose mode writes to
// ~/.claudecom/logs when no directory is configured.
func (c *Config) LoggingConfig() logging.Config {
	lc := logging.Config{
		LogDir:     c.Logging.Dir,
		Level:      c.Logging.Level,
		Format:     c.Logging.Format,
		MaxSizeMB:  c.Logging.MaxSizeMB,
		MaxBackups: c.Logging.MaxBackups,
		MaxAgeDays: c.Logging.MaxAgeDays,
		Compress:   c.Logging.Compress,
		Debug:      c.Verbose,
	}
	if lc.LogDir != "" {
		if dir, err := expandHome(lc.LogDir); err == nil {
			lc.LogDir = dir
		}
	} else if c.Verbose {
		if dir, err := Dir(); err == nil {
			lc.LogDir = filepath.Join(dir, "logs")
		}
	}
	if c.Logging.PprofEnabled {
		lc.PprofAddr = DefaultPprofAddr
	}
	return lc
}

// NewTransport builds the configured primary transport, fanned out to the
// archive when it is enabled.
func (c *Config) NewTransport() (transport.Transport, error) {
	if err := ValidateTransport(c.Transport); err != nil {
		return nil, err
	}
	var primary transport.Transport
	switch c.Transport {
	case transport.NameWebSocket:
		primary = transport.NewWebSocket(c.WebSocketConfig())
	default:
		primary = transport.NewFile(c.FileConfig())
	}
	if !c.Archive.Enabled {
		return primary, nil
	}
	path, err := c.ArchivePath()
	if err != nil {
		return nil, err
	}
	command := strings.TrimSpace(c.Command + " " + strings.Join(c.Args, " "))
	return transport.NewMulti(primary, transport.NewArchive(path, command)), nil
}

// WriteExample writes a commented example config to path using a temp file
// and rename. An existing file is left alone unless force is set.
func WriteExample(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	var buf bytes.Buffer
	buf.WriteString(exampleHeader)
	if err := toml.NewEncoder(&buf).Encode(exampleConfig()); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := syncFile(tmpPath); err != nil {
		configLog.Warn("config_sync_failed", "path", tmpPath, "error", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to finalize config save: %w", err)
	}
	return nil
}

const exampleHeader = `# ClaudeCom configuration
#
# Files are read in this order, later ones win:
#   /etc/claudecom/config.toml
#   ~/.config/claudecom/config.toml
#   ~/.claudecom/config.toml
#   ./.claudecom.toml
#   --config <path>
# CLAUDECOM_* environment variables and flags override all files.
#
# [patterns.override] replaces a built-in pattern list, [patterns.extra]
# appends to it. Prefix an entry with "re:" to make it a regular expression.

`

// exampleConfig is Default without machine-specific values.
func exampleConfig() *Config {
	cfg := Default()
	cfg.Instance = DefaultInstance
	cfg.Archive.Path = filepath.Join("~", DirName, "archive.db")
	cfg.Logging.Dir = filepath.Join("~", DirName, "logs")
	return cfg
}

func syncFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }
