package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/asheshgoplani/claudecom/internal/bridge"
	"github.com/asheshgoplani/claudecom/internal/config"
	"github.com/asheshgoplani/claudecom/internal/logging"
	"github.com/asheshgoplani/claudecom/internal/terminal"
	"github.com/asheshgoplani/claudecom/internal/transport"
)

const Version = "1.0.0"

func init() {
	initColorProfile()
}

// initColorProfile picks the banner color profile. CLAUDECOM_COLOR accepts
// truecolor, 256, 16 or none.
func initColorProfile() {
	switch strings.ToLower(os.Getenv("CLAUDECOM_COLOR")) {
	case "truecolor", "true", "24bit":
		lipgloss.SetColorProfile(termenv.TrueColor)
		return
	case "256", "ansi256":
		lipgloss.SetColorProfile(termenv.ANSI256)
		return
	case "16", "ansi", "basic":
		lipgloss.SetColorProfile(termenv.ANSI)
		return
	case "none", "off", "ascii":
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}
	if os.Getenv("NO_COLOR") != "" {
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}
	colorTerm := os.Getenv("COLORTERM")
	if colorTerm == "truecolor" || colorTerm == "24bit" {
		lipgloss.SetColorProfile(termenv.TrueColor)
		return
	}
	lipgloss.SetColorProfile(termenv.ANSI256)
}

func main() {
	args := os.Args[1:]
	if len(args) > 0 {
		switch args[0] {
		case "version", "--version", "-v":
			fmt.Printf("ClaudeCom v%s\n", Version)
			return
		case "help", "--help", "-h":
			printHelp(os.Stdout)
			return
		case "init":
			os.Exit(handleInit(args[1:]))
		case "history":
			os.Exit(handleHistory(args[1:]))
		}
	}
	os.Exit(handleRun(args))
}

func printHelp(w io.Writer) {
	fmt.Fprintf(w, "ClaudeCom v%s\n", Version)
	fmt.Fprintln(w, "Remote communication for Claude and other terminal apps")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: claudecom [options] [command [args...]]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  (none)           Run the command (default: claude) with remote access")
	fmt.Fprintln(w, "  init             Write an example config file")
	fmt.Fprintln(w, "  history          List archived sessions or show one transcript")
	fmt.Fprintln(w, "  version          Show version")
	fmt.Fprintln(w, "  help             Show this help")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Options:")
	fmt.Fprintln(w, "  -n, --name <name>       Instance name (default: current folder)")
	fmt.Fprintln(w, "  -t, --transport <type>  Transport: "+strings.Join(transport.Names(), ", "))
	fmt.Fprintln(w, "  --config <path>         Extra config file, read last")
	fmt.Fprintln(w, "  --verbose               Debug logging to ~/.claudecom/logs")
	fmt.Fprintln(w, "  -q, --quiet             Hide the startup banner")
	fmt.Fprintln(w, "  --no-color              Disable banner colors")
	fmt.Fprintln(w, "  --no-archive            Do not record the session in the archive")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Examples:")
	fmt.Fprintln(w, "  claudecom                          # Wrap claude, file transport")
	fmt.Fprintln(w, "  claudecom -t websocket             # Remote access over ws://127.0.0.1:8421/ws")
	fmt.Fprintln(w, "  claudecom -n api -- claude --resume")
}

// runFlags are the command-line options of the default command.
type runFlags struct {
	name       string
	transport  string
	configPath string
	verbose    bool
	quiet      bool
	noColor    bool
	noArchive  bool
	command    []string
}

func parseRunFlags(args []string, stderr io.Writer) (*runFlags, error) {
	fs := flag.NewFlagSet("claudecom", flag.ContinueOnError)
	fs.SetOutput(stderr)
	rf := &runFlags{}
	fs.StringVar(&rf.name, "name", "", "Instance name")
	fs.StringVar(&rf.name, "n", "", "Instance name (short)")
	fs.StringVar(&rf.transport, "transport", "", "Transport type")
	fs.StringVar(&rf.transport, "t", "", "Transport type (short)")
	fs.StringVar(&rf.configPath, "config", "", "Path to a config file")
	fs.BoolVar(&rf.verbose, "verbose", false, "Verbose logging")
	fs.BoolVar(&rf.quiet, "quiet", false, "Hide the startup banner")
	fs.BoolVar(&rf.quiet, "q", false, "Hide the startup banner (short)")
	fs.BoolVar(&rf.noColor, "no-color", false, "Disable colors")
	fs.BoolVar(&rf.noArchive, "no-archive", false, "Disable the session archive")
	fs.Usage = func() { printHelp(stderr) }

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	rf.command = fs.Args()
	return rf, nil
}

// apply layers command-line options over the loaded config.
func (rf *runFlags) apply(cfg *config.Config) {
	if rf.name != "" {
		cfg.Instance = rf.name
	}
	if rf.transport != "" {
		cfg.Transport = strings.ToLower(rf.transport)
	}
	if rf.verbose {
		cfg.Verbose = true
		if cfg.Logging.Level == "" || cfg.Logging.Level == "info" {
			cfg.Logging.Level = "debug"
		}
	}
	if rf.quiet {
		cfg.Quiet = true
	}
	if rf.noArchive {
		cfg.Archive.Enabled = false
	}
	if len(rf.command) > 0 {
		cfg.Command = rf.command[0]
		cfg.Args = rf.command[1:]
	}
}

func handleRun(args []string) int {
	rf, err := parseRunFlags(args, os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if rf.noColor {
		lipgloss.SetColorProfile(termenv.Ascii)
	}

	cfg, err := config.Load(config.LoadOptions{Explicit: rf.configPath})
	if err != nil {
		fmt.Fprintf(os.Stderr, "[claudecom] Error: %v\n", err)
		return 1
	}
	rf.apply(cfg)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "[claudecom] Error: %v\n", err)
		return 1
	}

	logCfg := cfg.LoggingConfig()
	logging.Init(logCfg)
	defer logging.Shutdown()
	log.SetOutput(logging.NewStdlogWriter(logging.CompBridge))
	log.SetFlags(0)

	if len(cfg.Sources) == 0 && !cfg.Quiet {
		fmt.Fprintln(os.Stderr, "⚠️  No configuration file found. Using defaults (run: claudecom init).")
	}

	tr, err := cfg.NewTransport()
	if err != nil {
		fmt.Fprintf(os.Stderr, "[claudecom] Error: %v\n", err)
		return 1
	}
	extractCfg, err := cfg.ExtractorConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "[claudecom] Error: %v\n", err)
		return 1
	}

	var b *bridge.Bridge
	b = bridge.New(bridge.Options{
		Command:      cfg.Command,
		Args:         cfg.Args,
		Instance:     cfg.Instance,
		Transport:    tr,
		Flush:        cfg.FlushConfig(),
		Relay:        cfg.RelayConfig(),
		Extract:      extractCfg,
		Labels:       cfg.Labels(),
		Input:        os.Stdin,
		Output:       os.Stdout,
		StartupHold:  cfg.StartupHold(),
		CrashDumpDir: logCfg.LogDir,
		OnConnected: func() {
			if err := b.TransportError(); err != nil {
				fmt.Fprintf(os.Stderr, "[claudecom] Warning: %v (running without remote access)\n", err)
				return
			}
			if !cfg.Quiet {
				fmt.Fprint(os.Stderr, renderBanner(bannerInfo{
					Transport: tr.Name(),
					Tips:      transport.Tips(tr),
					StopWord:  cfg.Relay.StopWord,
				}))
			}
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := b.Start(ctx); err != nil {
		var startErr *terminal.ProcessStartError
		if errors.As(err, &startErr) {
			fmt.Fprintf(os.Stderr, "[claudecom] Error: cannot start %q: %v\n", startErr.Command, startErr.Err)
		} else {
			fmt.Fprintf(os.Stderr, "[claudecom] Error: %v\n", err)
		}
		return 1
	}

	st, _ := b.Run(ctx)
	logging.ForComponent(logging.CompBridge).Info("claudecom_exit",
		slog.Int("code", st.Code),
		slog.String("signal", st.Signal))

	if st.Code > 0 {
		return st.Code
	}
	return 0
}

func handleInit(args []string) int {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	local := fs.Bool("local", false, "Write ./"+config.LocalFileName+" instead of the user config")
	force := fs.Bool("force", false, "Overwrite an existing file")
	fs.Usage = func() {
		fmt.Println("Usage: claudecom init [--local] [--force]")
		fmt.Println()
		fmt.Println("Write an example config file with every setting and its default.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	path := config.LocalFileName
	if !*local {
		p, err := config.UserConfigPath()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		path = p
	}
	if err := config.WriteExample(path, *force); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	abs, _ := filepath.Abs(path)
	fmt.Printf("✓ Wrote %s\n", abs)
	return 0
}
