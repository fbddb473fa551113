package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"

	"github.com/asheshgoplani/claudecom/internal/archive"
	"github.com/asheshgoplani/claudecom/internal/config"
)

// Table column widths for history output
const (
	histColID       = 12
	histColInstance = 20
	histColStarted  = 19
	histColCommand  = 30
)

func handleHistory(args []string) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	dbPath := fs.String("db", "", "Archive database (default: archive.path from config)")
	limit := fs.Int("limit", 20, "Maximum sessions to list")
	fs.Usage = func() {
		fmt.Println("Usage: claudecom history [--db path] [session-id]")
		fmt.Println()
		fmt.Println("Without an id, list recent sessions. With an id (or a unique prefix),")
		fmt.Println("print that session's transcript.")
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

	path := *dbPath
	if path == "" {
		cfg, err := config.Load(config.LoadOptions{})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		if path, err = cfg.ArchivePath(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
	}
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintf(os.Stderr, "Error: no archive at %s\n", path)
		return 1
	}

	store, err := archive.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer store.Close()
	if err := store.Migrate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	ctx := context.Background()
	if fs.NArg() == 0 {
		if err := listSessions(ctx, os.Stdout, store, *limit); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}
	if err := showSession(ctx, os.Stdout, store, fs.Arg(0)); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func listSessions(ctx context.Context, w io.Writer, store *archive.Store, limit int) error {
	sessions, err := store.Sessions(ctx)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Fprintln(w, "No archived sessions.")
		return nil
	}
	if limit > 0 && len(sessions) > limit {
		sessions = sessions[:limit]
	}

	fmt.Fprintf(w, "%s  %s  %s  %s  %s\n",
		pad("ID", histColID), pad("INSTANCE", histColInstance),
		pad("STARTED", histColStarted), pad("DURATION", 9), "COMMAND")
	for _, s := range sessions {
		duration := "running"
		if !s.StoppedAt.IsZero() {
			duration = s.StoppedAt.Sub(s.StartedAt).Round(time.Second).String()
		}
		fmt.Fprintf(w, "%s  %s  %s  %s  %s\n",
			pad(s.ID, histColID),
			pad(s.Instance, histColInstance),
			pad(s.StartedAt.Local().Format("2006-01-02 15:04:05"), histColStarted),
			pad(duration, 9),
			runewidth.Truncate(s.Command, histColCommand, "…"))
	}
	return nil
}

func showSession(ctx context.Context, w io.Writer, store *archive.Store, idOrPrefix string) error {
	sessions, err := store.Sessions(ctx)
	if err != nil {
		return err
	}
	var matches []archive.SessionRow
	for _, s := range sessions {
		if s.ID == idOrPrefix {
			matches = []archive.SessionRow{s}
			break
		}
		if strings.HasPrefix(s.ID, idOrPrefix) {
			matches = append(matches, s)
		}
	}
	switch len(matches) {
	case 0:
		return fmt.Errorf("%w: %s", archive.ErrSessionNotFound, idOrPrefix)
	case 1:
	default:
		return fmt.Errorf("session id %q is ambiguous (%d matches)", idOrPrefix, len(matches))
	}

	s := matches[0]
	turns, err := store.Turns(ctx, s.ID)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "# %s (%s) started %s\n\n", s.Instance, s.Command, s.StartedAt.Local().Format(time.RFC3339))
	for _, t := range turns {
		marker := "→"
		if t.Direction == archive.DirectionIn {
			marker = "←"
		}
		fmt.Fprintf(w, "[%s] %s %s\n", t.At.Local().Format("15:04:05"), marker, strings.TrimRight(t.Text, "\n"))
	}
	return nil
}

// pad truncates or pads s to exactly width display cells.
func pad(s string, width int) string {
	return runewidth.FillRight(runewidth.Truncate(s, width, "…"), width)
}
