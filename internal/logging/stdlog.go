package logging

import (
	"bytes"
	"log/slog"
	"strings"
)

// StdlogWriter adapts the standard library logger to slog so that
// third-party packages calling log.Printf end up in the structured log
// instead of on the wrapped program's terminal. A leading "[name] " prefix
// becomes the component attribute.
type StdlogWriter struct {
	component string
}

// NewStdlogWriter returns a writer suitable for log.SetOutput.
func NewStdlogWriter(defaultComponent string) *StdlogWriter {
	return &StdlogWriter{component: defaultComponent}
}

// Write treats each call as one log line.
func (w *StdlogWriter) Write(p []byte) (int, error) {
	n := len(p)
	msg := string(bytes.TrimSpace(p))
	if msg == "" {
		return n, nil
	}
	msg = stripStdlogTimestamp(msg)

	component := w.component
	if strings.HasPrefix(msg, "[") {
		if idx := strings.Index(msg, "] "); idx > 0 {
			component = strings.ToLower(msg[1:idx])
			msg = msg[idx+2:]
		}
	}

	Logger().Info(msg, slog.String("component", component))
	return n, nil
}

// stripStdlogTimestamp drops the "2006/01/02 15:04:05 " prefix produced by
// the default log flags, and the "15:04:05.000000 " form of Ltime|Lmicroseconds.
func stripStdlogTimestamp(s string) string {
	if len(s) > 20 && s[4] == '/' && s[7] == '/' && s[10] == ' ' && s[13] == ':' && s[19] == ' ' {
		s = s[20:]
	}
	if len(s) > 16 && s[2] == ':' && s[5] == ':' && s[8] == '.' && s[15] == ' ' {
		return s[16:]
	}
	if len(s) > 9 && s[2] == ':' && s[5] == ':' && s[8] == ' ' {
		return s[9:]
	}
	return s
}
