// Package ansi turns raw terminal output into plain text.
package ansi

import (
	"regexp"
	"strings"

	xansi "github.com/charmbracelet/x/ansi"
)

// orphanCSI matches the CSI sequences seen with their ESC byte already
// consumed upstream: line clears ("[2K"), cursor moves ("[1A") and "[G"
// when no letter follows it. Bracketed prose such as "[GitHub]" or
// "[10K users]" is left alone.
var orphanCSI = regexp.MustCompile(`\[[0-2]K|\[\d{1,3}[ABCD]|\[G([^A-Za-z]|$)`)

// Strip removes escape sequences (CSI colour, cursor movement, line clear,
// OSC titles) and every control character in 0x00-0x1F and 0x7F except
// newline and tab. Carriage returns are dropped too, so "\r\n" becomes "\n".
//
// Strip is idempotent and safe for concurrent use.
func Strip(s string) string {
	s = dropControls(xansi.Strip(s))
	// Removing one fragment can join the halves of another.
	for {
		next := orphanCSI.ReplaceAllString(s, "$1")
		if next == s {
			return s
		}
		s = next
	}
}

func dropControls(s string) string {
	hasControl := false
	for i := 0; i < len(s); i++ {
		if isDroppedControl(s[i]) {
			hasControl = true
			break
		}
	}
	if !hasControl {
		return s
	}
	return strings.Map(func(r rune) rune {
		if r < 0x80 && isDroppedControl(byte(r)) {
			return -1
		}
		return r
	}, s)
}

func isDroppedControl(b byte) bool {
	if b == '\n' || b == '\t' {
		return false
	}
	return b < 0x20 || b == 0x7f
}
