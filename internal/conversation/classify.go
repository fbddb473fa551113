package conversation

import "strings"

// Class is the category of one stripped output line.
type Class int

const (
	ClassOther Class = iota
	ClassPermissionTrigger
	ClassPermissionResolution
	ClassChrome
	ClassUserMarker
	ClassAgentMarker
	ClassProgress
	ClassTerminator
)

func (c Class) String() string {
	switch c {
	case ClassPermissionTrigger:
		return "permission_trigger"
	case ClassPermissionResolution:
		return "permission_resolution"
	case ClassChrome:
		return "chrome"
	case ClassUserMarker:
		return "user_marker"
	case ClassAgentMarker:
		return "agent_marker"
	case ClassProgress:
		return "progress"
	case ClassTerminator:
		return "terminator"
	default:
		return "other"
	}
}

// Line is a classified output line.
type Line struct {
	Raw     string // trimmed, still framed
	Text    string // with a "│ ... │" frame removed
	Content string // Text minus the marker glyph, for marker lines
	Class   Class
}

type rule struct {
	class Class
	match func(p *ResolvedPatterns, l *Line, inDialog bool) bool
}

// rules is the canonical classification order. The first match wins.
var rules = []rule{
	{ClassPermissionTrigger, func(p *ResolvedPatterns, l *Line, _ bool) bool {
		return p.triggers.match(l.Raw)
	}},
	{ClassPermissionResolution, func(p *ResolvedPatterns, l *Line, inDialog bool) bool {
		return inDialog && (p.resolutions.match(l.Raw) || p.resolutions.match(l.Text))
	}},
	{ClassChrome, func(p *ResolvedPatterns, l *Line, _ bool) bool {
		return l.Raw != "" && (isBorder(l.Raw) || p.chrome.match(l.Text))
	}},
	{ClassUserMarker, func(p *ResolvedPatterns, l *Line, _ bool) bool {
		rest, ok := cutGlyph(l.Text, p.PromptGlyphs)
		if !ok || rest == "" {
			return false
		}
		l.Content = rest
		return true
	}},
	{ClassAgentMarker, func(p *ResolvedPatterns, l *Line, _ bool) bool {
		rest, ok := cutGlyph(l.Text, p.ResponseGlyphs)
		if !ok {
			return false
		}
		l.Content = rest
		return true
	}},
	{ClassProgress, func(p *ResolvedPatterns, l *Line, _ bool) bool {
		return p.IsProgress(l.Text)
	}},
	{ClassTerminator, func(p *ResolvedPatterns, l *Line, _ bool) bool {
		if l.Text == "" {
			return true
		}
		rest, ok := cutGlyph(l.Text, p.PromptGlyphs)
		return ok && rest == ""
	}},
}

// Classify assigns a class to one stripped line. Resolution phrases only
// count while a permission dialog is open.
func (p *ResolvedPatterns) Classify(line string, inDialog bool) Line {
	raw := strings.TrimSpace(line)
	l := Line{Raw: raw, Text: unframe(raw)}
	for _, r := range rules {
		if r.match(p, &l, inDialog) {
			l.Class = r.class
			return l
		}
	}
	l.Class = ClassOther
	return l
}

// IsProgress reports whether s is a transient progress indicator.
func (p *ResolvedPatterns) IsProgress(s string) bool {
	if p.ProgressPattern != nil && p.ProgressPattern.MatchString(s) {
		return true
	}
	return !p.progress.empty() && p.progress.match(s)
}

// IsNoise reports whether s is status output that never belongs in an agent turn.
func (p *ResolvedPatterns) IsNoise(s string) bool {
	if p.ThinkingPattern != nil && p.ThinkingPattern.MatchString(s) {
		return true
	}
	return p.noise.match(s)
}

// unframe removes a leading and trailing vertical box edge.
func unframe(s string) string {
	if !strings.HasPrefix(s, "│") {
		return s
	}
	s = strings.TrimSpace(strings.TrimPrefix(s, "│"))
	s = strings.TrimSpace(strings.TrimSuffix(s, "│"))
	return s
}

func cutGlyph(s string, glyphs []string) (string, bool) {
	for _, g := range glyphs {
		if rest, ok := strings.CutPrefix(s, g); ok {
			return strings.TrimSpace(rest), true
		}
	}
	return "", false
}

// isBorder reports whether s consists only of box-drawing runes and spaces.
func isBorder(s string) bool {
	for _, r := range s {
		if r == ' ' || r == '\t' {
			continue
		}
		if r < 0x2500 || r > 0x257F {
			return false
		}
	}
	return true
}
