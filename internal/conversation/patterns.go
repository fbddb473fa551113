package conversation

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/asheshgoplani/claudecom/internal/logging"
)

var extractLog = logging.ForComponent(logging.CompExtract)

// DefaultTool names the tool in a permission turn when the trigger does not.
const DefaultTool = "a tool"

// RawPatterns holds string-form patterns before compilation.
// Patterns prefixed with "re:" are compiled as regex; everything else uses strings.Contains.
// Glyph lists are matched as line prefixes.
type RawPatterns struct {
	PromptGlyphs          []string `toml:"prompt_glyphs"`
	ResponseGlyphs        []string `toml:"response_glyphs"`
	Chrome                []string `toml:"chrome"`
	AgentNoise            []string `toml:"agent_noise"`
	PermissionTriggers    []string `toml:"permission_triggers"` // a regex capture group names the tool
	PermissionResolutions []string `toml:"permission_resolutions"`
	Progress              []string `toml:"progress"`
	SpinnerChars          []string `toml:"spinner_chars"`
	WhimsicalWords        []string `toml:"whimsical_words"`
}

// matcher is a compiled plain/regex pattern list.
type matcher struct {
	strs []string
	res  []*regexp.Regexp
}

func (m matcher) match(s string) bool {
	for _, p := range m.strs {
		if strings.Contains(s, p) {
			return true
		}
	}
	for _, re := range m.res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

func (m matcher) empty() bool { return len(m.strs) == 0 && len(m.res) == 0 }

// ResolvedPatterns holds the compiled, ready-to-use patterns for line classification.
type ResolvedPatterns struct {
	PromptGlyphs   []string
	ResponseGlyphs []string

	chrome      matcher
	noise       matcher
	triggers    matcher
	resolutions matcher
	progress    matcher

	// Built from SpinnerChars.
	ProgressPattern *regexp.Regexp
	// Built from SpinnerChars + WhimsicalWords.
	ThinkingPattern *regexp.Regexp
}

// DefaultRawPatterns returns the built-in patterns for the Claude Code UI.
func DefaultRawPatterns() *RawPatterns {
	return &RawPatterns{
		PromptGlyphs:   []string{">"},
		ResponseGlyphs: []string{"⏺"},
		Chrome: []string{
			"? for shortcuts",
			"Use /ide to connect",
			"Tip:",
			`Try "`,
			"Edit file",
			"Yes, and don't ask again",
			"No, and tell Claude",
			"shift+tab to cycle",
			"auto-accept edits",
			`re:[╭╮╰╯]`,
			`re:─{2,}`,
		},
		AgentNoise: []string{
			"Thriving",
			"API Error",
			"Tool uses",
			"tool uses",
			"Initializing…",
			"ctrl+r to expand",
			`re:^Done\b`,
			`re:^Task\(.*\)$`,
			`re:^⎿\s+`,
			`re:(?i)\d[\d.,]*k?\s*tokens\b`,
			`re:(?i)\btokens\b(\s+used)?\s*:?\s*\d`,
		},
		PermissionTriggers: []string{
			`re:needs your permission to use (\w+)`,
			"Do you want to make this edit",
			"Do you want to proceed?",
		},
		PermissionResolutions: []string{
			"Yes",
			"No, and tell Claude",
			"│ >",
			"re:^⏺",
		},
		SpinnerChars:   defaultSpinnerChars(),
		WhimsicalWords: defaultWhimsicalWords(),
	}
}

// defaultSpinnerChars returns the spinner glyphs Claude Code draws in front of
// its progress line, including the done-state glyphs.
func defaultSpinnerChars() []string {
	return []string{
		"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏",
		"✳", "✽", "✶", "✻", "✢", "·", "*",
	}
}

// defaultWhimsicalWords returns the "thinking" verbs shown while the agent works.
func defaultWhimsicalWords() []string {
	return []string{
		"accomplishing", "actioning", "actualizing", "baking", "booping",
		"brewing", "calculating", "cerebrating", "channelling", "churning",
		"clauding", "coalescing", "cogitating", "combobulating", "computing",
		"concocting", "conjuring", "considering", "contemplating", "cooking",
		"crafting", "creating", "crunching", "deciphering", "deliberating",
		"determining", "discombobulating", "divining", "doing", "effecting",
		"elucidating", "enchanting", "envisioning", "finagling", "flibbertigibbeting",
		"forging", "forming", "frolicking", "generating", "germinating",
		"hatching", "herding", "honking", "hustling", "ideating",
		"imagining", "incubating", "inferring", "jiving", "manifesting",
		"marinating", "meandering", "moseying", "mulling", "mustering",
		"musing", "noodling", "percolating", "perusing", "philosophising",
		"pondering", "pontificating", "processing", "puttering", "puzzling",
		"reticulating", "ruminating", "scheming", "schlepping", "shimmying",
		"shucking", "simmering", "smooshing", "spelunking", "spinning",
		"stewing", "sussing", "synthesizing", "thinking", "thriving", "tinkering",
		"transmuting", "unfurling", "unravelling", "vibing", "wandering",
		"whirring", "wibbling", "wizarding", "working", "wrangling",
		"billowing", "gusting", "metamorphosing", "sublimating", "recombobulating", "sautéing",
	}
}

// CompilePatterns compiles raw string patterns into ready-to-use ResolvedPatterns.
// Patterns prefixed with "re:" are compiled as regex. Invalid regex patterns are
// logged as warnings and skipped.
func CompilePatterns(raw *RawPatterns) (*ResolvedPatterns, error) {
	if raw == nil {
		return nil, fmt.Errorf("nil RawPatterns")
	}

	resolved := &ResolvedPatterns{
		PromptGlyphs:   nonEmpty(raw.PromptGlyphs),
		ResponseGlyphs: nonEmpty(raw.ResponseGlyphs),
		chrome:         compileList("chrome", raw.Chrome),
		noise:          compileList("agent_noise", raw.AgentNoise),
		triggers:       compileList("permission_trigger", raw.PermissionTriggers),
		resolutions:    compileList("permission_resolution", raw.PermissionResolutions),
		progress:       compileList("progress", raw.Progress),
	}
	if len(resolved.PromptGlyphs) == 0 {
		return nil, fmt.Errorf("no prompt glyphs configured")
	}
	if len(resolved.ResponseGlyphs) == 0 {
		return nil, fmt.Errorf("no response glyphs configured")
	}

	spinnerClass := ""
	if len(raw.SpinnerChars) > 0 {
		spinnerClass = buildSpinnerCharClass(raw.SpinnerChars) + "?"
	}

	// Progress line: optional spinner, verb, ellipsis, then "(12s · ↓ 1.2k tokens ...)".
	pp, err := regexp.Compile(`^` + spinnerClass + `\s*[\p{L}'-]+(?:…|\.\.\.)\s*\(\s*\d+s\s*·\s*[↑↓⚒]?\s*[\d.,]+k?\s*tokens[^)]*\)\s*$`)
	if err != nil {
		patternLog("failed_compile_progress_pattern", err)
	} else {
		resolved.ProgressPattern = pp
	}

	if len(raw.WhimsicalWords) > 0 {
		words := make([]string, len(raw.WhimsicalWords))
		for i, w := range raw.WhimsicalWords {
			words[i] = regexp.QuoteMeta(w)
		}
		tp, err := regexp.Compile(`^` + spinnerClass + `\s*(?i)(?:` + strings.Join(words, "|") + `)(?:…|\.\.\.)`)
		if err != nil {
			patternLog("failed_compile_thinking_pattern", err)
		} else {
			resolved.ThinkingPattern = tp
		}
	}

	return resolved, nil
}

// DefaultPatterns compiles DefaultRawPatterns. It panics only if the built-in
// patterns are broken.
func DefaultPatterns() *ResolvedPatterns {
	p, err := CompilePatterns(DefaultRawPatterns())
	if err != nil {
		panic(err)
	}
	return p
}

func compileList(kind string, patterns []string) matcher {
	var m matcher
	for _, p := range patterns {
		if p == "" {
			continue
		}
		if strings.HasPrefix(p, "re:") {
			re, err := regexp.Compile(p[3:])
			if err != nil {
				extractLog.Warn("invalid_"+kind+"_regex",
					slog.String("pattern", p),
					slog.String("error", err.Error()))
				continue
			}
			m.res = append(m.res, re)
		} else {
			m.strs = append(m.strs, p)
		}
	}
	return m
}

func patternLog(event string, err error) {
	extractLog.Warn(event, slog.String("error", err.Error()))
}

// buildSpinnerCharClass builds a regex character class from spinner char strings.
// e.g., ["⠋", "⠙", "✳"] -> "[⠋⠙✳]"
func buildSpinnerCharClass(chars []string) string {
	var b strings.Builder
	b.WriteRune('[')
	for _, ch := range chars {
		b.WriteString(regexp.QuoteMeta(ch))
	}
	b.WriteRune(']')
	return b.String()
}

// MergeRawPatterns merges defaults with overrides and extras.
//   - If overrides has a field set (non-nil slice, even if empty), it replaces the default.
//   - extras fields are appended to the result (after defaults or overrides).
//   - If defaults is nil, only overrides/extras are used.
func MergeRawPatterns(defaults, overrides, extras *RawPatterns) *RawPatterns {
	result := &RawPatterns{}
	fields := func(p *RawPatterns) []*[]string {
		return []*[]string{
			&p.PromptGlyphs, &p.ResponseGlyphs, &p.Chrome, &p.AgentNoise,
			&p.PermissionTriggers, &p.PermissionResolutions, &p.Progress,
			&p.SpinnerChars, &p.WhimsicalWords,
		}
	}
	dst := fields(result)

	if defaults != nil {
		for i, f := range fields(defaults) {
			*dst[i] = copySlice(*f)
		}
	}
	if overrides != nil {
		for i, f := range fields(overrides) {
			if *f != nil {
				*dst[i] = copySlice(*f)
			}
		}
	}
	if extras != nil {
		for i, f := range fields(extras) {
			*dst[i] = append(*dst[i], *f...)
		}
	}
	return result
}

// toolFromTrigger returns the first regex capture among trigger patterns that
// match s, or DefaultTool.
func (p *ResolvedPatterns) toolFromTrigger(s string) string {
	for _, re := range p.triggers.res {
		if m := re.FindStringSubmatch(s); len(m) > 1 && m[1] != "" {
			return m[1]
		}
	}
	return DefaultTool
}

func nonEmpty(s []string) []string {
	var out []string
	for _, v := range s {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

func copySlice(s []string) []string {
	if s == nil {
		return nil
	}
	c := make([]string, len(s))
	copy(c, s)
	return c
}
