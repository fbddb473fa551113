package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
)

// bannerWidth is the inner width of the startup box.
const bannerWidth = 49

var (
	bannerTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7aa2f7"))
	bannerDimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#565f89"))
	bannerBoxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#3b4261")).Padding(0, 1)
)

type bannerInfo struct {
	Transport string
	Tips      []string
	StopWord  string
}

// renderBanner draws the startup box shown on stderr before the wrapped
// program takes over the screen.
func renderBanner(info bannerInfo) string {
	width := bannerWidth - 2
	line := func(s string) string { return runewidth.Truncate(s, width, "…") }

	var rows []string
	rows = append(rows, bannerTitleStyle.Render(line("ClaudeCom - Remote Claude Communication")), "")
	rows = append(rows,
		line("• Use Claude as you normally would"),
		line(fmt.Sprintf("• Remote access via: %s", info.Transport)),
	)
	if len(info.Tips) > 0 {
		rows = append(rows, "")
		for _, tip := range info.Tips {
			rows = append(rows, bannerDimStyle.Render(line("  "+tip)))
		}
	}
	stop := info.StopWord
	if stop == "" {
		stop = "STOP"
	}
	rows = append(rows, "",
		line("Commands:"),
		line(fmt.Sprintf("• Send %q via transport to cancel", stop)),
		line("• Press Ctrl+C here to exit"),
	)

	box := bannerBoxStyle.Width(bannerWidth).Render(strings.Join(rows, "\n"))
	return "\n" + box + "\n\n"
}
