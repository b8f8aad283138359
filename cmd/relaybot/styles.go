package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

var (
	accent = lipgloss.Color("#00D4FF")
	subtle = lipgloss.Color("#555555")
	green  = lipgloss.Color("#04B575")
	yellow = lipgloss.Color("#E5C07B")
	red    = lipgloss.Color("#FF4444")

	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(accent)
	boldStyle  = lipgloss.NewStyle().Bold(true)
	okStyle    = lipgloss.NewStyle().Foreground(green).Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(yellow)
	errStyle   = lipgloss.NewStyle().Foreground(red)
	dimStyle   = lipgloss.NewStyle().Foreground(subtle)
)

func statusBadge(ok bool) string {
	if ok {
		return okStyle.Render("✓")
	}
	return dimStyle.Render("✗")
}

func printPass(name, detail string) {
	fmt.Printf("  %s %s: %s\n", okStyle.Render("[PASS]"), name, detail)
}

func printFail(name, detail string) {
	fmt.Printf("  %s %s: %s\n", errStyle.Render("[FAIL]"), name, detail)
}

func printWarn(name, detail string) {
	fmt.Printf("  %s %s: %s\n", warnStyle.Render("[WARN]"), name, detail)
}
