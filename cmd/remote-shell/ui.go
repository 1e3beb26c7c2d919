package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			Width(12)

	okStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	errorStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("196"))
)

// banner prints a title and aligned key/value lines on stderr. Stdout is
// reserved for command output.
func banner(title string, fields ...[2]string) {
	fmt.Fprintln(os.Stderr, titleStyle.Render(title))
	for _, f := range fields {
		fmt.Fprintf(os.Stderr, "  %s %s\n", labelStyle.Render(f[0]+":"), f[1])
	}
}

func tlsLabel(enabled bool) string {
	if enabled {
		return okStyle.Render("enabled")
	}
	return "disabled"
}
