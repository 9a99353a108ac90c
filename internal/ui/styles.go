// Package ui renders CLI output and interactive prompts.
package ui

import (
	"os"
	"sync/atomic"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#1D4ED8", Dark: "#60A5FA"}).Bold(true)
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#15803D", Dark: "#4ADE80"})
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#B45309", Dark: "#FBBF24"})
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#B91C1C", Dark: "#F87171"}).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#6B7280", Dark: "#9CA3AF"})
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
)

var color atomic.Bool

func init() {
	color.Store(IsTerminal(os.Stdout) && os.Getenv("NO_COLOR") == "")
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// SetColor forces styling on or off.
func SetColor(on bool) {
	color.Store(on)
}

func render(s lipgloss.Style, text string) string {
	if !color.Load() {
		return text
	}
	return s.Render(text)
}

func RenderAccent(s string) string { return render(accentStyle, s) }
func RenderPass(s string) string   { return render(passStyle, s) }
func RenderWarn(s string) string   { return render(warnStyle, s) }
func RenderFail(s string) string   { return render(failStyle, s) }
func RenderMuted(s string) string  { return render(mutedStyle, s) }
func RenderHeader(s string) string { return render(headerStyle, s) }
