// Package ui renders terminal output for the dssync commands.
package ui

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#0068C9", Dark: "#5DADE2"}).Bold(true)
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#1E8449", Dark: "#58D68D"})
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#B9770E", Dark: "#F5B041"})
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#B03A2E", Dark: "#EC7063"}).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#808B96", Dark: "#808B96"})
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
)

func init() {
	lipgloss.SetColorProfile(termenv.NewOutput(os.Stdout).EnvColorProfile())
}

// DisableColor turns off styling, for --no-color and non-terminal output.
func DisableColor() {
	lipgloss.SetColorProfile(termenv.Ascii)
}

// RenderAccent renders s as an accent (headings, icons).
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderPass renders s as a success marker.
func RenderPass(s string) string { return passStyle.Render(s) }

// RenderWarn renders s as a warning marker.
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderFail renders s as an error marker.
func RenderFail(s string) string { return failStyle.Render(s) }

// RenderMuted renders s in a dim color.
func RenderMuted(s string) string { return mutedStyle.Render(s) }

// RenderHeader renders a table column header.
func RenderHeader(s string) string { return headerStyle.Render(s) }
