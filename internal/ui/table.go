package ui

import (
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Table writes rows as aligned columns. Widths are measured on the
// rendered cells, so styled text lines up.
func Table(w io.Writer, header []string, rows [][]string) error {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && lipgloss.Width(cell) > widths[i] {
				widths[i] = lipgloss.Width(cell)
			}
		}
	}

	line := func(cells []string, style func(string) string) string {
		var b strings.Builder
		for i, cell := range cells {
			if i >= len(widths) {
				break
			}
			if style != nil {
				cell = style(cell)
			}
			b.WriteString(cell)
			if i < len(cells)-1 {
				b.WriteString(strings.Repeat(" ", widths[i]-lipgloss.Width(cell)+2))
			}
		}
		b.WriteString("\n")
		return b.String()
	}

	if _, err := io.WriteString(w, line(header, RenderHeader)); err != nil {
		return err
	}
	for _, row := range rows {
		if _, err := io.WriteString(w, line(row, nil)); err != nil {
			return err
		}
	}
	return nil
}
