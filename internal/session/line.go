package session

import (
	"path"
	"strconv"
	"strings"
)

// Line is one log line pushed by the device.
type Line struct {
	Text  string
	Error bool // line starts with "Error:" or "Script Error:"
}

// Diagnostic is the location extracted from an error line.
type Diagnostic struct {
	Message string
	Line    int    // 1-based, 0 when unknown
	File    string // base name of the reported file
}

// DecodeLine unescapes a raw socket message.
func DecodeLine(raw string) Line {
	text := strings.ReplaceAll(raw, "%20", " ")
	return Line{
		Text:  text,
		Error: strings.HasPrefix(text, "Error:") || strings.HasPrefix(text, "Script Error:"),
	}
}

// ParseDiagnostic extracts Error:<msg>|<line>|<file> from an error line.
// It returns false for lines that carry no location.
func ParseDiagnostic(l Line) (Diagnostic, bool) {
	if !l.Error {
		return Diagnostic{}, false
	}
	parts := strings.Split(l.Text, "|")
	if len(parts) < 3 {
		return Diagnostic{}, false
	}

	_, msg, _ := strings.Cut(parts[0], ":")
	n, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || n < 0 {
		n = 0
	}
	file := path.Base(strings.ReplaceAll(strings.TrimSpace(parts[2]), "\\", "/"))
	if file == "." || file == "/" {
		return Diagnostic{}, false
	}

	return Diagnostic{
		Message: strings.TrimSpace(msg),
		Line:    n,
		File:    file,
	}, true
}
