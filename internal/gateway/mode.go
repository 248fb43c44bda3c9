package gateway

import (
	"path"
	"strings"
)

// Mode is the transfer mode chosen for a remote file.
type Mode int

const (
	// ModeBinary transfers the file as opaque bytes.
	ModeBinary Mode = iota
	// ModeText transfers the file as text.
	ModeText
)

func (m Mode) String() string {
	if m == ModeText {
		return "text"
	}
	return "binary"
}

// File is a downloaded remote file.
type File struct {
	Path string
	Data []byte
	Mode Mode
}

// textExtensions is the allow-list of extensions transferred in text mode.
var textExtensions = map[string]bool{
	"html": true, "js": true, "css": true, "txt": true, "md": true,
	"json": true, "xml": true, "csv": true, "yaml": true, "yml": true,
	"sql": true, "php": true, "py": true, "rb": true, "java": true,
	"c": true, "cpp": true, "h": true, "cs": true, "pl": true,
	"sh": true, "ps1": true,
}

// ModeFor picks the transfer mode for a path by its extension.
func ModeFor(p string) Mode {
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(p)), ".")
	if textExtensions[ext] {
		return ModeText
	}
	return ModeBinary
}
