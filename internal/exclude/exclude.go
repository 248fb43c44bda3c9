// Package exclude decides which project paths take part in sync.
//
// Two rules apply to a slash-separated path relative to a project root:
// any segment starting with "." or "~" is excluded unconditionally, and
// otherwise the path is excluded when it matches one of the project's
// exclude patterns. Patterns use gitignore syntax, so "node_modules" and
// "*.apk" match at any depth.
package exclude

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	ignore "github.com/sabhiram/go-gitignore"
)

// ConfigFile is the per-project settings file read for exclude patterns.
const ConfigFile = "jsconfig.json"

// DefaultPatterns is used when a project has no exclude list.
var DefaultPatterns = []string{
	"node_modules",
	"build",
	"dist",
	"AABs",
	"APKs",
	"SPKs",
	"PPKs",
	"*.apk",
	"*.aab",
	"*.spk",
	"*.ppk",
}

// Config is a project's exclusion settings. Use a pointer: the pattern
// matcher is compiled on first use and kept with the value.
type Config struct {
	Exclude []string `json:"exclude"`

	once    sync.Once
	matcher *ignore.GitIgnore
}

var defaultConfig = &Config{Exclude: DefaultPatterns}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig
}

// New returns a configuration for the given patterns.
func New(patterns ...string) *Config {
	return &Config{Exclude: patterns}
}

// Load reads jsconfig.json from projectRoot. It is read on every call so
// edits apply to the next operation. A missing file, a malformed file or a
// file without an exclude key yields Default; malformed files are logged.
func Load(projectRoot string, logger *log.Logger) *Config {
	path := filepath.Join(projectRoot, ConfigFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) && logger != nil {
			logger.Printf("Failed to read %s, using default excludes: %v", path, err)
		}
		return Default()
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		if logger != nil {
			logger.Printf("Malformed %s, using default excludes: %v", path, err)
		}
		return Default()
	}
	if cfg.Exclude == nil {
		return Default()
	}
	return &cfg
}

func (c *Config) compiled() *ignore.GitIgnore {
	c.once.Do(func() {
		c.matcher = ignore.CompileIgnoreLines(c.Exclude...)
	})
	return c.matcher
}

// Excluded reports whether rel is kept out of sync. A nil cfg means Default.
func Excluded(cfg *Config, rel string) bool {
	rel = strings.TrimPrefix(strings.ReplaceAll(rel, "\\", "/"), "./")
	rel = strings.Trim(rel, "/")
	if rel == "" {
		return false
	}

	for _, seg := range strings.Split(rel, "/") {
		if strings.HasPrefix(seg, ".") || strings.HasPrefix(seg, "~") {
			return true
		}
	}

	if cfg == nil {
		cfg = Default()
	}
	return cfg.compiled().MatchesPath(rel)
}
