// Package config loads dssync settings from ~/.dssync/config.yaml, DSSYNC_*
// environment variables and command line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

// EnvPrefix is prepended to every environment override, e.g.
// DSSYNC_ADDRESS or DSSYNC_LOG_FILE.
const EnvPrefix = "DSSYNC"

// FileName is the settings file inside Dir.
const FileName = "config.yaml"

// Settings is the resolved configuration.
type Settings struct {
	Address     string        `mapstructure:"address"`
	Registry    string        `mapstructure:"registry"`
	Journal     string        `mapstructure:"journal"`
	Concurrency int           `mapstructure:"concurrency"`
	Heartbeat   time.Duration `mapstructure:"heartbeat"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Debounce    time.Duration `mapstructure:"debounce"`
	EchoWindow  time.Duration `mapstructure:"echo_window"`
	Log         LogSettings   `mapstructure:"log"`

	// File is the settings file that was read, "" when none existed.
	File string `mapstructure:"-"`
}

// LogSettings controls where component logs go.
type LogSettings struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	Verbose    bool   `mapstructure:"verbose"`
}

// Dir returns ~/.dssync.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to find home directory: %w", err)
	}
	return filepath.Join(home, ".dssync"), nil
}

// New returns a viper instance with defaults and environment binding. Flags
// can be bound to it before Load.
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("address", "")
	v.SetDefault("registry", "")
	v.SetDefault("journal", "")
	v.SetDefault("concurrency", 10)
	v.SetDefault("heartbeat", 5*time.Second)
	v.SetDefault("timeout", 30*time.Second)
	v.SetDefault("debounce", 100*time.Millisecond)
	v.SetDefault("echo_window", 2*time.Second)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.verbose", false)
	return v
}

// Load reads path (default: Dir()/config.yaml) into v and resolves the
// settings. A missing file is not an error. Empty registry and journal
// paths are filled in below Dir().
func Load(v *viper.Viper, path string) (*Settings, error) {
	dir, err := Dir()
	if err != nil {
		return nil, err
	}
	if path == "" {
		path = filepath.Join(dir, FileName)
	}

	v.SetConfigFile(path)
	file := path
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		file = ""
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to decode settings: %w", err)
	}
	s.File = file

	if s.Registry == "" {
		s.Registry = filepath.Join(dir, "dsconfig.json")
	}
	if s.Journal == "" {
		s.Journal = filepath.Join(dir, "journal.db")
	}
	if s.Concurrency <= 0 {
		return nil, fmt.Errorf("concurrency must be positive, got %d", s.Concurrency)
	}
	return &s, nil
}

// LogWriter returns the destination for component logs: the rotating log
// file when one is configured, plus stderr when console is set or logging
// is verbose. With neither, logs are discarded.
func (s *Settings) LogWriter(console bool) io.Writer {
	var writers []io.Writer
	if s.Log.File != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   s.Log.File,
			MaxSize:    s.Log.MaxSizeMB,
			MaxBackups: s.Log.MaxBackups,
		})
	}
	if console || s.Log.Verbose {
		writers = append(writers, os.Stderr)
	}
	switch len(writers) {
	case 0:
		return io.Discard
	case 1:
		return writers[0]
	default:
		return io.MultiWriter(writers...)
	}
}

// Logger returns a component logger with the bracketed prefix used across
// dssync, e.g. Logger(w, "sync") writes "[sync] ...".
func Logger(w io.Writer, component string) *log.Logger {
	return log.New(w, "["+component+"] ", log.LstdFlags)
}
