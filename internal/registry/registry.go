// Package registry persists the mapping between local folders and device
// projects, together with the last known device address and info.
//
// The record is one JSON file. Field names match the record written by the
// editor extension so that an existing dsconfig.json loads unchanged.
//
// Every load and save normalizes the record: project paths become absolute
// and clean, and projects whose folder no longer exists are dropped. Callers
// can therefore compare paths as plain strings.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/droidscript/dssync/internal/gateway"
)

const (
	// SchemaVersion is written to the VERSION field.
	SchemaVersion = 1.0

	// DefaultPort is the device's HTTP port.
	DefaultPort = "8088"

	// FileName is the registry file name inside the state directory.
	FileName = "dsconfig.json"
)

var (
	// ErrProjectNotFound is returned when no project has the given name.
	ErrProjectNotFound = errors.New("project not found")

	// ErrProjectExists is returned when a name or folder is already registered.
	ErrProjectExists = errors.New("project already registered")

	// ErrInvalidAddress is returned for a device address that cannot be parsed.
	ErrInvalidAddress = errors.New("invalid device address")
)

// Project maps one local folder to one device project.
type Project struct {
	Path    string `json:"path"`    // absolute local folder
	Name    string `json:"PROJECT"` // device project name
	Reload  bool   `json:"reload"`  // pending full download on next open
	Created int64  `json:"created"` // unix milliseconds
}

// CreatedAt returns the registration time.
func (p Project) CreatedAt() time.Time {
	return time.UnixMilli(p.Created)
}

// Contains reports whether localPath is the project root or below it.
// Both paths are expected to be absolute and clean.
func (p Project) Contains(localPath string) bool {
	if p.Path == "" {
		return false
	}
	rel, err := filepath.Rel(p.Path, localPath)
	if err != nil || filepath.IsAbs(rel) {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

type record struct {
	Version       float64       `json:"VERSION"`
	ServerIP      string        `json:"serverIP"`
	Port          string        `json:"PORT"`
	Password      string        `json:"password,omitempty"`
	LocalProjects []Project     `json:"localProjects"`
	Info          *gateway.Info `json:"info"`
}

// Registry is the in-memory registry backed by one file. Safe for
// concurrent use.
type Registry struct {
	path   string
	logger *log.Logger
	now    func() time.Time

	mu  sync.Mutex
	rec record
}

// DefaultPath returns ~/.dssync/dsconfig.json.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".dssync", FileName), nil
}

func defaults() record {
	return record{
		Version:       SchemaVersion,
		Port:          DefaultPort,
		LocalProjects: []Project{},
		Info:          &gateway.Info{},
	}
}

// Load reads the registry at path. A missing or unreadable file yields the
// defaults; a corrupt file is logged and also yields the defaults.
func Load(path string, logger *log.Logger) (*Registry, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[registry] ", log.LstdFlags)
	}

	r := &Registry{
		path:   path,
		logger: logger,
		now:    time.Now,
		rec:    defaults(),
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		logger.Printf("Failed to read %s, using defaults: %v", path, err)
	default:
		rec := defaults()
		if err := json.Unmarshal(data, &rec); err != nil {
			logger.Printf("Corrupt registry %s, using defaults: %v", path, err)
		} else {
			if rec.Version != SchemaVersion {
				logger.Printf("Registry version change %v -> %v", rec.Version, SchemaVersion)
			}
			r.rec = rec
		}
	}

	r.normalizeLocked()
	return r, nil
}

// Path returns the file backing the registry.
func (r *Registry) Path() string {
	return r.path
}

// normalizeLocked prunes missing folders and cleans paths. Caller holds mu
// or owns r exclusively.
func (r *Registry) normalizeLocked() {
	if r.rec.Info == nil {
		r.rec.Info = &gateway.Info{}
	}
	if r.rec.Port == "" {
		r.rec.Port = DefaultPort
	}
	if r.rec.ServerIP != "" {
		if addr, port, err := NormalizeAddress(r.rec.ServerIP); err == nil {
			r.rec.ServerIP, r.rec.Port = addr, port
		} else {
			r.logger.Printf("Dropping invalid server address %q: %v", r.rec.ServerIP, err)
			r.rec.ServerIP = ""
		}
	}

	kept := make([]Project, 0, len(r.rec.LocalProjects))
	for _, p := range r.rec.LocalProjects {
		if p.Path == "" || p.Name == "" {
			continue
		}
		abs, err := filepath.Abs(p.Path)
		if err != nil {
			continue
		}
		if info, err := os.Stat(abs); err != nil || !info.IsDir() {
			r.logger.Printf("Pruning project %s: %s no longer exists", p.Name, abs)
			continue
		}
		p.Path = abs
		kept = append(kept, p)
	}
	r.rec.LocalProjects = kept
}

// Save normalizes the registry and writes it atomically.
func (r *Registry) Save() error {
	r.mu.Lock()
	r.rec.Version = SchemaVersion
	r.normalizeLocked()
	data, err := json.MarshalIndent(r.rec, "", "  ")
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to encode registry: %w", err)
	}

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".dsconfig-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to write registry: %w", err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace registry: %w", err)
	}
	return nil
}

// Projects returns a copy of all projects sorted by name.
func (r *Registry) Projects() []Project {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]Project(nil), r.rec.LocalProjects...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// FindByPath returns the project whose folder is localPath or contains it.
// Nested roots resolve to the deepest one.
func (r *Registry) FindByPath(localPath string) (Project, bool) {
	abs, err := filepath.Abs(localPath)
	if err != nil {
		return Project{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var best Project
	found := false
	for _, p := range r.rec.LocalProjects {
		if p.Contains(abs) && len(p.Path) > len(best.Path) {
			best, found = p, true
		}
	}
	return best, found
}

// FindByName returns the project registered under name.
func (r *Registry) FindByName(name string) (Project, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexLocked(name)
	if i < 0 {
		return Project{}, false
	}
	return r.rec.LocalProjects[i], true
}

func (r *Registry) indexLocked(name string) int {
	for i, p := range r.rec.LocalProjects {
		if p.Name == name {
			return i
		}
	}
	return -1
}

// Add registers localPath as the mirror of the device project name. Both
// the folder and the name must be unregistered.
func (r *Registry) Add(localPath, name string) (Project, error) {
	if name == "" || strings.ContainsAny(name, `/\`) {
		return Project{}, fmt.Errorf("invalid project name %q", name)
	}
	abs, err := filepath.Abs(localPath)
	if err != nil {
		return Project{}, fmt.Errorf("failed to resolve %s: %w", localPath, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return Project{}, fmt.Errorf("failed to stat %s: %w", abs, err)
	}
	if !info.IsDir() {
		return Project{}, fmt.Errorf("%s is not a directory", abs)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.rec.LocalProjects {
		if p.Name == name {
			return Project{}, fmt.Errorf("%w: name %s", ErrProjectExists, name)
		}
		if p.Path == abs {
			return Project{}, fmt.Errorf("%w: folder %s is mapped to %s", ErrProjectExists, abs, p.Name)
		}
	}

	p := Project{Path: abs, Name: name, Created: r.now().UnixMilli()}
	r.rec.LocalProjects = append(r.rec.LocalProjects, p)
	return p, nil
}

// Remove unregisters a project. The local folder is left alone.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexLocked(name)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrProjectNotFound, name)
	}
	r.rec.LocalProjects = append(r.rec.LocalProjects[:i], r.rec.LocalProjects[i+1:]...)
	return nil
}

// Rename changes the device name of a project. When newPath is not empty
// the local folder mapping moves too.
func (r *Registry) Rename(oldName, newName, newPath string) error {
	if newName == "" || strings.ContainsAny(newName, `/\`) {
		return fmt.Errorf("invalid project name %q", newName)
	}
	var abs string
	if newPath != "" {
		var err error
		if abs, err = filepath.Abs(newPath); err != nil {
			return fmt.Errorf("failed to resolve %s: %w", newPath, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexLocked(oldName)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrProjectNotFound, oldName)
	}
	if j := r.indexLocked(newName); j >= 0 && j != i {
		return fmt.Errorf("%w: name %s", ErrProjectExists, newName)
	}
	r.rec.LocalProjects[i].Name = newName
	if abs != "" {
		r.rec.LocalProjects[i].Path = abs
	}
	return nil
}

// MarkReload flags a project for a full download the next time it opens.
func (r *Registry) MarkReload(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexLocked(name)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrProjectNotFound, name)
	}
	r.rec.LocalProjects[i].Reload = true
	return nil
}

// TakeReload clears the pending-reload flag and reports whether it was set.
func (r *Registry) TakeReload(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexLocked(name)
	if i < 0 || !r.rec.LocalProjects[i].Reload {
		return false
	}
	r.rec.LocalProjects[i].Reload = false
	return true
}

// ServerAddress returns the last known device address, or "".
func (r *Registry) ServerAddress() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rec.ServerIP
}

// SetServerAddress normalizes and stores the device address.
func (r *Registry) SetServerAddress(addr string) (string, error) {
	norm, port, err := NormalizeAddress(addr)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rec.ServerIP, r.rec.Port = norm, port
	return norm, nil
}

// Password returns the stored device password.
func (r *Registry) Password() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rec.Password
}

// SetPassword stores the device password.
func (r *Registry) SetPassword(pass string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rec.Password = pass
}

// Info returns a copy of the cached device info.
func (r *Registry) Info() gateway.Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.rec.Info
}

// SetInfo replaces the cached device info.
func (r *Registry) SetInfo(info gateway.Info) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rec.Info = &info
}

// NormalizeAddress turns "host", "host:port" or "scheme://host[:port]" into
// scheme://host:port, defaulting to http and port 8088. The port is also
// returned on its own.
func NormalizeAddress(addr string) (string, string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", "", fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidAddress, u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return "", "", fmt.Errorf("%w: missing host in %q", ErrInvalidAddress, addr)
	}
	port := u.Port()
	if port == "" {
		port = DefaultPort
	}
	return u.Scheme + "://" + net.JoinHostPort(host, port), port, nil
}
