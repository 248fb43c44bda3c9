package sync

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/droidscript/dssync/internal/gateway"
	"github.com/droidscript/dssync/internal/journal"
	"github.com/droidscript/dssync/internal/registry"
)

// ErrNotConnected is returned when a full sync is requested while offline.
var ErrNotConnected = gateway.ErrNotConnected

// Remote is the device file API used by the engine. *gateway.Client
// satisfies it.
type Remote interface {
	// Lister lists folders below remoteRoot for the indexer.
	Lister(remoteRoot string) func(ctx context.Context, rel string) ([]string, error)
	Get(ctx context.Context, remotePath string) (*gateway.File, error)
	Put(ctx context.Context, content io.Reader, destDir, fileName string) error
	// PutFile streams a local file without reading it into memory.
	PutFile(ctx context.Context, localPath, destDir, fileName string) error
	Remove(ctx context.Context, remotePath string) error
	Rename(ctx context.Context, oldPath, newPath string) error
}

// Projects resolves a local path to its owning project. *registry.Registry
// satisfies it.
type Projects interface {
	FindByPath(localPath string) (registry.Project, bool)
}

// Recorder stores the outcome of each run. *journal.DB satisfies it.
type Recorder interface {
	RecordRun(ctx context.Context, run *journal.Run) error
}

// Mode selects a full reconciliation strategy.
type Mode int

const (
	DownloadAll Mode = iota
	UploadAll
	UpdateLocal
	UpdateRemote
)

var modeNames = []string{"download-all", "upload-all", "update-local", "update-remote"}

func (m Mode) String() string {
	if int(m) < len(modeNames) && m >= 0 {
		return modeNames[m]
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// ParseMode parses a mode name such as "update-local".
func ParseMode(s string) (Mode, error) {
	for i, name := range modeNames {
		if strings.EqualFold(s, name) {
			return Mode(i), nil
		}
	}
	return 0, fmt.Errorf("unknown sync mode %q (want one of %s)", s, strings.Join(modeNames, ", "))
}

// Modes returns all mode names.
func Modes() []string {
	return append([]string(nil), modeNames...)
}

// Warning is a non-fatal per-file failure.
type Warning struct {
	Project string
	Op      string // get, put, delete, rename
	Path    string // remote path
	Err     error
}

func (w Warning) Error() string {
	return fmt.Sprintf("%s %s: %v", w.Op, w.Path, w.Err)
}

func (w Warning) Unwrap() error {
	return w.Err
}
