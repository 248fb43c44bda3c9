package sync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"sort"
	stdsync "sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/droidscript/dssync/internal/backlog"
	"github.com/droidscript/dssync/internal/exclude"
	"github.com/droidscript/dssync/internal/gateway"
	"github.com/droidscript/dssync/internal/indexer"
	"github.com/droidscript/dssync/internal/journal"
	"github.com/droidscript/dssync/internal/metrics"
	"github.com/droidscript/dssync/internal/registry"
)

// Config holds engine configuration.
type Config struct {
	// Projects maps local paths to projects (required)
	Projects Projects

	// Remote is the device file API (required)
	Remote Remote

	// Conn reports whether the device is reachable. Nil means always online.
	Conn gateway.Connectivity

	// Backlog receives events while offline (default: new empty backlog)
	Backlog *backlog.Backlog

	// Recorder stores run history. Nil disables recording.
	Recorder Recorder

	// OnWarning receives per-file failures (default: logged)
	OnWarning func(Warning)

	// Logger for sync activity (default: stderr logger)
	Logger *log.Logger

	// Concurrency is the transfer window of a full sync (default: 10)
	Concurrency int

	// EchoWindow is how long a downloaded file ignores local events (default: 2s)
	EchoWindow time.Duration
}

// Engine performs full and incremental sync.
type Engine struct {
	projects    Projects
	remote      Remote
	conn        gateway.Connectivity
	backlog     *backlog.Backlog
	recorder    Recorder
	onWarning   func(Warning)
	logger      *log.Logger
	concurrency int
	echoWindow  time.Duration
	now         func() time.Time

	echoMu stdsync.Mutex
	echo   map[string]time.Time
}

// New creates an engine.
func New(cfg *Config) (*Engine, error) {
	if cfg == nil || cfg.Projects == nil || cfg.Remote == nil {
		return nil, errors.New("sync engine requires Projects and Remote")
	}
	e := &Engine{
		projects:    cfg.Projects,
		remote:      cfg.Remote,
		conn:        cfg.Conn,
		backlog:     cfg.Backlog,
		recorder:    cfg.Recorder,
		onWarning:   cfg.OnWarning,
		logger:      cfg.Logger,
		concurrency: cfg.Concurrency,
		echoWindow:  cfg.EchoWindow,
		now:         time.Now,
		echo:        make(map[string]time.Time),
	}
	if e.backlog == nil {
		e.backlog = backlog.New()
	}
	if e.logger == nil {
		e.logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	if e.onWarning == nil {
		e.onWarning = func(w Warning) {
			e.logger.Printf("WARNING: %v", w)
		}
	}
	if e.concurrency <= 0 {
		e.concurrency = 10
	}
	if e.echoWindow <= 0 {
		e.echoWindow = 2 * time.Second
	}
	return e, nil
}

// Backlog returns the offline event backlog.
func (e *Engine) Backlog() *backlog.Backlog {
	return e.backlog
}

func (e *Engine) connected() bool {
	return e.conn == nil || e.conn.Connected()
}

// RemotePath maps an absolute local path to its device path. It returns
// false when no project owns the path, when the path is the project root,
// or when the project's exclusion settings reject it.
func (e *Engine) RemotePath(localPath string) (registry.Project, string, bool) {
	abs, err := filepath.Abs(localPath)
	if err != nil {
		return registry.Project{}, "", false
	}
	p, ok := e.projects.FindByPath(abs)
	if !ok {
		return registry.Project{}, "", false
	}
	rel, err := filepath.Rel(p.Path, abs)
	if err != nil || rel == "." {
		return registry.Project{}, "", false
	}
	rel = filepath.ToSlash(rel)
	if exclude.Excluded(exclude.Load(p.Path, e.logger), rel) {
		return registry.Project{}, "", false
	}
	return p, path.Join(p.Name, rel), true
}

// Failure is one file that could not be transferred.
type Failure struct {
	Path string // relative to the project root
	Op   string
	Err  error
}

// Report summarizes a full reconciliation.
type Report struct {
	Project     string
	Mode        Mode
	Files       []string // relative paths selected for transfer, sorted
	Transferred int
	Failures    []Failure
	Duration    time.Duration
}

// Err joins the per-file failures, or returns nil.
func (r *Report) Err() error {
	errs := make([]error, 0, len(r.Failures))
	for _, f := range r.Failures {
		errs = append(errs, fmt.Errorf("%s %s: %w", f.Op, f.Path, f.Err))
	}
	return errors.Join(errs...)
}

// SyncProject reconciles one project in the given mode. It refuses with
// ErrNotConnected while offline. Failures of individual files are collected
// in the report; the error return is reserved for failures that prevent
// the reconciliation itself, such as an unreadable tree root.
func (e *Engine) SyncProject(ctx context.Context, p registry.Project, mode Mode) (*Report, error) {
	if !e.connected() {
		return nil, fmt.Errorf("cannot sync %s: %w", p.Name, ErrNotConnected)
	}

	start := e.now()
	cfg := exclude.Load(p.Path, e.logger)
	opts := &indexer.Options{Logger: e.logger}

	indexRemote := func() ([]string, error) {
		files, err := indexer.IndexFolder(ctx, cfg, e.remote.Lister(p.Name), opts)
		if err != nil {
			return nil, fmt.Errorf("failed to index remote project %s: %w", p.Name, err)
		}
		return files, nil
	}
	indexLocal := func() ([]string, error) {
		files, err := indexer.IndexFolder(ctx, cfg, indexer.LocalLister(p.Path), opts)
		if err != nil {
			return nil, fmt.Errorf("failed to index local folder %s: %w", p.Path, err)
		}
		return files, nil
	}

	var files []string
	var err error
	download := true

	switch mode {
	case DownloadAll:
		files, err = indexRemote()
	case UploadAll:
		files, err = indexLocal()
		download = false
	case UpdateLocal, UpdateRemote:
		var remote, local []string
		if remote, err = indexRemote(); err != nil {
			break
		}
		if local, err = indexLocal(); err != nil {
			break
		}
		files = intersect(remote, local)
		download = mode == UpdateLocal
	default:
		return nil, fmt.Errorf("unknown sync mode %v", mode)
	}
	if err != nil {
		return nil, err
	}

	e.logger.Printf("Starting %s for %s: %d files", mode, p.Name, len(files))

	report := &Report{Project: p.Name, Mode: mode, Files: files}
	if download {
		e.transfer(ctx, report, files, func(rel string) (string, error) {
			return "get", e.download(ctx, p, rel)
		}, func() error { return e.createFolders(p, files) })
	} else {
		e.transfer(ctx, report, files, func(rel string) (string, error) {
			return "put", e.upload(ctx, p, rel, nil)
		}, nil)
	}
	report.Duration = e.now().Sub(start)

	metrics.RecordReconcile(mode.String(), report.Duration)
	e.logger.Printf("%s complete for %s: %d transferred, %d failed",
		mode, p.Name, report.Transferred, len(report.Failures))

	e.record(ctx, p.Name, mode.String(), start, report.Transferred, report.Failures)
	return report, nil
}

// transfer runs fn over files in the bounded window. prepare, when set,
// runs before any transfer and its failure fails every file.
func (e *Engine) transfer(ctx context.Context, report *Report, files []string, fn func(rel string) (string, error), prepare func() error) {
	if prepare != nil {
		if err := prepare(); err != nil {
			for _, rel := range files {
				report.Failures = append(report.Failures, Failure{Path: rel, Op: "mkdir", Err: err})
			}
			return
		}
	}

	var mu stdsync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(e.concurrency)

	for _, rel := range files {
		g.Go(func() error {
			op, err := fn(rel)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failures = append(report.Failures, Failure{Path: rel, Op: op, Err: err})
				e.onWarning(Warning{Project: report.Project, Op: op, Path: path.Join(report.Project, rel), Err: err})
				return nil
			}
			report.Transferred++
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(report.Failures, func(i, j int) bool { return report.Failures[i].Path < report.Failures[j].Path })
}

// createFolders creates every local parent folder up front so concurrent
// downloads never race on mkdir.
func (e *Engine) createFolders(p registry.Project, files []string) error {
	dirs := make(map[string]bool)
	for _, rel := range files {
		dirs[filepath.Dir(filepath.Join(p.Path, filepath.FromSlash(rel)))] = true
	}
	for dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// download fetches one file and writes it below the project folder.
func (e *Engine) download(ctx context.Context, p registry.Project, rel string) error {
	remotePath := path.Join(p.Name, rel)
	f, err := e.remote.Get(ctx, remotePath)
	metrics.RecordTransfer("get", err)
	if err != nil {
		return err
	}

	local := filepath.Join(p.Path, filepath.FromSlash(rel))
	e.suppress(local)
	if err := writeFileAtomic(local, f.Data); err != nil {
		return err
	}
	metrics.RecordBytes("down", len(f.Data))
	return nil
}

// upload sends one file. data, when not nil, is sent instead of the file
// content on disk; otherwise the file is streamed from disk.
func (e *Engine) upload(ctx context.Context, p registry.Project, rel string, data []byte) error {
	remotePath := path.Join(p.Name, rel)
	destDir, name := path.Dir(remotePath), path.Base(remotePath)

	var (
		size int
		err  error
	)
	if data != nil {
		size = len(data)
		err = e.remote.Put(ctx, bytes.NewReader(data), destDir, name)
	} else {
		local := filepath.Join(p.Path, filepath.FromSlash(rel))
		info, statErr := os.Stat(local)
		if statErr != nil {
			return fmt.Errorf("failed to read local file: %w", statErr)
		}
		size = int(info.Size())
		err = e.remote.PutFile(ctx, local, destDir, name)
	}
	metrics.RecordTransfer("put", err)
	if err != nil {
		return err
	}
	metrics.RecordBytes("up", size)
	return nil
}

// writeFileAtomic writes data to a temp file next to name and renames it
// into place, so readers never see a partial file.
func writeFileAtomic(name string, data []byte) error {
	dir := filepath.Dir(name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".dssync-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to chmod %s: %w", name, err)
	}
	if err := os.Rename(tmpName, name); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", name, err)
	}
	return nil
}

// intersect returns the sorted paths present in both lists.
func intersect(a, b []string) []string {
	in := make(map[string]bool, len(b))
	for _, p := range b {
		in[p] = true
	}
	var out []string
	for _, p := range a {
		if in[p] {
			out = append(out, p)
			delete(in, p)
		}
	}
	sort.Strings(out)
	return out
}

// record writes a run to the journal when a recorder is configured.
func (e *Engine) record(ctx context.Context, project, kind string, start time.Time, transferred int, failures []Failure) {
	if e.recorder == nil {
		return
	}
	run := &journal.Run{
		Project:     project,
		Kind:        kind,
		StartedAt:   start,
		Duration:    e.now().Sub(start),
		Transferred: transferred,
		Failed:      len(failures),
	}
	for _, f := range failures {
		run.Failures = append(run.Failures, journal.Failure{Path: f.Path, Op: f.Op, Error: f.Err.Error()})
	}
	if err := e.recorder.RecordRun(context.WithoutCancel(ctx), run); err != nil {
		e.logger.Printf("Failed to record %s run for %s: %v", kind, project, err)
	}
}
