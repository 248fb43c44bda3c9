package sync

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/droidscript/dssync/internal/backlog"
	"github.com/droidscript/dssync/internal/metrics"
	"github.com/droidscript/dssync/internal/registry"
)

// suppress remembers a path the engine is about to write locally.
func (e *Engine) suppress(localPath string) {
	e.echoMu.Lock()
	defer e.echoMu.Unlock()
	e.echo[localPath] = e.now().Add(e.echoWindow)
}

// Suppressed reports whether localPath was written by a download within the
// echo window. Event sources use it to drop their own echoes.
func (e *Engine) Suppressed(localPath string) bool {
	abs, err := filepath.Abs(localPath)
	if err != nil {
		return false
	}

	e.echoMu.Lock()
	defer e.echoMu.Unlock()

	now := e.now()
	for p, until := range e.echo {
		if now.After(until) {
			delete(e.echo, p)
		}
	}
	_, ok := e.echo[abs]
	return ok
}

// batch collects the outcome of one incremental handler call per project.
type batch struct {
	e     *Engine
	kind  string
	start time.Time
	runs  map[string]*batchRun
	errs  []error
}

type batchRun struct {
	transferred int
	failures    []Failure
}

func (e *Engine) newBatch(kind string) *batch {
	return &batch{e: e, kind: kind, start: e.now(), runs: make(map[string]*batchRun)}
}

func (b *batch) run(project string) *batchRun {
	r, ok := b.runs[project]
	if !ok {
		r = &batchRun{}
		b.runs[project] = r
	}
	return r
}

func (b *batch) done(p registry.Project, op, remotePath, rel string, err error) {
	r := b.run(p.Name)
	if err == nil {
		r.transferred++
		return
	}
	r.failures = append(r.failures, Failure{Path: rel, Op: op, Err: err})
	w := Warning{Project: p.Name, Op: op, Path: remotePath, Err: err}
	b.errs = append(b.errs, w)
	b.e.onWarning(w)
}

// finish records one journal run per touched project and returns the
// joined per-file errors.
func (b *batch) finish(ctx context.Context) error {
	for project, r := range b.runs {
		b.e.record(ctx, project, b.kind, b.start, r.transferred, r.failures)
	}
	metrics.SetBacklog(b.e.backlog.Len())
	return errors.Join(b.errs...)
}

func relOf(p registry.Project, localPath string) string {
	abs, _ := filepath.Abs(localPath)
	rel, _ := filepath.Rel(p.Path, abs)
	return filepath.ToSlash(rel)
}

// OnSave uploads saved documents. Paths outside any project, excluded paths
// and files the engine itself just downloaded are ignored. While offline
// the documents are queued instead. A successful upload clears a queued
// save of the same path.
func (e *Engine) OnSave(ctx context.Context, docs ...backlog.Document) error {
	b := e.newBatch("save")
	for _, doc := range docs {
		p, remotePath, ok := e.RemotePath(doc.Path)
		if !ok || e.Suppressed(doc.Path) {
			continue
		}
		if !e.connected() {
			e.backlog.AddSave(doc)
			continue
		}
		rel := relOf(p, doc.Path)
		err := e.upload(ctx, p, rel, doc.Data)
		if err == nil {
			e.backlog.ForgetSave(doc.Path)
			e.logger.Printf("Uploaded %s", remotePath)
		}
		b.done(p, "put", remotePath, rel, err)
	}
	return b.finish(ctx)
}

// OnCreate uploads created files. Created folders need no remote call: the
// device creates them with the first file uploaded into them.
func (e *Engine) OnCreate(ctx context.Context, paths ...string) error {
	b := e.newBatch("create")
	for _, localPath := range paths {
		p, remotePath, ok := e.RemotePath(localPath)
		if !ok || e.Suppressed(localPath) {
			continue
		}
		if !e.connected() {
			e.backlog.AddCreate(localPath)
			continue
		}
		info, err := os.Stat(localPath)
		if err != nil {
			e.logger.Printf("Skipping created %s: %v", localPath, err)
			continue
		}
		if info.IsDir() {
			continue
		}
		rel := relOf(p, localPath)
		err = e.upload(ctx, p, rel, nil)
		if err == nil {
			e.logger.Printf("Created %s", remotePath)
		}
		b.done(p, "put", remotePath, rel, err)
	}
	return b.finish(ctx)
}

// OnDelete removes deleted paths from the device. One failed delete does
// not stop the others.
func (e *Engine) OnDelete(ctx context.Context, paths ...string) error {
	b := e.newBatch("delete")
	for _, localPath := range paths {
		p, remotePath, ok := e.RemotePath(localPath)
		if !ok {
			continue
		}
		if !e.connected() {
			e.backlog.AddDelete(localPath)
			continue
		}
		err := e.remote.Remove(ctx, remotePath)
		metrics.RecordTransfer("delete", err)
		if err == nil {
			e.logger.Printf("Deleted %s", remotePath)
		}
		b.done(p, "delete", remotePath, relOf(p, localPath), err)
	}
	return b.finish(ctx)
}

// OnRename renames paths on the device. A pair is only sent when both the
// old and the new path map to included remote paths; a rename into or out
// of an excluded area issues no call at all.
func (e *Engine) OnRename(ctx context.Context, pairs ...backlog.RenamePair) error {
	b := e.newBatch("rename")
	for _, pair := range pairs {
		p, oldRemote, okOld := e.RemotePath(pair.Old)
		_, newRemote, okNew := e.RemotePath(pair.New)
		if !okOld || !okNew {
			continue
		}
		if !e.connected() {
			e.backlog.AddRename(pair)
			continue
		}
		err := e.remote.Rename(ctx, oldRemote, newRemote)
		metrics.RecordTransfer("rename", err)
		if err == nil {
			e.logger.Printf("Renamed %s -> %s", oldRemote, newRemote)
		}
		b.done(p, "rename", oldRemote, relOf(p, pair.Old), err)
	}
	return b.finish(ctx)
}

// ReplayBacklog drains the backlog once and hands each non-empty queue to
// its handler in one call: renames, creates, saves, then deletes. A path
// queued as both create and save is uploaded once, by the create. Events
// that arrive during the replay, or that are queued again because the
// device dropped mid-replay, wait for the next replay.
func (e *Engine) ReplayBacklog(ctx context.Context) error {
	if !e.connected() {
		return ErrNotConnected
	}

	q := e.backlog.Drain()
	if q.Len() == 0 {
		return nil
	}
	e.logger.Printf("Replaying backlog: %d renames, %d creates, %d saves, %d deletes",
		len(q.Renames), len(q.Creates), len(q.Saves), len(q.Deletes))

	var errs []error
	if len(q.Renames) > 0 {
		errs = append(errs, e.OnRename(ctx, q.Renames...))
	}
	if len(q.Creates) > 0 {
		errs = append(errs, e.OnCreate(ctx, q.Creates...))
	}

	created := make(map[string]bool, len(q.Creates))
	for _, p := range q.Creates {
		created[p] = true
	}
	saves := make([]backlog.Document, 0, len(q.Saves))
	for _, doc := range q.Saves {
		if !created[doc.Path] {
			saves = append(saves, doc)
		}
	}
	if len(saves) > 0 {
		errs = append(errs, e.OnSave(ctx, saves...))
	}
	if len(q.Deletes) > 0 {
		errs = append(errs, e.OnDelete(ctx, q.Deletes...))
	}
	return errors.Join(errs...)
}
