package daemon

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/droidscript/dssync/internal/backlog"
	"github.com/droidscript/dssync/internal/watcher"
)

type queuedChange struct {
	ev  watcher.Event
	at  time.Time
	seq int
}

// changeQueue debounces watcher events per path.
type changeQueue struct {
	mu      sync.Mutex
	changes map[string]queuedChange
	seq     int
}

func newChangeQueue() *changeQueue {
	return &changeQueue{changes: make(map[string]queuedChange)}
}

// add queues ev, merging it with a pending change of the same path. A
// create followed by saves stays a create, and a save of a file renamed
// while pending is sent after the rename under the new name. A rename
// undone by a delete or create of its target turns into a delete of the
// old name. Anything else replaces the pending change and restarts the
// path's quiet period.
func (q *changeQueue) add(ev watcher.Event, now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.seq++
	if ev.Op == watcher.OpDelete {
		delete(q.changes, saveKey(ev.Path))
	}
	if ev.Op == watcher.OpRename {
		if c, ok := q.changes[ev.OldPath]; ok {
			switch c.ev.Op {
			case watcher.OpCreate:
				// a file created and renamed before either was sent is
				// just a create of the final name
				delete(q.changes, ev.OldPath)
				ev = watcher.Event{Op: watcher.OpCreate, Path: ev.Path}
			case watcher.OpSave:
				// the edit is sent under the new name, after the rename
				delete(q.changes, ev.OldPath)
				q.changes[ev.Path] = queuedChange{ev: ev, at: now, seq: q.seq}
				q.seq++
				q.changes[saveKey(ev.Path)] = queuedChange{
					ev: watcher.Event{Op: watcher.OpSave, Path: ev.Path}, at: now, seq: q.seq,
				}
				return
			}
		}
		if c, ok := q.changes[saveKey(ev.OldPath)]; ok {
			delete(q.changes, saveKey(ev.OldPath))
			q.changes[saveKey(ev.Path)] = queuedChange{
				ev: watcher.Event{Op: watcher.OpSave, Path: ev.Path}, at: now, seq: c.seq,
			}
		}
	}
	if prev, ok := q.changes[ev.Path]; ok {
		switch {
		case prev.ev.Op == watcher.OpCreate && ev.Op == watcher.OpSave:
			ev = prev.ev
		case prev.ev.Op == watcher.OpRename && ev.Op == watcher.OpSave:
			// keep the rename and queue the save behind it
			q.changes[ev.Path] = queuedChange{ev: prev.ev, at: now, seq: prev.seq}
			q.changes[saveKey(ev.Path)] = queuedChange{ev: ev, at: now, seq: q.seq}
			return
		case prev.ev.Op == watcher.OpCreate && ev.Op == watcher.OpDelete:
			// never reached the device
			delete(q.changes, ev.Path)
			return
		case prev.ev.Op == watcher.OpRename && (ev.Op == watcher.OpDelete || ev.Op == watcher.OpCreate):
			// the device still has the file under its old name
			delete(q.changes, saveKey(ev.Path))
			if _, busy := q.changes[prev.ev.OldPath]; !busy {
				q.changes[prev.ev.OldPath] = queuedChange{
					ev: watcher.Event{Op: watcher.OpDelete, Path: prev.ev.OldPath}, at: now, seq: prev.seq,
				}
			}
			if ev.Op == watcher.OpDelete {
				delete(q.changes, ev.Path)
				return
			}
		}
	}
	q.changes[ev.Path] = queuedChange{ev: ev, at: now, seq: q.seq}
}

// saveKey is where a save queued behind a rename of path waits.
func saveKey(path string) string {
	return path + "\x00save"
}

// take removes and returns changes that have been quiet for at least
// quiet, in arrival order.
func (q *changeQueue) take(now time.Time, quiet time.Duration) []watcher.Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	var ready []queuedChange
	for key, c := range q.changes {
		if now.Sub(c.at) < quiet {
			continue
		}
		ready = append(ready, c)
		delete(q.changes, key)
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].seq < ready[j].seq })

	events := make([]watcher.Event, len(ready))
	for i, c := range ready {
		events[i] = c.ev
	}
	return events
}

func (q *changeQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.changes)
}

// dispatch hands a batch of settled events to the engine: renames first,
// then creates, saves and deletes. Files the engine wrote itself are
// dropped.
func (d *Daemon) dispatch(ctx context.Context, events []watcher.Event) {
	if len(events) == 0 {
		return
	}

	var (
		renames []backlog.RenamePair
		creates []string
		saves   []backlog.Document
		deletes []string
	)
	for _, ev := range events {
		if ev.Op != watcher.OpDelete && d.engine.Suppressed(ev.Path) {
			continue
		}
		switch ev.Op {
		case watcher.OpRename:
			renames = append(renames, backlog.RenamePair{Old: ev.OldPath, New: ev.Path})
		case watcher.OpCreate:
			creates = append(creates, ev.Path)
		case watcher.OpSave:
			saves = append(saves, backlog.Document{Path: ev.Path})
		case watcher.OpDelete:
			deletes = append(deletes, ev.Path)
		}
	}

	var errs []error
	if len(renames) > 0 {
		errs = append(errs, d.engine.OnRename(ctx, renames...))
	}
	if len(creates) > 0 {
		errs = append(errs, d.engine.OnCreate(ctx, creates...))
	}
	if len(saves) > 0 {
		errs = append(errs, d.engine.OnSave(ctx, saves...))
	}
	if len(deletes) > 0 {
		errs = append(errs, d.engine.OnDelete(ctx, deletes...))
	}
	if err := errors.Join(errs...); err != nil {
		d.logger.Printf("Some changes were not sent: %v", err)
	}
}
