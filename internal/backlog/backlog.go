// Package backlog queues local file events while the device is offline.
//
// There is one queue per event kind. Drain hands back everything queued so
// far and leaves fresh empty queues behind in the same critical section, so
// an event that arrives while a drained batch is being replayed lands in
// the next batch: it is neither lost nor replayed twice.
//
// The queues are replayed renames first, then creates, saves and deletes,
// so the Add methods keep them consistent with that order: a queued save
// or create follows later renames of its path, and a create and a delete
// of the same path cancel out the earlier one.
package backlog

import (
	"os"
	"strings"
	"sync"
)

// Document is a saved file. Data holds the saved content; nil means the
// content is read from disk when the save is replayed.
type Document struct {
	Path string
	Data []byte
}

// RenamePair is a local rename from Old to New.
type RenamePair struct {
	Old string
	New string
}

// Batch is the drained content of all four queues.
type Batch struct {
	Saves   []Document
	Creates []string
	Deletes []string
	Renames []RenamePair
}

// Len returns the number of queued events in the batch.
func (b Batch) Len() int {
	return len(b.Saves) + len(b.Creates) + len(b.Deletes) + len(b.Renames)
}

// orderedSet keeps first-insertion order and deduplicates by key.
type orderedSet[T any] struct {
	index map[string]int
	items []T
}

func newOrderedSet[T any]() orderedSet[T] {
	return orderedSet[T]{index: make(map[string]int)}
}

// put inserts v under key, replacing a previous value in place.
func (s *orderedSet[T]) put(key string, v T) {
	if i, ok := s.index[key]; ok {
		s.items[i] = v
		return
	}
	s.index[key] = len(s.items)
	s.items = append(s.items, v)
}

func (s *orderedSet[T]) has(key string) bool {
	_, ok := s.index[key]
	return ok
}

func (s *orderedSet[T]) remove(key string) {
	i, ok := s.index[key]
	if !ok {
		return
	}
	s.items = append(s.items[:i], s.items[i+1:]...)
	delete(s.index, key)
	for k, j := range s.index {
		if j > i {
			s.index[k] = j - 1
		}
	}
}

// rekey moves the entry at oldKey to newKey with value v, keeping its
// position. An entry already stored under newKey is dropped.
func (s *orderedSet[T]) rekey(oldKey, newKey string, v T) {
	if oldKey == newKey {
		s.put(newKey, v)
		return
	}
	if !s.has(oldKey) {
		return
	}
	s.remove(newKey)
	i := s.index[oldKey]
	delete(s.index, oldKey)
	s.index[newKey] = i
	s.items[i] = v
}

// keys returns the keys in insertion order.
func (s *orderedSet[T]) keys() []string {
	out := make([]string, len(s.items))
	for k, i := range s.index {
		out[i] = k
	}
	return out
}

// within reports whether p is dir or a path below it.
func within(p, dir string) bool {
	return p == dir || strings.HasPrefix(p, dir+string(os.PathSeparator))
}

// moved maps p through a rename of oldPath to newPath.
func moved(p, oldPath, newPath string) (string, bool) {
	if !within(p, oldPath) {
		return "", false
	}
	return newPath + p[len(oldPath):], true
}

// Backlog holds the four queues. The zero value is not usable; call New.
type Backlog struct {
	mu      sync.Mutex
	saves   orderedSet[Document]
	creates orderedSet[string]
	deletes orderedSet[string]
	renames []RenamePair
}

// New creates an empty backlog.
func New() *Backlog {
	b := &Backlog{}
	b.reset()
	return b
}

func (b *Backlog) reset() {
	b.saves = newOrderedSet[Document]()
	b.creates = newOrderedSet[string]()
	b.deletes = newOrderedSet[string]()
	b.renames = nil
}

// AddSave queues a save. A later save of the same path replaces it, and a
// queued delete of the path is dropped.
func (b *Backlog) AddSave(doc Document) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deletes.remove(doc.Path)
	b.saves.put(doc.Path, doc)
}

// ForgetSave drops a queued save, after the file was uploaded directly.
func (b *Backlog) ForgetSave(path string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.saves.remove(path)
}

// AddCreate queues created paths. A queued delete of the same path is
// dropped: the upload replaces whatever the device still has.
func (b *Backlog) AddCreate(paths ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range paths {
		b.deletes.remove(p)
		b.creates.put(p, p)
	}
}

// AddDelete queues deleted paths. Queued saves and creates of the path, or
// of anything below it, are dropped since there is nothing left to upload.
func (b *Backlog) AddDelete(paths ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range paths {
		for _, k := range b.saves.keys() {
			if within(k, p) {
				b.saves.remove(k)
			}
		}
		for _, k := range b.creates.keys() {
			if within(k, p) {
				b.creates.remove(k)
			}
		}
		b.deletes.put(p, p)
	}
}

// AddRename queues renames in order. Queued saves and creates below the
// old path move to the new path, so they replay after the rename against
// the file that still exists. A rename of a path that was only created
// while offline is not queued at all: the create of the new path covers
// it.
func (b *Backlog) AddRename(pairs ...RenamePair) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, pair := range pairs {
		for _, k := range b.saves.keys() {
			if to, ok := moved(k, pair.Old, pair.New); ok {
				doc := b.saves.items[b.saves.index[k]]
				doc.Path = to
				b.saves.rekey(k, to, doc)
			}
		}

		createdOnly := b.creates.has(pair.Old)
		for _, k := range b.creates.keys() {
			if to, ok := moved(k, pair.Old, pair.New); ok {
				b.creates.rekey(k, to, to)
			}
		}

		// the rename replaces anything queued for deletion at the target
		for _, k := range b.deletes.keys() {
			if within(k, pair.New) {
				b.deletes.remove(k)
			}
		}

		if !createdOnly {
			b.renames = append(b.renames, pair)
		}
	}
}

// Len returns the number of queued events.
func (b *Backlog) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.saves.items) + len(b.creates.items) + len(b.deletes.items) + len(b.renames)
}

// Drain returns all queued events and replaces every queue with an empty
// one under a single lock.
func (b *Backlog) Drain() Batch {
	b.mu.Lock()
	defer b.mu.Unlock()

	batch := Batch{
		Saves:   b.saves.items,
		Creates: b.creates.items,
		Deletes: b.deletes.items,
		Renames: b.renames,
	}
	b.reset()
	return batch
}
