// Package openfiletable maintains a table of backing paths that currently
// have an operation in flight. The orchestrator uses it to serialize all
// accesses to the same path, while accesses to different paths proceed in
// parallel.
package openfiletable

import (
	"sync"
	"sync/atomic"
)

// Table maps canonical backing paths to lock entries. Entries exist only
// while somebody holds or waits for them. The zero value is not usable, use
// New().
type Table struct {
	// swapCount counts completed content swaps. Accessed without holding the
	// table lock.
	swapCount atomic.Uint64
	// Protects map access
	mu sync.Mutex
	// Table entries
	entries map[string]*Entry
}

// New returns an empty table.
func New() *Table {
	return &Table{entries: make(map[string]*Entry)}
}

// Entry is an entry in the table
type Entry struct {
	// Reference count. Protected by the table lock.
	refCount int
	// ContentLock must be held while the on-disk content or the encryption
	// state of the path is looked at or changed.
	ContentLock sync.Mutex
}

// Register creates a table entry for "path" (or increments the reference
// count if the entry already exists) and returns the entry.
func (t *Table) Register(path string) *Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.entries[path]
	if e == nil {
		e = &Entry{}
		t.entries[path] = e
	}
	e.refCount++
	return e
}

// Unregister decrements the reference count for "path" and deletes the entry
// from the table if the reference count reaches 0.
func (t *Table) Unregister(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.entries[path]
	if e == nil {
		panic("openfiletable: Unregister of unknown path " + path)
	}
	e.refCount--
	if e.refCount == 0 {
		delete(t.entries, path)
	}
}

// Lock registers "path" and takes its content lock.
func (t *Table) Lock(path string) *Entry {
	e := t.Register(path)
	e.ContentLock.Lock()
	return e
}

// Unlock releases what Lock() took.
func (t *Table) Unlock(path string, e *Entry) {
	e.ContentLock.Unlock()
	t.Unregister(path)
}

// CountSwap increments the swap counter.
func (t *Table) CountSwap() {
	t.swapCount.Add(1)
}

// SwapCount returns the number of content swaps done so far.
func (t *Table) SwapCount() uint64 {
	return t.swapCount.Load()
}

// CountOpenFiles returns how many entries are currently in the table
// in a threadsafe manner.
func (t *Table) CountOpenFiles() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
