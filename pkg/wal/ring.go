package wal

import (
	"sync"
	"time"
)

// entryRing is a fixed-capacity ring of the most recent entries, kept so
// reads over the recent past never touch segment files. Pushes evict the
// oldest entry once the ring is full.
type entryRing struct {
	mu      sync.RWMutex
	entries []*Entry
	next    int
	full    bool
}

func newEntryRing(capacity int) *entryRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &entryRing{entries: make([]*Entry, capacity)}
}

// Push appends an entry, evicting the oldest when full.
func (r *entryRing) Push(e *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.next] = e
	r.next++
	if r.next == len(r.entries) {
		r.next = 0
		r.full = true
	}
}

// Snapshot returns the ring's entries oldest first.
func (r *entryRing) Snapshot() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.full {
		out := make([]*Entry, r.next)
		copy(out, r.entries[:r.next])
		return out
	}
	out := make([]*Entry, 0, len(r.entries))
	out = append(out, r.entries[r.next:]...)
	out = append(out, r.entries[:r.next]...)
	return out
}

// OldestTimestamp returns the timestamp of the oldest retained entry and
// whether the ring holds any entries at all. Reads that start at or after
// this instant can be served from the ring alone.
func (r *entryRing) OldestTimestamp() (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.full {
		return r.entries[r.next].Timestamp, true
	}
	if r.next == 0 {
		return time.Time{}, false
	}
	return r.entries[0].Timestamp, true
}

// Len returns the number of retained entries.
func (r *entryRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.full {
		return len(r.entries)
	}
	return r.next
}
