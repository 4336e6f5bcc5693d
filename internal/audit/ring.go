package audit

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultCapacity is the ring size used when none is configured.
const DefaultCapacity = 1000

// Ring is a fixed-capacity, append-only record of audit entries.
// Once full, each insert evicts the oldest entry. Stored entries are never modified.
type Ring struct {
	mu      sync.RWMutex
	entries []Entry
	start   int
	size    int
}

// NewRing creates a ring holding at most capacity entries.
// Non-positive capacity falls back to DefaultCapacity.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{entries: make([]Entry, capacity)}
}

// Record appends an entry, filling ID and Timestamp when empty.
func (r *Ring) Record(entry Entry) {
	stamp(&entry)

	r.mu.Lock()
	defer r.mu.Unlock()

	capacity := len(r.entries)
	if r.size < capacity {
		r.entries[(r.start+r.size)%capacity] = entry
		r.size++
		return
	}
	r.entries[r.start] = entry
	r.start = (r.start + 1) % capacity
}

// Recent returns up to limit entries, oldest first and most recent last.
// A non-positive limit returns every retained entry.
func (r *Ring) Recent(limit int) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := r.size
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Entry, n)
	capacity := len(r.entries)
	first := r.start + r.size - n
	for i := 0; i < n; i++ {
		out[i] = r.entries[(first+i)%capacity]
	}
	return out
}

// Len returns the number of retained entries.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Capacity returns the maximum number of retained entries.
func (r *Ring) Capacity() int {
	return len(r.entries)
}

func stamp(entry *Entry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(TimestampFormat)
	}
}
