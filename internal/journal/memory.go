package journal

import (
	"context"
	"sync"
)

const defaultMemoryCapacity = 1024

// MemoryJournal keeps the latest entries in a bounded in-process ring. It is
// safe for concurrent use and intended for development and tests.
type MemoryJournal struct {
	mu       sync.RWMutex
	entries  []Entry
	capacity int
}

// NewMemoryJournal constructs a journal retaining up to capacity entries.
func NewMemoryJournal(capacity int) *MemoryJournal {
	if capacity <= 0 {
		capacity = defaultMemoryCapacity
	}
	return &MemoryJournal{capacity: capacity}
}

// Record implements Journal.
func (j *MemoryJournal) Record(_ context.Context, entry Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i := range j.entries {
		if j.entries[i].SessionID == entry.SessionID {
			j.entries = append(j.entries[:i], j.entries[i+1:]...)
			break
		}
	}
	if len(j.entries) == j.capacity {
		j.entries = j.entries[1:]
	}
	j.entries = append(j.entries, entry)
	return nil
}

// Recent implements Journal.
func (j *MemoryJournal) Recent(_ context.Context, limit int) ([]Entry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	limit = normaliseLimit(limit, len(j.entries))
	out := make([]Entry, 0, limit)
	for i := len(j.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, j.entries[i])
	}
	return out, nil
}

// Close implements Journal.
func (j *MemoryJournal) Close(context.Context) error {
	return nil
}
