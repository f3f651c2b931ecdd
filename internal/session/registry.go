package session

import (
	"sort"
	"sync"
	"time"
)

// Info describes one live session as shown by the admin API.
type Info struct {
	ID         string    `json:"id"`
	RemoteAddr string    `json:"remoteAddr"`
	StartedAt  time.Time `json:"startedAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
	State      Snapshot  `json:"state"`
}

// Registry tracks live sessions. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]Info
	now      func() time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]Info), now: time.Now}
}

// Add registers a session in its initial state.
func (r *Registry) Add(id, remoteAddr string, startedAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[id] = Info{
		ID:         id,
		RemoteAddr: remoteAddr,
		StartedAt:  startedAt,
		UpdatedAt:  startedAt,
		State:      Snapshot{Phase: "fresh"},
	}
}

// Update replaces the stored snapshot. Unknown IDs are ignored so that a late
// update cannot resurrect a removed session.
func (r *Registry) Update(id string, snap Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.sessions[id]
	if !ok {
		return
	}
	info.State = snap
	info.UpdatedAt = r.now()
	r.sessions[id] = info
}

// Remove forgets a session.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// Get returns the session with the given ID.
func (r *Registry) Get(id string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.sessions[id]
	return info, ok
}

// List returns every live session, oldest first.
func (r *Registry) List() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.sessions))
	for _, info := range r.sessions {
		out = append(out, info)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
