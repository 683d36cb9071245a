// Package registry maintains the live view of active terminal sessions fed
// by the monitor broadcast channel. The set is owned by the Registry; all
// mutation goes through the merge methods so feed glitches cannot corrupt it.
package registry

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/hallgate/bastion/internal/logutil"
)

// Snapshot is one active session as reported by the monitor channel.
type Snapshot struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	Asset     string    `json:"asset"`
	StartedAt time.Time `json:"started_at"`
}

// Registry is the deduplicated set of live sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]Snapshot
	lastSeen time.Time

	// resync re-fetches the authoritative session list. Invoked when an
	// end event arrives without a session id.
	resync func()
	// onChange fires after any mutation that altered the set.
	onChange func()
}

// New builds an empty registry. Both funcs are optional.
func New(resync, onChange func()) *Registry {
	return &Registry{
		sessions: make(map[string]Snapshot),
		resync:   resync,
		onChange: onChange,
	}
}

// ApplySnapshot merges a full session list from a monitoring update.
// Sessions already present keep their existing entry; new ids are added.
// Removal only ever happens through ApplyEnd.
func (r *Registry) ApplySnapshot(list []Snapshot) {
	r.mu.Lock()
	changed := false
	for _, s := range list {
		if s.SessionID == "" {
			continue
		}
		if _, ok := r.sessions[s.SessionID]; !ok {
			r.sessions[s.SessionID] = s
			changed = true
		}
	}
	r.lastSeen = time.Now()
	r.mu.Unlock()

	if changed {
		r.notify()
	}
}

// ApplyStart adds a newly started session. A duplicate start is a no-op.
func (r *Registry) ApplyStart(s Snapshot) {
	if s.SessionID == "" {
		return
	}
	r.mu.Lock()
	_, exists := r.sessions[s.SessionID]
	if !exists {
		r.sessions[s.SessionID] = s
	}
	r.lastSeen = time.Now()
	r.mu.Unlock()

	if !exists {
		r.notify()
	}
}

// ApplyEnd removes an ended session. An unknown id is a no-op; a missing id
// means the event cannot be applied incrementally, so the authoritative
// list is re-fetched instead.
func (r *Registry) ApplyEnd(sessionID string) {
	if sessionID == "" {
		log.Printf("[registry] session end without id, resyncing")
		if r.resync != nil {
			r.resync()
		}
		return
	}

	r.mu.Lock()
	_, exists := r.sessions[sessionID]
	if exists {
		delete(r.sessions, sessionID)
	} else {
		log.Printf("[registry] end for unknown session %s ignored", logutil.SanitizeForLog(sessionID))
	}
	r.lastSeen = time.Now()
	r.mu.Unlock()

	if exists {
		r.notify()
	}
}

// Reset replaces the whole set with an authoritative list, as returned by
// the backend's active-session endpoint. Used by the resync path, where
// incremental merging cannot be trusted.
func (r *Registry) Reset(list []Snapshot) {
	next := make(map[string]Snapshot, len(list))
	for _, s := range list {
		if s.SessionID == "" {
			continue
		}
		if _, ok := next[s.SessionID]; !ok {
			next[s.SessionID] = s
		}
	}

	r.mu.Lock()
	changed := len(next) != len(r.sessions)
	if !changed {
		for id := range next {
			if _, ok := r.sessions[id]; !ok {
				changed = true
				break
			}
		}
	}
	r.sessions = next
	r.lastSeen = time.Now()
	r.mu.Unlock()

	if changed {
		r.notify()
	}
}

// List returns the live sessions ordered by start time, oldest first.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	out := make([]Snapshot, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// LastSeen reports when the registry last heard from the feed.
func (r *Registry) LastSeen() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastSeen
}

func (r *Registry) notify() {
	if r.onChange != nil {
		r.onChange()
	}
}
