package realtime

import (
	"sync"
	"time"
)

// PresenceStatus is the visibility state of a connected user.
type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusAway    PresenceStatus = "away"
	StatusBusy    PresenceStatus = "busy"
	StatusOffline PresenceStatus = "offline"
)

// UserPresence tracks what a staff member is doing right now. One record per
// user, created on first connect and mutated in place by activity events.
type UserPresence struct {
	UserID           string         `json:"userId"`
	Username         string         `json:"username"`
	Role             string         `json:"role"`
	Status           PresenceStatus `json:"status"`
	CurrentPage      string         `json:"currentPage,omitempty"`
	CurrentActivity  string         `json:"currentActivity,omitempty"`
	IsTyping         bool           `json:"isTyping"`
	TypingEntityID   string         `json:"typingEntityId,omitempty"`
	TypingEntityType EntityType     `json:"typingEntityType,omitempty"`
	LastSeen         time.Time      `json:"lastSeen"`
}

// PresenceUpdate carries the fields a client may change. Nil fields are left
// untouched, so concurrent partial updates from the same user merge instead
// of clobbering each other.
type PresenceUpdate struct {
	Status           *PresenceStatus `json:"status,omitempty"`
	CurrentPage      *string         `json:"currentPage,omitempty"`
	CurrentActivity  *string         `json:"currentActivity,omitempty"`
	IsTyping         *bool           `json:"isTyping,omitempty"`
	TypingEntityID   *string         `json:"typingEntityId,omitempty"`
	TypingEntityType *EntityType     `json:"typingEntityType,omitempty"`
}

// presenceRegistry is the process-wide presence table. All mutation goes
// through keyed upserts under the lock; callers never replace the map.
type presenceRegistry struct {
	mu      sync.RWMutex
	records map[string]*UserPresence
}

func newPresenceRegistry() *presenceRegistry {
	return &presenceRegistry{records: make(map[string]*UserPresence)}
}

// Upsert marks a user online, creating the record on first connect.
func (r *presenceRegistry) Upsert(userID, username, role string) UserPresence {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.records[userID]
	if !ok {
		p = &UserPresence{UserID: userID}
		r.records[userID] = p
	}
	p.Username = username
	p.Role = role
	p.Status = StatusOnline
	p.LastSeen = time.Now().UTC()
	return *p
}

// Merge applies a partial update to an existing record and returns the result.
// Unknown users report ErrNotConnected so callers can surface stale sessions.
func (r *presenceRegistry) Merge(userID string, upd PresenceUpdate) (UserPresence, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.records[userID]
	if !ok {
		return UserPresence{}, ErrNotConnected
	}
	if upd.Status != nil {
		p.Status = *upd.Status
	}
	if upd.CurrentPage != nil {
		p.CurrentPage = *upd.CurrentPage
	}
	if upd.CurrentActivity != nil {
		p.CurrentActivity = *upd.CurrentActivity
	}
	if upd.IsTyping != nil {
		p.IsTyping = *upd.IsTyping
		if !*upd.IsTyping {
			p.TypingEntityID = ""
			p.TypingEntityType = ""
		}
	}
	if upd.TypingEntityID != nil {
		p.TypingEntityID = *upd.TypingEntityID
	}
	if upd.TypingEntityType != nil {
		p.TypingEntityType = *upd.TypingEntityType
	}
	p.LastSeen = time.Now().UTC()
	return *p, nil
}

// SetOffline logically deletes a presence record. The record is kept so the
// last_seen timestamp survives until the cleanup sweep removes it.
func (r *presenceRegistry) SetOffline(userID string) (UserPresence, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.records[userID]
	if !ok {
		return UserPresence{}, false
	}
	p.Status = StatusOffline
	p.IsTyping = false
	p.TypingEntityID = ""
	p.TypingEntityType = ""
	p.LastSeen = time.Now().UTC()
	return *p, true
}

// Get returns a copy of one user's presence.
func (r *presenceRegistry) Get(userID string) (UserPresence, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.records[userID]
	if !ok {
		return UserPresence{}, false
	}
	return *p, true
}

// Snapshot returns copies of every presence record.
func (r *presenceRegistry) Snapshot() []UserPresence {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]UserPresence, 0, len(r.records))
	for _, p := range r.records {
		out = append(out, *p)
	}
	return out
}

// ActiveCount counts users whose status is anything but offline.
func (r *presenceRegistry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, p := range r.records {
		if p.Status != StatusOffline {
			n++
		}
	}
	return n
}

// Sweep removes records whose last_seen is older than the staleness cutoff,
// returning how many were removed.
func (r *presenceRegistry) Sweep(staleAfter time.Duration) int {
	cutoff := time.Now().UTC().Add(-staleAfter)

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, p := range r.records {
		if p.LastSeen.Before(cutoff) {
			delete(r.records, id)
			removed++
		}
	}
	return removed
}
