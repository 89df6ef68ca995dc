// Package presence holds the in-memory voice-channel roster (spec §3
// VoiceUser): mutated only by transport/relay handlers, read by the UI
// mailbox and by session lifecycle code that needs to clear it on
// disconnect.
package presence

import "sync"

// VoiceUser is one roster entry (spec §3).
type VoiceUser struct {
	ConnID    uint32
	UserID    uint32
	Username  string
	Avatar    string
	ChannelID int64
	Muted     bool
	Deafened  bool
	Speaking  bool
	Level     float64
	IsSharing bool
	IsVideo   bool
}

// Roster is a mutex-guarded set of VoiceUsers keyed by conn ID.
type Roster struct {
	mu    sync.RWMutex
	users map[uint32]VoiceUser
}

// NewRoster constructs an empty roster.
func NewRoster() *Roster {
	return &Roster{users: make(map[uint32]VoiceUser)}
}

// Upsert inserts or replaces a roster entry.
func (r *Roster) Upsert(u VoiceUser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[u.ConnID] = u
}

// Remove deletes a roster entry by conn ID.
func (r *Roster) Remove(connID uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.users, connID)
}

// Get returns a roster entry by conn ID.
func (r *Roster) Get(connID uint32) (VoiceUser, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[connID]
	return u, ok
}

// SetSpeaking updates the speaking/level fields for one user, a no-op if
// the user isn't in the roster (e.g. a stale UpdateSpeakingState arriving
// just after LeaveVoiceChannel).
func (r *Roster) SetSpeaking(connID uint32, speaking bool, level float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[connID]
	if !ok {
		return
	}
	u.Speaking = speaking
	u.Level = level
	r.users[connID] = u
}

// All returns a snapshot slice of every roster entry.
func (r *Roster) All() []VoiceUser {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]VoiceUser, 0, len(r.users))
	for _, u := range r.users {
		out = append(out, u)
	}
	return out
}

// Clear empties the roster (spec §4.11 LeaveVoiceChannel step 4).
func (r *Roster) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = make(map[uint32]VoiceUser)
}

// Len reports the current roster size.
func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}
