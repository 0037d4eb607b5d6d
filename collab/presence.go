package collab

import (
	"sort"
	"sync"
	"time"
)

// PresenceEntry records that a user is actively viewing a diagram
type PresenceEntry struct {
	User      UserInfo
	DiagramID string
	JoinedAt  time.Time
	LastSeen  time.Time
}

// UserSnapshot is the wire representation of an active user
type UserSnapshot struct {
	ID       string    `json:"id"`
	Email    string    `json:"email"`
	Name     string    `json:"name,omitempty"`
	LastSeen time.Time `json:"last_seen"`
}

// PresenceStore tracks which users are actively viewing which diagram.
// It is pure data access: broadcasting on membership changes is the
// caller's responsibility. All methods are safe for concurrent use.
type PresenceStore struct {
	mu     sync.RWMutex
	window time.Duration
	// diagram ID -> user ID -> entry
	entries map[string]map[string]*PresenceEntry
}

// NewPresenceStore creates a presence store with the given activity window
func NewPresenceStore(window time.Duration) *PresenceStore {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &PresenceStore{
		window:  window,
		entries: make(map[string]map[string]*PresenceEntry),
	}
}

// Join upserts a presence entry for (user, diagram) and refreshes last_seen.
// Idempotent: joining twice refreshes the existing entry.
func (s *PresenceStore) Join(user UserInfo, diagramID string) {
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	byUser := s.entries[diagramID]
	if byUser == nil {
		byUser = make(map[string]*PresenceEntry)
		s.entries[diagramID] = byUser
	}

	if entry, ok := byUser[user.ID]; ok {
		entry.LastSeen = now
		entry.User = user
		return
	}
	byUser[user.ID] = &PresenceEntry{
		User:      user,
		DiagramID: diagramID,
		JoinedAt:  now,
		LastSeen:  now,
	}
}

// Heartbeat refreshes last_seen for an existing entry. A heartbeat for an
// absent entry is a silent no-op; the caller should re-Join.
func (s *PresenceStore) Heartbeat(userID, diagramID string) {
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.entries[diagramID][userID]; ok {
		entry.LastSeen = now
	}
}

// Leave deletes the entry for (user, diagram). Safe to call if absent.
func (s *PresenceStore) Leave(userID, diagramID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byUser := s.entries[diagramID]
	delete(byUser, userID)
	if len(byUser) == 0 {
		delete(s.entries, diagramID)
	}
}

// ListActive returns all users seen within the activity window for a
// diagram, ordered by user ID for a stable read.
func (s *PresenceStore) ListActive(diagramID string) []UserSnapshot {
	cutoff := time.Now().UTC().Add(-s.window)

	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]UserSnapshot, 0, len(s.entries[diagramID]))
	for _, entry := range s.entries[diagramID] {
		if entry.LastSeen.Before(cutoff) {
			continue
		}
		users = append(users, UserSnapshot{
			ID:       entry.User.ID,
			Email:    entry.User.Email,
			Name:     entry.User.Name,
			LastSeen: entry.LastSeen,
		})
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users
}

// ListForUser returns every presence entry for one user across diagrams
func (s *PresenceStore) ListForUser(userID string) []PresenceEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []PresenceEntry
	for _, byUser := range s.entries {
		if entry, ok := byUser[userID]; ok {
			result = append(result, *entry)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].DiagramID < result[j].DiagramID })
	return result
}

// PruneStale removes entries older than the window. For a single diagram
// when diagramID is non-empty, otherwise across all diagrams. Returns the
// diagram IDs that lost at least one entry.
func (s *PresenceStore) PruneStale(diagramID string) []string {
	cutoff := time.Now().UTC().Add(-s.window)

	s.mu.Lock()
	defer s.mu.Unlock()

	var affected []string
	prune := func(id string, byUser map[string]*PresenceEntry) {
		removed := false
		for userID, entry := range byUser {
			if entry.LastSeen.Before(cutoff) {
				delete(byUser, userID)
				removed = true
			}
		}
		if len(byUser) == 0 {
			delete(s.entries, id)
		}
		if removed {
			affected = append(affected, id)
		}
	}

	if diagramID != "" {
		if byUser, ok := s.entries[diagramID]; ok {
			prune(diagramID, byUser)
		}
		return affected
	}
	for id, byUser := range s.entries {
		prune(id, byUser)
	}
	sort.Strings(affected)
	return affected
}
