package collab

import (
	"sort"
	"sync"
	"time"
)

// ElementLock is an exclusive, time-bounded claim by one user on one
// element within a diagram.
type ElementLock struct {
	ElementID  string    `json:"element_id"`
	DiagramID  string    `json:"diagram_id"`
	Owner      UserInfo  `json:"user"`
	LockKind   string    `json:"lock_kind"`
	AcquiredAt time.Time `json:"locked_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the lock has passed its expiry
func (l *ElementLock) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

type lockKey struct {
	diagramID string
	elementID string
}

// LockManager grants, releases and expires per-element edit locks. A
// single mutex serializes all transitions; this is the sole correctness
// boundary for conflicting concurrent edits.
type LockManager struct {
	mu    sync.Mutex
	ttl   time.Duration
	locks map[lockKey]*ElementLock
}

// NewLockManager creates a lock manager with the given lock TTL
func NewLockManager(ttl time.Duration) *LockManager {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &LockManager{
		ttl:   ttl,
		locks: make(map[lockKey]*ElementLock),
	}
}

// TryAcquire attempts to take the lock on (diagram, element) for user.
// Re-acquisition by the current owner always succeeds and extends the
// expiry. An unexpired lock held by someone else fails. An expired lock is
// treated as free and taken over.
func (m *LockManager) TryAcquire(diagramID, elementID string, user UserInfo) bool {
	now := time.Now().UTC()
	key := lockKey{diagramID: diagramID, elementID: elementID}

	m.mu.Lock()
	defer m.mu.Unlock()

	if lock, ok := m.locks[key]; ok && !lock.Expired(now) {
		if lock.Owner.ID != user.ID {
			return false
		}
		// Refresh: same owner always succeeds
		lock.Owner = user
		lock.ExpiresAt = now.Add(m.ttl)
		return true
	}

	m.locks[key] = &ElementLock{
		ElementID:  elementID,
		DiagramID:  diagramID,
		Owner:      user,
		LockKind:   LockKindEdit,
		AcquiredAt: now,
		ExpiresAt:  now.Add(m.ttl),
	}
	lockHeldGauge(len(m.locks))
	return true
}

// Release removes the lock if held by userID. A release by a non-owner or
// of an absent lock is a safe no-op.
func (m *LockManager) Release(diagramID, elementID, userID string) {
	key := lockKey{diagramID: diagramID, elementID: elementID}

	m.mu.Lock()
	defer m.mu.Unlock()

	if lock, ok := m.locks[key]; ok && lock.Owner.ID == userID {
		delete(m.locks, key)
		lockHeldGauge(len(m.locks))
	}
}

// LockedByOther returns the owner of an unexpired lock held by a different
// user, if any. Used to gate structural mutations.
func (m *LockManager) LockedByOther(diagramID, elementID, userID string) (UserInfo, bool) {
	now := time.Now().UTC()
	key := lockKey{diagramID: diagramID, elementID: elementID}

	m.mu.Lock()
	defer m.mu.Unlock()

	if lock, ok := m.locks[key]; ok && !lock.Expired(now) && lock.Owner.ID != userID {
		return lock.Owner, true
	}
	return UserInfo{}, false
}

// IsLockedByOther reports whether an unexpired lock is held by a different
// user.
func (m *LockManager) IsLockedByOther(diagramID, elementID, userID string) bool {
	_, locked := m.LockedByOther(diagramID, elementID, userID)
	return locked
}

// ListLocks returns a snapshot of all unexpired locks for a diagram,
// ordered by element ID.
func (m *LockManager) ListLocks(diagramID string) []ElementLock {
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	var locks []ElementLock
	for key, lock := range m.locks {
		if key.diagramID != diagramID || lock.Expired(now) {
			continue
		}
		locks = append(locks, *lock)
	}
	sort.Slice(locks, func(i, j int) bool { return locks[i].ElementID < locks[j].ElementID })
	return locks
}

// ListForUser returns all unexpired locks held by one user across diagrams
func (m *LockManager) ListForUser(userID string) []ElementLock {
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	var locks []ElementLock
	for _, lock := range m.locks {
		if lock.Owner.ID != userID || lock.Expired(now) {
			continue
		}
		locks = append(locks, *lock)
	}
	sort.Slice(locks, func(i, j int) bool {
		if locks[i].DiagramID != locks[j].DiagramID {
			return locks[i].DiagramID < locks[j].DiagramID
		}
		return locks[i].ElementID < locks[j].ElementID
	})
	return locks
}

// ForceRelease removes the lock regardless of owner. Authorization (project
// owner) is checked by the caller; authorized=false always fails. Returns
// the released lock when one existed.
func (m *LockManager) ForceRelease(diagramID, elementID string, authorized bool) (ElementLock, bool) {
	if !authorized {
		return ElementLock{}, false
	}
	key := lockKey{diagramID: diagramID, elementID: elementID}

	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.locks[key]
	if !ok {
		return ElementLock{}, false
	}
	delete(m.locks, key)
	lockHeldGauge(len(m.locks))
	return *lock, true
}

// ReleaseAllForUser removes every lock held by userID within a diagram and
// returns the released locks for broadcast. Used on disconnect.
func (m *LockManager) ReleaseAllForUser(diagramID, userID string) []ElementLock {
	m.mu.Lock()
	defer m.mu.Unlock()

	var released []ElementLock
	for key, lock := range m.locks {
		if key.diagramID == diagramID && lock.Owner.ID == userID {
			released = append(released, *lock)
			delete(m.locks, key)
		}
	}
	if len(released) > 0 {
		lockHeldGauge(len(m.locks))
	}
	sort.Slice(released, func(i, j int) bool { return released[i].ElementID < released[j].ElementID })
	return released
}

// SweepExpired atomically removes every lock whose expiry has passed and
// returns them for broadcast. With a non-empty diagramID only that diagram
// is swept. A lock refreshed after the sweep's read time survives: the
// expiry check and the delete happen under the same critical section.
func (m *LockManager) SweepExpired(diagramID string) []ElementLock {
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	var released []ElementLock
	for key, lock := range m.locks {
		if diagramID != "" && key.diagramID != diagramID {
			continue
		}
		if lock.Expired(now) {
			released = append(released, *lock)
			delete(m.locks, key)
		}
	}
	if len(released) > 0 {
		lockHeldGauge(len(m.locks))
	}
	sort.Slice(released, func(i, j int) bool {
		if released[i].DiagramID != released[j].DiagramID {
			return released[i].DiagramID < released[j].DiagramID
		}
		return released[i].ElementID < released[j].ElementID
	})
	return released
}
