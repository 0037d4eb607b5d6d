package collab

import (
	"context"
	"sync"
	"time"

	"github.com/umlcdp/collab/internal/slogging"
)

// CleanupWorker periodically reclaims expired locks, prunes stale
// presence entries and deactivates expired collaboration sessions. Every
// reclaimed lock and every changed presence list is broadcast, so remote
// clients converge without polling.
type CleanupWorker struct {
	locks       *LockManager
	presence    *PresenceStore
	broadcaster Broadcaster
	// nil when the server runs without a database
	sessions *SessionStore

	interval time.Duration

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	done     chan struct{}
}

// NewCleanupWorker creates a cleanup worker with the given sweep interval
func NewCleanupWorker(locks *LockManager, presence *PresenceStore, broadcaster Broadcaster, sessions *SessionStore, interval time.Duration) *CleanupWorker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &CleanupWorker{
		locks:       locks,
		presence:    presence,
		broadcaster: broadcaster,
		sessions:    sessions,
		interval:    interval,
	}
}

// Start launches the background sweep loop. Calling Start on a running
// worker is a no-op.
func (w *CleanupWorker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	w.stopChan = make(chan struct{})
	w.done = make(chan struct{})

	go w.processLoop(ctx)
	slogging.Get().Info("cleanup worker started with interval %s", w.interval)
}

// Stop halts the sweep loop and waits for the current sweep to finish
func (w *CleanupWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopChan)
	done := w.done
	w.mu.Unlock()

	<-done
	slogging.Get().Info("cleanup worker stopped")
}

func (w *CleanupWorker) processLoop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Run one sweep immediately so a restart does not leave stale state
	// lingering for a full interval
	w.performCleanup(ctx)

	for {
		select {
		case <-ticker.C:
			w.performCleanup(ctx)
		case <-w.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// performCleanup runs one sweep. Each unit of work is isolated: a failure
// in one never prevents the others from running.
func (w *CleanupWorker) performCleanup(ctx context.Context) {
	logger := slogging.Get()

	released := w.locks.SweepExpired("")
	for _, lock := range released {
		event := NewElementUnlockEvent(lock.ElementID, lock.Owner.Email)
		w.broadcaster.Publish(DiagramRoom(lock.DiagramID), event.Marshal(), "")
	}
	if len(released) > 0 {
		logger.Info("cleanup reclaimed %d expired locks", len(released))
	}

	affected := w.presence.PruneStale("")
	for _, diagramID := range affected {
		users := w.presence.ListActive(diagramID)
		event := NewActiveUsersEvent(users)
		w.broadcaster.Publish(DiagramRoom(diagramID), event.Marshal(), "")
	}
	if len(affected) > 0 {
		logger.Info("cleanup pruned stale presence in %d diagrams", len(affected))
	}

	if w.sessions != nil {
		count, err := w.sessions.DeactivateExpired(ctx)
		if err != nil {
			logger.Error("failed to deactivate expired sessions: %v", err)
		} else if count > 0 {
			logger.Info("cleanup deactivated %d expired sessions", count)
		}
	}
}
