package collab

import (
	"sync"

	"github.com/umlcdp/collab/internal/slogging"
)

// Room topic builders. A room is a logical broadcast channel; it exists as
// long as at least one connection is subscribed.
func DiagramRoom(diagramID string) string      { return "diagram:" + diagramID }
func ProjectRoom(projectID string) string      { return "project:" + projectID }
func NotificationsRoom(userID string) string   { return "notifications:" + userID }

// Subscription is one connection's membership in a room. Delivered events
// arrive on C; the channel is closed by Unsubscribe.
type Subscription struct {
	Room   string
	ConnID string
	C      chan []byte

	closed bool
}

// Broadcaster fans out events to all subscribers of a room. Publish is
// best-effort: a room with zero subscribers is a silent no-op, and a
// subscriber whose buffer is full has the delivery dropped rather than
// stalling the room. Per-room publish order is preserved for a single
// publisher.
type Broadcaster interface {
	Subscribe(room, connID string) *Subscription
	Unsubscribe(sub *Subscription)
	// Publish delivers payload to every subscriber of room except the
	// connection identified by exclude (empty string excludes nobody).
	Publish(room string, payload []byte, exclude string)
	Close() error
}

// MemoryBroadcaster is the in-process Broadcaster for single-process
// deployments.
type MemoryBroadcaster struct {
	mu         sync.RWMutex
	rooms      map[string]map[*Subscription]struct{}
	bufferSize int
}

// NewMemoryBroadcaster creates an in-memory broadcaster whose subscriptions
// buffer up to bufferSize undelivered events each.
func NewMemoryBroadcaster(bufferSize int) *MemoryBroadcaster {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &MemoryBroadcaster{
		rooms:      make(map[string]map[*Subscription]struct{}),
		bufferSize: bufferSize,
	}
}

// Subscribe adds a connection to a room and returns its subscription handle
func (b *MemoryBroadcaster) Subscribe(room, connID string) *Subscription {
	sub := &Subscription{
		Room:   room,
		ConnID: connID,
		C:      make(chan []byte, b.bufferSize),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	members := b.rooms[room]
	if members == nil {
		members = make(map[*Subscription]struct{})
		b.rooms[room] = members
	}
	members[sub] = struct{}{}
	return sub
}

// Unsubscribe removes the subscription and closes its channel. Safe to call
// more than once.
func (b *MemoryBroadcaster) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if sub.closed {
		return
	}
	sub.closed = true

	if members, ok := b.rooms[sub.Room]; ok {
		delete(members, sub)
		if len(members) == 0 {
			delete(b.rooms, sub.Room)
		}
	}
	close(sub.C)
}

// Publish delivers payload to every current subscriber of room. A full
// subscriber buffer drops that delivery; one slow client cannot stall the
// room.
func (b *MemoryBroadcaster) Publish(room string, payload []byte, exclude string) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	members, ok := b.rooms[room]
	if !ok {
		return
	}

	metricBroadcastsTotal.Inc()
	for sub := range members {
		if exclude != "" && sub.ConnID == exclude {
			continue
		}
		select {
		case sub.C <- payload:
		default:
			metricDroppedDeliveries.Inc()
			slogging.Get().Warn("dropping event for slow subscriber room=%s conn=%s", room, sub.ConnID)
		}
	}
}

// SubscriberCount returns the number of current subscribers in a room
func (b *MemoryBroadcaster) SubscriberCount(room string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rooms[room])
}

// Close is a no-op for the in-memory transport
func (b *MemoryBroadcaster) Close() error {
	return nil
}
