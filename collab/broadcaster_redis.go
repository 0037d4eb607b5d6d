package collab

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/umlcdp/collab/internal/slogging"
)

// redisEnvelope wraps a payload on the Redis channel so the exclude token
// survives crossing process boundaries.
type redisEnvelope struct {
	Exclude string          `json:"exclude,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// RedisBroadcaster is the distributed Broadcaster for multi-process
// deployments. Local fan-out goes through an embedded MemoryBroadcaster;
// Publish goes out over Redis pub/sub so every process with subscribers in
// the room delivers it.
type RedisBroadcaster struct {
	client *redis.Client
	local  *MemoryBroadcaster

	mu        sync.Mutex
	refcounts map[string]int
	pubsub    *redis.PubSub

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRedisBroadcaster creates a Redis-backed broadcaster and starts its
// delivery loop.
func NewRedisBroadcaster(client *redis.Client, bufferSize int) *RedisBroadcaster {
	ctx, cancel := context.WithCancel(context.Background())
	b := &RedisBroadcaster{
		client:    client,
		local:     NewMemoryBroadcaster(bufferSize),
		refcounts: make(map[string]int),
		pubsub:    client.Subscribe(ctx),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go b.deliverLoop()
	return b
}

// Subscribe adds a local subscription and ensures the process is listening
// to the room's Redis channel.
func (b *RedisBroadcaster) Subscribe(room, connID string) *Subscription {
	sub := b.local.Subscribe(room, connID)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refcounts[room]++
	if b.refcounts[room] == 1 {
		if err := b.pubsub.Subscribe(b.ctx, room); err != nil {
			slogging.Get().Error("failed to subscribe to redis channel %s: %v", room, err)
		}
	}
	return sub
}

// Unsubscribe removes the local subscription and drops the Redis channel
// when the last local subscriber leaves.
func (b *RedisBroadcaster) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	room := sub.Room
	b.local.Unsubscribe(sub)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.refcounts[room] == 0 {
		return
	}
	b.refcounts[room]--
	if b.refcounts[room] == 0 {
		delete(b.refcounts, room)
		if err := b.pubsub.Unsubscribe(b.ctx, room); err != nil {
			slogging.Get().Warn("failed to unsubscribe from redis channel %s: %v", room, err)
		}
	}
}

// Publish sends the payload through Redis; the delivery loop of each
// process fans it out locally. Transport errors are logged, never surfaced
// to callers: real-time delivery is best-effort.
func (b *RedisBroadcaster) Publish(room string, payload []byte, exclude string) {
	data, err := json.Marshal(redisEnvelope{Exclude: exclude, Payload: payload})
	if err != nil {
		slogging.Get().Error("failed to marshal broadcast envelope: %v", err)
		return
	}
	if err := b.client.Publish(b.ctx, room, data).Err(); err != nil {
		slogging.Get().Error("failed to publish to redis channel %s: %v", room, err)
	}
}

func (b *RedisBroadcaster) deliverLoop() {
	defer close(b.done)

	ch := b.pubsub.Channel()
	for {
		select {
		case <-b.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env redisEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				slogging.Get().Warn("discarding malformed broadcast envelope on %s: %v", msg.Channel, err)
				continue
			}
			b.local.Publish(msg.Channel, env.Payload, env.Exclude)
		}
	}
}

// Close stops the delivery loop and closes the Redis subscription
func (b *RedisBroadcaster) Close() error {
	b.cancel()
	err := b.pubsub.Close()
	<-b.done
	return err
}
