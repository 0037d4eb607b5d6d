package collab

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBroadcasterPublish(t *testing.T) {
	t.Run("AllSubscribersReceive", func(t *testing.T) {
		b := NewMemoryBroadcaster(8)
		sub1 := b.Subscribe(DiagramRoom("d1"), "c1")
		sub2 := b.Subscribe(DiagramRoom("d1"), "c2")

		b.Publish(DiagramRoom("d1"), []byte(`{"n":1}`), "")

		assert.Len(t, drain(sub1), 1)
		assert.Len(t, drain(sub2), 1)
	})

	t.Run("ExcludeSkipsOneConnection", func(t *testing.T) {
		b := NewMemoryBroadcaster(8)
		sender := b.Subscribe(DiagramRoom("d1"), "sender")
		other := b.Subscribe(DiagramRoom("d1"), "other")

		b.Publish(DiagramRoom("d1"), []byte(`{"n":1}`), "sender")

		assert.Empty(t, drain(sender))
		assert.Len(t, drain(other), 1)
	})

	t.Run("ZeroSubscribersIsSilentNoOp", func(t *testing.T) {
		b := NewMemoryBroadcaster(8)
		b.Publish(DiagramRoom("empty"), []byte(`{"n":1}`), "")
	})

	t.Run("RoomsAreIsolated", func(t *testing.T) {
		b := NewMemoryBroadcaster(8)
		sub := b.Subscribe(DiagramRoom("d1"), "c1")

		b.Publish(DiagramRoom("d2"), []byte(`{"n":1}`), "")
		assert.Empty(t, drain(sub))
	})

	t.Run("PerRoomOrderIsPreserved", func(t *testing.T) {
		b := NewMemoryBroadcaster(16)
		sub := b.Subscribe(DiagramRoom("d1"), "c1")

		for i := 0; i < 5; i++ {
			b.Publish(DiagramRoom("d1"), []byte(fmt.Sprintf(`{"n":%d}`, i)), "")
		}

		payloads := drain(sub)
		require.Len(t, payloads, 5)
		for i, payload := range payloads {
			assert.JSONEq(t, fmt.Sprintf(`{"n":%d}`, i), string(payload))
		}
	})

	t.Run("FullBufferDropsDeliveryWithoutStalling", func(t *testing.T) {
		b := NewMemoryBroadcaster(1)
		slow := b.Subscribe(DiagramRoom("d1"), "slow")

		done := make(chan struct{})
		go func() {
			b.Publish(DiagramRoom("d1"), []byte(`{"n":1}`), "")
			b.Publish(DiagramRoom("d1"), []byte(`{"n":2}`), "")
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("publish stalled on a full subscriber buffer")
		}
		assert.Len(t, drain(slow), 1)
	})
}

func TestMemoryBroadcasterUnsubscribe(t *testing.T) {
	t.Run("UnsubscribedConnectionStopsReceiving", func(t *testing.T) {
		b := NewMemoryBroadcaster(8)
		sub := b.Subscribe(DiagramRoom("d1"), "c1")
		b.Unsubscribe(sub)

		b.Publish(DiagramRoom("d1"), []byte(`{"n":1}`), "")

		_, open := <-sub.C
		assert.False(t, open, "channel should be closed")
		assert.Zero(t, b.SubscriberCount(DiagramRoom("d1")))
	})

	t.Run("DoubleUnsubscribeIsSafe", func(t *testing.T) {
		b := NewMemoryBroadcaster(8)
		sub := b.Subscribe(DiagramRoom("d1"), "c1")
		b.Unsubscribe(sub)
		b.Unsubscribe(sub)
	})

	t.Run("NilSubscriptionIsSafe", func(t *testing.T) {
		b := NewMemoryBroadcaster(8)
		b.Unsubscribe(nil)
	})
}

func newRedisBroadcaster(t *testing.T) *RedisBroadcaster {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	b := NewRedisBroadcaster(client, 8)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// waitForPayloads reads n payloads off a subscription, failing the test on
// timeout. Redis delivery is asynchronous so tests cannot drain
// immediately after Publish.
func waitForPayloads(t *testing.T, sub *Subscription, n int) [][]byte {
	t.Helper()

	var out [][]byte
	deadline := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case payload, ok := <-sub.C:
			require.True(t, ok, "subscription closed while waiting")
			out = append(out, payload)
		case <-deadline:
			t.Fatalf("timed out waiting for %d payloads, got %d", n, len(out))
		}
	}
	return out
}

func TestRedisBroadcaster(t *testing.T) {
	t.Run("PublishReachesSubscriber", func(t *testing.T) {
		b := newRedisBroadcaster(t)
		sub := b.Subscribe(DiagramRoom("d1"), "c1")

		b.Publish(DiagramRoom("d1"), []byte(`{"n":1}`), "")

		payloads := waitForPayloads(t, sub, 1)
		assert.JSONEq(t, `{"n":1}`, string(payloads[0]))
	})

	t.Run("ExcludeSurvivesTheWire", func(t *testing.T) {
		b := newRedisBroadcaster(t)
		sender := b.Subscribe(DiagramRoom("d1"), "sender")
		other := b.Subscribe(DiagramRoom("d1"), "other")

		b.Publish(DiagramRoom("d1"), []byte(`{"n":1}`), "sender")

		waitForPayloads(t, other, 1)
		assert.Empty(t, drain(sender))
	})

	t.Run("OrderIsPreserved", func(t *testing.T) {
		b := newRedisBroadcaster(t)
		sub := b.Subscribe(DiagramRoom("d1"), "c1")

		for i := 0; i < 5; i++ {
			b.Publish(DiagramRoom("d1"), []byte(fmt.Sprintf(`{"n":%d}`, i)), "")
		}

		payloads := waitForPayloads(t, sub, 5)
		for i, payload := range payloads {
			assert.JSONEq(t, fmt.Sprintf(`{"n":%d}`, i), string(payload))
		}
	})

	t.Run("UnsubscribeDropsRedisChannelAtZeroSubscribers", func(t *testing.T) {
		b := newRedisBroadcaster(t)
		sub1 := b.Subscribe(DiagramRoom("d1"), "c1")
		sub2 := b.Subscribe(DiagramRoom("d1"), "c2")

		b.Unsubscribe(sub1)
		b.Unsubscribe(sub2)
		// no local subscribers left; publish must not panic or deliver
		b.Publish(DiagramRoom("d1"), []byte(`{"n":1}`), "")
	})

	t.Run("EnvelopeRoundTrips", func(t *testing.T) {
		env := redisEnvelope{Exclude: "c1", Payload: json.RawMessage(`{"type":"element_update"}`)}
		data, err := json.Marshal(env)
		require.NoError(t, err)

		var decoded redisEnvelope
		require.NoError(t, json.Unmarshal(data, &decoded))
		assert.Equal(t, "c1", decoded.Exclude)
		assert.JSONEq(t, `{"type":"element_update"}`, string(decoded.Payload))
	})
}
