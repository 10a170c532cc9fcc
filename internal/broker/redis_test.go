package broker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fleetconsole-io/fleetconsole/internal/protocol"
)

// newTestRedis starts a miniredis server and returns a broker connected to it.
func newTestRedis(t *testing.T) *Redis {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	b := NewRedis(client, zap.NewNop())
	t.Cleanup(func() { b.Close() })
	return b
}

func waitFor(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case payload := <-ch:
		return payload
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return nil
	}
}

func TestRedis_LocalFastPath(t *testing.T) {
	b := newTestRedis(t)
	ctx := context.Background()

	got := make(chan []byte, 4)
	unsub, err := b.Subscribe(ctx, protocol.ChannelMetrics, "i-1", func(payload []byte) {
		got <- payload
	})
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, b.Publish(ctx, protocol.ChannelMetrics, "i-1", []byte("sample")))
	assert.Equal(t, "sample", string(waitFor(t, got)))

	// The replica's own publish echoes back over Redis but must not be
	// delivered twice.
	select {
	case extra := <-got:
		t.Fatalf("duplicate delivery: %s", extra)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRedis_CrossReplicaDelivery(t *testing.T) {
	mr := miniredis.RunT(t)

	clientA := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	clientB := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { clientA.Close(); clientB.Close() })

	replicaA := NewRedis(clientA, zap.NewNop())
	replicaB := NewRedis(clientB, zap.NewNop())
	t.Cleanup(func() { replicaA.Close(); replicaB.Close() })

	ctx := context.Background()
	got := make(chan []byte, 4)
	unsub, err := replicaB.Subscribe(ctx, protocol.ChannelLogs, "i-7", func(payload []byte) {
		got <- payload
	})
	require.NoError(t, err)
	defer unsub()

	// Subscription propagation to miniredis is asynchronous through the
	// pubsub goroutine; retry the publish until it lands.
	require.Eventually(t, func() bool {
		require.NoError(t, replicaA.Publish(ctx, protocol.ChannelLogs, "i-7", []byte("from A")))
		select {
		case payload := <-got:
			assert.Equal(t, "from A", string(payload))
			return true
		case <-time.After(100 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 50*time.Millisecond)
}

func TestRedis_PatternDeliveryAcrossReplicas(t *testing.T) {
	mr := miniredis.RunT(t)

	clientA := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	clientB := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { clientA.Close(); clientB.Close() })

	replicaA := NewRedis(clientA, zap.NewNop())
	replicaB := NewRedis(clientB, zap.NewNop())
	t.Cleanup(func() { replicaA.Close(); replicaB.Close() })

	ctx := context.Background()
	type delivery struct {
		instanceID string
		payload    string
	}
	got := make(chan delivery, 4)
	unsub, err := replicaB.SubscribeAll(ctx, protocol.ChannelMetrics, func(instanceID string, payload []byte) {
		got <- delivery{instanceID, string(payload)}
	})
	require.NoError(t, err)
	defer unsub()

	require.Eventually(t, func() bool {
		require.NoError(t, replicaA.Publish(ctx, protocol.ChannelMetrics, "i-42", []byte("m")))
		select {
		case d := <-got:
			assert.Equal(t, "i-42", d.instanceID)
			assert.Equal(t, "m", d.payload)
			return true
		case <-time.After(100 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 50*time.Millisecond)
}

// Payloads are opaque bytes, not necessarily JSON. Raw binary must survive
// the Redis wire encoding intact.
func TestRedis_CarriesNonJSONPayloads(t *testing.T) {
	mr := miniredis.RunT(t)

	clientA := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	clientB := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { clientA.Close(); clientB.Close() })

	replicaA := NewRedis(clientA, zap.NewNop())
	replicaB := NewRedis(clientB, zap.NewNop())
	t.Cleanup(func() { replicaA.Close(); replicaB.Close() })

	ctx := context.Background()
	got := make(chan []byte, 4)
	unsub, err := replicaB.Subscribe(ctx, protocol.ChannelTerminal, "i-9", func(payload []byte) {
		got <- payload
	})
	require.NoError(t, err)
	defer unsub()

	raw := []byte{0x00, 0xff, 'r', 'a', 'w', 0x7f}
	require.Eventually(t, func() bool {
		require.NoError(t, replicaA.Publish(ctx, protocol.ChannelTerminal, "i-9", raw))
		select {
		case payload := <-got:
			assert.Equal(t, raw, payload)
			return true
		case <-time.After(100 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 50*time.Millisecond)
}

func TestRedis_RefcountedUnsubscribe(t *testing.T) {
	b := newTestRedis(t)
	ctx := context.Background()

	unsubA, err := b.Subscribe(ctx, protocol.ChannelEvents, "i-1", func([]byte) {})
	require.NoError(t, err)
	unsubB, err := b.Subscribe(ctx, protocol.ChannelEvents, "i-1", func([]byte) {})
	require.NoError(t, err)

	key := Key(protocol.ChannelEvents, "i-1")
	b.mu.Lock()
	assert.Equal(t, 2, b.keyRefs[key])
	b.mu.Unlock()

	require.NoError(t, unsubA())
	b.mu.Lock()
	assert.Equal(t, 1, b.keyRefs[key])
	b.mu.Unlock()

	require.NoError(t, unsubB())
	b.mu.Lock()
	_, present := b.keyRefs[key]
	b.mu.Unlock()
	assert.False(t, present, "refcount entry removed when the last listener leaves")

	// Double unsubscribe stays a no-op.
	require.NoError(t, unsubB())
}
