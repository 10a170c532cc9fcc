package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fleetconsole-io/fleetconsole/internal/protocol"
)

// wireMessage is the Redis payload wrapper. Origin carries the publishing
// replica's id so a replica can discard the echo of its own publishes, which
// were already delivered through the local fast path. Payload stays a byte
// slice (base64 on the wire) because the Broker contract treats payloads as
// opaque bytes, not necessarily JSON.
type wireMessage struct {
	Origin  string `json:"origin"`
	Payload []byte `json:"payload"`
}

// Redis is the multi-replica Broker. Local delivery happens synchronously on
// Publish (same-replica fast path); remote delivery goes through Redis
// pub/sub. Underlying Redis subscriptions are reference-counted per key and
// torn down when the local listener count reaches zero.
type Redis struct {
	client *redis.Client
	local  *Memory
	origin string
	log    *zap.Logger

	// mu guards the refcount tables. A count decrement is atomic with the
	// Redis unsubscribe so a racing Subscribe never observes a key with
	// listeners but no transport subscription.
	mu          sync.Mutex
	keyRefs     map[string]int
	patternRefs map[string]int

	pubsub *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRedis returns a Broker backed by the given Redis client and starts its
// receive loop. Call Close to tear it down.
func NewRedis(client *redis.Client, log *zap.Logger) *Redis {
	ctx, cancel := context.WithCancel(context.Background())

	r := &Redis{
		client:      client,
		local:       NewMemory(),
		origin:      uuid.NewString(),
		log:         log,
		keyRefs:     make(map[string]int),
		patternRefs: make(map[string]int),
		pubsub:      client.Subscribe(ctx),
		cancel:      cancel,
		done:        make(chan struct{}),
	}

	go r.receiveLoop()
	return r
}

// Publish delivers to same-replica listeners first, then to remote replicas
// via Redis. The local emit is kept ahead of the network round-trip so a
// browser on the same replica as the agent sees the message immediately.
func (r *Redis) Publish(ctx context.Context, channel protocol.Channel, instanceID string, payload []byte) error {
	if err := r.local.Publish(ctx, channel, instanceID, payload); err != nil {
		r.log.Warn("broker: local publish failed",
			zap.String("key", Key(channel, instanceID)), zap.Error(err))
	}

	wire, err := json.Marshal(wireMessage{Origin: r.origin, Payload: payload})
	if err != nil {
		return fmt.Errorf("broker: marshal wire message: %w", err)
	}
	if err := r.client.Publish(ctx, Key(channel, instanceID), wire).Err(); err != nil {
		return fmt.Errorf("broker: redis publish: %w", err)
	}
	return nil
}

// Subscribe registers a local listener and opens the Redis subscription for
// the key when this is its first listener.
func (r *Redis) Subscribe(ctx context.Context, channel protocol.Channel, instanceID string, fn Handler) (UnsubscribeFunc, error) {
	localUnsub, err := r.local.Subscribe(ctx, channel, instanceID, fn)
	if err != nil {
		return nil, err
	}

	key := Key(channel, instanceID)
	r.mu.Lock()
	r.keyRefs[key]++
	first := r.keyRefs[key] == 1
	r.mu.Unlock()

	if first {
		if err := r.pubsub.Subscribe(ctx, key); err != nil {
			_ = localUnsub()
			r.mu.Lock()
			r.keyRefs[key]--
			if r.keyRefs[key] <= 0 {
				delete(r.keyRefs, key)
			}
			r.mu.Unlock()
			return nil, fmt.Errorf("broker: redis subscribe %s: %w", key, err)
		}
	}

	var once sync.Once
	return func() error {
		var err error
		once.Do(func() {
			err = localUnsub()
			r.mu.Lock()
			r.keyRefs[key]--
			last := r.keyRefs[key] == 0
			if last {
				delete(r.keyRefs, key)
				// Unsubscribe inside the lock so the zero-count state and
				// the transport teardown cannot interleave with a new
				// subscriber's first-listener setup.
				if uerr := r.pubsub.Unsubscribe(context.Background(), key); uerr != nil && err == nil {
					err = fmt.Errorf("broker: redis unsubscribe %s: %w", key, uerr)
				}
			}
			r.mu.Unlock()
		})
		return err
	}, nil
}

// SubscribeAll registers a local pattern listener and opens the Redis pattern
// subscription for the channel when this is its first listener.
func (r *Redis) SubscribeAll(ctx context.Context, channel protocol.Channel, fn PatternHandler) (UnsubscribeFunc, error) {
	localUnsub, err := r.local.SubscribeAll(ctx, channel, fn)
	if err != nil {
		return nil, err
	}

	pattern := Pattern(channel)
	r.mu.Lock()
	r.patternRefs[pattern]++
	first := r.patternRefs[pattern] == 1
	r.mu.Unlock()

	if first {
		if err := r.pubsub.PSubscribe(ctx, pattern); err != nil {
			_ = localUnsub()
			r.mu.Lock()
			r.patternRefs[pattern]--
			if r.patternRefs[pattern] <= 0 {
				delete(r.patternRefs, pattern)
			}
			r.mu.Unlock()
			return nil, fmt.Errorf("broker: redis psubscribe %s: %w", pattern, err)
		}
	}

	var once sync.Once
	return func() error {
		var err error
		once.Do(func() {
			err = localUnsub()
			r.mu.Lock()
			r.patternRefs[pattern]--
			last := r.patternRefs[pattern] == 0
			if last {
				delete(r.patternRefs, pattern)
				if uerr := r.pubsub.PUnsubscribe(context.Background(), pattern); uerr != nil && err == nil {
					err = fmt.Errorf("broker: redis punsubscribe %s: %w", pattern, uerr)
				}
			}
			r.mu.Unlock()
		})
		return err
	}, nil
}

// Close stops the receive loop, closes the Redis subscription and drops all
// local listeners.
func (r *Redis) Close() error {
	r.cancel()
	err := r.pubsub.Close()
	<-r.done
	_ = r.local.Close()
	return err
}

// receiveLoop dispatches remote-origin messages to local listeners. Exact
// subscriptions and pattern subscriptions arrive as distinct Redis messages,
// so each is routed only to its own listener kind; a replica holding both
// never double-delivers.
func (r *Redis) receiveLoop() {
	defer close(r.done)

	for msg := range r.pubsub.Channel() {
		var wire wireMessage
		if err := json.Unmarshal([]byte(msg.Payload), &wire); err != nil {
			r.log.Warn("broker: dropping malformed wire message",
				zap.String("key", msg.Channel), zap.Error(err))
			continue
		}
		if wire.Origin == r.origin {
			// Our own publish echoed back; local listeners already got it.
			continue
		}

		instanceID, channel, ok := parseKey(msg.Channel)
		if !ok {
			r.log.Warn("broker: dropping message with unrecognised key",
				zap.String("key", msg.Channel))
			continue
		}

		if msg.Pattern != "" {
			r.local.deliverPattern(channel, instanceID, wire.Payload)
		} else {
			r.local.deliverExact(channel, instanceID, wire.Payload)
		}
	}
}
