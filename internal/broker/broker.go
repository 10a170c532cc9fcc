// Package broker provides key-addressable publish/subscribe used to fan
// telemetry out from agent sockets to browser sockets. Two interchangeable
// back-ends exist: an in-process multicast table for single-replica
// deployments and a Redis-backed broker for multi-replica deployments. The
// gateway depends only on the Broker capability set, never on a concrete
// transport.
package broker

import (
	"context"
	"fmt"
	"strings"

	"github.com/fleetconsole-io/fleetconsole/internal/protocol"
)

// Handler receives every payload published on a subscribed key. Handlers run
// on the publisher's goroutine (in-process) or the broker's receive loop
// (Redis) and must not block; hand the payload to a buffered channel.
type Handler func(payload []byte)

// PatternHandler receives payloads from a pattern subscription together with
// the instance id extracted from the key.
type PatternHandler func(instanceID string, payload []byte)

// UnsubscribeFunc detaches a subscription. It is idempotent: after the first
// call returns, no further callbacks fire, and subsequent calls are no-ops.
type UnsubscribeFunc func() error

// Broker is the capability set the gateway and dispatcher publish through.
type Broker interface {
	// Publish delivers payload to every listener of (channel, instanceID),
	// local listeners first.
	Publish(ctx context.Context, channel protocol.Channel, instanceID string, payload []byte) error

	// Subscribe registers a listener for one (channel, instanceID) key.
	Subscribe(ctx context.Context, channel protocol.Channel, instanceID string, fn Handler) (UnsubscribeFunc, error)

	// SubscribeAll registers a listener for one channel across all instances.
	SubscribeAll(ctx context.Context, channel protocol.Channel, fn PatternHandler) (UnsubscribeFunc, error)

	// Close tears down all subscriptions and the underlying transport.
	Close() error
}

// Key returns the shared key for one instance and channel. The format is
// fixed wire contract with agents and other replicas.
func Key(channel protocol.Channel, instanceID string) string {
	return fmt.Sprintf("fleet:instance:%s:%s", instanceID, channel)
}

// Pattern returns the wildcard form of Key matching every instance.
func Pattern(channel protocol.Channel) string {
	return fmt.Sprintf("fleet:instance:*:%s", channel)
}

// parseKey splits a shared key back into instance id and channel. Instance
// ids never contain ':'; the channel is the final segment.
func parseKey(key string) (instanceID string, channel protocol.Channel, ok bool) {
	rest, found := strings.CutPrefix(key, "fleet:instance:")
	if !found {
		return "", "", false
	}
	idx := strings.LastIndex(rest, ":")
	if idx <= 0 {
		return "", "", false
	}
	return rest[:idx], protocol.Channel(rest[idx+1:]), true
}
