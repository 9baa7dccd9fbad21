package pubsub

import (
	"context"
	"time"
)

// Delivery is one raw message received from a subscribed channel.
type Delivery struct {
	Channel string
	Payload []byte
}

// Subscription is a live pub/sub handle shared by all channels of a client.
// The delivery stream closes when the subscription is closed or the
// underlying connection is lost.
type Subscription interface {
	Subscribe(ctx context.Context, channels ...string) error
	Unsubscribe(ctx context.Context, channels ...string) error
	Deliveries() <-chan Delivery
	Close() error
}

// Conn is the transport surface the pub/sub layer runs on. Production code
// backs it with a Redis connection manager; tests substitute mocks.
type Conn interface {
	// Connect opens the connection pool; idempotent.
	Connect(ctx context.Context) error

	// Close releases the connection pool; idempotent.
	Close() error

	// IsConnected reports the connection status.
	IsConnected() bool

	// Publish sends a payload to a channel and returns the subscriber count.
	Publish(ctx context.Context, channel string, payload []byte) (int64, error)

	// SubscriberCount returns the number of subscribers for a channel.
	SubscriberCount(ctx context.Context, channel string) (int64, error)

	// Ping verifies connection liveness.
	Ping(ctx context.Context) error

	// SetKey writes a string key with a TTL.
	SetKey(ctx context.Context, key, value string, ttl time.Duration) error

	// DeleteKey removes a key, reporting whether it existed.
	DeleteKey(ctx context.Context, key string) (bool, error)

	// ServerInfo returns selected server metadata fields.
	ServerInfo(ctx context.Context) (map[string]string, error)

	// NewSubscription creates a pub/sub handle with no channels attached.
	NewSubscription(ctx context.Context) (Subscription, error)
}

// Handler processes one decoded message from a channel. Returning an error
// is logged but does not affect other handlers or the listener loop.
type Handler func(ctx context.Context, channel string, msg Message) error
