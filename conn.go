package redrelay

import (
	"context"
	"sync"
	"time"

	"github.com/redrelay/redrelay-go/internal/redisconn"
	"github.com/redrelay/redrelay-go/pubsub"
)

// managerConn adapts the Redis connection manager to the transport surface
// the pubsub package consumes.
type managerConn struct {
	m *redisconn.Manager
}

func newManagerConn(m *redisconn.Manager) *managerConn {
	return &managerConn{m: m}
}

func (c *managerConn) Connect(ctx context.Context) error {
	return c.m.Connect(ctx)
}

func (c *managerConn) Close() error {
	return c.m.Close()
}

func (c *managerConn) IsConnected() bool {
	return c.m.IsConnected()
}

func (c *managerConn) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	return c.m.Publish(ctx, channel, payload)
}

func (c *managerConn) SubscriberCount(ctx context.Context, channel string) (int64, error) {
	return c.m.SubscriberCount(ctx, channel)
}

func (c *managerConn) Ping(ctx context.Context) error {
	return c.m.Ping(ctx)
}

func (c *managerConn) SetKey(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.m.SetKey(ctx, key, value, ttl)
}

func (c *managerConn) DeleteKey(ctx context.Context, key string) (bool, error) {
	return c.m.DeleteKey(ctx, key)
}

func (c *managerConn) ServerInfo(ctx context.Context) (map[string]string, error) {
	return c.m.ServerInfo(ctx)
}

func (c *managerConn) NewSubscription(ctx context.Context) (pubsub.Subscription, error) {
	sub, err := c.m.NewSubscription(ctx)
	if err != nil {
		return nil, err
	}
	return &managerSubscription{sub: sub}, nil
}

// managerSubscription converts the manager's delivery stream into the pubsub
// delivery type.
type managerSubscription struct {
	sub  *redisconn.Subscription
	once sync.Once
	out  chan pubsub.Delivery
}

func (s *managerSubscription) Subscribe(ctx context.Context, channels ...string) error {
	return s.sub.Subscribe(ctx, channels...)
}

func (s *managerSubscription) Unsubscribe(ctx context.Context, channels ...string) error {
	return s.sub.Unsubscribe(ctx, channels...)
}

func (s *managerSubscription) Deliveries() <-chan pubsub.Delivery {
	s.once.Do(func() {
		s.out = make(chan pubsub.Delivery, 64)
		src := s.sub.Deliveries()
		go func() {
			defer close(s.out)
			for d := range src {
				s.out <- pubsub.Delivery{Channel: d.Channel, Payload: d.Payload}
			}
		}()
	})
	return s.out
}

func (s *managerSubscription) Close() error {
	return s.sub.Close()
}
