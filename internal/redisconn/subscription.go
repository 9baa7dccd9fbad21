package redisconn

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Delivery is one message received from a subscribed channel.
type Delivery struct {
	Channel string
	Payload []byte
}

// Subscription wraps a Redis pub/sub handle. One subscription is shared by
// all channels of a client; the delivery stream closes only when the
// subscription is closed.
type Subscription struct {
	ps   *redis.PubSub
	out  chan Delivery
	once sync.Once
}

func newSubscription(ps *redis.PubSub) *Subscription {
	return &Subscription{
		ps:  ps,
		out: make(chan Delivery, 64),
	}
}

// Subscribe adds channels to the subscription.
func (s *Subscription) Subscribe(ctx context.Context, channels ...string) error {
	return s.ps.Subscribe(ctx, channels...)
}

// Unsubscribe removes channels from the subscription.
func (s *Subscription) Unsubscribe(ctx context.Context, channels ...string) error {
	return s.ps.Unsubscribe(ctx, channels...)
}

// Deliveries returns the stream of incoming messages. Subscribe and
// unsubscribe confirmations are filtered out by the driver; only payload
// messages are forwarded.
func (s *Subscription) Deliveries() <-chan Delivery {
	s.once.Do(func() {
		src := s.ps.Channel()
		go func() {
			defer close(s.out)
			for msg := range src {
				s.out <- Delivery{
					Channel: msg.Channel,
					Payload: []byte(msg.Payload),
				}
			}
		}()
	})
	return s.out
}

// Close terminates the subscription and its delivery stream.
func (s *Subscription) Close() error {
	return s.ps.Close()
}
