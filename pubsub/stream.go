package pubsub

import (
	"context"
	"time"
)

// channelStream adapts the client's handler-callback subscription model into
// a pull-based message stream. It registers a handler that pushes every
// received message into a bounded queue; Next pulls from that queue with an
// optional idle timeout after which the stream ends gracefully.
type channelStream struct {
	client  *Client
	channel string
	reg     *HandlerRegistration
	queue   chan Message
	maxIdle time.Duration
}

func newChannelStream(ctx context.Context, client *Client, channel string, maxIdle time.Duration) (*channelStream, error) {
	s := &channelStream{
		client:  client,
		channel: channel,
		queue:   make(chan Message, 100),
		maxIdle: maxIdle,
	}

	reg, err := client.Subscribe(ctx, channel, func(ctx context.Context, _ string, msg Message) error {
		select {
		case s.queue <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.reg = reg
	return s, nil
}

// Next returns the next message. It reports false when the stream ends:
// context cancellation, or no message arriving within maxIdle when one is
// configured.
func (s *channelStream) Next(ctx context.Context) (Message, bool) {
	if s.maxIdle <= 0 {
		select {
		case msg := <-s.queue:
			return msg, true
		case <-ctx.Done():
			return nil, false
		}
	}

	timer := time.NewTimer(s.maxIdle)
	defer timer.Stop()

	select {
	case msg := <-s.queue:
		return msg, true
	case <-timer.C:
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
}

// Close unregisters the stream's handler. Safe on every exit path.
func (s *channelStream) Close(ctx context.Context) error {
	return s.reg.Remove(ctx)
}
