package pubsub

import (
	"context"
	"sync"
	"time"
)

// fakeConn is an in-memory Conn implementation acting as a tiny broker:
// publishes are recorded and, when routing is enabled, delivered to every
// subscription subscribed to the channel.
type fakeConn struct {
	mu           sync.Mutex
	connected    bool
	connectErr   error
	publishErr   error
	pingErr      error
	countErr     error
	infoErr      error
	route        bool
	connects     int
	closes       int
	publishCalls int
	keys         map[string]string
	setKeys      []string
	deletedKeys  []string
	published    []fakePublish
	subs         []*stubSubscription
	counts       map[string]int64
}

type fakePublish struct {
	Channel string
	Payload []byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		keys:   make(map[string]string),
		counts: make(map[string]int64),
	}
}

func (f *fakeConn) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	if !f.connected {
		f.connected = true
		f.connects++
	}
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.closes++
	return nil
}

func (f *fakeConn) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeConn) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	f.mu.Lock()
	f.publishCalls++
	if f.publishErr != nil {
		err := f.publishErr
		f.mu.Unlock()
		return 0, err
	}
	f.published = append(f.published, fakePublish{Channel: channel, Payload: payload})
	count := f.counts[channel]
	subs := make([]*stubSubscription, len(f.subs))
	copy(subs, f.subs)
	route := f.route
	f.mu.Unlock()

	if route {
		for _, sub := range subs {
			sub.push(channel, payload)
		}
	}
	return count, nil
}

func (f *fakeConn) SubscriberCount(ctx context.Context, channel string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.countErr != nil {
		return 0, f.countErr
	}
	return f.counts[channel], nil
}

func (f *fakeConn) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeConn) SetKey(ctx context.Context, key, value string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys[key] = value
	f.setKeys = append(f.setKeys, key)
	return nil
}

func (f *fakeConn) DeleteKey(ctx context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, existed := f.keys[key]
	delete(f.keys, key)
	f.deletedKeys = append(f.deletedKeys, key)
	return existed, nil
}

func (f *fakeConn) ServerInfo(ctx context.Context) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.infoErr != nil {
		return nil, f.infoErr
	}
	return map[string]string{"redis_version": "7.2.4", "used_memory_human": "1.2M"}, nil
}

func (f *fakeConn) NewSubscription(ctx context.Context) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub := newStubSubscription()
	f.subs = append(f.subs, sub)
	return sub, nil
}

func (f *fakeConn) setPublishErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishErr = err
}

func (f *fakeConn) publishedTo(channel string) []fakePublish {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []fakePublish
	for _, p := range f.published {
		if p.Channel == channel {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakeConn) subCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeConn) lastSub() *stubSubscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[len(f.subs)-1]
}

func (f *fakeConn) deletedCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, k := range f.deletedKeys {
		if k == key {
			n++
		}
	}
	return n
}

// push encodes msg and delivers it to every subscription on channel,
// bypassing Publish.
func (f *fakeConn) push(channel string, msg Message) {
	payload, err := msg.Encode()
	if err != nil {
		panic(err)
	}
	f.pushRaw(channel, payload)
}

func (f *fakeConn) pushRaw(channel string, payload []byte) {
	f.mu.Lock()
	subs := make([]*stubSubscription, len(f.subs))
	copy(subs, f.subs)
	f.mu.Unlock()

	for _, sub := range subs {
		sub.push(channel, payload)
	}
}

// stubSubscription is an in-memory Subscription with a buffered delivery
// stream.
type stubSubscription struct {
	mu         sync.Mutex
	channels   map[string]struct{}
	unsubs     []string
	closed     bool
	deliveries chan Delivery
}

func newStubSubscription() *stubSubscription {
	return &stubSubscription{
		channels:   make(map[string]struct{}),
		deliveries: make(chan Delivery, 100),
	}
}

func (s *stubSubscription) Subscribe(ctx context.Context, channels ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range channels {
		s.channels[ch] = struct{}{}
	}
	return nil
}

func (s *stubSubscription) Unsubscribe(ctx context.Context, channels ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range channels {
		delete(s.channels, ch)
		s.unsubs = append(s.unsubs, ch)
	}
	return nil
}

func (s *stubSubscription) Deliveries() <-chan Delivery {
	return s.deliveries
}

func (s *stubSubscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.deliveries)
	}
	return nil
}

func (s *stubSubscription) push(channel string, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, ok := s.channels[channel]; !ok {
		return
	}
	s.deliveries <- Delivery{Channel: channel, Payload: payload}
}

func (s *stubSubscription) subscribedTo(channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.channels[channel]
	return ok
}
