package pubsub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/redrelay/redrelay-go/internal/reliability"
)

// BreakerConfig tunes the circuit breaker guarding Redis round-trips.
type BreakerConfig struct {
	// FailureThreshold is the consecutive failures that open the circuit.
	// Zero yields a permanently open circuit.
	FailureThreshold int

	// SuccessThreshold is the consecutive successes that close the circuit
	// from half-open.
	SuccessThreshold int

	// RecoveryTimeout is the base wait before an open circuit admits a trial.
	RecoveryTimeout time.Duration

	// OperationTimeout bounds each protected operation.
	OperationTimeout time.Duration
}

// DefaultBreakerConfig returns the breaker tuning used when none is given.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		RecoveryTimeout:  30 * time.Second,
		OperationTimeout: 10 * time.Second,
	}
}

func newBreaker(name string, cfg BreakerConfig) *reliability.CircuitBreaker {
	return reliability.NewCircuitBreaker(
		reliability.WithName(name),
		reliability.WithFailureThreshold(cfg.FailureThreshold),
		reliability.WithSuccessThreshold(cfg.SuccessThreshold),
		reliability.WithRecoveryTimeout(cfg.RecoveryTimeout),
		reliability.WithOperationTimeout(cfg.OperationTimeout),
	)
}

// handlerEntry is one registered handler for a channel.
type handlerEntry struct {
	id string
	fn Handler
}

// HandlerRegistration identifies one registered handler so it can be removed
// individually.
type HandlerRegistration struct {
	client  *Client
	channel string
	id      string
}

// Channel returns the channel the handler is registered on.
func (r *HandlerRegistration) Channel() string {
	return r.channel
}

// Remove unregisters the handler. If it was the channel's last handler, the
// Redis subscription for the channel is released too.
func (r *HandlerRegistration) Remove(ctx context.Context) error {
	return r.client.removeHandler(ctx, r.channel, r.id)
}

// Client is a circuit-breaker-protected Redis publish/subscribe client. One
// client owns one connection pool, one shared subscription, and one
// background listener dispatching incoming messages to registered handlers.
type Client struct {
	conn     Conn
	breaker  *reliability.CircuitBreaker
	logger   *slog.Logger
	tracer   Tracer
	metrics  MetricsCollector
	fallback *fallbackQueue

	// slowPublish is the latency above which a publish logs a warning.
	slowPublish time.Duration

	mu             sync.RWMutex
	handlers       map[string][]handlerEntry
	sub            Subscription
	listenerCancel context.CancelFunc
	listenerDone   chan struct{}
}

// ClientOption configures the Client
type ClientOption func(*Client)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithTracer sets the distributed-tracing hook.
func WithTracer(tracer Tracer) ClientOption {
	return func(c *Client) {
		c.tracer = tracer
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(metrics MetricsCollector) ClientOption {
	return func(c *Client) {
		c.metrics = metrics
	}
}

// WithBreaker replaces the default circuit breaker tuning.
func WithBreaker(cfg BreakerConfig) ClientOption {
	return func(c *Client) {
		c.breaker = newBreaker("pubsub", cfg)
	}
}

// WithSlowPublishThreshold sets the publish latency that triggers a
// performance warning.
func WithSlowPublishThreshold(threshold time.Duration) ClientOption {
	return func(c *Client) {
		c.slowPublish = threshold
	}
}

// WithFallbackDir sets the directory used by the file fallback queue.
func WithFallbackDir(dir string) ClientOption {
	return func(c *Client) {
		c.fallback.dir = dir
	}
}

// NewClient creates a pub/sub client on top of conn. The connection is not
// opened until Connect or the first auto-connecting operation.
func NewClient(conn Conn, options ...ClientOption) *Client {
	c := &Client{
		conn:        conn,
		breaker:     newBreaker("pubsub", DefaultBreakerConfig()),
		logger:      slog.Default(),
		tracer:      NoopTracer(),
		metrics:     NoopCollector(),
		fallback:    &fallbackQueue{},
		slowPublish: time.Millisecond,
		handlers:    make(map[string][]handlerEntry),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Connect opens the connection and verifies liveness, both under the circuit
// breaker. Calling Connect while connected is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	if c.conn.IsConnected() {
		return nil
	}

	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		if err := c.conn.Connect(ctx); err != nil {
			return err
		}
		return c.conn.Ping(ctx)
	})
	if err != nil {
		return &ConnectionError{Op: "connect", Err: err, Timestamp: time.Now()}
	}
	return nil
}

// IsConnected reports the connection status.
func (c *Client) IsConnected() bool {
	return c.conn.IsConnected()
}

// Disconnect stops the listener, closes the subscription and the connection,
// and clears all handler registrations. Errors during teardown are logged,
// not returned, so a partial failure never prevents releasing the remaining
// resources. Calling Disconnect while disconnected is a no-op.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	cancel := c.listenerCancel
	done := c.listenerDone
	sub := c.sub
	c.listenerCancel = nil
	c.listenerDone = nil
	c.sub = nil
	c.handlers = make(map[string][]handlerEntry)
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if sub != nil {
		if err := sub.Close(); err != nil {
			c.logger.Warn("failed to close subscription", "error", err)
		}
	}

	if c.conn.IsConnected() {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close connection", "error", err)
		}
	}

	return nil
}

type publishOptions struct {
	correlationID string
}

// PublishOption configures a single publish call.
type PublishOption func(*publishOptions)

// WithCorrelationID attaches a caller-supplied correlation identifier to the
// publish for tracing and logs. One is generated when absent.
func WithCorrelationID(id string) PublishOption {
	return func(o *publishOptions) {
		o.correlationID = id
	}
}

// Publish serializes msg as compact JSON and sends it to channel, returning
// the number of subscribers Redis reports. Serialization failures are
// reported as a PublishError without touching the circuit breaker; transport
// failures and circuit rejections are breaker-tracked and wrapped the same
// way.
func (c *Client) Publish(ctx context.Context, channel string, msg Message, options ...PublishOption) (int64, error) {
	opts := publishOptions{}
	for _, opt := range options {
		opt(&opts)
	}
	if opts.correlationID == "" {
		opts.correlationID = uuid.NewString()
	}

	ctx, endSpan := c.tracer.StartSpan(ctx, "pubsub.publish", map[string]string{
		"channel":       channel,
		"correlationId": opts.correlationID,
	})

	payload, err := msg.Encode()
	if err != nil {
		// Caller bug, not dependency unhealthiness: the breaker never sees it.
		pubErr := &PublishError{Channel: channel, Err: err, Serialization: true, Timestamp: time.Now()}
		endSpan(pubErr)
		return 0, pubErr
	}

	if err := c.Connect(ctx); err != nil {
		c.metrics.ObservePublish(channel, 0, err)
		endSpan(err)
		return 0, &PublishError{Channel: channel, Err: err, Timestamp: time.Now()}
	}

	var count int64
	start := time.Now()
	err = c.breaker.Execute(ctx, func(ctx context.Context) error {
		n, pubErr := c.conn.Publish(ctx, channel, payload)
		count = n
		return pubErr
	})
	elapsed := time.Since(start)

	c.metrics.ObservePublish(channel, elapsed, err)

	if err != nil {
		c.logger.Error("publish failed",
			"channel", channel,
			"correlationId", opts.correlationID,
			"error", err,
		)
		pubErr := &PublishError{Channel: channel, Err: err, Timestamp: time.Now()}
		endSpan(pubErr)
		return 0, pubErr
	}

	if elapsed > c.slowPublish {
		c.logger.Warn("slow publish",
			"channel", channel,
			"correlationId", opts.correlationID,
			"elapsed", elapsed,
			"threshold", c.slowPublish,
		)
	}

	endSpan(nil)
	return count, nil
}

// PublishWithFallback publishes with a degradation policy applied on
// failure. The returned result reports whether the primary path or the
// fallback satisfied the request; expected failure modes never surface as
// errors.
func (c *Client) PublishWithFallback(ctx context.Context, channel string, msg Message, strategy FallbackStrategy, options ...PublishOption) *PublishResult {
	opts := publishOptions{}
	for _, opt := range options {
		opt(&opts)
	}
	if opts.correlationID == "" {
		opts.correlationID = uuid.NewString()
	}

	count, err := c.Publish(ctx, channel, msg, WithCorrelationID(opts.correlationID))
	if err == nil {
		return &PublishResult{Success: true, SubscriberCount: count}
	}

	item := queuedPublish{
		Channel:       channel,
		Message:       msg.Clone(),
		CorrelationID: opts.correlationID,
		QueuedAt:      time.Now(),
	}

	switch strategy {
	case FallbackLogOnly:
		c.logger.Info("publish failed, logged for later inspection",
			"channel", channel,
			"correlationId", opts.correlationID,
			"error", err,
		)

	case FallbackMemoryQueue:
		c.fallback.enqueue(item)
		c.logger.Info("publish failed, queued in memory",
			"channel", channel,
			"correlationId", opts.correlationID,
			"queueLength", c.fallback.length(),
			"error", err,
		)

	case FallbackFileQueue:
		if persistErr := c.fallback.persist(item); persistErr != nil {
			c.logger.Error("publish failed and file fallback unavailable, queueing in memory",
				"channel", channel,
				"correlationId", opts.correlationID,
				"error", err,
				"persistError", persistErr,
			)
			c.fallback.enqueue(item)
		} else {
			c.logger.Info("publish failed, persisted to file queue",
				"channel", channel,
				"correlationId", opts.correlationID,
				"error", err,
			)
		}

	default:
		c.logger.Error("publish failed with unknown fallback strategy",
			"channel", channel,
			"strategy", string(strategy),
			"error", err,
		)
		return &PublishResult{Success: false, Strategy: strategy, Err: err}
	}

	return &PublishResult{Success: true, FallbackUsed: true, Strategy: strategy, Err: err}
}

// Subscribe registers handler for channel and returns a registration token
// that can remove it later. The first handler on a channel issues the Redis
// subscribe; later handlers share the same subscription. Handlers for the
// same channel are dispatched in registration order.
func (c *Client) Subscribe(ctx context.Context, channel string, handler Handler) (*HandlerRegistration, error) {
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sub == nil {
		sub, err := c.conn.NewSubscription(ctx)
		if err != nil {
			return nil, &SubscribeError{Channel: channel, Op: "subscribe", Err: err}
		}
		c.sub = sub
	}

	entry := handlerEntry{id: uuid.NewString(), fn: handler}
	first := len(c.handlers[channel]) == 0

	if first {
		err := c.breaker.Execute(ctx, func(ctx context.Context) error {
			return c.sub.Subscribe(ctx, channel)
		})
		if err != nil {
			return nil, &SubscribeError{Channel: channel, Op: "subscribe", Err: err}
		}
	}

	c.handlers[channel] = append(c.handlers[channel], entry)
	c.ensureListenerLocked()

	c.logger.Debug("handler registered",
		"channel", channel,
		"handlerCount", len(c.handlers[channel]),
	)

	return &HandlerRegistration{client: c, channel: channel, id: entry.id}, nil
}

// Unsubscribe removes all handlers for channel and releases its Redis
// subscription. Unsubscribing a channel with no active subscription is a
// silent no-op.
func (c *Client) Unsubscribe(ctx context.Context, channel string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.handlers[channel]; !ok {
		return nil
	}
	delete(c.handlers, channel)

	return c.unsubscribeChannelLocked(ctx, channel)
}

// removeHandler drops a single handler; the last one releases the channel's
// Redis subscription.
func (c *Client) removeHandler(ctx context.Context, channel, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, ok := c.handlers[channel]
	if !ok {
		return nil
	}

	kept := entries[:0]
	for _, e := range entries {
		if e.id != id {
			kept = append(kept, e)
		}
	}

	if len(kept) > 0 {
		c.handlers[channel] = kept
		return nil
	}

	delete(c.handlers, channel)
	return c.unsubscribeChannelLocked(ctx, channel)
}

// unsubscribeChannelLocked issues the Redis unsubscribe. Caller holds c.mu.
func (c *Client) unsubscribeChannelLocked(ctx context.Context, channel string) error {
	if c.sub == nil {
		return nil
	}

	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.sub.Unsubscribe(ctx, channel)
	})
	if err != nil {
		return &SubscribeError{Channel: channel, Op: "unsubscribe", Err: err}
	}

	c.logger.Debug("unsubscribed", "channel", channel)
	return nil
}

// SubscriberCount returns the number of subscribers Redis tracks for a
// channel. Query failures are logged and reported as zero, not as errors.
func (c *Client) SubscriberCount(ctx context.Context, channel string) int64 {
	var count int64
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		n, countErr := c.conn.SubscriberCount(ctx, channel)
		count = n
		return countErr
	})
	if err != nil {
		c.logger.Warn("subscriber count query failed", "channel", channel, "error", err)
		return 0
	}
	return count
}

// BreakerStatus is a snapshot of the client's circuit breaker.
type BreakerStatus struct {
	State           string
	TotalRequests   int64
	TotalFailures   int64
	TotalSuccesses  int64
	FailureRate     float64
	LastFailureTime time.Time
	NextAttemptTime time.Time
}

// HealthStatus is a point-in-time health snapshot of the client.
type HealthStatus struct {
	Healthy     bool
	Connected   bool
	Breaker     BreakerStatus
	PingLatency time.Duration
	PingError   string
	Server      map[string]string
	ServerError string
	Timestamp   time.Time
}

// HealthCheck reports connectivity, breaker state, a protected liveness ping
// with its latency, and best-effort server metadata. Metadata failures are
// reported inline without failing the check.
func (c *Client) HealthCheck(ctx context.Context) *HealthStatus {
	m := c.breaker.GetMetrics()

	status := &HealthStatus{
		Connected: c.conn.IsConnected(),
		Breaker: BreakerStatus{
			State:           m.State.String(),
			TotalRequests:   m.TotalRequests,
			TotalFailures:   m.TotalFailures,
			TotalSuccesses:  m.TotalSuccesses,
			FailureRate:     m.FailureRate,
			LastFailureTime: m.LastFailureTime,
			NextAttemptTime: m.NextAttemptTime,
		},
		Timestamp: time.Now(),
	}

	start := time.Now()
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.conn.Ping(ctx)
	})
	status.PingLatency = time.Since(start)
	if err != nil {
		status.PingError = err.Error()
	}

	if info, infoErr := c.conn.ServerInfo(ctx); infoErr != nil {
		status.ServerError = infoErr.Error()
	} else {
		status.Server = info
	}

	status.Healthy = status.Connected && status.PingError == ""
	return status
}

// ensureListenerLocked starts the background listener if it is not running.
// Caller holds c.mu.
func (c *Client) ensureListenerLocked() {
	if c.listenerCancel != nil {
		select {
		case <-c.listenerDone:
			// Previous listener terminated; start a fresh one.
		default:
			return
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.listenerCancel = cancel
	c.listenerDone = done

	go c.listen(ctx, done)
}

// listen dispatches deliveries to registered handlers until cancellation.
// A closed delivery stream outside of shutdown triggers reconnection; the
// loop never terminates on transport errors.
func (c *Client) listen(ctx context.Context, done chan struct{}) {
	defer close(done)

	c.mu.RLock()
	sub := c.sub
	c.mu.RUnlock()
	if sub == nil {
		return
	}
	deliveries := sub.Deliveries()

	for {
		select {
		case <-ctx.Done():
			return

		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return
				}
				next, reconnErr := c.reconnect(ctx)
				if reconnErr != nil {
					return
				}
				deliveries = next
				continue
			}
			c.dispatch(ctx, d)
		}
	}
}

// reconnect re-establishes the subscription after the delivery stream closed
// unexpectedly, re-subscribing every channel that still has handlers. It
// retries with doubling delays until it succeeds or ctx is cancelled.
func (c *Client) reconnect(ctx context.Context) (<-chan Delivery, error) {
	delay := 500 * time.Millisecond
	const maxDelay = 30 * time.Second

	for attempt := 1; ; attempt++ {
		c.logger.Warn("subscription stream closed, reconnecting", "attempt", attempt)

		deliveries, err := c.resubscribe(ctx)
		if err == nil {
			c.logger.Info("resubscribed after reconnect", "attempt", attempt)
			return deliveries, nil
		}

		c.logger.Error("reconnect failed", "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		if delay *= 2; delay > maxDelay {
			delay = maxDelay
		}
	}
}

func (c *Client) resubscribe(ctx context.Context) (<-chan Delivery, error) {
	if err := c.conn.Connect(ctx); err != nil {
		return nil, err
	}

	sub, err := c.conn.NewSubscription(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	channels := make([]string, 0, len(c.handlers))
	for channel := range c.handlers {
		channels = append(channels, channel)
	}
	old := c.sub
	c.sub = sub
	c.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	if len(channels) > 0 {
		if err := sub.Subscribe(ctx, channels...); err != nil {
			return nil, err
		}
	}

	return sub.Deliveries(), nil
}

// dispatch decodes one delivery and invokes every registered handler for its
// channel concurrently. A decode failure drops the message; a handler error
// or panic is logged and contained.
func (c *Client) dispatch(ctx context.Context, d Delivery) {
	msg, err := DecodeMessage(d.Payload)
	if err != nil {
		c.logger.Error("dropping undecodable message", "channel", d.Channel, "error", err)
		return
	}

	c.mu.RLock()
	entries := make([]handlerEntry, len(c.handlers[d.Channel]))
	copy(entries, c.handlers[d.Channel])
	c.mu.RUnlock()

	for _, entry := range entries {
		entry := entry
		go func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("handler panicked", "channel", d.Channel, "panic", r)
				}
			}()
			if err := entry.fn(ctx, d.Channel, msg); err != nil {
				c.logger.Error("handler failed", "channel", d.Channel, "error", err)
			}
		}()
	}
}
