package pubsub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/redrelay/redrelay-go/internal/reliability"
)

// Result is the outcome of processing one message. A failed result routes
// the message to the dead-letter channel; either way the processing marker
// is cleared.
type Result struct {
	Success bool
	Reason  string
}

// Ack returns a success result.
func Ack() Result {
	return Result{Success: true}
}

// Reject returns a failure result carrying the reason recorded in the
// dead-letter envelope.
func Reject(reason string) Result {
	return Result{Success: false, Reason: reason}
}

// Processor handles one message at a time. Implementations must not panic;
// a panic is contained and treated as a failure for that message only.
type Processor interface {
	ProcessMessage(ctx context.Context, msg Message) Result
}

// BatchProcessor handles a whole batch in one call. The returned slice must
// align positionally with the input. Processors that do not implement it get
// a sequential per-message default.
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, msgs []Message) []Result
}

// sequentialBatch processes each message independently; one message's panic
// never aborts the rest of the batch.
type sequentialBatch struct {
	p Processor
}

func (b sequentialBatch) ProcessBatch(ctx context.Context, msgs []Message) []Result {
	results := make([]Result, len(msgs))
	for i, msg := range msgs {
		res, err := safeProcessMessage(ctx, b.p, msg)
		if err != nil {
			res = Reject(err.Error())
		}
		results[i] = res
	}
	return results
}

func safeProcessMessage(ctx context.Context, p Processor, msg Message) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panicked: %v", r)
		}
	}()
	return p.ProcessMessage(ctx, msg), nil
}

func safeProcessBatch(ctx context.Context, p BatchProcessor, msgs []Message) (results []Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("batch processor panicked: %v", r)
		}
	}()
	return p.ProcessBatch(ctx, msgs), nil
}

// pendingMessage is one message waiting in the batch buffer.
type pendingMessage struct {
	channel string
	msg     Message
}

// SubscriberMetrics is a snapshot of the subscriber's counters.
type SubscriberMetrics struct {
	Processed      int64
	Failed         int64
	AckSucceeded   int64
	AckFailed      int64
	DeadLettered   int64
	ActiveChannels []string
}

// ReliableSubscriber consumes channels through a Client with bounded
// concurrency, per-message acknowledgement tracking, optional batching, and
// dead-letter routing for failed messages. Processing failures never stop
// the consume loop; they surface only as metrics and dead-letter entries.
type ReliableSubscriber struct {
	client         *Client
	processor      Processor
	batchProcessor BatchProcessor
	acks           *ackStore
	deadLetter     DeadLetterPublisher
	breaker        *reliability.CircuitBreaker
	logger         *slog.Logger
	metrics        MetricsCollector

	sem               *semaphore.Weighted
	concurrency       int
	processingTimeout time.Duration
	batchSize         int
	batchWindow       time.Duration
	messageTTL        time.Duration
	maxIdleTime       time.Duration

	mu               sync.Mutex
	started          bool
	channels         map[string]struct{}
	runCtx           context.Context
	runCancel        context.CancelFunc
	batchLoopRunning bool
	wg               sync.WaitGroup

	batchMu  sync.Mutex
	batchBuf []pendingMessage

	// inflight tracks detached single-message and batch handling tasks.
	inflight sync.WaitGroup

	processed    atomic.Int64
	failed       atomic.Int64
	ackSucceeded atomic.Int64
	ackFailed    atomic.Int64
	deadLettered atomic.Int64
}

// SubscriberOption configures the ReliableSubscriber
type SubscriberOption func(*ReliableSubscriber)

// WithConcurrency bounds simultaneous message or batch processing.
func WithConcurrency(n int) SubscriberOption {
	return func(s *ReliableSubscriber) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithProcessingTimeout bounds each processor invocation. A batch call gets
// one timeout covering the whole batch.
func WithProcessingTimeout(timeout time.Duration) SubscriberOption {
	return func(s *ReliableSubscriber) {
		s.processingTimeout = timeout
	}
}

// WithBatchSize enables batching when size is greater than one. The size is
// capped at the concurrency bound, since a batch occupies one concurrency
// slot per message while it runs.
func WithBatchSize(size int) SubscriberOption {
	return func(s *ReliableSubscriber) {
		if size > 0 {
			s.batchSize = size
		}
	}
}

// WithBatchWindow sets how long a partial batch waits before flushing.
func WithBatchWindow(window time.Duration) SubscriberOption {
	return func(s *ReliableSubscriber) {
		if window > 0 {
			s.batchWindow = window
		}
	}
}

// WithMessageTTL sets the TTL on processing markers.
func WithMessageTTL(ttl time.Duration) SubscriberOption {
	return func(s *ReliableSubscriber) {
		if ttl > 0 {
			s.messageTTL = ttl
		}
	}
}

// WithMaxIdleTime ends a channel's consume loop gracefully after no message
// arrives for the given duration. Zero disables the idle timeout.
func WithMaxIdleTime(d time.Duration) SubscriberOption {
	return func(s *ReliableSubscriber) {
		s.maxIdleTime = d
	}
}

// WithDeadLetter replaces the default dead-letter publisher.
func WithDeadLetter(publish DeadLetterPublisher) SubscriberOption {
	return func(s *ReliableSubscriber) {
		s.deadLetter = publish
	}
}

// WithProcessorBreaker guards processor invocations with a circuit breaker.
// The breaker's operation timeout supersedes the processing timeout.
func WithProcessorBreaker(cfg BreakerConfig) SubscriberOption {
	return func(s *ReliableSubscriber) {
		s.breaker = newBreaker("subscriber", cfg)
	}
}

// WithSubscriberLogger sets the logger
func WithSubscriberLogger(logger *slog.Logger) SubscriberOption {
	return func(s *ReliableSubscriber) {
		s.logger = logger
	}
}

// WithSubscriberMetrics sets the metrics collector.
func WithSubscriberMetrics(metrics MetricsCollector) SubscriberOption {
	return func(s *ReliableSubscriber) {
		s.metrics = metrics
	}
}

// NewReliableSubscriber creates a subscriber driving processor from client's
// subscriptions. Batching is disabled until WithBatchSize sets a size above
// one.
func NewReliableSubscriber(client *Client, processor Processor, options ...SubscriberOption) *ReliableSubscriber {
	s := &ReliableSubscriber{
		client:            client,
		processor:         processor,
		logger:            slog.Default(),
		metrics:           NoopCollector(),
		concurrency:       10,
		processingTimeout: 30 * time.Second,
		batchSize:         1,
		batchWindow:       time.Second,
		messageTTL:        5 * time.Minute,
		channels:          make(map[string]struct{}),
	}

	for _, opt := range options {
		opt(s)
	}

	// A batch acquires one permit per message up front; a batch larger than
	// the concurrency bound could never acquire them all.
	if s.batchSize > s.concurrency {
		s.logger.Warn("batch size exceeds concurrency, clamping",
			"batchSize", s.batchSize,
			"concurrency", s.concurrency,
		)
		s.batchSize = s.concurrency
	}

	s.sem = semaphore.NewWeighted(int64(s.concurrency))

	if bp, ok := processor.(BatchProcessor); ok {
		s.batchProcessor = bp
	} else {
		s.batchProcessor = sequentialBatch{p: processor}
	}

	if s.deadLetter == nil {
		s.deadLetter = NewDeadLetterPublisher(client)
	}

	s.acks = newAckStore(client.conn, s.messageTTL, s.logger, s.metrics)

	return s
}

// StartConsuming begins consuming a channel. Calling it again for a channel
// already being consumed logs a warning and is otherwise a no-op. The
// subscriber can be restarted by calling StartConsuming after StopConsuming.
func (s *ReliableSubscriber) StartConsuming(ctx context.Context, channel string) error {
	s.mu.Lock()
	if _, ok := s.channels[channel]; ok {
		s.mu.Unlock()
		s.logger.Warn("already consuming channel", "channel", channel)
		return nil
	}
	s.mu.Unlock()

	stream, err := newChannelStream(ctx, s.client, channel, s.maxIdleTime)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.channels[channel]; ok {
		// Lost the race with a concurrent StartConsuming for the same channel.
		go func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = stream.Close(closeCtx)
		}()
		s.logger.Warn("already consuming channel", "channel", channel)
		return nil
	}

	if !s.started {
		s.runCtx, s.runCancel = context.WithCancel(context.Background())
		s.started = true
	}

	s.channels[channel] = struct{}{}
	s.wg.Add(1)
	go s.consumeLoop(s.runCtx, channel, stream)

	if s.batchSize > 1 && !s.batchLoopRunning {
		s.batchLoopRunning = true
		s.wg.Add(1)
		go s.batchFlushLoop(s.runCtx)
	}

	s.logger.Info("started consuming",
		"channel", channel,
		"batchSize", s.batchSize,
		"concurrency", s.concurrency,
	)
	return nil
}

// StopConsuming cancels every consume loop and the batch flush loop, drains
// the batch buffer synchronously, waits for in-flight processing, and clears
// all channel state. Safe to call before StartConsuming and safe to call
// twice.
func (s *ReliableSubscriber) StopConsuming(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.batchLoopRunning = false
	s.channels = make(map[string]struct{})
	s.runCancel()
	s.mu.Unlock()

	s.wg.Wait()

	s.batchMu.Lock()
	rest := s.batchBuf
	s.batchBuf = nil
	s.batchMu.Unlock()

	if len(rest) > 0 {
		s.logger.Info("draining batch buffer", "count", len(rest))
		s.handleMessageBatch(ctx, rest)
	}

	s.inflight.Wait()

	s.logger.Info("stopped consuming")
	return nil
}

// Metrics returns a snapshot of the subscriber's counters.
func (s *ReliableSubscriber) Metrics() SubscriberMetrics {
	s.mu.Lock()
	channels := make([]string, 0, len(s.channels))
	for channel := range s.channels {
		channels = append(channels, channel)
	}
	s.mu.Unlock()

	return SubscriberMetrics{
		Processed:      s.processed.Load(),
		Failed:         s.failed.Load(),
		AckSucceeded:   s.ackSucceeded.Load(),
		AckFailed:      s.ackFailed.Load(),
		DeadLettered:   s.deadLettered.Load(),
		ActiveChannels: channels,
	}
}

// consumeLoop pulls messages from one channel's stream and feeds them into
// the single-message or batch dispatch path until cancellation or idle
// timeout.
func (s *ReliableSubscriber) consumeLoop(ctx context.Context, channel string, stream *channelStream) {
	defer s.wg.Done()
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := stream.Close(closeCtx); err != nil {
			s.logger.Warn("failed to close channel stream", "channel", channel, "error", err)
		}

		s.mu.Lock()
		delete(s.channels, channel)
		s.mu.Unlock()
	}()

	for {
		msg, ok := stream.Next(ctx)
		if !ok {
			if ctx.Err() == nil {
				s.logger.Info("channel idle, ending consume loop", "channel", channel)
			}
			return
		}

		enriched := msg.Clone()
		enriched[MessageIDKey] = uuid.NewString()

		if s.batchSize <= 1 {
			if err := s.sem.Acquire(ctx, 1); err != nil {
				return
			}
			s.inflight.Add(1)
			go func() {
				defer s.inflight.Done()
				defer s.sem.Release(1)
				s.handleSingleMessage(ctx, channel, enriched)
			}()
			continue
		}

		// Buffering does not hold a concurrency slot: the permit taken here
		// is released right after the append, and handleMessageBatch
		// re-acquires one permit per message when the batch actually runs.
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return
		}
		s.batchMu.Lock()
		s.batchBuf = append(s.batchBuf, pendingMessage{channel: channel, msg: enriched})
		size := len(s.batchBuf)
		s.batchMu.Unlock()
		s.sem.Release(1)

		if size >= s.batchSize {
			s.flushBatch(ctx)
		}
	}
}

// batchFlushLoop flushes a non-empty buffer every batchWindow.
func (s *ReliableSubscriber) batchFlushLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.batchWindow)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.flushBatch(ctx)
		}
	}
}

// flushBatch swaps the buffer for an empty one and dispatches the captured
// batch as a detached task.
func (s *ReliableSubscriber) flushBatch(ctx context.Context) {
	s.batchMu.Lock()
	batch := s.batchBuf
	s.batchBuf = nil
	s.batchMu.Unlock()

	if len(batch) == 0 {
		return
	}

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		s.handleMessageBatch(ctx, batch)
	}()
}

// handleMessageBatch processes one captured batch. A batch of N holds N
// concurrency permits for its whole duration, never more than the semaphore
// can grant; all permits are released together regardless of outcome.
func (s *ReliableSubscriber) handleMessageBatch(ctx context.Context, batch []pendingMessage) {
	permits := int64(len(batch))
	if permits > int64(s.concurrency) {
		permits = int64(s.concurrency)
	}
	if err := s.sem.Acquire(ctx, permits); err != nil {
		s.logger.Warn("processing batch without permits during shutdown",
			"count", len(batch),
			"error", err,
		)
		permits = 0
	}
	defer func() {
		if permits > 0 {
			s.sem.Release(permits)
		}
	}()

	for _, pm := range batch {
		if id := pm.msg.ID(); id != "" {
			if err := s.acks.markProcessing(ctx, id); err != nil {
				s.logger.Warn("failed to mark message processing",
					"channel", pm.channel,
					"messageId", id,
					"error", err,
				)
			}
		}
	}

	msgs := make([]Message, len(batch))
	for i, pm := range batch {
		msgs[i] = pm.msg
	}

	start := time.Now()
	results, err := s.invokeBatch(ctx, msgs)
	elapsed := time.Since(start)

	if err != nil {
		s.logger.Error("batch processing failed",
			"count", len(batch),
			"error", err,
		)
		reason := err.Error()
		for _, pm := range batch {
			s.handleMessageResult(ctx, pm.channel, pm.msg, Reject(reason))
			s.metrics.ObserveProcessing(pm.channel, false, elapsed)
		}
		return
	}

	for i, pm := range batch {
		res := Reject("missing batch result")
		if i < len(results) {
			res = results[i]
		}
		s.handleMessageResult(ctx, pm.channel, pm.msg, res)
		s.metrics.ObserveProcessing(pm.channel, res.Success, elapsed)
	}
}

// handleSingleMessage processes exactly one message through the same mark,
// invoke, and result-routing steps as the batch path.
func (s *ReliableSubscriber) handleSingleMessage(ctx context.Context, channel string, msg Message) {
	if id := msg.ID(); id != "" {
		if err := s.acks.markProcessing(ctx, id); err != nil {
			s.logger.Warn("failed to mark message processing",
				"channel", channel,
				"messageId", id,
				"error", err,
			)
		}
	}

	start := time.Now()
	res, err := s.invokeSingle(ctx, msg)
	elapsed := time.Since(start)

	if err != nil {
		s.logger.Error("message processing failed",
			"channel", channel,
			"messageId", msg.ID(),
			"error", err,
		)
		res = Reject(err.Error())
	}

	s.handleMessageResult(ctx, channel, msg, res)
	s.metrics.ObserveProcessing(channel, res.Success, elapsed)
}

func (s *ReliableSubscriber) invokeSingle(ctx context.Context, msg Message) (Result, error) {
	var res Result
	run := func(ctx context.Context) error {
		r, err := safeProcessMessage(ctx, s.processor, msg)
		if err != nil {
			return err
		}
		res = r
		return nil
	}

	var err error
	if s.breaker != nil {
		err = s.breaker.Execute(ctx, run)
	} else {
		err = runWithTimeout(ctx, s.processingTimeout, run)
	}
	return res, err
}

func (s *ReliableSubscriber) invokeBatch(ctx context.Context, msgs []Message) ([]Result, error) {
	var results []Result
	run := func(ctx context.Context) error {
		out, err := safeProcessBatch(ctx, s.batchProcessor, msgs)
		if err != nil {
			return err
		}
		results = out
		return nil
	}

	var err error
	if s.breaker != nil {
		err = s.breaker.Execute(ctx, run)
	} else {
		err = runWithTimeout(ctx, s.processingTimeout, run)
	}
	return results, err
}

// runWithTimeout bounds fn the same way the circuit breaker does when no
// breaker is configured.
func runWithTimeout(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}

	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(opCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-opCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("processing timed out after %s", timeout)
	}
}

// handleMessageResult routes one terminal outcome: failures go to the
// dead-letter channel, and the processing marker is cleared either way so
// resolved messages never leave markers behind. Dead-letter publish errors
// are logged and swallowed. Runs to completion even during shutdown.
func (s *ReliableSubscriber) handleMessageResult(ctx context.Context, channel string, msg Message, res Result) {
	ctx = context.WithoutCancel(ctx)

	s.processed.Add(1)

	if !res.Success {
		s.failed.Add(1)

		if s.deadLetter != nil {
			if err := s.deadLetter(ctx, channel, msg, res.Reason); err != nil {
				s.logger.Error("dead-letter publish failed",
					"channel", channel,
					"messageId", msg.ID(),
					"error", err,
				)
			} else {
				s.deadLettered.Add(1)
				s.metrics.IncDeadLettered(channel)
			}
		} else {
			s.logger.Warn("message failed with no dead-letter sink",
				"channel", channel,
				"messageId", msg.ID(),
				"reason", res.Reason,
			)
		}
	}

	if id := msg.ID(); id != "" {
		if s.acks.acknowledge(ctx, id) {
			s.ackSucceeded.Add(1)
		} else {
			s.ackFailed.Add(1)
		}
	}
}
