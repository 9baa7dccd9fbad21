package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redrelay/redrelay-go/internal/reliability"
)

// FallbackStrategy selects the degradation policy applied when a publish
// fails and the caller opted into PublishWithFallback.
type FallbackStrategy string

const (
	// FallbackLogOnly records the intent and reports success.
	FallbackLogOnly FallbackStrategy = "log_only"

	// FallbackMemoryQueue buffers the message in process for later replay.
	FallbackMemoryQueue FallbackStrategy = "memory_queue"

	// FallbackFileQueue persists the message to disk for later replay.
	FallbackFileQueue FallbackStrategy = "file_queue"
)

// PublishResult reports how a fallback-aware publish was satisfied.
type PublishResult struct {
	Success         bool
	FallbackUsed    bool
	Strategy        FallbackStrategy
	SubscriberCount int64

	// Err holds the primary publish failure when a fallback path was taken.
	Err error
}

// queuedPublish is one message captured by the memory or file fallback queue.
type queuedPublish struct {
	Channel       string    `json:"channel"`
	Message       Message   `json:"message"`
	CorrelationID string    `json:"correlation_id"`
	QueuedAt      time.Time `json:"queued_at"`
}

type fallbackQueue struct {
	mu      sync.Mutex
	pending []queuedPublish
	dir     string
}

func (q *fallbackQueue) enqueue(item queuedPublish) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, item)
}

func (q *fallbackQueue) drain() []queuedPublish {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.pending
	q.pending = nil
	return items
}

func (q *fallbackQueue) requeue(items []queuedPublish) {
	if len(items) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(items, q.pending...)
}

func (q *fallbackQueue) length() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// persist appends the item as one JSON line under the configured directory.
func (q *fallbackQueue) persist(item queuedPublish) error {
	if q.dir == "" {
		return fmt.Errorf("no fallback directory configured")
	}
	if err := os.MkdirAll(q.dir, 0o755); err != nil {
		return fmt.Errorf("create fallback directory: %w", err)
	}

	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode fallback entry: %w", err)
	}

	path := filepath.Join(q.dir, "fallback_queue.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open fallback file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write fallback entry: %w", err)
	}
	return nil
}

// FallbackQueueLength returns the number of messages waiting in the
// in-memory fallback queue.
func (c *Client) FallbackQueueLength() int {
	return c.fallback.length()
}

// ReplayFallbackQueue republishes every message captured by the memory
// fallback queue, retrying each publish with exponential backoff up to
// maxRetries. Messages that still fail are put back at the front of the
// queue. Returns the number of messages successfully replayed.
func (c *Client) ReplayFallbackQueue(ctx context.Context, maxRetries int, initialDelay time.Duration) (int, error) {
	items := c.fallback.drain()
	if len(items) == 0 {
		return 0, nil
	}

	policy := reliability.NewExponentialBackoff(initialDelay, 30*time.Second, 2.0, maxRetries)

	replayed := 0
	for i, item := range items {
		err := reliability.Retry(ctx, policy, func() error {
			_, publishErr := c.Publish(ctx, item.Channel, item.Message, WithCorrelationID(item.CorrelationID))
			return publishErr
		})
		if err != nil {
			c.fallback.requeue(items[i:])
			return replayed, fmt.Errorf("replay stopped at message %d of %d: %w", i+1, len(items), err)
		}
		replayed++
	}

	c.logger.Info("replayed fallback queue", "count", replayed)
	return replayed, nil
}
