package pubsub

import (
	"context"
	"log/slog"
	"time"
)

const processingKeyPrefix = "processing:"

// ackStore tracks in-flight messages with TTL-bounded marker keys. A marker
// is written before processing starts and deleted once the message reaches a
// terminal outcome, so unresolved messages are visible and resolved ones
// never accumulate.
type ackStore struct {
	conn    Conn
	ttl     time.Duration
	logger  *slog.Logger
	metrics MetricsCollector
}

func newAckStore(conn Conn, ttl time.Duration, logger *slog.Logger, metrics MetricsCollector) *ackStore {
	return &ackStore{
		conn:    conn,
		ttl:     ttl,
		logger:  logger,
		metrics: metrics,
	}
}

func (s *ackStore) key(messageID string) string {
	return processingKeyPrefix + messageID
}

// markProcessing writes the processing marker for a message.
func (s *ackStore) markProcessing(ctx context.Context, messageID string) error {
	return s.conn.SetKey(ctx, s.key(messageID), "1", s.ttl)
}

// acknowledge deletes the processing marker, reporting whether a key was
// actually removed. TTL expiry between marking and acknowledging shows up
// here as a missing key.
func (s *ackStore) acknowledge(ctx context.Context, messageID string) bool {
	deleted, err := s.conn.DeleteKey(ctx, s.key(messageID))
	if err != nil {
		s.logger.Warn("failed to acknowledge message",
			"messageId", messageID,
			"error", err,
		)
		s.metrics.IncAck(false)
		return false
	}

	s.metrics.IncAck(deleted)
	return deleted
}
