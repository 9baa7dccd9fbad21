package pubsub

import (
	"context"
	"time"
)

const (
	dlqChannelPrefix = "dlq:"
	dlqVersion       = "1.0"
)

// DeadLetterChannel derives the dead-letter channel name for a channel.
func DeadLetterChannel(channel string) string {
	return dlqChannelPrefix + channel
}

// DeadLetterPublisher delivers a failed message to the dead-letter channel
// derived from its original channel.
type DeadLetterPublisher func(ctx context.Context, originalChannel string, msg Message, reason string) error

// NewDeadLetterPublisher returns a publisher that enriches failed messages
// with the dead-letter envelope fields and publishes them through client.
// The caller's message is never mutated.
func NewDeadLetterPublisher(client *Client) DeadLetterPublisher {
	return func(ctx context.Context, originalChannel string, msg Message, reason string) error {
		enriched := msg.Clone()
		enriched[DLQOriginalChannelKey] = originalChannel
		enriched[DLQTimestampKey] = float64(time.Now().UnixNano()) / float64(time.Second)
		enriched[DLQVersionKey] = dlqVersion
		if reason != "" {
			enriched[DLQFailureReasonKey] = reason
		}

		_, err := client.Publish(ctx, DeadLetterChannel(originalChannel), enriched)
		return err
	}
}
