package pubsub

import (
	"fmt"
	"time"
)

// ConnectionError indicates a failure establishing or verifying the Redis
// connection.
type ConnectionError struct {
	Op        string
	Err       error
	Timestamp time.Time
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("pubsub connection failed during %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// PublishError indicates a publish-path failure. Serialization reports
// whether the failure was a caller-side encoding problem rather than a
// transport or circuit failure.
type PublishError struct {
	Channel       string
	Err           error
	Serialization bool
	Timestamp     time.Time
}

func (e *PublishError) Error() string {
	if e.Serialization {
		return fmt.Sprintf("publish to %s failed: message not serializable: %v", e.Channel, e.Err)
	}
	return fmt.Sprintf("publish to %s failed: %v", e.Channel, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// SubscribeError indicates a subscribe or unsubscribe transport failure.
type SubscribeError struct {
	Channel string
	Op      string
	Err     error
}

func (e *SubscribeError) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.Op, e.Channel, e.Err)
}

func (e *SubscribeError) Unwrap() error {
	return e.Err
}
