package pubsub

import (
	"encoding/json"
	"fmt"
)

// Reserved keys the messaging layer attaches to messages. Application
// payloads should avoid these names.
const (
	// MessageIDKey carries the per-message identifier attached before dispatch.
	MessageIDKey = "_subscriber_message_id"

	// DLQOriginalChannelKey records the channel a dead-lettered message came from.
	DLQOriginalChannelKey = "_dlq_original_channel"

	// DLQTimestampKey records when the message was dead-lettered, as epoch seconds.
	DLQTimestampKey = "_dlq_timestamp"

	// DLQVersionKey tags the dead-letter envelope format.
	DLQVersionKey = "_dlq_version"

	// DLQFailureReasonKey records why processing failed.
	DLQFailureReasonKey = "_dlq_failure_reason"
)

// Message is a schema-flexible key-value payload. Values are restricted to
// what JSON can represent: strings, numbers, booleans, nil, and nested
// maps/slices thereof.
type Message map[string]any

// ID returns the message identifier attached by the subscriber, or "".
func (m Message) ID() string {
	if id, ok := m[MessageIDKey].(string); ok {
		return id
	}
	return ""
}

// Clone returns a shallow copy. Reserved-key enrichment always operates on a
// clone so the caller's message is never mutated.
func (m Message) Clone() Message {
	out := make(Message, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Encode serializes the message as compact UTF-8 JSON.
func (m Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}

// DecodeMessage parses a compact JSON payload into a Message.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return m, nil
}
