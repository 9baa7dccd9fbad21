package pubsub

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageEncode(t *testing.T) {
	t.Run("compact output", func(t *testing.T) {
		msg := Message{"b": "two", "a": 1}
		data, err := msg.Encode()

		require.NoError(t, err)
		assert.Equal(t, `{"a":1,"b":"two"}`, string(data))
	})

	t.Run("unserializable value", func(t *testing.T) {
		msg := Message{"bad": make(chan int)}
		_, err := msg.Encode()
		assert.Error(t, err)
	})
}

func TestMessageRoundTrip(t *testing.T) {
	msg := Message{
		"text":   "héllo",
		"count":  float64(42),
		"ratio":  1.5,
		"flag":   true,
		"none":   nil,
		"nested": map[string]any{"list": []any{"a", float64(2)}},
	}

	data, err := msg.Encode()
	require.NoError(t, err)

	decoded, err := DecodeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, msg, decoded)
}

func TestDecodeMessageInvalid(t *testing.T) {
	_, err := DecodeMessage([]byte("not json"))
	assert.Error(t, err)
}

func TestMessageClone(t *testing.T) {
	original := Message{"key": "value"}
	clone := original.Clone()
	clone["key"] = "changed"
	clone[MessageIDKey] = "id-1"

	assert.Equal(t, "value", original["key"])
	assert.NotContains(t, original, MessageIDKey)
}

func TestMessageID(t *testing.T) {
	assert.Equal(t, "", Message{}.ID())
	assert.Equal(t, "", Message{MessageIDKey: 42}.ID())
	assert.Equal(t, "abc", Message{MessageIDKey: "abc"}.ID())
}
