package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelStream(t *testing.T) {
	t.Run("pulls delivered messages", func(t *testing.T) {
		conn := newFakeConn()
		client := NewClient(conn)

		stream, err := newChannelStream(context.Background(), client, "events", 0)
		require.NoError(t, err)
		defer stream.Close(context.Background())

		conn.push("events", Message{"n": float64(1)})

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		msg, ok := stream.Next(ctx)

		require.True(t, ok)
		assert.Equal(t, float64(1), msg["n"])
	})

	t.Run("ends on cancellation", func(t *testing.T) {
		conn := newFakeConn()
		client := NewClient(conn)

		stream, err := newChannelStream(context.Background(), client, "events", 0)
		require.NoError(t, err)
		defer stream.Close(context.Background())

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, ok := stream.Next(ctx)
		assert.False(t, ok)
	})

	t.Run("ends gracefully when idle", func(t *testing.T) {
		conn := newFakeConn()
		client := NewClient(conn)

		stream, err := newChannelStream(context.Background(), client, "events", 50*time.Millisecond)
		require.NoError(t, err)
		defer stream.Close(context.Background())

		start := time.Now()
		_, ok := stream.Next(context.Background())

		assert.False(t, ok)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("close releases the subscription", func(t *testing.T) {
		conn := newFakeConn()
		client := NewClient(conn)

		stream, err := newChannelStream(context.Background(), client, "events", 0)
		require.NoError(t, err)
		require.True(t, conn.subs[0].subscribedTo("events"))

		require.NoError(t, stream.Close(context.Background()))
		assert.False(t, conn.subs[0].subscribedTo("events"))
	})
}
