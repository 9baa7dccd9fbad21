package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFallbackFileQueuePersistsEntries(t *testing.T) {
	dir := t.TempDir()
	conn := newFakeConn()
	conn.publishErr = errors.New("down")
	client := NewClient(conn, WithFallbackDir(dir))

	ctx := context.Background()
	require.True(t, client.PublishWithFallback(ctx, "events", Message{"n": float64(1)}, FallbackFileQueue).Success)
	require.True(t, client.PublishWithFallback(ctx, "events", Message{"n": float64(2)}, FallbackFileQueue).Success)

	data, err := os.ReadFile(filepath.Join(dir, "fallback_queue.jsonl"))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var entry queuedPublish
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "events", entry.Channel)
	assert.Equal(t, float64(1), entry.Message["n"])
	assert.NotEmpty(t, entry.CorrelationID)
	assert.False(t, entry.QueuedAt.IsZero())
}

func TestReplayFallbackQueueRequeuesOnFailure(t *testing.T) {
	conn := newFakeConn()
	conn.setPublishErr(errors.New("still down"))
	client := NewClient(conn)

	ctx := context.Background()
	client.PublishWithFallback(ctx, "events", Message{"n": float64(1)}, FallbackMemoryQueue)
	client.PublishWithFallback(ctx, "events", Message{"n": float64(2)}, FallbackMemoryQueue)
	require.Equal(t, 2, client.FallbackQueueLength())

	replayed, err := client.ReplayFallbackQueue(ctx, 0, time.Millisecond)

	assert.Error(t, err)
	assert.Equal(t, 0, replayed)
	assert.Equal(t, 2, client.FallbackQueueLength())
}
