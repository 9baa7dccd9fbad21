package redisconn

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Manager owns the process-wide Redis client and exposes the narrow command
// surface the pub/sub layer needs. Connect and Close are idempotent.
type Manager struct {
	cfg       Config
	client    *redis.Client
	mu        sync.RWMutex
	connected bool
	logger    *slog.Logger
}

// ManagerOption configures the Manager
type ManagerOption func(*Manager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a new connection manager. The connection is not
// established until Connect is called.
func NewManager(cfg Config, options ...ManagerOption) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:    cfg,
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(m)
	}

	return m, nil
}

// Connect opens the connection pool and verifies liveness with a ping.
// Calling Connect while connected is a no-op.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connected {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:         m.cfg.Addr,
		Password:     m.cfg.Password,
		DB:           m.cfg.DB,
		PoolSize:     m.cfg.PoolSize,
		MinIdleConns: m.cfg.MinIdleConns,
		DialTimeout:  m.cfg.DialTimeout,
		ReadTimeout:  m.cfg.ReadTimeout,
		WriteTimeout: m.cfg.WriteTimeout,
		MaxRetries:   m.cfg.MaxRetries,
		TLSConfig:    m.cfg.TLSConfig,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return &ConnectionError{
			Op:        "connect",
			Addr:      m.cfg.Addr,
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	m.client = client
	m.connected = true

	m.logger.Info("connected to Redis", "addr", m.cfg.Addr, "db", m.cfg.DB)
	return nil
}

// IsConnected returns the connection status.
func (m *Manager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// Close releases the connection pool. Calling Close while disconnected is a
// no-op.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return nil
	}

	m.connected = false
	err := m.client.Close()
	m.client = nil

	m.logger.Info("disconnected from Redis", "addr", m.cfg.Addr)
	return err
}

func (m *Manager) getClient() (*redis.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.connected || m.client == nil {
		return nil, ErrNotConnected
	}
	return m.client, nil
}

// Publish sends a payload to a channel and returns the number of subscribers
// that received it.
func (m *Manager) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	client, err := m.getClient()
	if err != nil {
		return 0, err
	}
	return client.Publish(ctx, channel, payload).Result()
}

// SubscriberCount returns the number of subscribers Redis tracks for a channel.
func (m *Manager) SubscriberCount(ctx context.Context, channel string) (int64, error) {
	client, err := m.getClient()
	if err != nil {
		return 0, err
	}
	counts, err := client.PubSubNumSub(ctx, channel).Result()
	if err != nil {
		return 0, err
	}
	return counts[channel], nil
}

// Ping verifies connection liveness.
func (m *Manager) Ping(ctx context.Context) error {
	client, err := m.getClient()
	if err != nil {
		return err
	}
	return client.Ping(ctx).Err()
}

// SetKey writes a string key with a TTL.
func (m *Manager) SetKey(ctx context.Context, key, value string, ttl time.Duration) error {
	client, err := m.getClient()
	if err != nil {
		return err
	}
	return client.Set(ctx, key, value, ttl).Err()
}

// DeleteKey removes a key, reporting whether it existed.
func (m *Manager) DeleteKey(ctx context.Context, key string) (bool, error) {
	client, err := m.getClient()
	if err != nil {
		return false, err
	}
	n, err := client.Del(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ServerInfo collects selected fields from the Redis INFO command.
func (m *Manager) ServerInfo(ctx context.Context) (map[string]string, error) {
	client, err := m.getClient()
	if err != nil {
		return nil, err
	}
	raw, err := client.Info(ctx, "server", "memory").Result()
	if err != nil {
		return nil, err
	}
	return parseInfo(raw), nil
}

// NewSubscription creates a pub/sub handle on the data-plane connection.
// Channels are added with Subscription.Subscribe.
func (m *Manager) NewSubscription(ctx context.Context) (*Subscription, error) {
	client, err := m.getClient()
	if err != nil {
		return nil, err
	}
	return newSubscription(client.Subscribe(ctx)), nil
}

// parseInfo extracts key:value lines from INFO output.
func parseInfo(raw string) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := strings.Cut(line, ":"); ok {
			out[k] = v
		}
	}
	return out
}
