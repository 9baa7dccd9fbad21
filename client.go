package redrelay

import (
	"context"
	"crypto/tls"
	"log/slog"
	"time"

	"github.com/redrelay/redrelay-go/internal/redisconn"
	"github.com/redrelay/redrelay-go/pubsub"
)

// Client is the process-wide entry point: it owns one Redis connection pool
// and the pub/sub client built on it. Create one per process, inject it into
// dependents, and close it on shutdown.
type Client struct {
	manager *redisconn.Manager
	ps      *pubsub.Client
}

type clientConfig struct {
	redis  redisconn.Config
	logger *slog.Logger
	psOpts []pubsub.ClientOption
}

// Option configures the client
type Option func(*clientConfig)

// WithLogger sets the logger used by the connection and pub/sub layers.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithPassword sets the Redis password.
func WithPassword(password string) Option {
	return func(cfg *clientConfig) {
		cfg.redis.Password = password
	}
}

// WithDB selects the Redis database.
func WithDB(db int) Option {
	return func(cfg *clientConfig) {
		cfg.redis.DB = db
	}
}

// WithPoolSize sets the connection pool size.
func WithPoolSize(size int) Option {
	return func(cfg *clientConfig) {
		cfg.redis.PoolSize = size
	}
}

// WithTLS enables TLS with the given configuration.
func WithTLS(tlsConfig *tls.Config) Option {
	return func(cfg *clientConfig) {
		cfg.redis.TLSConfig = tlsConfig
	}
}

// WithTimeouts sets the dial, read, and write timeouts.
func WithTimeouts(dial, read, write time.Duration) Option {
	return func(cfg *clientConfig) {
		cfg.redis.DialTimeout = dial
		cfg.redis.ReadTimeout = read
		cfg.redis.WriteTimeout = write
	}
}

// WithPubSubOptions forwards options to the underlying pub/sub client.
func WithPubSubOptions(options ...pubsub.ClientOption) Option {
	return func(cfg *clientConfig) {
		cfg.psOpts = append(cfg.psOpts, options...)
	}
}

// NewClient creates a client for the Redis server at addr. The connection is
// not opened until Connect or the first publish/subscribe call.
func NewClient(addr string, options ...Option) (*Client, error) {
	cfg := &clientConfig{
		redis:  redisconn.DefaultConfig(),
		logger: slog.Default(),
	}
	cfg.redis.Addr = addr

	for _, opt := range options {
		opt(cfg)
	}

	manager, err := redisconn.NewManager(cfg.redis, redisconn.WithLogger(cfg.logger))
	if err != nil {
		return nil, err
	}

	psOpts := append([]pubsub.ClientOption{pubsub.WithLogger(cfg.logger)}, cfg.psOpts...)

	return &Client{
		manager: manager,
		ps:      pubsub.NewClient(newManagerConn(manager), psOpts...),
	}, nil
}

// PubSub returns the publish/subscribe client.
func (c *Client) PubSub() *pubsub.Client {
	return c.ps
}

// NewSubscriber creates a reliable subscriber driving processor from this
// client's subscriptions.
func (c *Client) NewSubscriber(processor pubsub.Processor, options ...pubsub.SubscriberOption) *pubsub.ReliableSubscriber {
	return pubsub.NewReliableSubscriber(c.ps, processor, options...)
}

// Connect opens the Redis connection. Idempotent.
func (c *Client) Connect(ctx context.Context) error {
	return c.ps.Connect(ctx)
}

// HealthCheck reports connectivity, circuit state, and server metadata.
func (c *Client) HealthCheck(ctx context.Context) *pubsub.HealthStatus {
	return c.ps.HealthCheck(ctx)
}

// Close tears down subscriptions and releases the connection pool.
// Idempotent.
func (c *Client) Close(ctx context.Context) error {
	return c.ps.Disconnect(ctx)
}
