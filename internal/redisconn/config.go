package redisconn

import (
	"crypto/tls"
	"time"
)

// Config holds the Redis connection settings consumed at construction time.
type Config struct {
	// Addr is the Redis address in "host:port" form. Required.
	Addr string

	// Password is optional.
	Password string

	// DB selects the database number. Defaults to 0.
	DB int

	// PoolSize is the connection pool size. Defaults to 10.
	PoolSize int

	// MinIdleConns is the minimum number of idle connections. Defaults to 5.
	MinIdleConns int

	// DialTimeout bounds connection establishment. Defaults to 5s.
	DialTimeout time.Duration

	// ReadTimeout bounds socket reads. Defaults to 3s.
	ReadTimeout time.Duration

	// WriteTimeout bounds socket writes. Defaults to 3s.
	WriteTimeout time.Duration

	// MaxRetries is the per-command retry count inside the driver. Defaults to 3.
	MaxRetries int

	// TLSConfig enables TLS when non-nil.
	TLSConfig *tls.Config
}

// DefaultConfig returns a config suitable for a local Redis.
func DefaultConfig() Config {
	return Config{
		Addr:         "localhost:6379",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 5,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		MaxRetries:   3,
	}
}

// Validate checks required fields and backfills defaults for zero values.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return ErrAddrRequired
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 10
	}
	if c.MinIdleConns <= 0 {
		c.MinIdleConns = 5
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 3 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 3 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 3
	}
	return nil
}
