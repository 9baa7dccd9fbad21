package redisconn

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAddrRequired is returned when the config has no address.
	ErrAddrRequired = errors.New("redisconn: addr is required")

	// ErrNotConnected is returned when an operation needs an established connection.
	ErrNotConnected = errors.New("redisconn: not connected")
)

// ConnectionError reports a failure to establish or verify the Redis
// connection, wrapping the underlying transport cause.
type ConnectionError struct {
	Op        string
	Addr      string
	Err       error
	Timestamp time.Time
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("redis connection: %s failed for %s: %v", e.Op, e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}
