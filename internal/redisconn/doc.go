// Package redisconn manages the Redis connection pool and pub/sub handles
// used by the pubsub package.
//
// The Manager owns one connection pool per process with idempotent
// Connect/Close, a liveness ping, and the narrow command surface the
// messaging layer needs (publish, subscriber counts, ack keys, server info).
// Subscription adapts go-redis pub/sub handles into a plain delivery stream.
package redisconn
