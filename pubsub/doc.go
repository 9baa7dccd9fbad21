// Package pubsub provides a circuit-breaker-protected Redis publish/subscribe
// client and a reliable consumer framework on top of it.
//
// Client wraps every Redis round-trip in a circuit breaker, serializes
// messages as compact JSON, and dispatches incoming messages to registered
// handlers from a single background listener that reconnects on transport
// failures. PublishWithFallback degrades gracefully when Redis is down by
// logging, buffering in memory, or persisting to disk for later replay.
//
// ReliableSubscriber drives a Processor from one or more channels with
// bounded concurrency, TTL-tracked processing markers, optional batching,
// and dead-letter routing: a message that fails processing is published to
// dlq:{channel} and still acknowledged, so a permanently-bad message is
// never reprocessed forever.
package pubsub
