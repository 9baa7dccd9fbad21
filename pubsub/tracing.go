package pubsub

import "context"

// Tracer is an optional distributed-tracing hook. All behavior is identical
// with the default no-op implementation.
type Tracer interface {
	// StartSpan opens a span and returns the derived context plus a
	// completion callback. The callback receives the operation error, if any.
	StartSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, func(err error))
}

type noopTracer struct{}

func (noopTracer) StartSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, func(err error)) {
	return ctx, func(error) {}
}

// NoopTracer returns a tracer that records nothing.
func NoopTracer() Tracer {
	return noopTracer{}
}
