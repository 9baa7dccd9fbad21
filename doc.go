// Package redrelay is a reliability layer for Redis publish/subscribe.
//
// It wraps every Redis round-trip in a circuit breaker, supports graceful
// publish degradation when Redis is down, and drives message processors with
// bounded concurrency, acknowledgement tracking, batching, and dead-letter
// routing for messages that cannot be processed.
//
// Basic usage:
//
//	client, err := redrelay.NewClient("localhost:6379")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close(context.Background())
//
//	_, err = client.PubSub().Publish(ctx, "orders", pubsub.Message{
//		"orderId": "1234",
//		"status":  "created",
//	})
//
// Consuming with reliability guarantees:
//
//	sub := client.NewSubscriber(processor,
//		pubsub.WithConcurrency(50),
//		pubsub.WithBatchSize(25),
//	)
//	if err := sub.StartConsuming(ctx, "orders"); err != nil {
//		log.Fatal(err)
//	}
package redrelay
