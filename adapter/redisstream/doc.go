// Package redisstream provides a Redis Streams transport for xcqrs.
//
// Transport name: "redis-streams"
//
// The bus publishes with Send (XADD, pipelined per call) and consumes its
// topic with XREADGROUP when started. Deliveries are acked with XACK once the
// loop has handled them; failed deliveries are written to the dead-letter
// stream when one is configured, otherwise they stay pending and are reclaimed
// with XAUTOCLAIM after ClaimMinIdle.
//
// Minimal config keys:
// - addr: "host:port" (default "127.0.0.1:6379")
// - stream: stream the bus consumes and sends to (default "xcqrs")
// - group: consumer group name (default "xcqrs")
// - consumer: consumer name (default "xcqrs-<host>-<pid>")
// - concurrency: number of delivery goroutines (default 8)
// - batch_size: XREADGROUP COUNT (default 128)
// - block: XREADGROUP BLOCK duration (default 5s)
// - auto_create: create group/stream if missing (default true)
// - start_id: group start position when created, "$" or "0" (default "$")
// - auto_delete_on_ack: XDEL after XACK (default false)
// - dead_letter: stream name to write failed messages (optional)
// - max_consecutive_errors: read failures in a row before the subscription is
//   reported lost (default 0 = retry forever)
//
// Example builder usage:
//
//	bus, err := xcqrs.NewBusBuilder().
//	    WithRegistry(reg).
//	    WithTransport(redisstream.TransportName, map[string]any{
//	        "addr":        "localhost:6379",
//	        "concurrency": 16,
//	        "block":       "5s",
//	        "dead_letter": "orders-dlq",
//	    }).
//	    WithTopic("orders", "order-service").
//	    Build()
package redisstream
