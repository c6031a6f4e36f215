// Package publisher relays a source changelog to a message broker.
//
// A Worker tails the changelog of one datasource, encodes every row change as
// a msgpack ChangeEvent and publishes it to a Sink. The published stream is
// the same format the kafka and nats incremental readers consume, so a relay
// in front of a source lets a scaling job read its changes from a broker
// instead of polling the source database.
//
// Delivery is at-least-once: events are published first and the cursor is
// persisted after each batch. A crash between the two redelivers the batch.
package publisher

import "context"

// Sink is a destination for encoded change events (Kafka, NATS).
type Sink interface {
	// Publish sends value under key. Events with the same key keep their
	// relative order.
	Publish(ctx context.Context, topic, key string, value []byte) error
	// Close releases any resources held by the sink
	Close() error
}
