// Package sink holds the broker sinks of the changelog relay.
package sink

import (
	"context"
	"fmt"

	"github.com/maxpert/marmot-scaling/publisher"
	"github.com/maxpert/marmot-scaling/source"
)

// Open creates the sink for a relay target. The target uses the same
// description an incremental source reads the stream back with.
func Open(ctx context.Context, target source.StreamConfiguration) (publisher.Sink, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}

	switch target.Type {
	case source.StreamKafka:
		return NewKafkaSink(DefaultKafkaConfig(target.Brokers))
	case source.StreamNats:
		return NewNatsSink(ctx, NatsConfig{URL: target.NatsURL, Stream: target.Stream, Subject: target.Subject})
	}
	return nil, fmt.Errorf("unsupported relay target %q", target.Type)
}
