package source

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/maxpert/marmot-scaling/position"
	"github.com/maxpert/marmot-scaling/record"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// NatsConfig selects a JetStream stream and subject carrying ChangeEvents.
type NatsConfig struct {
	URL       string
	Stream    string
	Subject   string
	FetchWait time.Duration
}

// NatsChangeReader reads a stream through an ordered consumer. Offset in a
// position is the last stream sequence read.
type NatsChangeReader struct {
	config NatsConfig
	nc     *nats.Conn
	stream jetstream.Stream

	mu       sync.Mutex
	consumer jetstream.Consumer
	last     uint64
}

// NewNatsChangeReader connects and binds to an existing stream.
func NewNatsChangeReader(ctx context.Context, config NatsConfig) (*NatsChangeReader, error) {
	if config.URL == "" || config.Stream == "" {
		return nil, fmt.Errorf("nats change reader requires url and stream")
	}
	if config.FetchWait <= 0 {
		config.FetchWait = DefaultFetchWait
	}

	nc, err := nats.Connect(config.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	stream, err := js.Stream(ctx, config.Stream)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to bind stream %s: %w", config.Stream, err)
	}

	return &NatsChangeReader{config: config, nc: nc, stream: stream}, nil
}

func (n *NatsChangeReader) consumerFrom(ctx context.Context, after uint64) (jetstream.Consumer, error) {
	cc := jetstream.OrderedConsumerConfig{DeliverPolicy: jetstream.DeliverAllPolicy}
	if n.config.Subject != "" {
		cc.FilterSubjects = []string{n.config.Subject}
	}
	if after > 0 {
		cc.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		cc.OptStartSeq = after + 1
	}
	return n.stream.OrderedConsumer(ctx, cc)
}

// ReadChanges returns up to limit events after from.Offset.
func (n *NatsChangeReader) ReadChanges(ctx context.Context, from position.IncrementalPosition, limit int) ([]record.Record, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.consumer == nil || n.last != from.Offset {
		consumer, err := n.consumerFrom(ctx, from.Offset)
		if err != nil {
			return nil, fmt.Errorf("failed to create consumer on %s: %w", n.config.Stream, err)
		}
		n.consumer = consumer
		n.last = from.Offset
	}

	batch, err := n.consumer.Fetch(limit, jetstream.FetchMaxWait(n.config.FetchWait))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch from %s: %w", n.config.Stream, err)
	}

	var out []record.Record
	for msg := range batch.Messages() {
		meta, err := msg.Metadata()
		if err != nil {
			return nil, fmt.Errorf("failed to read message metadata: %w", err)
		}
		seq := meta.Sequence.Stream
		n.last = seq

		pos := position.IncrementalPosition{Log: n.config.Stream, Offset: seq}
		ev, err := DecodeChangeEvent(msg.Data())
		if err == nil {
			if ev.CommitTime == 0 {
				ev.CommitTime = meta.Timestamp.UnixMilli()
			}
			var rec record.Record
			if rec, err = ev.Record(pos); err == nil {
				out = append(out, rec)
				continue
			}
		}
		log.Warn().Err(err).Str("stream", n.config.Stream).Uint64("seq", seq).Msg("Skipping malformed change event")
		out = append(out, record.NewPlaceholder(pos, meta.Timestamp.UnixMilli()))
	}
	if err := batch.Error(); err != nil && len(out) == 0 && ctx.Err() == nil {
		return nil, fmt.Errorf("failed to fetch from %s: %w", n.config.Stream, err)
	}
	return out, nil
}

// CurrentPosition returns the last sequence stored in the stream.
func (n *NatsChangeReader) CurrentPosition(ctx context.Context) (position.IncrementalPosition, error) {
	info, err := n.stream.Info(ctx)
	if err != nil {
		return position.IncrementalPosition{}, fmt.Errorf("failed to read stream info of %s: %w", n.config.Stream, err)
	}
	return position.IncrementalPosition{Log: n.config.Stream, Offset: info.State.LastSeq}, nil
}

// Close drops the NATS connection.
func (n *NatsChangeReader) Close() error {
	if n.nc != nil {
		n.nc.Close()
	}
	return nil
}
