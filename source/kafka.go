package source

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/maxpert/marmot-scaling/position"
	"github.com/maxpert/marmot-scaling/record"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// DefaultFetchWait bounds how long a broker read waits for the first message
const DefaultFetchWait = 500 * time.Millisecond

// KafkaConfig selects one topic partition carrying ChangeEvents.
type KafkaConfig struct {
	Brokers   []string
	Topic     string
	Partition int
	FetchWait time.Duration
}

// KafkaChangeReader reads a single partition. Offset in a position is the
// next partition offset to read.
type KafkaChangeReader struct {
	config KafkaConfig
	reader *kafka.Reader

	mu   sync.Mutex
	next int64
}

// NewKafkaChangeReader creates a partition reader without a consumer group so
// offsets stay under the checkpoint's control.
func NewKafkaChangeReader(config KafkaConfig) (*KafkaChangeReader, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka change reader requires at least one broker address")
	}
	if config.Topic == "" {
		return nil, fmt.Errorf("kafka change reader requires a topic")
	}
	if config.FetchWait <= 0 {
		config.FetchWait = DefaultFetchWait
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   config.Brokers,
		Topic:     config.Topic,
		Partition: config.Partition,
		MinBytes:  1,
		MaxBytes:  10 << 20,
		MaxWait:   config.FetchWait,
	})

	return &KafkaChangeReader{config: config, reader: reader, next: -1}, nil
}

func (k *KafkaChangeReader) logName() string {
	return fmt.Sprintf("%s/%d", k.config.Topic, k.config.Partition)
}

// ReadChanges returns up to limit events starting at from.Offset. It waits
// at most FetchWait for the first event and returns what it has after that.
func (k *KafkaChangeReader) ReadChanges(ctx context.Context, from position.IncrementalPosition, limit int) ([]record.Record, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.next != int64(from.Offset) {
		if err := k.reader.SetOffset(int64(from.Offset)); err != nil {
			return nil, fmt.Errorf("failed to seek %s to %d: %w", k.logName(), from.Offset, err)
		}
		k.next = int64(from.Offset)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, k.config.FetchWait)
	defer cancel()

	var out []record.Record
	for len(out) < limit {
		msg, err := k.reader.FetchMessage(fetchCtx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				break
			}
			return nil, fmt.Errorf("failed to fetch from %s: %w", k.logName(), err)
		}
		k.next = msg.Offset + 1

		ev, err := DecodeChangeEvent(msg.Value)
		if err != nil {
			return nil, fmt.Errorf("%s@%d: %w", k.logName(), msg.Offset, err)
		}
		pos := position.IncrementalPosition{Log: k.logName(), Offset: uint64(msg.Offset + 1)}
		if ev.CommitTime == 0 {
			ev.CommitTime = msg.Time.UnixMilli()
		}
		rec, err := ev.Record(pos)
		if err != nil {
			log.Warn().Err(err).Str("log", k.logName()).Int64("offset", msg.Offset).Msg("Skipping malformed change event")
			rec = record.NewPlaceholder(pos, ev.CommitTime)
		}
		out = append(out, rec)
	}
	return out, nil
}

// CurrentPosition returns the partition's high watermark.
func (k *KafkaChangeReader) CurrentPosition(ctx context.Context) (position.IncrementalPosition, error) {
	var lastErr error
	for _, broker := range k.config.Brokers {
		conn, err := kafka.DialLeader(ctx, "tcp", broker, k.config.Topic, k.config.Partition)
		if err != nil {
			lastErr = err
			continue
		}
		last, err := conn.ReadLastOffset()
		conn.Close()
		if err != nil {
			lastErr = err
			continue
		}
		return position.IncrementalPosition{Log: k.logName(), Offset: uint64(last)}, nil
	}
	return position.IncrementalPosition{}, fmt.Errorf("failed to read last offset of %s: %w", k.logName(), lastErr)
}

// Close releases the partition reader.
func (k *KafkaChangeReader) Close() error {
	return k.reader.Close()
}
