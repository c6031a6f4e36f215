// Package importer drains one slot of a distribution channel into the target.
package importer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/marmot-scaling/channel"
	"github.com/maxpert/marmot-scaling/record"
	"github.com/maxpert/marmot-scaling/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	DefaultBatchSize    = 1000
	DefaultFetchTimeout = time.Second
)

// Writer applies records to the target. Both calls must be idempotent.
type Writer interface {
	Upsert(ctx context.Context, rec record.Record) error
	Delete(ctx context.Context, rec record.Record) error
}

// Source is the part of the distribution channel an importer consumes.
type Source interface {
	FetchRecords(ctx context.Context, idx, batchSize int, timeout time.Duration) ([]record.Record, error)
	Ack(idx, n int)
}

// Config configures one importer.
type Config struct {
	TaskID       string
	Index        int
	BatchSize    int
	FetchTimeout time.Duration
}

// Importer applies the records of one channel slot in FIFO order and
// acknowledges each batch after it was written.
type Importer struct {
	config Config
	source Source
	writer Writer

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped atomic.Bool

	applied atomic.Int64
}

// New creates an importer for slot config.Index of source.
func New(config Config, source Source, writer Writer) (*Importer, error) {
	if source == nil {
		return nil, fmt.Errorf("channel is required")
	}
	if writer == nil {
		return nil, fmt.Errorf("writer is required")
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = DefaultFetchTimeout
	}
	return &Importer{config: config, source: source, writer: writer}, nil
}

// Start runs until the channel reports end of stream, Stop is called, or a
// write fails. Write errors are returned without retry.
func (im *Importer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !im.setCancel(cancel) {
		return nil
	}

	telemetry.ActiveImporters.Inc()
	defer telemetry.ActiveImporters.Dec()

	log.Debug().Str("task", im.config.TaskID).Int("importer", im.config.Index).Msg("Importer started")

	for {
		if im.stopped.Load() {
			return nil
		}

		batch, err := im.source.FetchRecords(ctx, im.config.Index, im.config.BatchSize, im.config.FetchTimeout)
		if errors.Is(err, channel.ErrEndOfStream) {
			log.Debug().
				Str("task", im.config.TaskID).
				Int("importer", im.config.Index).
				Int64("applied", im.applied.Load()).
				Msg("Importer reached end of stream")
			return nil
		}
		if err != nil {
			if im.stopped.Load() || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("importer %d fetch: %w", im.config.Index, err)
		}
		if len(batch) == 0 {
			continue
		}

		start := time.Now()
		for _, rec := range batch {
			if err := im.apply(ctx, rec); err != nil {
				if im.stopped.Load() {
					return nil
				}
				return fmt.Errorf("importer %d apply %s: %w", im.config.Index, rec, err)
			}
		}
		telemetry.ImporterApplySeconds.Observe(time.Since(start).Seconds())

		im.source.Ack(im.config.Index, len(batch))
	}
}

func (im *Importer) apply(ctx context.Context, rec record.Record) error {
	switch rec.Kind {
	case record.Placeholder:
		return nil
	case record.Insert, record.Update:
		if err := im.writer.Upsert(ctx, rec); err != nil {
			return err
		}
	case record.Delete:
		if err := im.writer.Delete(ctx, rec); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown record kind %v", rec.Kind)
	}

	im.applied.Add(1)
	telemetry.RecordsImportedTotal.With(rec.Kind.String()).Inc()
	return nil
}

func (im *Importer) setCancel(cancel context.CancelFunc) bool {
	im.mu.Lock()
	defer im.mu.Unlock()
	if im.stopped.Load() {
		return false
	}
	im.cancel = cancel
	return true
}

// Stop makes Start return at the next fetch boundary.
func (im *Importer) Stop() {
	im.mu.Lock()
	defer im.mu.Unlock()
	im.stopped.Store(true)
	if im.cancel != nil {
		im.cancel()
	}
}

// Applied returns the number of rows written.
func (im *Importer) Applied() int64 {
	return im.applied.Load()
}
