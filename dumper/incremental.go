package dumper

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/marmot-scaling/position"
	"github.com/maxpert/marmot-scaling/record"
	"github.com/maxpert/marmot-scaling/telemetry"
	"github.com/rs/zerolog/log"
)

// DefaultPollInterval is how long the dumper waits after an empty read
const DefaultPollInterval = 500 * time.Millisecond

// IncrementalConfig configures a change stream dump
type IncrementalConfig struct {
	DataSourceName string
	BatchSize      int
	PollInterval   time.Duration
	// Filter selects the tables to replicate; other changes become
	// placeholders so the checkpoint keeps moving. Nil selects all.
	Filter *TableFilter
	// Positions holds the IncrementalPosition to resume from.
	Positions *position.Manager
}

// IncrementalDumper tails a change stream. It never finishes on its own;
// it runs until Stop or a read error.
type IncrementalDumper struct {
	config  IncrementalConfig
	reader  ChangeReader
	channel Channel

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped atomic.Bool

	changes atomic.Int64
}

// NewIncrementalDumper validates config and creates a dumper.
func NewIncrementalDumper(config IncrementalConfig, reader ChangeReader, channel Channel) (*IncrementalDumper, error) {
	if config.Positions == nil {
		return nil, fmt.Errorf("position manager is required")
	}
	if _, ok := config.Positions.Position().(position.IncrementalPosition); !ok {
		return nil, fmt.Errorf("incremental dumper needs an incremental position, got %v", config.Positions.Position())
	}
	if reader == nil || channel == nil {
		return nil, fmt.Errorf("reader and channel are required")
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}

	return &IncrementalDumper{config: config, reader: reader, channel: channel}, nil
}

// Start replays changes until Stop is called or the reader fails.
func (d *IncrementalDumper) Start(ctx context.Context) error {
	defer d.channel.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !d.setCancel(cancel) {
		return nil
	}

	pos := d.config.Positions.Position().(position.IncrementalPosition)
	log.Info().
		Str("datasource", d.config.DataSourceName).
		Stringer("position", pos).
		Msg("Incremental dump started")

	for {
		if d.stopped.Load() {
			return nil
		}

		start := time.Now()
		changes, err := d.reader.ReadChanges(ctx, pos, d.config.BatchSize)
		telemetry.DumperReadSeconds.With("incremental").Observe(time.Since(start).Seconds())
		if err != nil {
			if d.stopped.Load() || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: read changes of %s after %s: %w", ErrDumpFailed, d.config.DataSourceName, pos, err)
		}

		if len(changes) == 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(d.config.PollInterval):
			}
			continue
		}

		for _, rec := range changes {
			next, ok := rec.Position.(position.IncrementalPosition)
			if !ok {
				return fmt.Errorf("%w: change without incremental position: %v", ErrDumpFailed, rec)
			}
			if next.Compare(pos) < 0 {
				return fmt.Errorf("%w: %s after %s", ErrPositionRegression, next, pos)
			}

			if !rec.IsPlaceholder() && !d.config.Filter.Match(rec.Table) {
				rec = record.NewPlaceholder(rec.Position, rec.CommitTime)
			}

			if err := d.channel.PushRecord(ctx, rec); err != nil {
				if d.stopped.Load() {
					return nil
				}
				return err
			}
			pos = next
			d.changes.Add(1)
		}
		telemetry.RecordsDumpedTotal.With("incremental").Add(float64(len(changes)))
	}
}

func (d *IncrementalDumper) setCancel(cancel context.CancelFunc) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped.Load() {
		return false
	}
	d.cancel = cancel
	return true
}

// Stop requests termination and unblocks a pending read or push.
func (d *IncrementalDumper) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped.Store(true)
	if d.cancel != nil {
		d.cancel()
	}
}

// ChangesDumped returns how many changes have been pushed.
func (d *IncrementalDumper) ChangesDumped() int64 {
	return d.changes.Load()
}
