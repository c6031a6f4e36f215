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

// DefaultBatchSize is used when a dumper is configured without one
const DefaultBatchSize = 1000

// InventoryConfig configures a dump of one key range of one table
type InventoryConfig struct {
	Table     string
	KeyColumn string
	BatchSize int
	// Positions holds the InventoryPosition to resume from. The dumper only
	// reads it; the task advances it as records are acknowledged.
	Positions *position.Manager
}

// InventoryDumper copies existing rows with keyset-paginated range reads:
// key > cursor AND key <= upper ORDER BY key LIMIT batch.
type InventoryDumper struct {
	config  InventoryConfig
	reader  RowReader
	channel Channel

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped atomic.Bool

	rows    atomic.Int64
	batches atomic.Int64
}

// NewInventoryDumper validates config and creates a dumper.
func NewInventoryDumper(config InventoryConfig, reader RowReader, channel Channel) (*InventoryDumper, error) {
	if config.Table == "" {
		return nil, fmt.Errorf("table is required")
	}
	if config.KeyColumn == "" {
		return nil, fmt.Errorf("key column is required")
	}
	if config.Positions == nil {
		return nil, fmt.Errorf("position manager is required")
	}
	if _, ok := config.Positions.Position().(position.InventoryPosition); !ok {
		return nil, fmt.Errorf("inventory dumper needs an inventory position, got %v", config.Positions.Position())
	}
	if reader == nil || channel == nil {
		return nil, fmt.Errorf("reader and channel are required")
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}

	return &InventoryDumper{config: config, reader: reader, channel: channel}, nil
}

// Start dumps the remaining range and returns when it is exhausted, when
// Stop is called, or on the first read error.
func (d *InventoryDumper) Start(ctx context.Context) error {
	defer d.channel.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !d.setCancel(cancel) {
		return nil
	}

	pos := d.config.Positions.Position().(position.InventoryPosition)
	log.Debug().
		Str("table", d.config.Table).
		Stringer("position", pos).
		Msg("Inventory dump started")

	for !pos.Finished() {
		if d.stopped.Load() {
			return nil
		}

		start := time.Now()
		rows, err := d.reader.ReadRows(ctx, RangeQuery{
			Table:     d.config.Table,
			KeyColumn: d.config.KeyColumn,
			After:     pos.Cursor,
			Upper:     pos.UpperBound,
			Limit:     d.config.BatchSize,
		})
		telemetry.DumperReadSeconds.With("inventory").Observe(time.Since(start).Seconds())
		if err != nil {
			if d.stopped.Load() {
				return nil
			}
			return fmt.Errorf("%w: read %s after %d: %w", ErrDumpFailed, d.config.Table, pos.Cursor, err)
		}
		d.batches.Add(1)

		for _, row := range rows {
			if row.Key <= pos.Cursor || row.Key > pos.UpperBound {
				return fmt.Errorf("%w: %s key %d outside (%d, %d]", ErrPositionRegression, d.config.Table, row.Key, pos.Cursor, pos.UpperBound)
			}
			pos = pos.Advance(row.Key)

			rec := record.Record{
				Kind:       record.Insert,
				Table:      d.config.Table,
				Keys:       []string{d.config.KeyColumn},
				Values:     row.Values,
				Position:   pos,
				CommitTime: time.Now().UnixMilli(),
			}
			if err := d.channel.PushRecord(ctx, rec); err != nil {
				if d.stopped.Load() {
					return nil
				}
				return err
			}
			d.rows.Add(1)
		}
		telemetry.RecordsDumpedTotal.With("inventory").Add(float64(len(rows)))

		if len(rows) < d.config.BatchSize {
			pos = pos.Finish()
		}
	}

	// The last row may sit below the upper bound; the placeholder moves the
	// checkpoint to the end of the range once every importer has drained.
	if err := d.channel.PushRecord(ctx, record.NewPlaceholder(pos, time.Now().UnixMilli())); err != nil {
		if d.stopped.Load() {
			return nil
		}
		return err
	}

	log.Debug().
		Str("table", d.config.Table).
		Int64("rows", d.rows.Load()).
		Int64("batches", d.batches.Load()).
		Msg("Inventory dump finished")
	return nil
}

func (d *InventoryDumper) setCancel(cancel context.CancelFunc) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped.Load() {
		return false
	}
	d.cancel = cancel
	return true
}

// Stop requests termination and unblocks a pending read or push.
func (d *InventoryDumper) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped.Store(true)
	if d.cancel != nil {
		d.cancel()
	}
}

// RowsDumped returns how many rows have been pushed.
func (d *InventoryDumper) RowsDumped() int64 {
	return d.rows.Load()
}

// Batches returns how many range reads have been issued.
func (d *InventoryDumper) Batches() int64 {
	return d.batches.Load()
}
