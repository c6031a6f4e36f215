package task

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/maxpert/marmot-scaling/channel"
	"github.com/maxpert/marmot-scaling/dumper"
	"github.com/maxpert/marmot-scaling/position"
	"github.com/maxpert/marmot-scaling/record"
	"github.com/maxpert/marmot-scaling/source"
	"github.com/rs/zerolog/log"
)

// InventoryTask copies one key range of one table.
type InventoryTask struct {
	*runner

	estimated atomic.Int64
	delivered atomic.Int64
}

// NewInventoryTask creates a task; nothing is opened until Start.
func NewInventoryTask(id string, config SyncConfiguration, opts Options) (*InventoryTask, error) {
	if config.Dumper.Table == "" || config.Dumper.KeyColumn == "" {
		return nil, fmt.Errorf("inventory task %s: table and key column are required", id)
	}
	r, err := newRunner(id, config, opts)
	if err != nil {
		return nil, err
	}
	return &InventoryTask{runner: r}, nil
}

// Start copies the range and returns once every row was applied, on Stop,
// or on the first failure.
func (t *InventoryTask) Start(ctx context.Context) error {
	run, err := t.begin()
	if err != nil {
		return err
	}
	defer close(t.done)
	defer t.release()
	if !run {
		return nil
	}

	reader, err := t.rowReader()
	if err != nil {
		return t.fail(err)
	}
	writer, err := t.writer()
	if err != nil {
		return t.fail(err)
	}

	dc := t.config.Dumper
	pos, ok := dc.Positions.Position().(position.InventoryPosition)
	if !ok {
		return t.fail(fmt.Errorf("position %v is not an inventory position", dc.Positions.Position()))
	}

	estimated, err := reader.EstimateRows(ctx, dc.Table, dc.KeyColumn, pos)
	if err != nil {
		return t.fail(fmt.Errorf("%w: %w", dumper.ErrDumpFailed, err))
	}
	t.estimated.Store(estimated)

	log.Info().
		Str("task", t.id).
		Str("table", dc.Table).
		Stringer("position", pos).
		Int64("estimated_rows", estimated).
		Msg("Inventory task started")

	err = t.run(ctx, writer, t.onAck, func(ch *channel.DistributionChannel) (dumper.Dumper, error) {
		return dumper.NewInventoryDumper(dumper.InventoryConfig{
			Table:     dc.Table,
			KeyColumn: dc.KeyColumn,
			BatchSize: dc.BatchSize,
			Positions: dc.Positions,
		}, reader, ch)
	})

	log.Info().
		Str("task", t.id).
		Int64("rows_delivered", t.delivered.Load()).
		Str("phase", string(t.Phase())).
		Msg("Inventory task finished")
	return err
}

func (t *InventoryTask) rowReader() (dumper.RowReader, error) {
	if t.opts.RowReader != nil {
		return t.opts.RowReader, nil
	}
	if t.opts.DataSources == nil {
		return nil, fmt.Errorf("no row reader and no datasource manager")
	}
	ds := t.config.Dumper.DataSource
	db, err := t.opts.DataSources.GetDataSource(ds)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", ds.Name(), err)
	}
	return source.NewSQLRowReader(db, ds.Dialect()), nil
}

func (t *InventoryTask) onAck(acked []record.Record) {
	var rows int64
	for _, rec := range acked {
		if !rec.IsPlaceholder() {
			rows++
		}
	}
	t.delivered.Add(rows)

	last := acked[len(acked)-1].Position
	if err := t.config.Dumper.Positions.Advance(last); err != nil {
		log.Error().Err(err).Str("task", t.id).Msg("Acknowledged position rejected")
	}
}

// Progress reports rows delivered against the estimate taken at start.
func (t *InventoryTask) Progress() Progress {
	p := Progress{
		TaskID:        t.id,
		Phase:         t.Phase(),
		EstimatedRows: t.estimated.Load(),
		RowsDelivered: t.delivered.Load(),
	}
	if pos, ok := t.config.Dumper.Positions.Position().(position.InventoryPosition); ok {
		p.Position = pos.String()
		p.Finished = pos.Finished()
	}
	if err := t.lastError(); err != nil {
		p.Error = err.Error()
	}
	return p
}
