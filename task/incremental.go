package task

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/maxpert/marmot-scaling/channel"
	"github.com/maxpert/marmot-scaling/dumper"
	"github.com/maxpert/marmot-scaling/record"
	"github.com/maxpert/marmot-scaling/source"
	"github.com/maxpert/marmot-scaling/telemetry"
	"github.com/rs/zerolog/log"
)

// IncrementalTask replays the change stream of one datasource until stopped.
type IncrementalTask struct {
	*runner

	delayMillis atomic.Int64
}

// NewIncrementalTask creates a task; nothing is opened until Start.
func NewIncrementalTask(id string, config SyncConfiguration, opts Options) (*IncrementalTask, error) {
	if err := config.Dumper.Stream.Validate(); err != nil {
		return nil, fmt.Errorf("incremental task %s: %w", id, err)
	}
	r, err := newRunner(id, config, opts)
	if err != nil {
		return nil, err
	}
	return &IncrementalTask{runner: r}, nil
}

// Start replays changes until Stop or the first failure.
func (t *IncrementalTask) Start(ctx context.Context) error {
	run, err := t.begin()
	if err != nil {
		return err
	}
	defer close(t.done)
	defer t.release()
	if !run {
		return nil
	}

	dc := t.config.Dumper
	filter, err := dumper.NewTableFilter(dc.TableFilter)
	if err != nil {
		return t.fail(err)
	}

	reader, owned, err := t.changeReader(ctx)
	if err != nil {
		return t.fail(err)
	}
	if owned {
		defer reader.Close()
	}

	writer, err := t.writer()
	if err != nil {
		return t.fail(err)
	}

	log.Info().
		Str("task", t.id).
		Str("datasource", dc.DataSourceName).
		Stringer("position", dc.Positions.Position()).
		Msg("Incremental task started")

	err = t.run(ctx, writer, t.onAck, func(ch *channel.DistributionChannel) (dumper.Dumper, error) {
		return dumper.NewIncrementalDumper(dumper.IncrementalConfig{
			DataSourceName: dc.DataSourceName,
			BatchSize:      dc.BatchSize,
			PollInterval:   dc.PollInterval,
			Filter:         filter,
			Positions:      dc.Positions,
		}, reader, ch)
	})

	log.Info().Str("task", t.id).Str("phase", string(t.Phase())).Msg("Incremental task finished")
	return err
}

// changeReader returns the injected reader, or opens one it then owns.
func (t *IncrementalTask) changeReader(ctx context.Context) (dumper.ChangeReader, bool, error) {
	if t.opts.ChangeReader != nil {
		return t.opts.ChangeReader, false, nil
	}

	dc := t.config.Dumper
	if dc.Stream.Type != "" && dc.Stream.Type != source.StreamChangeLog {
		reader, err := source.OpenChangeReader(ctx, dc.Stream, nil, dc.DataSource)
		return reader, err == nil, err
	}

	if t.opts.DataSources == nil {
		return nil, false, fmt.Errorf("no change reader and no datasource manager")
	}
	db, err := t.opts.DataSources.GetDataSource(dc.DataSource)
	if err != nil {
		return nil, false, fmt.Errorf("source %s: %w", dc.DataSource.Name(), err)
	}
	reader, err := source.OpenChangeReader(ctx, dc.Stream, db, dc.DataSource)
	return reader, err == nil, err
}

func (t *IncrementalTask) onAck(acked []record.Record) {
	last := acked[len(acked)-1]
	if err := t.config.Dumper.Positions.Advance(last.Position); err != nil {
		log.Error().Err(err).Str("task", t.id).Msg("Acknowledged position rejected")
	}

	if last.CommitTime > 0 {
		delay := time.Now().UnixMilli() - last.CommitTime
		if delay < 0 {
			delay = 0
		}
		t.delayMillis.Store(delay)
		telemetry.IncrementalDelayMillis.With(t.id).Set(float64(delay))
	}
}

// DelayMillisecond returns the lag between the source commit of the last
// acknowledged change and its acknowledgement.
func (t *IncrementalTask) DelayMillisecond() int64 {
	return t.delayMillis.Load()
}

// Progress reports replication delay and the acknowledged position.
func (t *IncrementalTask) Progress() Progress {
	p := Progress{
		TaskID:           t.id,
		Phase:            t.Phase(),
		DelayMillisecond: t.delayMillis.Load(),
		Position:         t.config.Dumper.Positions.Position().String(),
	}
	if err := t.lastError(); err != nil {
		p.Error = err.Error()
	}
	return p
}
