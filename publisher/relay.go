package publisher

import (
	"context"
	"fmt"

	"github.com/maxpert/marmot-scaling/checkpoint"
	"github.com/maxpert/marmot-scaling/datasource"
	"github.com/maxpert/marmot-scaling/dumper"
	"github.com/maxpert/marmot-scaling/source"
	"github.com/rs/zerolog/log"
)

// Open prepares a worker that relays the changelog of conf.DataSource to
// sink. The datasource pool stays owned by dataSources.
func Open(ctx context.Context, conf Configuration, dataSources *datasource.Manager,
	cursors checkpoint.Repository, sink Sink) (*Worker, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	filter, err := dumper.NewTableFilter(conf.Tables)
	if err != nil {
		return nil, err
	}

	db, err := dataSources.GetDataSource(conf.DataSource)
	if err != nil {
		return nil, fmt.Errorf("relay %s: %w", conf.Name, err)
	}

	if conf.InstallChangeLog {
		meta, err := source.NewMetaData(db, conf.DataSource)
		if err != nil {
			return nil, err
		}
		all, err := meta.Tables(ctx)
		if err != nil {
			return nil, err
		}
		var tables []string
		for _, t := range all {
			if filter.Match(t) {
				tables = append(tables, t)
			}
		}
		if len(tables) == 0 {
			return nil, fmt.Errorf("relay %s: no tables match %v", conf.Name, filter.Patterns())
		}
		if err := source.InstallChangeLog(ctx, db, meta, tables); err != nil {
			return nil, err
		}
		log.Info().Str("relay", conf.Name).Strs("tables", tables).Msg("Installed changelog triggers")
	}

	return NewWorker(ctx, WorkerConfig{
		Name:         conf.Name,
		Reader:       source.NewChangeLogReader(db, conf.DataSource.Dialect()),
		Sink:         sink,
		Filter:       filter,
		Cursors:      cursors,
		Topic:        conf.Topic(),
		FromCurrent:  conf.FromCurrent,
		BatchSize:    conf.BatchSize,
		PollInterval: conf.pollInterval(),
		MaxRetries:   conf.MaxRetries,
		Compress:     conf.Compress,
	})
}
