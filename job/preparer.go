package job

import (
	"context"
	"fmt"
	"regexp"

	"github.com/maxpert/marmot-scaling/cfg"
	"github.com/maxpert/marmot-scaling/checkpoint"
	"github.com/maxpert/marmot-scaling/datasource"
	"github.com/maxpert/marmot-scaling/dumper"
	"github.com/maxpert/marmot-scaling/position"
	"github.com/maxpert/marmot-scaling/source"
	"github.com/maxpert/marmot-scaling/task"
	"github.com/rs/zerolog/log"
)

// preparedTask is a prepared task: its checkpoint key and full configuration.
type preparedTask struct {
	key    string
	config task.SyncConfiguration
}

// preparer resolves the tasks of a job, either from scratch or from
// restored checkpoints, and registers their position managers.
type preparer struct {
	dataSources *datasource.Manager
	scaling     cfg.ScalingConfiguration
}

// InventoryKey is the checkpoint key of one inventory split.
func InventoryKey(dataSource, table string, split int) string {
	return fmt.Sprintf("%s.%s#%d", dataSource, table, split)
}

func inventoryKeyPattern(dataSource string) *regexp.Regexp {
	return regexp.MustCompile(`^` + regexp.QuoteMeta(dataSource) + `\.(\w+)(#\d+)?$`)
}

func (p *preparer) prepare(ctx context.Context, conf Configuration, checkpoints *checkpoint.Manager) ([]preparedTask, []preparedTask, error) {
	var inventory, incremental []preparedTask
	resume := checkpoints.IsResumable()

	for _, s := range conf.Sources {
		base := conf.syncConfiguration(s, p.scaling)

		db, err := p.dataSources.GetDataSource(s.DataSource)
		if err != nil {
			return nil, nil, fmt.Errorf("source %s: %w", s.Name, err)
		}
		meta, err := source.NewMetaData(db, s.DataSource)
		if err != nil {
			return nil, nil, err
		}

		var splits []preparedTask
		var inc preparedTask
		if resume {
			splits, inc, err = p.resume(ctx, s, base, meta, checkpoints)
		} else {
			splits, inc, err = p.fresh(ctx, s, base, meta, checkpoints)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("source %s: %w", s.Name, err)
		}

		inventory = append(inventory, splits...)
		incremental = append(incremental, inc)
	}

	return inventory, incremental, nil
}

// fresh splits every selected table and captures the change stream position
// before any row is read, so changes made during the inventory pass are
// replayed afterwards.
func (p *preparer) fresh(ctx context.Context, s SourceConfiguration, base task.SyncConfiguration,
	meta *source.MetaData, checkpoints *checkpoint.Manager) ([]preparedTask, preparedTask, error) {

	db, err := p.dataSources.GetDataSource(s.DataSource)
	if err != nil {
		return nil, preparedTask{}, err
	}

	tables, err := p.selectTables(ctx, s, meta)
	if err != nil {
		return nil, preparedTask{}, err
	}

	if s.InstallChangeLog {
		if err := source.InstallChangeLog(ctx, db, meta, tables); err != nil {
			return nil, preparedTask{}, err
		}
	}

	reader, err := source.OpenChangeReader(ctx, s.Stream, db, s.DataSource)
	if err != nil {
		return nil, preparedTask{}, err
	}
	current, err := reader.CurrentPosition(ctx)
	reader.Close()
	if err != nil {
		return nil, preparedTask{}, fmt.Errorf("failed to capture change stream position: %w", err)
	}

	incPositions := position.NewManager(current)
	checkpoints.PutIncremental(s.Name, incPositions)
	inc := base
	inc.Dumper.Positions = incPositions

	rows := source.NewSQLRowReader(db, s.DataSource.Dialect())
	var splits []preparedTask
	for _, table := range tables {
		keyColumn, err := integerKey(ctx, meta, table)
		if err != nil {
			return nil, preparedTask{}, err
		}

		lower, upper, ok, err := rows.KeyRange(ctx, table, keyColumn)
		if err != nil {
			return nil, preparedTask{}, err
		}
		if !ok {
			checkpoints.PutInventory(InventoryKey(s.Name, table, 0),
				position.NewManager(position.FinishedInventoryPosition(0, 0)))
			log.Debug().Str("source", s.Name).Str("table", table).Msg("Empty table, nothing to copy")
			continue
		}

		for i, r := range SplitRange(lower, upper, base.Concurrency) {
			key := InventoryKey(s.Name, table, i)
			pm := position.NewManager(r)
			checkpoints.PutInventory(key, pm)

			splitConf := base
			splitConf.Dumper.Table = table
			splitConf.Dumper.KeyColumn = keyColumn
			splitConf.Dumper.Positions = pm
			splits = append(splits, preparedTask{key: key, config: splitConf})
		}
	}

	log.Info().
		Str("source", s.Name).
		Int("tables", len(tables)).
		Int("splits", len(splits)).
		Stringer("incremental_position", current).
		Msg("Prepared source")
	return splits, preparedTask{key: s.Name, config: inc}, nil
}

// resume rebuilds unfinished splits from restored positions. Restored
// position managers are already registered with checkpoints.
func (p *preparer) resume(ctx context.Context, s SourceConfiguration, base task.SyncConfiguration,
	meta *source.MetaData, checkpoints *checkpoint.Manager) ([]preparedTask, preparedTask, error) {

	incPositions, ok := checkpoints.IncrementalPositions()[s.Name]
	if !ok {
		return nil, preparedTask{}, fmt.Errorf("no incremental position to resume from")
	}
	inc := base
	inc.Dumper.Positions = incPositions

	pattern := inventoryKeyPattern(s.Name)
	positions := checkpoints.InventoryPositions()
	var splits []preparedTask
	for _, key := range checkpoint.SortedKeys(positions) {
		m := pattern.FindStringSubmatch(key)
		if m == nil {
			continue
		}
		table := m[1]

		pm := positions[key]
		pos, ok := pm.Position().(position.InventoryPosition)
		if !ok {
			return nil, preparedTask{}, fmt.Errorf("position %s is not an inventory position", key)
		}
		if pos.Finished() {
			log.Debug().Str("split", key).Msg("Split already finished")
			continue
		}

		keyColumn, err := integerKey(ctx, meta, table)
		if err != nil {
			return nil, preparedTask{}, err
		}

		splitConf := base
		splitConf.Dumper.Table = table
		splitConf.Dumper.KeyColumn = keyColumn
		splitConf.Dumper.Positions = pm
		splits = append(splits, preparedTask{key: key, config: splitConf})
	}

	log.Info().
		Str("source", s.Name).
		Int("splits", len(splits)).
		Stringer("incremental_position", incPositions.Position()).
		Msg("Resumed source")
	return splits, preparedTask{key: s.Name, config: inc}, nil
}

func (p *preparer) selectTables(ctx context.Context, s SourceConfiguration, meta *source.MetaData) ([]string, error) {
	filter, err := dumper.NewTableFilter(s.Tables)
	if err != nil {
		return nil, err
	}
	all, err := meta.Tables(ctx)
	if err != nil {
		return nil, err
	}

	tables := make([]string, 0, len(all))
	for _, t := range all {
		if filter.Match(t) {
			tables = append(tables, t)
		}
	}
	if len(tables) == 0 {
		return nil, fmt.Errorf("no tables match %v", filter.Patterns())
	}
	return tables, nil
}

func integerKey(ctx context.Context, meta *source.MetaData, table string) (string, error) {
	keys, err := meta.PrimaryKeys(ctx, table)
	if err != nil {
		return "", err
	}
	if len(keys) != 1 {
		return "", fmt.Errorf("table %s: inventory splitting needs a single column primary key, found %v", table, keys)
	}
	return keys[0], nil
}

// SplitRange divides [lower, upper] into at most n contiguous inventory
// positions of near equal width.
func SplitRange(lower, upper int64, n int) []position.InventoryPosition {
	if upper < lower {
		return nil
	}
	span := upper - lower + 1
	if n <= 0 {
		n = 1
	}
	if int64(n) > span {
		n = int(span)
	}

	step := span / int64(n)
	splits := make([]position.InventoryPosition, 0, n)
	start := lower
	for i := 0; i < n; i++ {
		end := start + step - 1
		if i == n-1 {
			end = upper
		}
		splits = append(splits, position.NewInventoryPosition(start, end))
		start = end + 1
	}
	return splits
}
