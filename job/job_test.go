package job

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/maxpert/marmot-scaling/cfg"
	"github.com/maxpert/marmot-scaling/checkpoint"
	"github.com/maxpert/marmot-scaling/datasource"
	"github.com/maxpert/marmot-scaling/engine"
	"github.com/maxpert/marmot-scaling/id"
	"github.com/maxpert/marmot-scaling/position"
	"github.com/maxpert/marmot-scaling/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testScaling = cfg.ScalingConfiguration{
	BlockQueueSize: 100,
	BatchSize:      2,
	FetchTimeoutMS: 10,
	Concurrency:    2,
	PollIntervalMS: 10,
}

type fixture struct {
	eng    *engine.Engine
	dsm    *datasource.Manager
	src    datasource.Configuration
	dst    datasource.Configuration
	srcDB  *sql.DB
	dstDB  *sql.DB
	config Configuration
}

func newFixture(t *testing.T, workers int) *fixture {
	t.Helper()

	f := &fixture{
		eng: engine.New(workers),
		dsm: datasource.NewManager(datasource.PoolOptions{MaxOpenConns: 4}),
		src: datasource.Configuration{Type: datasource.TypeSQLite, URL: filepath.Join(t.TempDir(), "source.db")},
		dst: datasource.Configuration{Type: datasource.TypeSQLite, URL: filepath.Join(t.TempDir(), "target.db")},
	}
	t.Cleanup(func() {
		f.dsm.Close()
		f.eng.Shutdown()
	})

	var err error
	f.srcDB, err = f.dsm.GetDataSource(f.src)
	require.NoError(t, err)
	f.dstDB, err = f.dsm.GetDataSource(f.dst)
	require.NoError(t, err)

	exec(t, f.srcDB,
		"CREATE TABLE t_order (id INTEGER PRIMARY KEY, name TEXT)",
		"CREATE TABLE audit (id INTEGER PRIMARY KEY, note TEXT)",
		"INSERT INTO t_order VALUES (1, 'a'), (2, 'b'), (3, 'c'), (4, 'd'), (5, 'e')",
		"INSERT INTO audit VALUES (1, 'x')",
	)
	exec(t, f.dstDB, "CREATE TABLE t_order (id INTEGER PRIMARY KEY, name TEXT)")

	f.config = Configuration{
		JobName: "orders",
		Sources: []SourceConfiguration{{
			Name:             "ds_0",
			DataSource:       f.src,
			Tables:           []string{"t_order*"},
			Stream:           source.StreamConfiguration{Type: source.StreamChangeLog},
			InstallChangeLog: true,
		}},
		Target: f.dst,
	}
	return f
}

func (f *fixture) controller(t *testing.T, repo checkpoint.Repository) *Controller {
	t.Helper()
	c, err := NewController(Options{
		Engine:      f.eng,
		DataSources: f.dsm,
		Repository:  repo,
		IDs:         id.NewSequenceGenerator(100),
		Scaling:     testScaling,
		Schedule:    "@every 1h",
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func exec(t *testing.T, db *sql.DB, stmts ...string) {
	t.Helper()
	for _, s := range stmts {
		_, err := db.Exec(s)
		require.NoError(t, err)
	}
}

func countRows(t *testing.T, db *sql.DB, table string) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

func waitStatus(t *testing.T, j *Job, want Status) {
	t.Helper()
	require.Eventually(t, func() bool { return j.Status() == want }, 5*time.Second, 10*time.Millisecond,
		"job status %s", j.Status())
}

func TestSplitRange(t *testing.T) {
	splits := SplitRange(1, 10, 3)
	require.Len(t, splits, 3)
	assert.Equal(t, position.NewInventoryPosition(1, 3), splits[0])
	assert.Equal(t, position.NewInventoryPosition(4, 6), splits[1])
	assert.Equal(t, position.NewInventoryPosition(7, 10), splits[2])

	assert.Len(t, SplitRange(1, 2, 5), 2)
	assert.Equal(t, []position.InventoryPosition{position.NewInventoryPosition(7, 7)}, SplitRange(7, 7, 0))
	assert.Nil(t, SplitRange(5, 4, 2))
}

func TestInventoryKeyPattern(t *testing.T) {
	p := inventoryKeyPattern("ds_0")
	assert.Equal(t, "ds_0.t_order#1", InventoryKey("ds_0", "t_order", 1))

	m := p.FindStringSubmatch("ds_0.t_order#1")
	require.NotNil(t, m)
	assert.Equal(t, "t_order", m[1])
	assert.NotNil(t, p.FindStringSubmatch("ds_0.t_order"))
	assert.Nil(t, p.FindStringSubmatch("ds_1.t_order#1"))
	assert.Nil(t, p.FindStringSubmatch("ds_0xt_order#1"))
}

func TestConfigurationValidate(t *testing.T) {
	src := datasource.Configuration{Type: datasource.TypeSQLite, URL: "a.db"}
	dst := datasource.Configuration{Type: datasource.TypeSQLite, URL: "b.db"}
	valid := Configuration{
		Sources: []SourceConfiguration{{Name: "ds_0", DataSource: src}},
		Target:  dst,
	}
	require.NoError(t, valid.Validate())

	noSources := valid
	noSources.Sources = nil
	assert.Error(t, noSources.Validate())

	dup := valid
	dup.Sources = []SourceConfiguration{{Name: "ds_0", DataSource: src}, {Name: "ds_0", DataSource: src}}
	assert.ErrorContains(t, dup.Validate(), "duplicate")

	self := valid
	self.Target = src
	assert.ErrorContains(t, self.Validate(), "is the target")

	mysqlTriggers := valid
	mysqlTriggers.Sources = []SourceConfiguration{{
		Name:             "ds_0",
		DataSource:       datasource.Configuration{Type: datasource.TypeMySQL, URL: "tcp(127.0.0.1:3306)/db"},
		InstallChangeLog: true,
	}}
	assert.ErrorContains(t, mysqlTriggers.Validate(), "only generated for sqlite")

	badStream := valid
	badStream.Sources = []SourceConfiguration{{Name: "ds_0", DataSource: src, Stream: source.StreamConfiguration{Type: source.StreamKafka}}}
	assert.Error(t, badStream.Validate())
}

func TestConfigurationSyncDefaults(t *testing.T) {
	conf := Configuration{Sources: []SourceConfiguration{{Name: "ds_0"}}}
	sc := conf.syncConfiguration(conf.Sources[0], testScaling)
	assert.Equal(t, 2, sc.Concurrency)
	assert.Equal(t, 100, sc.BlockQueueSize)
	assert.Equal(t, 2, sc.Dumper.BatchSize)
	assert.Equal(t, 10*time.Millisecond, sc.Dumper.PollInterval)
	assert.Equal(t, 10*time.Millisecond, sc.Importer.FetchTimeout)

	conf.Concurrency = 5
	conf.BatchSize = 50
	sc = conf.syncConfiguration(conf.Sources[0], testScaling)
	assert.Equal(t, 5, sc.Concurrency)
	assert.Equal(t, 50, sc.Dumper.BatchSize)
	assert.Equal(t, 50, sc.Importer.BatchSize)
}

func TestControllerRunsInventoryThenIncremental(t *testing.T) {
	f := newFixture(t, 8)
	c := f.controller(t, nil)
	assert.Empty(t, c.List())

	j, err := c.Start(context.Background(), f.config)
	require.NoError(t, err)
	assert.NotZero(t, j.ID)
	assert.Len(t, c.List(), 1)

	progress, err := c.Progress(j.ID)
	require.NoError(t, err)
	assert.Len(t, progress.InventoryDataTasks, 2)
	assert.Len(t, progress.IncrementalDataTasks, 1)
	assert.Equal(t, "ds_0.t_order#0", progress.InventoryDataTasks[0].TaskID)
	assert.Equal(t, "ds_0", progress.IncrementalDataTasks[0].TaskID)

	waitStatus(t, j, StatusExecuteIncrementalTask)
	assert.Equal(t, 5, countRows(t, f.dstDB, "t_order"))

	progress = j.Progress()
	for _, p := range progress.InventoryDataTasks {
		assert.True(t, p.Finished, p.TaskID)
	}

	exec(t, f.srcDB,
		"INSERT INTO t_order VALUES (6, 'f')",
		"UPDATE t_order SET name = 'z' WHERE id = 1",
		"DELETE FROM t_order WHERE id = 2",
		"INSERT INTO audit VALUES (2, 'y')",
	)

	require.Eventually(t, func() bool {
		var name string
		if err := f.dstDB.QueryRow("SELECT name FROM t_order WHERE id = 1").Scan(&name); err != nil {
			return false
		}
		var inserted, deleted int
		f.dstDB.QueryRow("SELECT COUNT(*) FROM t_order WHERE id = 6").Scan(&inserted)
		f.dstDB.QueryRow("SELECT COUNT(*) FROM t_order WHERE id = 2").Scan(&deleted)
		return name == "z" && inserted == 1 && deleted == 0
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Stop(j.ID))
	assert.Equal(t, StatusStopped, j.Status())
	assert.Equal(t, map[string]int{string(StatusStopped): 1}, c.JobStatusCounts())

	progress, err = c.Progress(j.ID)
	require.NoError(t, err)
	assert.Equal(t, "scaling_changelog:3", progress.IncrementalDataTasks[0].Position)
}

func TestControllerResumesFromCheckpoint(t *testing.T) {
	f := newFixture(t, 8)
	repo, err := checkpoint.NewPebbleRepository(t.TempDir())
	require.NoError(t, err)
	defer repo.Close()

	f.config.JobID = 42

	first := f.controller(t, repo)
	j, err := first.Start(context.Background(), f.config)
	require.NoError(t, err)
	waitStatus(t, j, StatusExecuteIncrementalTask)
	require.NoError(t, first.Stop(42))

	// Changes made while the job is down are replayed on resume.
	exec(t, f.srcDB, "INSERT INTO t_order VALUES (7, 'g')")

	second := f.controller(t, repo)
	j, err = second.Start(context.Background(), f.config)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), j.ID)

	progress := j.Progress()
	assert.Empty(t, progress.InventoryDataTasks)
	require.Len(t, progress.IncrementalDataTasks, 1)

	require.Eventually(t, func() bool {
		return countRows(t, f.dstDB, "t_order") == 6
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, second.Stop(42))
	assert.Equal(t, "scaling_changelog:1", j.Progress().IncrementalDataTasks[0].Position)
}

func TestControllerRejectsRunningJobID(t *testing.T) {
	f := newFixture(t, 8)
	c := f.controller(t, nil)
	f.config.JobID = 7

	_, err := c.Start(context.Background(), f.config)
	require.NoError(t, err)
	_, err = c.Start(context.Background(), f.config)
	assert.ErrorIs(t, err, ErrJobRunning)
}

func TestControllerPreparingFailure(t *testing.T) {
	f := newFixture(t, 8)
	c := f.controller(t, nil)
	f.config.Sources[0].Tables = []string{"missing_*"}

	j, err := c.Start(context.Background(), f.config)
	require.Error(t, err)
	require.NotNil(t, j)
	assert.Equal(t, StatusPreparingFailure, j.Status())
	assert.True(t, j.Status().Failed())

	progress, err := c.Progress(j.ID)
	require.NoError(t, err)
	assert.Empty(t, progress.InventoryDataTasks)
	assert.Empty(t, progress.IncrementalDataTasks)
	assert.Contains(t, progress.Error, "no tables match")

	require.NoError(t, c.Stop(j.ID))
	assert.Equal(t, StatusPreparingFailure, j.Status())
}

func TestControllerChecksEngineSize(t *testing.T) {
	f := newFixture(t, 1)
	c := f.controller(t, nil)

	j, err := c.Start(context.Background(), f.config)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine workers")
	assert.Equal(t, StatusPreparingFailure, j.Status())
}

func TestControllerReservesWorkersAcrossJobs(t *testing.T) {
	f := newFixture(t, 3)
	c := f.controller(t, nil)

	first, err := c.Start(context.Background(), f.config)
	require.NoError(t, err)
	waitStatus(t, first, StatusExecuteIncrementalTask)
	assert.Equal(t, 2, c.ReservedWorkers())

	// Only one worker is left; the second job would wait on the engine forever.
	second, err := c.Start(context.Background(), f.config)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 3 are free")
	assert.Equal(t, StatusPreparingFailure, second.Status())
	assert.Equal(t, 2, c.ReservedWorkers())

	require.NoError(t, c.Stop(first.ID))
	assert.Equal(t, 0, c.ReservedWorkers())

	third, err := c.Start(context.Background(), f.config)
	require.NoError(t, err)
	waitStatus(t, third, StatusExecuteIncrementalTask)
	assert.Equal(t, 5, countRows(t, f.dstDB, "t_order"))
	require.NoError(t, c.Stop(third.ID))
	assert.Equal(t, StatusStopped, third.Status())
}

func TestControllerUnknownJob(t *testing.T) {
	f := newFixture(t, 2)
	c := f.controller(t, nil)

	assert.ErrorIs(t, c.Stop(99), ErrJobNotFound)
	_, err := c.Progress(99)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestControllerInvalidConfiguration(t *testing.T) {
	f := newFixture(t, 2)
	c := f.controller(t, nil)

	_, err := c.Start(context.Background(), Configuration{})
	assert.Error(t, err)
	assert.Empty(t, c.List())
}

func TestControllerClose(t *testing.T) {
	f := newFixture(t, 8)
	c := f.controller(t, nil)

	j, err := c.Start(context.Background(), f.config)
	require.NoError(t, err)
	waitStatus(t, j, StatusExecuteIncrementalTask)

	c.Close()
	assert.Equal(t, StatusStopped, j.Status())
	_, err = c.Start(context.Background(), f.config)
	assert.ErrorIs(t, err, ErrControllerClosed)
}
