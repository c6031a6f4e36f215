package publisher

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/maxpert/marmot-scaling/datasource"
	"github.com/maxpert/marmot-scaling/dumper"
	"github.com/maxpert/marmot-scaling/encoding"
	"github.com/maxpert/marmot-scaling/position"
	"github.com/maxpert/marmot-scaling/record"
	"github.com/maxpert/marmot-scaling/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSink struct {
	mu        sync.Mutex
	events    []mockPublishCall
	failCount atomic.Int32 // Number of times to fail before succeeding
}

type mockPublishCall struct {
	topic string
	key   string
	raw   []byte
	event source.ChangeEvent
}

func (m *mockSink) Publish(ctx context.Context, topic, key string, value []byte) error {
	if m.failCount.Load() > 0 {
		m.failCount.Add(-1)
		return fmt.Errorf("mock publish failure")
	}

	ev, err := source.DecodeChangeEvent(value)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, mockPublishCall{topic: topic, key: key, raw: value, event: ev})
	return nil
}

func (m *mockSink) Close() error {
	return nil
}

func (m *mockSink) getEvents() []mockPublishCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]mockPublishCall, len(m.events))
	copy(result, m.events)
	return result
}

func (m *mockSink) eventCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

// memoryCursors is an in-memory checkpoint repository
type memoryCursors struct {
	mu     sync.Mutex
	values map[string]string
}

func newMemoryCursors() *memoryCursors {
	return &memoryCursors{values: make(map[string]string)}
}

func (m *memoryCursors) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *memoryCursors) Persist(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *memoryCursors) Available() bool { return true }
func (m *memoryCursors) Close() error    { return nil }

func (m *memoryCursors) cursor(t *testing.T, name string) position.IncrementalPosition {
	t.Helper()
	value, ok, _ := m.Get(context.Background(), CursorKey(name))
	require.True(t, ok, "cursor of %s not stored", name)
	p, err := position.Unmarshal(value)
	require.NoError(t, err)
	return p.(position.IncrementalPosition)
}

// sliceReader serves a fixed change list by offset
type sliceReader struct {
	changes []record.Record
	head    uint64
}

func (r *sliceReader) ReadChanges(_ context.Context, from position.IncrementalPosition, limit int) ([]record.Record, error) {
	var out []record.Record
	for _, rec := range r.changes {
		if rec.Position.(position.IncrementalPosition).Offset > from.Offset && len(out) < limit {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *sliceReader) CurrentPosition(context.Context) (position.IncrementalPosition, error) {
	return position.IncrementalPosition{Log: "log", Offset: r.head}, nil
}

func (r *sliceReader) Close() error { return nil }

func insertAt(table string, id int64, offset uint64) record.Record {
	return record.Record{
		Kind:     record.Insert,
		Table:    table,
		Keys:     []string{"id"},
		Values:   map[string]any{"id": id},
		Position: position.IncrementalPosition{Log: "log", Offset: offset},
	}
}

func workerConfig(reader dumper.ChangeReader, sink Sink) WorkerConfig {
	return WorkerConfig{
		Name:         "orders",
		Reader:       reader,
		Sink:         sink,
		Topic:        "cdc.orders",
		BatchSize:    2,
		PollInterval: 5 * time.Millisecond,
		RetryInitial: time.Millisecond,
		RetryMax:     5 * time.Millisecond,
	}
}

func TestNewWorkerValidation(t *testing.T) {
	reader := &sliceReader{}
	tests := []struct {
		name   string
		config WorkerConfig
	}{
		{name: "missing name", config: WorkerConfig{}},
		{name: "missing reader", config: WorkerConfig{Name: "r"}},
		{name: "missing sink", config: WorkerConfig{Name: "r", Reader: reader}},
		{name: "missing topic", config: WorkerConfig{Name: "r", Reader: reader, Sink: &mockSink{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewWorker(context.Background(), tt.config)
			assert.Error(t, err)
		})
	}

	w, err := NewWorker(context.Background(), WorkerConfig{Name: "r", Reader: reader, Sink: &mockSink{}, Topic: "t"})
	require.NoError(t, err)
	assert.Equal(t, DefaultBatchSize, w.config.BatchSize)
	assert.Equal(t, DefaultPollInterval, w.config.PollInterval)
	assert.Equal(t, DefaultRetryMultiplier, w.config.RetryMultiplier)
	assert.Equal(t, DefaultMaxRetries, w.config.MaxRetries)
	assert.Equal(t, position.IncrementalPosition{}, w.Cursor())
}

func TestWorkerFiltersAndAdvancesCursor(t *testing.T) {
	filter, err := dumper.NewTableFilter([]string{"t_*"})
	require.NoError(t, err)

	reader := &sliceReader{changes: []record.Record{
		insertAt("t_order", 1, 1),
		insertAt("audit", 1, 2),
		record.NewPlaceholder(position.IncrementalPosition{Log: "log", Offset: 3}, 0),
		insertAt("t_item", 7, 4),
	}}
	sink := &mockSink{}
	cursors := newMemoryCursors()

	config := workerConfig(reader, sink)
	config.Filter = filter
	config.Cursors = cursors
	w, err := NewWorker(context.Background(), config)
	require.NoError(t, err)

	w.Start()
	assert.Eventually(t, func() bool { return w.Cursor().Offset == 4 }, 5*time.Second, 5*time.Millisecond)
	w.Stop()

	events := sink.getEvents()
	require.Len(t, events, 2)
	assert.Equal(t, "cdc.orders", events[0].topic)
	assert.Equal(t, "t_order", events[0].key)
	assert.Equal(t, "INSERT", events[0].event.Op)
	assert.Equal(t, int64(1), events[0].event.After["id"])
	assert.Equal(t, "t_item", events[1].event.Table)

	assert.Equal(t, uint64(4), cursors.cursor(t, "orders").Offset)
	assert.NoError(t, w.Err())
}

func TestWorkerResumesFromStoredCursor(t *testing.T) {
	reader := &sliceReader{changes: []record.Record{
		insertAt("t_order", 1, 1),
		insertAt("t_order", 2, 2),
		insertAt("t_order", 3, 3),
	}}
	cursors := newMemoryCursors()
	value, err := position.Marshal(position.IncrementalPosition{Log: "log", Offset: 2})
	require.NoError(t, err)
	require.NoError(t, cursors.Persist(context.Background(), CursorKey("orders"), value))

	sink := &mockSink{}
	config := workerConfig(reader, sink)
	config.Cursors = cursors
	w, err := NewWorker(context.Background(), config)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), w.Cursor().Offset)

	w.Start()
	assert.Eventually(t, func() bool { return sink.eventCount() == 1 }, 5*time.Second, 5*time.Millisecond)
	w.Stop()

	assert.Equal(t, int64(3), sink.getEvents()[0].event.After["id"])
}

func TestWorkerRejectsInventoryCursor(t *testing.T) {
	cursors := newMemoryCursors()
	value, err := position.Marshal(position.NewInventoryPosition(1, 10))
	require.NoError(t, err)
	require.NoError(t, cursors.Persist(context.Background(), CursorKey("orders"), value))

	config := workerConfig(&sliceReader{}, &mockSink{})
	config.Cursors = cursors
	_, err = NewWorker(context.Background(), config)
	assert.ErrorContains(t, err, "not an incremental position")
}

func TestWorkerFromCurrent(t *testing.T) {
	reader := &sliceReader{head: 2, changes: []record.Record{
		insertAt("t_order", 1, 1),
		insertAt("t_order", 2, 2),
		insertAt("t_order", 3, 3),
	}}
	sink := &mockSink{}
	config := workerConfig(reader, sink)
	config.FromCurrent = true
	w, err := NewWorker(context.Background(), config)
	require.NoError(t, err)

	w.Start()
	assert.Eventually(t, func() bool { return w.Cursor().Offset == 3 }, 5*time.Second, 5*time.Millisecond)
	w.Stop()
	assert.Equal(t, 1, sink.eventCount())
}

func TestWorkerCompressesPayloads(t *testing.T) {
	reader := &sliceReader{changes: []record.Record{insertAt("t_order", 1, 1)}}
	sink := &mockSink{}
	config := workerConfig(reader, sink)
	config.Compress = true
	w, err := NewWorker(context.Background(), config)
	require.NoError(t, err)

	w.Start()
	assert.Eventually(t, func() bool { return sink.eventCount() == 1 }, 5*time.Second, 5*time.Millisecond)
	w.Stop()

	event := sink.getEvents()[0]
	assert.True(t, encoding.IsCompressed(event.raw))
	assert.Equal(t, int64(1), event.event.After["id"])
}

func TestWorkerRetriesPublish(t *testing.T) {
	reader := &sliceReader{changes: []record.Record{insertAt("t_order", 1, 1)}}
	sink := &mockSink{}
	sink.failCount.Store(2)

	w, err := NewWorker(context.Background(), workerConfig(reader, sink))
	require.NoError(t, err)

	w.Start()
	assert.Eventually(t, func() bool { return sink.eventCount() == 1 }, 5*time.Second, 5*time.Millisecond)
	w.Stop()
	assert.NoError(t, w.Err())
}

func TestWorkerFailsAfterMaxRetries(t *testing.T) {
	reader := &sliceReader{changes: []record.Record{insertAt("t_order", 1, 1)}}
	sink := &mockSink{}
	sink.failCount.Store(100)

	config := workerConfig(reader, sink)
	config.MaxRetries = 3
	w, err := NewWorker(context.Background(), config)
	require.NoError(t, err)

	w.Start()
	select {
	case <-w.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
	assert.ErrorContains(t, w.Err(), "exhausted max retries (3)")
	assert.Equal(t, uint64(0), w.Cursor().Offset)
	assert.Equal(t, int32(97), sink.failCount.Load())
	w.Stop()
}

func TestRelayPublishesSQLiteChangeLog(t *testing.T) {
	dsm := datasource.NewManager(datasource.PoolOptions{MaxOpenConns: 2})
	defer dsm.Close()

	src := datasource.Configuration{Type: datasource.TypeSQLite, URL: filepath.Join(t.TempDir(), "source.db")}
	db, err := dsm.GetDataSource(src)
	require.NoError(t, err)
	for _, stmt := range []string{
		"CREATE TABLE t_order (id INTEGER PRIMARY KEY, name TEXT)",
		"CREATE TABLE audit (id INTEGER PRIMARY KEY, note TEXT)",
	} {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}

	conf := Configuration{
		Name:             "orders",
		DataSource:       src,
		Tables:           []string{"t_order"},
		InstallChangeLog: true,
		Target:           source.StreamConfiguration{Type: source.StreamNats, NatsURL: "nats://localhost:4222", Stream: "CDC", Subject: "cdc.orders"},
		PollIntervalMS:   5,
	}
	sink := &mockSink{}
	cursors := newMemoryCursors()

	w, err := Open(context.Background(), conf, dsm, cursors, sink)
	require.NoError(t, err)
	w.Start()

	for _, stmt := range []string{
		"INSERT INTO t_order VALUES (1, 'a')",
		"UPDATE t_order SET name = 'b' WHERE id = 1",
		"INSERT INTO audit VALUES (1, 'x')",
		"DELETE FROM t_order WHERE id = 1",
	} {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}

	assert.Eventually(t, func() bool { return sink.eventCount() == 3 }, 5*time.Second, 10*time.Millisecond)
	w.Stop()

	events := sink.getEvents()
	assert.Equal(t, []string{"INSERT", "UPDATE", "DELETE"},
		[]string{events[0].event.Op, events[1].event.Op, events[2].event.Op})
	for _, e := range events {
		assert.Equal(t, "cdc.orders", e.topic)
		assert.Equal(t, "t_order", e.event.Table)
	}
	assert.Equal(t, "b", events[1].event.After["name"])
	assert.Equal(t, int64(1), events[2].event.Before["id"])

	assert.Equal(t, position.IncrementalPosition{Log: source.ChangeLogTable, Offset: 3}, cursors.cursor(t, "orders"))
}

func TestConfigurationValidate(t *testing.T) {
	base := Configuration{
		Name:       "orders",
		DataSource: datasource.Configuration{Type: datasource.TypeSQLite, URL: "a.db"},
		Target:     source.StreamConfiguration{Type: source.StreamKafka, Brokers: []string{"localhost:9092"}, Topic: "cdc"},
	}
	require.NoError(t, base.Validate())
	assert.Equal(t, "cdc", base.Topic())

	missingName := base
	missingName.Name = ""
	assert.Error(t, missingName.Validate())

	changelogTarget := base
	changelogTarget.Target = source.StreamConfiguration{Type: source.StreamChangeLog}
	assert.ErrorContains(t, changelogTarget.Validate(), "kafka or nats")

	natsNoSubject := base
	natsNoSubject.Target = source.StreamConfiguration{Type: source.StreamNats, NatsURL: "nats://localhost:4222", Stream: "CDC"}
	assert.ErrorContains(t, natsNoSubject.Validate(), "subject")

	natsNoSubject.Target.Subject = "cdc.orders"
	require.NoError(t, natsNoSubject.Validate())
	assert.Equal(t, "cdc.orders", natsNoSubject.Topic())

	mysqlTriggers := base
	mysqlTriggers.DataSource = datasource.Configuration{Type: datasource.TypeMySQL, URL: "tcp(localhost:3306)/shop"}
	mysqlTriggers.InstallChangeLog = true
	assert.ErrorContains(t, mysqlTriggers.Validate(), "only generated for sqlite")
}
