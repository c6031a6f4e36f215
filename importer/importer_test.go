package importer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/maxpert/marmot-scaling/channel"
	"github.com/maxpert/marmot-scaling/position"
	"github.com/maxpert/marmot-scaling/record"
	"github.com/maxpert/marmot-scaling/sink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func insert(id int64, cursor int64) record.Record {
	return record.Record{
		Kind:     record.Insert,
		Table:    "t_order",
		Keys:     []string{"id"},
		Values:   map[string]any{"id": id},
		Position: position.NewInventoryPosition(1, 10).Advance(cursor),
	}
}

type ackLog struct {
	mu   sync.Mutex
	last position.Position
	n    int
}

func (a *ackLog) onAck(recs []record.Record) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.n += len(recs)
	a.last = recs[len(recs)-1].Position
}

func (a *ackLog) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.n
}

func TestImporterAppliesAndAcks(t *testing.T) {
	acks := &ackLog{}
	ch := channel.New(1, 10, acks.onAck)
	writer := sink.NewMemoryWriter()

	im, err := New(Config{TaskID: "t0", BatchSize: 2, FetchTimeout: 10 * time.Millisecond}, ch, writer)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, ch.PushRecord(ctx, insert(1, 1)))
	require.NoError(t, ch.PushRecord(ctx, insert(2, 2)))
	require.NoError(t, ch.PushRecord(ctx, record.Record{Kind: record.Delete, Table: "t_order", Keys: []string{"id"}, Values: map[string]any{"id": int64(1)}, Position: position.NewInventoryPosition(1, 10).Advance(3)}))
	require.NoError(t, ch.PushRecord(ctx, record.NewPlaceholder(position.FinishedInventoryPosition(1, 10), 0)))
	ch.Close()

	require.NoError(t, im.Start(ctx))

	assert.Equal(t, int64(3), im.Applied())
	assert.Equal(t, 4, acks.count())
	assert.True(t, acks.last.(position.InventoryPosition).Finished())
	assert.Equal(t, 0, ch.Outstanding())

	rows := writer.Rows("t_order")
	assert.Len(t, rows, 1)
	assert.Contains(t, rows, "2")
}

func TestImporterWriteFailureIsReturnedUnacked(t *testing.T) {
	acks := &ackLog{}
	ch := channel.New(1, 10, acks.onAck)
	boom := errors.New("disk full")
	writer := sink.NewMemoryWriter()
	writer.Err = boom
	writer.FailAfter = 1

	im, err := New(Config{BatchSize: 10, FetchTimeout: 10 * time.Millisecond}, ch, writer)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, ch.PushRecord(ctx, insert(1, 1)))
	require.NoError(t, ch.PushRecord(ctx, insert(2, 2)))
	ch.Close()

	err = im.Start(ctx)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, acks.count(), "a failed batch is never acknowledged")
	assert.Equal(t, 2, ch.Outstanding())
}

func TestImporterStopWhileIdle(t *testing.T) {
	ch := channel.New(1, 10, nil)
	im, err := New(Config{FetchTimeout: 5 * time.Millisecond}, ch, sink.NewMemoryWriter())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- im.Start(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	im.Stop()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("importer did not stop")
	}
}

func TestImporterStopBeforeStart(t *testing.T) {
	im, err := New(Config{}, channel.New(1, 1, nil), sink.NewMemoryWriter())
	require.NoError(t, err)
	im.Stop()
	assert.NoError(t, im.Start(context.Background()))
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{}, nil, sink.NewMemoryWriter())
	assert.Error(t, err)
	_, err = New(Config{}, channel.New(1, 1, nil), nil)
	assert.Error(t, err)

	im, err := New(Config{}, channel.New(1, 1, nil), sink.NewMemoryWriter())
	require.NoError(t, err)
	assert.Equal(t, DefaultBatchSize, im.config.BatchSize)
	assert.Equal(t, DefaultFetchTimeout, im.config.FetchTimeout)
}
