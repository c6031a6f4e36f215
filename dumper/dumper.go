// Package dumper reads the source database and pushes ordered records into
// a distribution channel.
package dumper

import (
	"context"
	"errors"

	"github.com/maxpert/marmot-scaling/position"
	"github.com/maxpert/marmot-scaling/record"
)

var (
	// ErrDumpFailed wraps every fatal source read error.
	ErrDumpFailed = errors.New("dump failed")
	// ErrPositionRegression is returned when a reader hands back a record
	// positioned before one already pushed.
	ErrPositionRegression = errors.New("source position moved backwards")
)

// Dumper produces records until its source is exhausted or it is stopped.
type Dumper interface {
	// Start blocks until the dump ends. The channel is closed on return.
	Start(ctx context.Context) error
	// Stop requests termination. It is checked between batches and also
	// unblocks a pending push.
	Stop()
}

// Channel is the part of the distribution channel a dumper uses.
type Channel interface {
	PushRecord(ctx context.Context, rec record.Record) error
	Close()
}

// Row is one source row of an inventory read.
type Row struct {
	Key    int64
	Values map[string]any
}

// RangeQuery selects rows with After < key <= Upper ordered by key.
type RangeQuery struct {
	Table     string
	KeyColumn string
	After     int64
	Upper     int64
	Limit     int
}

// RowReader reads existing rows from the source. Implementations must
// return an error (not an empty result) for a table that does not exist.
type RowReader interface {
	ReadRows(ctx context.Context, q RangeQuery) ([]Row, error)
	EstimateRows(ctx context.Context, table, keyColumn string, pos position.InventoryPosition) (int64, error)
}

// ChangeReader tails the source change stream.
type ChangeReader interface {
	// ReadChanges returns up to limit changes after from. An empty result
	// is not an error; the dumper waits its poll interval and asks again.
	ReadChanges(ctx context.Context, from position.IncrementalPosition, limit int) ([]record.Record, error)
	// CurrentPosition returns the newest position of the stream.
	CurrentPosition(ctx context.Context) (position.IncrementalPosition, error)
	Close() error
}
