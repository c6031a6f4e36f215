// Package task wires a dumper, a distribution channel and a set of importers
// into one runnable scaling task.
package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maxpert/marmot-scaling/datasource"
	"github.com/maxpert/marmot-scaling/dumper"
	"github.com/maxpert/marmot-scaling/engine"
	"github.com/maxpert/marmot-scaling/importer"
	"github.com/maxpert/marmot-scaling/position"
	"github.com/maxpert/marmot-scaling/source"
)

// ErrAlreadyStarted is returned by a second Start.
var ErrAlreadyStarted = errors.New("task already started")

// Phase is the lifecycle state of a task.
type Phase string

const (
	PhaseCreated Phase = "CREATED"
	PhaseRunning Phase = "RUNNING"
	PhaseStopped Phase = "STOPPED"
	PhaseFailed  Phase = "FAILED"
)

// Error reports a failed task.
type Error struct {
	TaskID string
	Cause  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("task %s execute failed: %v", e.TaskID, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// DumperConfiguration describes what a task reads.
type DumperConfiguration struct {
	DataSourceName string
	DataSource     datasource.Configuration
	// Table and KeyColumn select the inventory range.
	Table     string
	KeyColumn string
	// TableFilter and Stream configure incremental reads.
	TableFilter  []string
	Stream       source.StreamConfiguration
	BatchSize    int
	PollInterval time.Duration
	Positions    *position.Manager
}

// ImporterConfiguration describes where a task writes.
type ImporterConfiguration struct {
	DataSource   datasource.Configuration
	BatchSize    int
	FetchTimeout time.Duration
}

// SyncConfiguration is the immutable description of one task.
type SyncConfiguration struct {
	Concurrency    int
	BlockQueueSize int
	Dumper         DumperConfiguration
	Importer       ImporterConfiguration
}

func (c SyncConfiguration) withDefaults() SyncConfiguration {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.BlockQueueSize <= 0 {
		c.BlockQueueSize = 10000
	}
	return c
}

// Persister writes the task's checkpoint section.
type Persister func(ctx context.Context) error

// Options carries the collaborators of a task. Readers and the writer are
// built from the datasource manager when left nil.
type Options struct {
	Engine       *engine.Engine
	DataSources  *datasource.Manager
	RowReader    dumper.RowReader
	ChangeReader dumper.ChangeReader
	Writer       importer.Writer
	Persister    Persister
}

// Progress is a point in time view of a task.
type Progress struct {
	TaskID           string `json:"id"`
	Phase            Phase  `json:"phase"`
	EstimatedRows    int64  `json:"estimatedRows"`
	RowsDelivered    int64  `json:"rowsDelivered"`
	DelayMillisecond int64  `json:"delayMillisecond"`
	Position         string `json:"position"`
	Finished         bool   `json:"finished"`
	Error            string `json:"error,omitempty"`
}

// Task is a runnable scaling task.
type Task interface {
	TaskID() string
	Start(ctx context.Context) error
	Stop()
	Phase() Phase
	Progress() Progress
}
