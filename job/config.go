package job

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/maxpert/marmot-scaling/cfg"
	"github.com/maxpert/marmot-scaling/datasource"
	"github.com/maxpert/marmot-scaling/source"
	"github.com/maxpert/marmot-scaling/task"
)

// SourceConfiguration is one source database of a job.
type SourceConfiguration struct {
	Name       string                     `json:"name" toml:"name"`
	DataSource datasource.Configuration   `json:"dataSource" toml:"datasource"`
	Tables     []string                   `json:"tables,omitempty" toml:"tables"` // glob patterns, empty selects every table
	Stream     source.StreamConfiguration `json:"stream,omitempty" toml:"stream"`
	// InstallChangeLog creates the changelog table and triggers during
	// preparation. Only meaningful for sqlite sources on a changelog stream.
	InstallChangeLog bool `json:"installChangeLog,omitempty" toml:"install_changelog"`
}

// Configuration describes a scaling job. Unset sizing falls back to the
// [scaling] section of the node configuration.
type Configuration struct {
	JobID        uint64                   `json:"jobId,omitempty" toml:"job_id"`
	JobName      string                   `json:"jobName" toml:"job_name"`
	ShardingItem int                      `json:"shardingItem" toml:"sharding_item"`
	Concurrency  int                      `json:"concurrency,omitempty" toml:"concurrency"`
	BatchSize    int                      `json:"batchSize,omitempty" toml:"batch_size"`
	Sources      []SourceConfiguration    `json:"sources" toml:"sources"`
	Target       datasource.Configuration `json:"target" toml:"target"`
}

// LoadConfiguration decodes a TOML job definition.
func LoadConfiguration(path string) (Configuration, error) {
	var c Configuration
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return c, fmt.Errorf("failed to decode job %s: %w", path, err)
	}
	return c, nil
}

// Validate checks the job without touching any database.
func (c Configuration) Validate() error {
	if len(c.Sources) == 0 {
		return fmt.Errorf("job has no sources")
	}
	if c.ShardingItem < 0 {
		return fmt.Errorf("sharding item must be >= 0")
	}
	if err := c.Target.Validate(); err != nil {
		return fmt.Errorf("target: %w", err)
	}

	seen := make(map[string]struct{}, len(c.Sources))
	for i, s := range c.Sources {
		if s.Name == "" {
			return fmt.Errorf("source %d has no name", i)
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("duplicate source name %q", s.Name)
		}
		seen[s.Name] = struct{}{}

		if err := s.DataSource.Validate(); err != nil {
			return fmt.Errorf("source %s: %w", s.Name, err)
		}
		if s.DataSource == c.Target {
			return fmt.Errorf("source %s is the target", s.Name)
		}
		if err := s.Stream.Validate(); err != nil {
			return fmt.Errorf("source %s: %w", s.Name, err)
		}
		if s.InstallChangeLog && s.DataSource.Type != datasource.TypeSQLite {
			return fmt.Errorf("source %s: changelog triggers are only generated for sqlite", s.Name)
		}
	}
	return nil
}

// concurrency returns the importer count per task.
func (c Configuration) concurrency(defaults cfg.ScalingConfiguration) int {
	switch {
	case c.Concurrency > 0:
		return c.Concurrency
	case defaults.Concurrency > 0:
		return defaults.Concurrency
	}
	return 1
}

// syncConfiguration returns the task template of one source. Table, key
// column and positions are filled in per task by the preparer.
func (c Configuration) syncConfiguration(s SourceConfiguration, defaults cfg.ScalingConfiguration) task.SyncConfiguration {
	batch := c.BatchSize
	if batch <= 0 {
		batch = defaults.BatchSize
	}

	return task.SyncConfiguration{
		Concurrency:    c.concurrency(defaults),
		BlockQueueSize: defaults.BlockQueueSize,
		Dumper: task.DumperConfiguration{
			DataSourceName: s.Name,
			DataSource:     s.DataSource,
			TableFilter:    s.Tables,
			Stream:         s.Stream,
			BatchSize:      batch,
			PollInterval:   time.Duration(defaults.PollIntervalMS) * time.Millisecond,
		},
		Importer: task.ImporterConfiguration{
			DataSource:   c.Target,
			BatchSize:    batch,
			FetchTimeout: time.Duration(defaults.FetchTimeoutMS) * time.Millisecond,
		},
	}
}
