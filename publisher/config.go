package publisher

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/maxpert/marmot-scaling/datasource"
	"github.com/maxpert/marmot-scaling/source"
)

// Configuration defines one relay from a source changelog to a broker.
type Configuration struct {
	Name             string                   `toml:"name"`
	DataSource       datasource.Configuration `toml:"datasource"`
	Tables           []string                 `toml:"tables"`            // Glob patterns, empty relays every table
	InstallChangeLog bool                     `toml:"install_changelog"` // Create sqlite triggers for the selected tables
	FromCurrent      bool                     `toml:"from_current"`      // Without a stored cursor, skip existing history

	Target source.StreamConfiguration `toml:"target"`

	BatchSize      int  `toml:"batch_size"`
	PollIntervalMS int  `toml:"poll_interval_ms"`
	MaxRetries     int  `toml:"max_retries"` // 0 uses DefaultMaxRetries
	Compress       bool `toml:"compress"`    // zstd compress payloads
}

// LoadConfiguration reads a relay definition from a TOML file.
func LoadConfiguration(path string) (Configuration, error) {
	var conf Configuration
	if _, err := toml.DecodeFile(path, &conf); err != nil {
		return Configuration{}, fmt.Errorf("failed to load relay %s: %w", path, err)
	}
	if err := conf.Validate(); err != nil {
		return Configuration{}, fmt.Errorf("invalid relay %s: %w", path, err)
	}
	return conf, nil
}

// Validate checks the definition without connecting anywhere.
func (c Configuration) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("relay name is required")
	}
	if err := c.DataSource.Validate(); err != nil {
		return err
	}
	if c.InstallChangeLog && c.DataSource.Type != datasource.TypeSQLite {
		return fmt.Errorf("changelog triggers are only generated for sqlite")
	}

	switch c.Target.Type {
	case source.StreamKafka:
	case source.StreamNats:
		if c.Target.Subject == "" {
			return fmt.Errorf("nats target requires a subject")
		}
	default:
		return fmt.Errorf("relay target must be kafka or nats, got %q", c.Target.Type)
	}
	return c.Target.Validate()
}

// Topic is the kafka topic or nats subject events are published to.
func (c Configuration) Topic() string {
	if c.Target.Type == source.StreamNats {
		return c.Target.Subject
	}
	return c.Target.Topic
}

func (c Configuration) pollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}
