package source

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/maxpert/marmot-scaling/datasource"
	"github.com/maxpert/marmot-scaling/dumper"
)

// StreamType selects where an incremental task reads changes from.
type StreamType string

const (
	StreamChangeLog StreamType = "changelog"
	StreamKafka     StreamType = "kafka"
	StreamNats      StreamType = "nats"
)

// StreamConfiguration describes the change stream of one datasource.
type StreamConfiguration struct {
	Type      StreamType `json:"type,omitempty" toml:"type"`
	Brokers   []string   `json:"brokers,omitempty" toml:"brokers"`
	Topic     string     `json:"topic,omitempty" toml:"topic"`
	Partition int        `json:"partition,omitempty" toml:"partition"`
	NatsURL   string     `json:"natsUrl,omitempty" toml:"nats_url"`
	Stream    string     `json:"stream,omitempty" toml:"stream"`
	Subject   string     `json:"subject,omitempty" toml:"subject"`
}

// Validate checks required fields for the stream type.
func (s StreamConfiguration) Validate() error {
	switch s.Type {
	case "", StreamChangeLog:
		return nil
	case StreamKafka:
		if len(s.Brokers) == 0 || s.Topic == "" {
			return fmt.Errorf("kafka stream requires brokers and topic")
		}
		return nil
	case StreamNats:
		if s.NatsURL == "" || s.Stream == "" {
			return fmt.Errorf("nats stream requires nats_url and stream")
		}
		return nil
	}
	return fmt.Errorf("unsupported stream type %q", s.Type)
}

// OpenChangeReader creates the reader for s. The changelog reader uses db,
// which stays owned by the caller.
func OpenChangeReader(ctx context.Context, s StreamConfiguration, db *sql.DB, c datasource.Configuration) (dumper.ChangeReader, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	switch s.Type {
	case StreamKafka:
		return NewKafkaChangeReader(KafkaConfig{Brokers: s.Brokers, Topic: s.Topic, Partition: s.Partition})
	case StreamNats:
		return NewNatsChangeReader(ctx, NatsConfig{URL: s.NatsURL, Stream: s.Stream, Subject: s.Subject})
	default:
		if db == nil {
			return nil, fmt.Errorf("changelog stream requires a source database")
		}
		return NewChangeLogReader(db, c.Dialect()), nil
	}
}
