package source

import (
	"fmt"

	"github.com/maxpert/marmot-scaling/encoding"
	"github.com/maxpert/marmot-scaling/position"
	"github.com/maxpert/marmot-scaling/record"
)

// ChangeEvent is the msgpack payload of one row change on a message broker.
type ChangeEvent struct {
	Table      string         `msgpack:"table"`
	Op         string         `msgpack:"op"`
	Keys       []string       `msgpack:"keys"`
	Before     map[string]any `msgpack:"before,omitempty"`
	After      map[string]any `msgpack:"after,omitempty"`
	CommitTime int64          `msgpack:"commit_time"`
}

// EncodeChangeEvent serializes ev for publishing.
func EncodeChangeEvent(ev ChangeEvent) ([]byte, error) {
	return encoding.Marshal(ev)
}

// DecodeChangeEvent parses a broker payload, plain or zstd compressed.
func DecodeChangeEvent(data []byte) (ChangeEvent, error) {
	data, err := encoding.Decompress(data)
	if err != nil {
		return ChangeEvent{}, err
	}

	var ev ChangeEvent
	if err := encoding.Unmarshal(data, &ev); err != nil {
		return ChangeEvent{}, fmt.Errorf("failed to decode change event: %w", err)
	}
	if ev.Before != nil {
		encoding.NormalizeRow(ev.Before)
	}
	if ev.After != nil {
		encoding.NormalizeRow(ev.After)
	}
	return ev, nil
}

// Record converts the event into a record positioned at pos.
func (ev ChangeEvent) Record(pos position.IncrementalPosition) (record.Record, error) {
	kind, err := record.ParseKind(ev.Op)
	if err != nil {
		return record.Record{}, err
	}

	rec := record.Record{
		Kind:       kind,
		Table:      ev.Table,
		Keys:       ev.Keys,
		Position:   pos,
		CommitTime: ev.CommitTime,
	}
	switch kind {
	case record.Delete:
		rec.Values = ev.Before
	case record.Update:
		rec.Values = ev.After
		rec.Before = ev.Before
	default:
		rec.Values = ev.After
	}
	if rec.Values == nil {
		return record.Record{}, fmt.Errorf("%s on %s without row image", kind, ev.Table)
	}
	return rec, nil
}

// NewChangeEvent builds the broker payload of rec, the inverse of Record.
func NewChangeEvent(rec record.Record) (ChangeEvent, error) {
	ev := ChangeEvent{
		Table:      rec.Table,
		Op:         rec.Kind.String(),
		Keys:       rec.Keys,
		CommitTime: rec.CommitTime,
	}
	switch rec.Kind {
	case record.Insert:
		ev.After = rec.Values
	case record.Update:
		ev.After = rec.Values
		ev.Before = rec.Before
	case record.Delete:
		ev.Before = rec.Values
	default:
		return ChangeEvent{}, fmt.Errorf("%s record has no change event", rec.Kind)
	}
	return ev, nil
}
