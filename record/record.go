// Package record defines the unit of work passed from dumpers to importers.
package record

import (
	"fmt"
	"sort"

	"github.com/maxpert/marmot-scaling/position"
)

// Kind tags what a record asks the importer to do.
type Kind uint8

const (
	// Placeholder carries only a position. Importers skip it but it still
	// has to be acknowledged so the checkpoint can advance.
	Placeholder Kind = iota
	Insert
	Update
	Delete
)

func (k Kind) String() string {
	switch k {
	case Placeholder:
		return "PLACEHOLDER"
	case Insert:
		return "INSERT"
	case Update:
		return "UPDATE"
	case Delete:
		return "DELETE"
	}
	return fmt.Sprintf("KIND(%d)", uint8(k))
}

// ParseKind maps an operation name (INSERT, UPDATE, DELETE) to a Kind.
func ParseKind(op string) (Kind, error) {
	switch op {
	case "INSERT", "insert", "I", "c":
		return Insert, nil
	case "UPDATE", "update", "U", "u":
		return Update, nil
	case "DELETE", "delete", "D", "d":
		return Delete, nil
	}
	return Placeholder, fmt.Errorf("unknown operation %q", op)
}

// Record is one row change. Records are immutable once pushed into a
// channel; importers must not modify Values or Before.
type Record struct {
	Kind  Kind
	Table string
	// Keys lists the primary key column names.
	Keys []string
	// Values is the after image for INSERT and UPDATE, and at least the key
	// image for DELETE.
	Values map[string]any
	// Before holds the previous key image when an UPDATE moves a row to a new
	// primary key. Nil otherwise.
	Before map[string]any
	// Position is the checkpoint reached once this record is applied.
	Position position.Position
	// CommitTime is the source commit time in unix milliseconds.
	CommitTime int64
}

// NewPlaceholder returns a record that only moves the checkpoint.
func NewPlaceholder(pos position.Position, commitTime int64) Record {
	return Record{Kind: Placeholder, Position: pos, CommitTime: commitTime}
}

// IsPlaceholder reports whether the record carries no row data.
func (r Record) IsPlaceholder() bool {
	return r.Kind == Placeholder
}

// KeyValues returns the primary key values in Keys order.
func (r Record) KeyValues() []any {
	values := make([]any, len(r.Keys))
	for i, k := range r.Keys {
		values[i] = r.Values[k]
	}
	return values
}

// BeforeKeyValues returns the old primary key values when the record moved a
// row, and false otherwise.
func (r Record) BeforeKeyValues() ([]any, bool) {
	if r.Kind != Update || len(r.Before) == 0 {
		return nil, false
	}

	moved := false
	values := make([]any, len(r.Keys))
	for i, k := range r.Keys {
		old, ok := r.Before[k]
		if !ok {
			return nil, false
		}
		values[i] = old
		if fmt.Sprint(old) != fmt.Sprint(r.Values[k]) {
			moved = true
		}
	}
	return values, moved
}

// Columns returns column names of Values in sorted order.
func (r Record) Columns() []string {
	cols := make([]string, 0, len(r.Values))
	for c := range r.Values {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

func (r Record) String() string {
	if r.IsPlaceholder() {
		return fmt.Sprintf("%s@%v", r.Kind, r.Position)
	}
	return fmt.Sprintf("%s %s%v@%v", r.Kind, r.Table, r.KeyValues(), r.Position)
}
