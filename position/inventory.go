package position

import "fmt"

// InventoryPosition tracks progress through an integer primary-key range
// [LowerBound, UpperBound]. Cursor is the last key delivered; it sits at
// LowerBound-1 before the first row is read.
type InventoryPosition struct {
	LowerBound int64 `json:"lower"`
	UpperBound int64 `json:"upper"`
	Cursor     int64 `json:"cursor"`
}

// NewInventoryPosition returns a fresh position over [lower, upper].
func NewInventoryPosition(lower, upper int64) InventoryPosition {
	return InventoryPosition{LowerBound: lower, UpperBound: upper, Cursor: lower - 1}
}

// FinishedInventoryPosition marks a split that has nothing left to copy.
func FinishedInventoryPosition(lower, upper int64) InventoryPosition {
	return InventoryPosition{LowerBound: lower, UpperBound: upper, Cursor: upper}
}

func (p InventoryPosition) Type() Type { return TypeInventory }

func (p InventoryPosition) Compare(other Position) int {
	o, ok := other.(InventoryPosition)
	if !ok {
		return compareTypes(p.Type(), other.Type())
	}
	return compareInts(p.Cursor, o.Cursor)
}

// Finished reports whether the whole range has been delivered.
func (p InventoryPosition) Finished() bool {
	return p.Cursor >= p.UpperBound
}

// Advance returns a copy with the cursor moved to key.
func (p InventoryPosition) Advance(key int64) InventoryPosition {
	p.Cursor = key
	return p
}

// Finish returns a copy with the cursor moved to the upper bound.
func (p InventoryPosition) Finish() InventoryPosition {
	p.Cursor = p.UpperBound
	return p
}

// Progress reports the delivered fraction of the range in [0, 1].
func (p InventoryPosition) Progress() float64 {
	span := p.UpperBound - (p.LowerBound - 1)
	if span <= 0 {
		return 1
	}
	done := p.Cursor - (p.LowerBound - 1)
	switch {
	case done <= 0:
		return 0
	case done >= span:
		return 1
	}
	return float64(done) / float64(span)
}

func (p InventoryPosition) String() string {
	return fmt.Sprintf("pk[%d,%d]@%d", p.LowerBound, p.UpperBound, p.Cursor)
}
