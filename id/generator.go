// Package id generates scaling job identifiers.
package id

import (
	"sync"
	"sync/atomic"
	"time"
)

// Generator provides unique, roughly time-ordered job IDs.
type Generator interface {
	NextID() uint64
}

const (
	// SequenceBits is the number of bits reserved for the per-millisecond counter.
	SequenceBits = 16
	// SequenceMask masks the counter to SequenceBits.
	SequenceMask = (1 << SequenceBits) - 1
	// NodeIDBits is the number of bits reserved for the node ID.
	NodeIDBits = 6
	// NodeIDMask masks the node ID to NodeIDBits.
	NodeIDMask = (1 << NodeIDBits) - 1
	// TimestampShift is how far the millisecond timestamp is shifted.
	TimestampShift = NodeIDBits + SequenceBits
)

// ClockGenerator lays IDs out as (unix_ms << 22) | (node_id << 16) | sequence.
// The sequence resets every millisecond; when it is exhausted the generator
// waits for the next millisecond. The clock never moves backwards.
type ClockGenerator struct {
	nodeID uint64
	now    func() time.Time

	mu       sync.Mutex
	lastMS   int64
	sequence uint64
}

// NewClockGenerator creates a generator for the given node.
func NewClockGenerator(nodeID uint64) *ClockGenerator {
	return &ClockGenerator{nodeID: nodeID & NodeIDMask, now: time.Now}
}

// NextID generates a unique 64-bit ID.
func (g *ClockGenerator) NextID() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.now().UnixMilli()
	if ms < g.lastMS {
		ms = g.lastMS
	}

	if ms == g.lastMS {
		g.sequence++
		for g.sequence > SequenceMask {
			time.Sleep(100 * time.Microsecond)
			if next := g.now().UnixMilli(); next > g.lastMS {
				ms = next
				g.sequence = 0
			}
		}
	} else {
		g.sequence = 0
	}
	g.lastMS = ms

	return uint64(ms)<<TimestampShift | g.nodeID<<SequenceBits | g.sequence
}

// SequenceGenerator hands out consecutive IDs starting after a seed.
type SequenceGenerator struct {
	next atomic.Uint64
}

// NewSequenceGenerator creates a generator whose first ID is seed+1.
func NewSequenceGenerator(seed uint64) *SequenceGenerator {
	g := &SequenceGenerator{}
	g.next.Store(seed)
	return g
}

func (g *SequenceGenerator) NextID() uint64 {
	return g.next.Add(1)
}
