// Package channel fans records from one dumper out to N importers with
// bounded buffering and a global acknowledgement barrier.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/maxpert/marmot-scaling/record"
	"github.com/maxpert/marmot-scaling/telemetry"
)

var (
	// ErrEndOfStream is returned by FetchRecords once the producer closed the
	// channel and the importer's slot is drained.
	ErrEndOfStream = errors.New("end of stream")
	// ErrClosed is returned by PushRecord after Close.
	ErrClosed = errors.New("channel is closed")
)

// AckCallback receives every record released by the acknowledgement
// barrier, in push order. The last element carries the new checkpoint.
// Calls are serialized.
type AckCallback func(acked []record.Record)

type entry struct {
	seq uint64
	rec record.Record
}

type delivery struct {
	idx int
	rec record.Record
}

type pending struct {
	rec       record.Record
	remaining int
}

type slot struct {
	ch chan entry

	// fetched holds sequences handed to the importer but not yet acked.
	// Only the owning importer touches it.
	fetched []uint64
}

// DistributionChannel routes records to per-importer FIFO slots.
//
// Rows are partitioned by table and primary key so every change of one row
// reaches the same importer in order. An UPDATE that moves a row to a key
// owned by another importer is split into a DELETE of the old key, routed by
// the old key, and an upsert routed by the new key. Placeholders are
// broadcast. A pushed
// record is acknowledged once every importer it was routed to has applied
// it; the ack callback fires for the longest fully acknowledged prefix of
// the push sequence, so checkpoints never skip unapplied records.
type DistributionChannel struct {
	slots   []*slot
	onAck   AckCallback
	permits chan struct{}

	pushMu  sync.Mutex
	nextSeq uint64
	rr      uint64
	closed  atomic.Bool

	ackMu    sync.Mutex
	inflight map[uint64]*pending
	released uint64 // every seq below this has been acknowledged

	outstanding atomic.Int64
}

// New creates a channel for concurrency importers, each buffering up to
// capacity records. At most capacity*concurrency records are outstanding
// (pushed but not acknowledged) at any time.
func New(concurrency, capacity int, onAck AckCallback) *DistributionChannel {
	if concurrency < 1 {
		concurrency = 1
	}
	if capacity < 1 {
		capacity = 1
	}
	if onAck == nil {
		onAck = func([]record.Record) {}
	}

	c := &DistributionChannel{
		slots:    make([]*slot, concurrency),
		onAck:    onAck,
		permits:  make(chan struct{}, concurrency*capacity),
		inflight: make(map[uint64]*pending),
	}
	for i := range c.slots {
		c.slots[i] = &slot{ch: make(chan entry, capacity)}
	}
	return c
}

// Concurrency returns the number of importer slots.
func (c *DistributionChannel) Concurrency() int {
	return len(c.slots)
}

// Outstanding returns the number of pushed but unacknowledged records.
func (c *DistributionChannel) Outstanding() int {
	return int(c.outstanding.Load())
}

// PushRecord routes rec to its importer slot, blocking while the channel is
// full. It returns ctx.Err() if ctx ends first. Only one goroutine may push.
func (c *DistributionChannel) PushRecord(ctx context.Context, rec record.Record) error {
	if c.closed.Load() {
		return ErrClosed
	}

	select {
	case c.permits <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	c.pushMu.Lock()
	defer c.pushMu.Unlock()

	deliveries := c.route(rec)
	seq := c.nextSeq
	c.nextSeq++

	c.ackMu.Lock()
	c.inflight[seq] = &pending{rec: rec, remaining: len(deliveries)}
	c.ackMu.Unlock()

	c.outstanding.Add(1)
	telemetry.ChannelOutstanding.Inc()

	for i, d := range deliveries {
		select {
		case c.slots[d.idx].ch <- entry{seq: seq, rec: d.rec}:
		case <-ctx.Done():
			// Slots already holding the entry keep it; the rest never will,
			// so the barrier stops at this sequence until the task restarts.
			c.abandon(seq, len(deliveries)-i)
			return ctx.Err()
		}
	}
	return nil
}

// abandon records that missing deliveries of seq will never be acknowledged.
func (c *DistributionChannel) abandon(seq uint64, missing int) {
	c.ackMu.Lock()
	defer c.ackMu.Unlock()
	if p, ok := c.inflight[seq]; ok {
		p.remaining = -missing
	}
}

func (c *DistributionChannel) route(rec record.Record) []delivery {
	n := len(c.slots)
	if rec.IsPlaceholder() {
		out := make([]delivery, n)
		for i := range out {
			out[i] = delivery{idx: i, rec: rec}
		}
		return out
	}
	if n == 1 {
		return []delivery{{idx: 0, rec: rec}}
	}
	if len(rec.Keys) == 0 {
		c.rr++
		return []delivery{{idx: int(c.rr % uint64(n)), rec: rec}}
	}

	idx := int(PartitionKey(rec) % uint64(n))
	if del, upsert, ok := SplitMovedKey(rec); ok {
		if oldIdx := int(PartitionKey(del) % uint64(n)); oldIdx != idx {
			return []delivery{{idx: oldIdx, rec: del}, {idx: idx, rec: upsert}}
		}
	}
	return []delivery{{idx: idx, rec: rec}}
}

// SplitMovedKey breaks an UPDATE that changed the primary key into a DELETE
// of the old key and an UPDATE of the new image without a key move. Both
// keep rec's position and commit time. ok is false for any other record.
func SplitMovedKey(rec record.Record) (del, upsert record.Record, ok bool) {
	if _, moved := rec.BeforeKeyValues(); !moved {
		return record.Record{}, record.Record{}, false
	}

	oldKey := make(map[string]any, len(rec.Keys))
	for _, k := range rec.Keys {
		oldKey[k] = rec.Before[k]
	}
	del = record.Record{
		Kind:       record.Delete,
		Table:      rec.Table,
		Keys:       rec.Keys,
		Values:     oldKey,
		Position:   rec.Position,
		CommitTime: rec.CommitTime,
	}

	upsert = rec
	upsert.Before = nil
	return del, upsert, true
}

// PartitionKey hashes the table name and primary key values of rec.
func PartitionKey(rec record.Record) uint64 {
	keys := append([]string(nil), rec.Keys...)
	sort.Strings(keys)

	h := xxhash.New()
	h.WriteString(rec.Table)
	for _, k := range keys {
		h.WriteString("\x00")
		h.WriteString(k)
		h.WriteString("=")
		h.WriteString(fmt.Sprint(rec.Values[k]))
	}
	return h.Sum64()
}

// FetchRecords returns up to batchSize records for importer idx, waiting at
// most timeout for the batch to fill. A partial (possibly empty) batch is
// returned on timeout. ErrEndOfStream is returned once the channel is closed
// and the slot drained.
func (c *DistributionChannel) FetchRecords(ctx context.Context, idx, batchSize int, timeout time.Duration) ([]record.Record, error) {
	if idx < 0 || idx >= len(c.slots) {
		return nil, fmt.Errorf("importer index %d out of range [0,%d)", idx, len(c.slots))
	}
	if batchSize < 1 {
		batchSize = 1
	}

	s := c.slots[idx]
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	batch := make([]record.Record, 0, batchSize)
	for len(batch) < batchSize {
		select {
		case e, ok := <-s.ch:
			if !ok {
				if len(batch) == 0 {
					return nil, ErrEndOfStream
				}
				return batch, nil
			}
			s.fetched = append(s.fetched, e.seq)
			batch = append(batch, e.rec)
		case <-timer.C:
			return batch, nil
		case <-ctx.Done():
			return batch, ctx.Err()
		}
	}
	return batch, nil
}

// Ack acknowledges the oldest n fetched records of importer idx and fires
// the ack callback if the barrier moved.
func (c *DistributionChannel) Ack(idx, n int) {
	if n <= 0 || idx < 0 || idx >= len(c.slots) {
		return
	}

	s := c.slots[idx]
	if n > len(s.fetched) {
		n = len(s.fetched)
	}
	seqs := s.fetched[:n]
	s.fetched = s.fetched[n:]

	c.ackMu.Lock()
	defer c.ackMu.Unlock()

	for _, seq := range seqs {
		if p, ok := c.inflight[seq]; ok && p.remaining > 0 {
			p.remaining--
		}
	}

	var acked []record.Record
	for {
		p, ok := c.inflight[c.released]
		if !ok || p.remaining != 0 {
			break
		}
		acked = append(acked, p.rec)
		delete(c.inflight, c.released)
		c.released++
	}

	if len(acked) == 0 {
		return
	}

	for range acked {
		<-c.permits
	}
	c.outstanding.Add(-int64(len(acked)))
	telemetry.ChannelOutstanding.Sub(float64(len(acked)))
	telemetry.AckedBatchesTotal.Inc()

	c.onAck(acked)
}

// Close marks the end of the stream. Importers drain what is buffered and
// then receive ErrEndOfStream. Must be called by the producer after its
// last PushRecord; later calls are no-ops.
func (c *DistributionChannel) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}

	c.pushMu.Lock()
	defer c.pushMu.Unlock()
	for _, s := range c.slots {
		close(s.ch)
	}
}
