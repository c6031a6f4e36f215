package sink

import (
	"context"
	"fmt"
	"sync"

	"github.com/maxpert/marmot-scaling/record"
)

// MemoryWriter keeps rows in maps. Used for dry runs and tests.
type MemoryWriter struct {
	// Err, when set, is returned by every write.
	Err error
	// FailAfter makes writes fail with Err once that many writes succeeded.
	// Zero fails immediately.
	FailAfter int

	mu     sync.Mutex
	tables map[string]map[string]map[string]any
	writes int
}

// NewMemoryWriter returns an empty writer.
func NewMemoryWriter() *MemoryWriter {
	return &MemoryWriter{tables: make(map[string]map[string]map[string]any)}
}

func rowKey(values []any) string {
	return fmt.Sprint(values...)
}

func (m *MemoryWriter) check() error {
	if m.Err != nil && m.writes >= m.FailAfter {
		return m.Err
	}
	m.writes++
	return nil
}

func (m *MemoryWriter) table(name string) map[string]map[string]any {
	t, ok := m.tables[name]
	if !ok {
		t = make(map[string]map[string]any)
		m.tables[name] = t
	}
	return t
}

// Upsert stores a copy of rec's values under its key.
func (m *MemoryWriter) Upsert(_ context.Context, rec record.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}

	t := m.table(rec.Table)
	if old, moved := rec.BeforeKeyValues(); moved {
		delete(t, rowKey(old))
	}

	row := make(map[string]any, len(rec.Values))
	for k, v := range rec.Values {
		row[k] = v
	}
	t[rowKey(rec.KeyValues())] = row
	return nil
}

// Delete removes rec's key.
func (m *MemoryWriter) Delete(_ context.Context, rec record.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}

	delete(m.table(rec.Table), rowKey(rec.KeyValues()))
	return nil
}

// Rows returns a snapshot of table keyed by the printed key values.
func (m *MemoryWriter) Rows(table string) map[string]map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]map[string]any, len(m.tables[table]))
	for k, v := range m.tables[table] {
		out[k] = v
	}
	return out
}

// Writes returns the number of successful writes.
func (m *MemoryWriter) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}
