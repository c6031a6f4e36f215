package position

import (
	"encoding/json"
	"errors"
	"sync"
)

// ErrRegression is returned when a caller tries to move a Manager backwards.
var ErrRegression = errors.New("position regression")

// Manager holds the current checkpoint of one task. Readers and the single
// writer may run on different goroutines.
type Manager struct {
	mu      sync.RWMutex
	current Position
}

// NewManager creates a manager starting at initial.
func NewManager(initial Position) *Manager {
	return &Manager{current: initial}
}

// Position returns the current checkpoint.
func (m *Manager) Position() Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Advance moves the checkpoint forward. Equal positions are accepted;
// earlier ones are rejected with ErrRegression.
func (m *Manager) Advance(p Position) error {
	if p == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil && p.Compare(m.current) < 0 {
		return ErrRegression
	}
	m.current = p
	return nil
}

// Reset replaces the checkpoint unconditionally, used when restoring from
// persisted state.
func (m *Manager) Reset(p Position) {
	m.mu.Lock()
	m.current = p
	m.mu.Unlock()
}

func (m *Manager) MarshalJSON() ([]byte, error) {
	s, err := Marshal(m.Position())
	if err != nil {
		return nil, err
	}
	return json.Marshal(s)
}

func (m *Manager) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	p, err := Unmarshal(s)
	if err != nil {
		return err
	}
	m.Reset(p)
	return nil
}
