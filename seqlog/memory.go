package seqlog

import (
	"sync"

	"github.com/outofforest/sequoia/types"
)

type slotState uint8

const (
	slotWritten slotState = iota
	slotHole
	slotFilled
)

type slot struct {
	state slotState
	data  []byte
}

// NewMemory creates a new in-memory log.
func NewMemory() *Memory {
	return &Memory{}
}

// Memory is a process-local log used by tests and single-process embedding.
type Memory struct {
	mu    sync.Mutex
	slots []slot
}

// Append appends a blob and returns its position.
func (m *Memory) Append(data []byte) (types.Position, error) {
	d := make([]byte, len(data))
	copy(d, data)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.slots = append(m.slots, slot{state: slotWritten, data: d})
	return types.Position(len(m.slots) - 1), nil
}

// Read returns the blob stored at the position.
func (m *Memory) Read(pos types.Position) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if pos >= types.Position(len(m.slots)) {
		return nil, ErrNotWritten
	}
	s := m.slots[pos]
	switch s.state {
	case slotHole:
		return nil, ErrNotWritten
	case slotFilled:
		return nil, ErrFilled
	}
	d := make([]byte, len(s.data))
	copy(d, s.data)
	return d, nil
}

// CheckTail returns the next unwritten position.
func (m *Memory) CheckTail() (types.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return types.Position(len(m.slots)), nil
}

// Fill junks a hole so readers can move past it.
func (m *Memory) Fill(pos types.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for pos >= types.Position(len(m.slots)) {
		m.slots = append(m.slots, slot{state: slotHole})
	}
	if m.slots[pos].state == slotHole {
		m.slots[pos] = slot{state: slotFilled}
	}
	return nil
}

// Skip reserves the next position as a hole and returns it. Tests use it to
// exercise the reader's hole handling.
func (m *Memory) Skip() types.Position {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.slots = append(m.slots, slot{state: slotHole})
	return types.Position(len(m.slots) - 1)
}
