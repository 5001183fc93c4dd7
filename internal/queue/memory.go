package queue

import (
	"context"
	"sync"
)

// Memory is an in-process Queue. Rows live only as long as the process,
// so replay works across Server instances that share one Memory within
// a process; a new process starts empty. It backs the test suite.
type Memory struct {
	mu   sync.Mutex
	rows map[memKey]Row
}

type memKey struct {
	function string
	unique   string
}

// NewMemory creates an empty in-memory queue.
func NewMemory() *Memory {
	return &Memory{rows: make(map[memKey]Row)}
}

// Add stores a row, rejecting duplicates the way a storage schema
// with a (function, unique) primary key would.
func (m *Memory) Add(ctx context.Context, row Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := memKey{row.Function, row.Unique}
	if _, exists := m.rows[key]; exists {
		return ErrDuplicate
	}
	m.rows[key] = row
	return nil
}

// Done removes a row. Removing an absent row is a no-op.
func (m *Memory) Done(ctx context.Context, unique, function string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.rows, memKey{function, unique})
	return nil
}

// Flush is a no-op; rows are immediately resident.
func (m *Memory) Flush(ctx context.Context) error {
	return nil
}

// Replay invokes fn once per stored row.
func (m *Memory) Replay(ctx context.Context, fn ReplayFunc) error {
	m.mu.Lock()
	rows := make([]Row, 0, len(m.rows))
	for _, row := range m.rows {
		rows = append(rows, row)
	}
	m.mu.Unlock()

	for _, row := range rows {
		if err := fn(row); err != nil {
			return err
		}
	}
	return nil
}

// Close is a no-op.
func (m *Memory) Close() error {
	return nil
}

// Len reports the number of resident rows.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}
