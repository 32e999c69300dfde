package state

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps state in process. It is the default backend and the one
// tests run against.
type MemoryStore struct {
	opts  Options
	locks *keyLocks

	mu     sync.RWMutex
	states map[string]StudentState
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{
		opts:   opts,
		locks:  newKeyLocks(),
		states: make(map[string]StudentState),
	}
}

// Get implements Store.
func (m *MemoryStore) Get(ctx context.Context, studentID string) (StudentState, error) {
	if err := ctx.Err(); err != nil {
		return StudentState{}, err
	}
	m.mu.RLock()
	s, ok := m.states[studentID]
	m.mu.RUnlock()
	if ok {
		return s.Clone(), nil
	}

	unlock, err := m.locks.lock(ctx, studentID)
	if err != nil {
		return StudentState{}, err
	}
	defer unlock()
	return m.loadOrCreate(studentID).Clone(), nil
}

// loadOrCreate must run under the student's key lock.
func (m *MemoryStore) loadOrCreate(studentID string) StudentState {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[studentID]
	if !ok {
		s = NewDefault(studentID, m.opts.Concepts)
		m.states[studentID] = s
	}
	return s
}

// Update implements Store.
func (m *MemoryStore) Update(ctx context.Context, studentID string, mutator Mutator) (StudentState, error) {
	unlock, err := m.locks.lock(ctx, studentID)
	if err != nil {
		return StudentState{}, err
	}
	defer unlock()

	cur := m.loadOrCreate(studentID)
	next, changed, err := mutate(cur, mutator, m.opts)
	if err != nil {
		return StudentState{}, fmt.Errorf("update %s: %w", studentID, err)
	}
	if !changed {
		return cur.Clone(), nil
	}

	m.mu.Lock()
	m.states[studentID] = next
	m.mu.Unlock()
	return next.Clone(), nil
}

// Len returns the number of known students.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.states)
}

// Close implements Store.
func (m *MemoryStore) Close() error { return nil }
