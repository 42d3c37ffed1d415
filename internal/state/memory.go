package state

import (
	"context"
	"sort"
	"sync"

	"github.com/picklr-io/fleetform/internal/ir"
)

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*ir.ActualState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*ir.ActualState)}
}

func (m *MemoryStore) Read(ctx context.Context, id string) (*ir.ActualState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.records[id]
	if !ok {
		return nil, nil
	}
	cp := *st
	return &cp, nil
}

func (m *MemoryStore) Write(ctx context.Context, id string, st *ir.ActualState, expectedVersion int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var current int64
	if prev, ok := m.records[id]; ok {
		current = prev.Version
	}
	if current != expectedVersion {
		return 0, conflict(id, expectedVersion, current)
	}
	m.records[id] = stamp(id, st, current+1)
	return current + 1, nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.records[id]
	if !ok {
		if expectedVersion != 0 {
			return conflict(id, expectedVersion, 0)
		}
		return nil
	}
	if prev.Version != expectedVersion {
		return conflict(id, expectedVersion, prev.Version)
	}
	delete(m.records, id)
	return nil
}

func (m *MemoryStore) List(ctx context.Context) ([]*ir.ActualState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*ir.ActualState, 0, len(m.records))
	for _, st := range m.records {
		cp := *st
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
