package lock

import (
	"context"
	"sync"
	"time"
)

type memoryRecord struct {
	holder    string
	token     int64
	expiresAt time.Time
}

// MemoryManager serializes sessions within one process.
type MemoryManager struct {
	mu      sync.Mutex
	clock   Clock
	records map[string]*memoryRecord
}

func NewMemoryManager(opts ...Option) *MemoryManager {
	o := buildOptions(opts)
	return &MemoryManager{clock: o.clock, records: make(map[string]*memoryRecord)}
}

func (m *MemoryManager) Acquire(ctx context.Context, scope, holder string, lease time.Duration) (*Lock, error) {
	if err := validate(scope, holder, lease); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	rec, ok := m.records[scope]
	if !ok {
		rec = &memoryRecord{}
		m.records[scope] = rec
	}
	live := rec.holder != "" && now.Before(rec.expiresAt)
	if live && rec.holder != holder {
		return nil, &HeldError{Scope: scope, Holder: rec.holder, ExpiresAt: rec.expiresAt}
	}
	if !live {
		rec.token++
	}
	rec.holder = holder
	rec.expiresAt = now.Add(lease)

	return &Lock{Scope: scope, Holder: holder, Token: rec.token, Lease: lease, ExpiresAt: rec.expiresAt}, nil
}

func (m *MemoryManager) Renew(ctx context.Context, l *Lock) (*Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	rec, ok := m.records[l.Scope]
	if !ok || rec.holder != l.Holder || rec.token != l.Token || !now.Before(rec.expiresAt) {
		return nil, &ExpiredError{Scope: l.Scope, Holder: l.Holder, Token: l.Token}
	}
	rec.expiresAt = now.Add(l.Lease)

	renewed := *l
	renewed.ExpiresAt = rec.expiresAt
	return &renewed, nil
}

func (m *MemoryManager) Release(ctx context.Context, l *Lock) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[l.Scope]
	if !ok || rec.token != l.Token {
		return &ExpiredError{Scope: l.Scope, Holder: l.Holder, Token: l.Token}
	}
	switch rec.holder {
	case l.Holder:
		rec.holder = ""
		rec.expiresAt = time.Time{}
		return nil
	case "":
		return nil
	default:
		return &ExpiredError{Scope: l.Scope, Holder: l.Holder, Token: l.Token}
	}
}

func (m *MemoryManager) Close() error { return nil }
