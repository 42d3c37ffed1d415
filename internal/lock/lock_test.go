package lock

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is advanced by hand.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func managers(t *testing.T, clock *fakeClock) map[string]Manager {
	sqlite, err := OpenSQLiteManager(filepath.Join(t.TempDir(), "locks.db"), WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Manager{
		"memory":   NewMemoryManager(WithClock(clock.Now)),
		"sqlite":   sqlite,
		"dynamodb": NewDynamoManagerWithClient(newFakeDynamo(), "locks", WithClock(clock.Now)),
	}
}

func TestManagerConformance(t *testing.T) {
	ctx := context.Background()
	lease := 30 * time.Second

	for _, name := range []string{"memory", "sqlite", "dynamodb"} {
		t.Run(name, func(t *testing.T) {
			t.Run("HeldByOther", func(t *testing.T) {
				clock := newFakeClock()
				m := managers(t, clock)[name]

				l, err := m.Acquire(ctx, "prod", "alice", lease)
				require.NoError(t, err)
				assert.Equal(t, int64(1), l.Token)
				assert.True(t, l.ExpiresAt.Equal(clock.Now().Add(lease)))

				_, err = m.Acquire(ctx, "prod", "bob", lease)
				var held *HeldError
				require.True(t, errors.As(err, &held), "got %v", err)
				assert.Equal(t, "alice", held.Holder)

				// Other scopes are independent.
				_, err = m.Acquire(ctx, "staging", "bob", lease)
				require.NoError(t, err)
			})

			t.Run("ReacquireBySameHolderKeepsToken", func(t *testing.T) {
				clock := newFakeClock()
				m := managers(t, clock)[name]

				l1, err := m.Acquire(ctx, "prod", "alice", lease)
				require.NoError(t, err)
				l2, err := m.Acquire(ctx, "prod", "alice", lease)
				require.NoError(t, err)
				assert.Equal(t, l1.Token, l2.Token)
			})

			t.Run("RenewExtendsLease", func(t *testing.T) {
				clock := newFakeClock()
				m := managers(t, clock)[name]

				l, err := m.Acquire(ctx, "prod", "alice", lease)
				require.NoError(t, err)
				clock.Advance(20 * time.Second)
				l, err = m.Renew(ctx, l)
				require.NoError(t, err)
				clock.Advance(20 * time.Second)

				// 40s after acquiring, still held thanks to the renewal.
				_, err = m.Acquire(ctx, "prod", "bob", lease)
				var held *HeldError
				assert.True(t, errors.As(err, &held))
				require.NoError(t, m.Release(ctx, l))
			})

			t.Run("ExpiredLeaseIsReclaimed", func(t *testing.T) {
				clock := newFakeClock()
				m := managers(t, clock)[name]

				stale, err := m.Acquire(ctx, "prod", "alice", lease)
				require.NoError(t, err)
				clock.Advance(lease + time.Second)

				fresh, err := m.Acquire(ctx, "prod", "bob", lease)
				require.NoError(t, err)
				assert.Greater(t, fresh.Token, stale.Token)

				var expired *ExpiredError
				_, err = m.Renew(ctx, stale)
				assert.True(t, errors.As(err, &expired), "renew after reclaim: %v", err)
				err = m.Release(ctx, stale)
				assert.True(t, errors.As(err, &expired), "release after reclaim: %v", err)

				// bob still holds it
				_, err = m.Acquire(ctx, "prod", "carol", lease)
				var held *HeldError
				assert.True(t, errors.As(err, &held))
			})

			t.Run("RenewAfterExpiryFails", func(t *testing.T) {
				clock := newFakeClock()
				m := managers(t, clock)[name]

				l, err := m.Acquire(ctx, "prod", "alice", lease)
				require.NoError(t, err)
				clock.Advance(lease)

				_, err = m.Renew(ctx, l)
				var expired *ExpiredError
				assert.True(t, errors.As(err, &expired))
			})

			t.Run("ReleaseOwnExpiredLease", func(t *testing.T) {
				clock := newFakeClock()
				m := managers(t, clock)[name]

				l, err := m.Acquire(ctx, "prod", "alice", lease)
				require.NoError(t, err)
				clock.Advance(lease * 2)
				require.NoError(t, m.Release(ctx, l))
				require.NoError(t, m.Release(ctx, l), "second release is a no-op")
			})

			t.Run("ReleaseThenAcquireBumpsToken", func(t *testing.T) {
				clock := newFakeClock()
				m := managers(t, clock)[name]

				l, err := m.Acquire(ctx, "prod", "alice", lease)
				require.NoError(t, err)
				require.NoError(t, m.Release(ctx, l))

				next, err := m.Acquire(ctx, "prod", "bob", lease)
				require.NoError(t, err)
				assert.Equal(t, l.Token+1, next.Token)
			})
		})
	}
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()

	for name, m := range managers(t, clock) {
		t.Run(name, func(t *testing.T) {
			var mu sync.Mutex
			winners := 0
			var wg sync.WaitGroup
			for _, holder := range []string{"a", "b", "c", "d", "e", "f"} {
				wg.Add(1)
				go func(holder string) {
					defer wg.Done()
					_, err := m.Acquire(ctx, "contended", holder, time.Minute)
					if err == nil {
						mu.Lock()
						winners++
						mu.Unlock()
						return
					}
					var held *HeldError
					assert.True(t, errors.As(err, &held), "unexpected error: %v", err)
				}(holder)
			}
			wg.Wait()
			assert.Equal(t, 1, winners)
		})
	}
}

func TestAcquireValidation(t *testing.T) {
	m := NewMemoryManager()
	_, err := m.Acquire(context.Background(), "", "a", time.Second)
	assert.Error(t, err)
	_, err = m.Acquire(context.Background(), "s", "", time.Second)
	assert.Error(t, err)
	_, err = m.Acquire(context.Background(), "s", "a", 0)
	assert.Error(t, err)
}

func TestNewFromConfig(t *testing.T) {
	ctx := context.Background()
	_, err := New(ctx, nil)
	assert.Error(t, err)

	m, err := New(ctx, &BackendConfig{Type: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryManager{}, m)

	_, err = New(ctx, &BackendConfig{Type: "dynamodb"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "table")

	_, err = New(ctx, &BackendConfig{Type: "zookeeper"})
	assert.Error(t, err)
}
