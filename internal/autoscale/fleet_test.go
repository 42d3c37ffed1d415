package autoscale

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picklr-io/fleetform/internal/provider"
)

func newTestFleet(t *testing.T) *Fleet {
	t.Helper()
	f, err := NewFleet("web", Capacity{Min: 1, Desired: 2, Max: 3})
	require.NoError(t, err)
	return f
}

func TestFleet_NewClampsDesired(t *testing.T) {
	f, err := NewFleet("web", Capacity{Min: 2, Desired: 9, Max: 4})
	require.NoError(t, err)
	assert.Equal(t, 4, f.Capacity.Desired)
	assert.Equal(t, 2, f.SetDesired(0))

	_, err = NewFleet("web", Capacity{Min: 5, Max: 4})
	assert.Error(t, err)
}

func TestFleet_LifecycleHappyPath(t *testing.T) {
	f := newTestFleet(t)
	t0 := time.Now()

	added, gone := f.Sync(t0, []provider.Instance{{ID: "i-1", LaunchedAt: t0}})
	assert.Equal(t, []string{"i-1"}, added)
	assert.Empty(t, gone)
	in, _ := f.Instance("i-1")
	assert.Equal(t, Pending, in.State)

	st, err := f.ObserveHealth(t0.Add(time.Second), "i-1", provider.Healthy, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, InService, st)
	assert.Equal(t, []string{"i-1"}, f.InState(InService))

	st, err = f.ObserveHealth(t0.Add(2*time.Second), "i-1", provider.Unknown, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, InService, st, "unknown is not a failed probe")

	st, err = f.ObserveHealth(t0.Add(3*time.Second), "i-1", provider.Unhealthy, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, Unhealthy, st)

	require.NoError(t, f.Transition(t0, "i-1", Terminating))
	require.NoError(t, f.Transition(t0, "i-1", Terminated))
	_, ok := f.Instance("i-1")
	assert.False(t, ok, "terminated instances leave the fleet")
}

func TestFleet_GracePeriod(t *testing.T) {
	f := newTestFleet(t)
	t0 := time.Now()
	f.Sync(t0, []provider.Instance{{ID: "i-1", LaunchedAt: t0}})

	st, err := f.ObserveHealth(t0.Add(30*time.Second), "i-1", provider.Unhealthy, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, Pending, st, "still within grace")

	st, err = f.ObserveHealth(t0.Add(time.Minute), "i-1", provider.Unknown, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, Unhealthy, st)
}

func TestFleet_InvalidTransitions(t *testing.T) {
	f := newTestFleet(t)
	now := time.Now()
	f.Sync(now, []provider.Instance{{ID: "i-1"}})

	tests := []InstanceState{Terminating, Terminated, Pending}
	for _, to := range tests {
		err := f.Transition(now, "i-1", to)
		var te *TransitionError
		require.True(t, errors.As(err, &te), "Pending -> %s", to)
		assert.Equal(t, Pending, te.From)
	}

	assert.Error(t, f.Transition(now, "missing", InService))
}

func TestFleet_SyncDropsVanishedMembers(t *testing.T) {
	f := newTestFleet(t)
	now := time.Now()
	f.Sync(now, []provider.Instance{{ID: "a"}, {ID: "b"}})
	require.NoError(t, f.Transition(now, "b", Unhealthy))
	require.NoError(t, f.Transition(now, "b", Terminating))

	added, gone := f.Sync(now, []provider.Instance{{ID: "a"}, {ID: "c"}})
	assert.Equal(t, []string{"c"}, added)
	assert.Equal(t, []string{"b"}, gone)
	assert.Equal(t, map[InstanceState]int{Pending: 2}, f.Counts())
	in, _ := f.Instance("c")
	assert.Equal(t, now, in.LaunchedAt, "a missing launch time defaults to now")
}
