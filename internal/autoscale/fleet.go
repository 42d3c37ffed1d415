package autoscale

import (
	"fmt"
	"sort"
	"time"

	"github.com/picklr-io/fleetform/internal/provider"
)

// InstanceState is the lifecycle state of a fleet member.
type InstanceState string

const (
	Pending     InstanceState = "Pending"
	InService   InstanceState = "InService"
	Unhealthy   InstanceState = "Unhealthy"
	Terminating InstanceState = "Terminating"
	Terminated  InstanceState = "Terminated"
)

var allowedTransitions = map[InstanceState][]InstanceState{
	Pending:     {InService, Unhealthy},
	InService:   {Unhealthy},
	Unhealthy:   {Terminating},
	Terminating: {Terminated},
}

// TransitionError reports a lifecycle move the state machine forbids.
type TransitionError struct {
	Instance string
	From     InstanceState
	To       InstanceState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("instance %s: invalid transition %s -> %s", e.Instance, e.From, e.To)
}

// Instance is the controller's record of one fleet member.
type Instance struct {
	ID         string
	State      InstanceState
	LaunchedAt time.Time
	// Since is when the instance entered State.
	Since time.Time
}

// Fleet tracks capacity bounds and member lifecycle. It is not safe for
// concurrent use; the controller serialises access.
type Fleet struct {
	Name     string
	Capacity Capacity

	instances map[string]*Instance
}

func NewFleet(name string, c Capacity) (*Fleet, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("fleet %s: %w", name, err)
	}
	c.Desired = c.Clamp(c.Desired)
	return &Fleet{Name: name, Capacity: c, instances: make(map[string]*Instance)}, nil
}

// SetDesired records a new desired capacity, clamped to the bounds.
func (f *Fleet) SetDesired(n int) int {
	f.Capacity.Desired = f.Capacity.Clamp(n)
	return f.Capacity.Desired
}

// Instance returns a copy of the member record.
func (f *Fleet) Instance(id string) (Instance, bool) {
	in, ok := f.instances[id]
	if !ok {
		return Instance{}, false
	}
	return *in, true
}

// Instances returns copies of every member sorted by id.
func (f *Fleet) Instances() []Instance {
	out := make([]Instance, 0, len(f.instances))
	for _, in := range f.instances {
		out = append(out, *in)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// InState lists member ids in the given state, sorted.
func (f *Fleet) InState(s InstanceState) []string {
	var ids []string
	for id, in := range f.instances {
		if in.State == s {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Counts returns the number of members per state.
func (f *Fleet) Counts() map[InstanceState]int {
	counts := make(map[InstanceState]int, len(allowedTransitions)+1)
	for _, in := range f.instances {
		counts[in.State]++
	}
	return counts
}

// Sync reconciles the member list with what the provider reports. Unknown
// instances join as Pending. Members the provider no longer lists are gone
// whatever their state; they are dropped and returned so the caller can
// withdraw them from routing.
func (f *Fleet) Sync(now time.Time, listed []provider.Instance) (added, gone []string) {
	seen := make(map[string]bool, len(listed))
	for _, li := range listed {
		seen[li.ID] = true
		if _, ok := f.instances[li.ID]; ok {
			continue
		}
		launched := li.LaunchedAt
		if launched.IsZero() {
			launched = now
		}
		f.instances[li.ID] = &Instance{ID: li.ID, State: Pending, LaunchedAt: launched, Since: now}
		added = append(added, li.ID)
	}
	for id := range f.instances {
		if !seen[id] {
			delete(f.instances, id)
			gone = append(gone, id)
		}
	}
	sort.Strings(added)
	sort.Strings(gone)
	return added, gone
}

// Transition moves a member to a new state. Terminated members are removed.
func (f *Fleet) Transition(now time.Time, id string, to InstanceState) error {
	in, ok := f.instances[id]
	if !ok {
		return fmt.Errorf("instance %s is not a member of fleet %s", id, f.Name)
	}
	valid := false
	for _, next := range allowedTransitions[in.State] {
		if next == to {
			valid = true
			break
		}
	}
	if !valid {
		return &TransitionError{Instance: id, From: in.State, To: to}
	}
	in.State = to
	in.Since = now
	if to == Terminated {
		delete(f.instances, id)
	}
	return nil
}

// ObserveHealth applies one probe result and returns the resulting state.
//   - Pending becomes InService on a healthy probe, or Unhealthy once grace
//     has elapsed since launch without one.
//   - InService becomes Unhealthy on an unhealthy probe. Unknown is not a
//     failure.
func (f *Fleet) ObserveHealth(now time.Time, id string, h provider.Health, grace time.Duration) (InstanceState, error) {
	in, ok := f.instances[id]
	if !ok {
		return "", fmt.Errorf("instance %s is not a member of fleet %s", id, f.Name)
	}
	switch in.State {
	case Pending:
		if h == provider.Healthy {
			return InService, f.Transition(now, id, InService)
		}
		if now.Sub(in.LaunchedAt) >= grace {
			return Unhealthy, f.Transition(now, id, Unhealthy)
		}
	case InService:
		if h == provider.Unhealthy {
			return Unhealthy, f.Transition(now, id, Unhealthy)
		}
	}
	return in.State, nil
}
