package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picklr-io/fleetform/internal/ir"
)

func planFor(t *testing.T, h *harness, resources ...*ir.Resource) *ir.Plan {
	t.Helper()
	g, err := BuildGraph(resources)
	require.NoError(t, err)
	plan, err := h.engine.Plan(context.Background(), g)
	require.NoError(t, err)
	return plan
}

func changeFor(plan *ir.Plan, id string) *ir.ResourceChange {
	for _, c := range plan.Changes {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func TestPlan_EmptyStateCreatesEverything(t *testing.T) {
	h := newHarness(t)
	plan := planFor(t, h,
		withProps(node("vpc"), map[string]any{"cidr": "10.0.0.0/16"}),
		withProps(node("subnet"), map[string]any{"vpc_id": "ref://vpc/id"}),
	)

	assert.Equal(t, &ir.PlanSummary{Create: 2}, plan.Summary)
	subnet := changeFor(plan, "subnet")
	require.NotNil(t, subnet)
	assert.Equal(t, ir.ActionCreate, subnet.Action)
	assert.Equal(t, UnknownValue, subnet.Diff["vpc_id"].After)
	assert.Equal(t, "10.0.0.0/16", changeFor(plan, "vpc").Diff["cidr"].After)
	assert.Empty(t, h.prov.Calls(), "planning never calls the provider")
}

func TestPlan_ConvergedStateIsNoOp(t *testing.T) {
	h := newHarness(t)
	resources := func(cidr string) []*ir.Resource {
		return []*ir.Resource{
			withProps(node("vpc"), map[string]any{"cidr": cidr}),
			withProps(node("subnet"), map[string]any{"vpc_id": "ref://vpc/id"}),
		}
	}
	require.True(t, h.converge(t, Options{}, resources("10.0.0.0/16")...).Succeeded())

	plan := planFor(t, h, resources("10.0.0.0/16")...)
	assert.Equal(t, &ir.PlanSummary{NoOp: 2}, plan.Summary)
	assert.NotEmpty(t, changeFor(plan, "vpc").Fingerprint)

	// Changing the vpc makes its references unknown, so the subnet is an update too.
	plan = planFor(t, h, resources("10.1.0.0/16")...)
	assert.Equal(t, &ir.PlanSummary{Update: 2}, plan.Summary)
	diff := changeFor(plan, "vpc").Diff["cidr"]
	require.NotNil(t, diff)
	assert.Equal(t, "update", diff.Action)
	assert.Equal(t, "10.0.0.0/16", diff.Before)
	assert.Equal(t, "10.1.0.0/16", diff.After)
}

func TestPlan_OrphansAreDeleted(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.converge(t, Options{}, withProps(node("old"), map[string]any{"k": "v"}), node("keep")).Succeeded())

	plan := planFor(t, h, node("keep"))
	assert.Equal(t, &ir.PlanSummary{Delete: 1, NoOp: 1}, plan.Summary)
	old := changeFor(plan, "old")
	require.NotNil(t, old)
	assert.Equal(t, ir.ActionDelete, old.Action)
	assert.Equal(t, "delete", old.Diff["k"].Action)
}

func TestPlan_PreventDestroyOrphanIsAnError(t *testing.T) {
	h := newHarness(t)
	guarded := node("db")
	guarded.Lifecycle = &ir.Lifecycle{PreventDestroy: true}
	require.True(t, h.converge(t, Options{}, guarded).Succeeded())

	g, err := BuildGraph(nil)
	require.NoError(t, err)
	_, err = h.engine.Plan(context.Background(), g)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prevent_destroy")
}

func TestPlan_IgnoresLock(t *testing.T) {
	h := newHarness(t)
	_, err := h.locks.Acquire(context.Background(), defaultScope, "busy", time.Minute)
	require.NoError(t, err)

	plan := planFor(t, h, node("a"))
	assert.Equal(t, 1, plan.Summary.Create)
}

func TestBuildPropertyDiff(t *testing.T) {
	diff := buildPropertyDiff(
		map[string]any{"same": 1, "changed": "a", "removed": true},
		map[string]any{"same": 1.0, "changed": "b", "added": []any{"x"}},
	)
	assert.NotContains(t, diff, "same")
	assert.Equal(t, "update", diff["changed"].Action)
	assert.Equal(t, "delete", diff["removed"].Action)
	assert.Equal(t, "create", diff["added"].Action)
}
