package engine

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picklr-io/fleetform/internal/ir"
)

func node(id string, deps ...string) *ir.Resource {
	return &ir.Resource{ID: id, Kind: "null_resource", Provider: "null", DependsOn: deps}
}

func indexOf(slice []string, item string) int {
	for i, s := range slice {
		if s == item {
			return i
		}
	}
	return -1
}

func TestBuildGraph_NoDependencies(t *testing.T) {
	g, err := BuildGraph([]*ir.Resource{node("c"), node("a"), node("b")})
	require.NoError(t, err)

	assert.Equal(t, 3, g.Len())
	// ties are broken lexicographically
	assert.Equal(t, []string{"a", "b", "c"}, g.CreationOrder())
	assert.Equal(t, []string{"c", "b", "a"}, g.DestructionOrder())
}

func TestBuildGraph_ExplicitDependsOn(t *testing.T) {
	g, err := BuildGraph([]*ir.Resource{node("a", "b"), node("b"), node("c", "a")})
	require.NoError(t, err)

	order := g.CreationOrder()
	require.Len(t, order, 3)

	// b must come before a, a must come before c
	assert.Less(t, indexOf(order, "b"), indexOf(order, "a"), "b should come before a")
	assert.Less(t, indexOf(order, "a"), indexOf(order, "c"), "a should come before c")

	assert.Equal(t, []string{"b"}, g.Dependencies("a"))
	assert.Equal(t, []string{"c"}, g.Dependents("a"))
}

func TestBuildGraph_TopologicalOrderHoldsForEveryEdge(t *testing.T) {
	resources := []*ir.Resource{
		node("app", "db", "cache", "net"),
		node("db", "net", "disk"),
		node("cache", "net"),
		node("net"),
		node("disk"),
		node("dns", "app"),
	}
	g, err := BuildGraph(resources)
	require.NoError(t, err)

	order := g.CreationOrder()
	for _, res := range resources {
		for _, dep := range g.Dependencies(res.ID) {
			assert.Less(t, indexOf(order, dep), indexOf(order, res.ID), "%s before %s", dep, res.ID)
		}
	}
	rev := g.DestructionOrder()
	for _, res := range resources {
		for _, dep := range g.Dependencies(res.ID) {
			assert.Greater(t, indexOf(rev, dep), indexOf(rev, res.ID))
		}
	}
}

func TestBuildGraph_ImplicitRef(t *testing.T) {
	resources := []*ir.Resource{
		{
			ID:       "subnet",
			Kind:     "aws:EC2.Subnet",
			Provider: "aws",
			Properties: map[string]any{
				"vpcId": "ref://vpc/id",
				"tags":  []any{map[string]any{"zone": "ref://zone/name"}},
			},
		},
		node("vpc"),
		node("zone"),
	}

	g, err := BuildGraph(resources)
	require.NoError(t, err)
	assert.Equal(t, []string{"vpc", "zone"}, g.Dependencies("subnet"))
	assert.Equal(t, "subnet", g.CreationOrder()[2])
}

func TestBuildGraph_Cycle(t *testing.T) {
	_, err := BuildGraph([]*ir.Resource{node("a", "b"), node("b", "c"), node("c", "a")})
	var be *BuildError
	require.True(t, errors.As(err, &be))
	assert.ElementsMatch(t, []string{"a", "b", "c"}, be.Cycle)
	assert.Contains(t, err.Error(), "a -> b -> c -> a")
}

func TestBuildGraph_MinimalCycleExcludesBystanders(t *testing.T) {
	// entry and tail hang off the cycle x <-> y but are not part of it.
	_, err := BuildGraph([]*ir.Resource{
		node("entry", "x"),
		node("x", "y"),
		node("y", "x", "tail"),
		node("tail"),
	})
	var be *BuildError
	require.True(t, errors.As(err, &be))
	assert.ElementsMatch(t, []string{"x", "y"}, be.Cycle)
}

func TestBuildGraph_ShortestCycleChosen(t *testing.T) {
	// a -> b -> c -> a and the shortcut a -> c -> a both exist.
	_, err := BuildGraph([]*ir.Resource{
		node("a", "b", "c"),
		node("b", "c"),
		node("c", "a"),
	})
	var be *BuildError
	require.True(t, errors.As(err, &be))
	assert.Len(t, be.Cycle, 2)
	assert.ElementsMatch(t, []string{"a", "c"}, be.Cycle)
}

func TestBuildGraph_MinimalCycleAnywhereInComponent(t *testing.T) {
	// DFS from a first meets the back edge c -> a, but b <-> c is shorter.
	_, err := BuildGraph([]*ir.Resource{
		node("a", "b"),
		node("b", "c"),
		node("c", "a", "b"),
	})
	var be *BuildError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, []string{"b", "c"}, be.Cycle)
	assert.Contains(t, err.Error(), "b -> c -> b")
}

func TestBuildGraph_SelfDependency(t *testing.T) {
	_, err := BuildGraph([]*ir.Resource{node("a", "a")})
	var be *BuildError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, []string{"a"}, be.Cycle)
}

func TestBuildGraph_MalformedInput(t *testing.T) {
	tests := []struct {
		name      string
		resources []*ir.Resource
		contains  string
	}{
		{"empty id", []*ir.Resource{{Kind: "null_resource"}}, "empty id"},
		{"duplicate id", []*ir.Resource{node("a"), node("a")}, "duplicate"},
		{"undeclared dependency", []*ir.Resource{node("a", "ghost")}, "ghost"},
		{"undeclared ref", []*ir.Resource{{ID: "a", Properties: map[string]any{"x": "ref://ghost/id"}}}, "ghost"},
		{"malformed ref", []*ir.Resource{{ID: "a", Properties: map[string]any{"x": "ref://noattr"}}}, "malformed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildGraph(tt.resources)
			var be *BuildError
			require.True(t, errors.As(err, &be), "got %v", err)
			assert.Contains(t, err.Error(), tt.contains)
		})
	}
}

func TestTransitiveClosure(t *testing.T) {
	g, err := BuildGraph([]*ir.Resource{node("a", "b"), node("b", "c"), node("c"), node("d", "c")})
	require.NoError(t, err)

	assert.Equal(t, []string{"b", "c"}, g.TransitiveDependencies("a"))
	assert.Equal(t, []string{"c"}, g.TransitiveDependencies("b"))
	assert.Empty(t, g.TransitiveDependencies("c"))
	assert.Equal(t, []string{"a", "b", "d"}, g.TransitiveDependents("c"))
	assert.Nil(t, g.TransitiveDependencies("missing"))
}

func TestParseRef(t *testing.T) {
	id, attr, ok := parseRef("ref://fleet/web/arn")
	require.True(t, ok)
	assert.Equal(t, "fleet/web", id)
	assert.Equal(t, "arn", attr)

	for _, bad := range []string{"ref://", "ref:///id", "ref://vpc/", "ptr://vpc/id"} {
		_, _, ok := parseRef(bad)
		assert.False(t, ok, bad)
	}
}

func TestDOT(t *testing.T) {
	g, err := BuildGraph([]*ir.Resource{node("a", "b"), node("b")})
	require.NoError(t, err)
	dot := g.DOT()
	assert.True(t, strings.HasPrefix(dot, "digraph fleetform {"))
	assert.Contains(t, dot, `"a" -> "b";`)
}
