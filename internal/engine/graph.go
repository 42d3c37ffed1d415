package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/picklr-io/fleetform/internal/ir"
)

// BuildError reports declarations that cannot form a valid graph. It is
// returned before any state is touched.
type BuildError struct {
	Reason string
	IDs    []string
	// Cycle lists the nodes of the shortest cycle found, in dependency
	// order, when the failure is a cycle.
	Cycle []string
}

func (e *BuildError) Error() string {
	if len(e.Cycle) > 0 {
		path := append(append([]string{}, e.Cycle...), e.Cycle[0])
		return fmt.Sprintf("dependency cycle: %s", strings.Join(path, " -> "))
	}
	if len(e.IDs) > 0 {
		return fmt.Sprintf("%s: %s", e.Reason, strings.Join(e.IDs, ", "))
	}
	return e.Reason
}

// Graph is a validated, acyclic set of declarations.
type Graph struct {
	nodes    map[string]*graphNode
	order    []string // creation order
	revOrder []string // destruction order
}

type graphNode struct {
	res        *ir.Resource
	deps       []string // nodes this node depends on
	dependents []string // nodes that depend on this node
}

// BuildGraph validates declarations and derives their dependency edges from
// DependsOn and from ref:// values anywhere in their properties.
func BuildGraph(resources []*ir.Resource) (*Graph, error) {
	g := &Graph{nodes: make(map[string]*graphNode)}

	// 1. Index declarations
	var dups []string
	for _, res := range resources {
		if res == nil {
			continue
		}
		if res.ID == "" {
			return nil, &BuildError{Reason: fmt.Sprintf("declaration of kind %q has an empty id", res.Kind)}
		}
		if _, ok := g.nodes[res.ID]; ok {
			dups = append(dups, res.ID)
			continue
		}
		g.nodes[res.ID] = &graphNode{res: res}
	}
	if len(dups) > 0 {
		sort.Strings(dups)
		return nil, &BuildError{Reason: "duplicate declaration ids", IDs: dups}
	}

	// 2. Edges from DependsOn and refs
	for _, id := range g.sortedIDs() {
		n := g.nodes[id]
		seen := make(map[string]bool)
		add := func(dep string) error {
			if _, ok := g.nodes[dep]; !ok {
				return &BuildError{Reason: fmt.Sprintf("%s depends on undeclared node", id), IDs: []string{dep}}
			}
			if !seen[dep] {
				seen[dep] = true
				n.deps = append(n.deps, dep)
			}
			return nil
		}

		for _, dep := range n.res.DependsOn {
			if err := add(dep); err != nil {
				return nil, err
			}
		}
		for _, ref := range extractRefs(n.res.Properties) {
			depID, _, ok := parseRef(ref)
			if !ok {
				return nil, &BuildError{Reason: fmt.Sprintf("%s has a malformed reference", id), IDs: []string{ref}}
			}
			if err := add(depID); err != nil {
				return nil, err
			}
		}
		sort.Strings(n.deps)
	}
	for id, n := range g.nodes {
		for _, dep := range n.deps {
			g.nodes[dep].dependents = append(g.nodes[dep].dependents, id)
		}
	}
	for _, n := range g.nodes {
		sort.Strings(n.dependents)
	}

	// 3. Reject cycles
	if cycle := g.findCycle(); cycle != nil {
		return nil, &BuildError{Reason: "dependency cycle", IDs: sortedCopy(cycle), Cycle: cycle}
	}

	// 4. Order
	g.order = g.topoSort()
	g.revOrder = make([]string, len(g.order))
	for i, id := range g.order {
		g.revOrder[len(g.order)-1-i] = id
	}
	return g, nil
}

const (
	white = iota
	grey
	black
)

// findCycle runs a three-colour DFS. At the first back edge it returns the
// shortest cycle in that edge's strongly connected component.
func (g *Graph) findCycle() []string {
	colour := make(map[string]int, len(g.nodes))
	var backTo string

	var visit func(id string) bool
	visit = func(id string) bool {
		colour[id] = grey
		for _, dep := range g.nodes[id].deps {
			switch colour[dep] {
			case grey:
				backTo = dep
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		colour[id] = black
		return false
	}

	for _, id := range g.sortedIDs() {
		if colour[id] == white && visit(id) {
			return g.minimalCycle(g.component(backTo))
		}
	}
	return nil
}

// component returns the strongly connected component containing id: the
// nodes reachable from id along dependencies that also reach id back.
func (g *Graph) component(id string) map[string]bool {
	walk := func(next func(*graphNode) []string) map[string]bool {
		seen := map[string]bool{id: true}
		stack := []string{id}
		for len(stack) > 0 {
			cur := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			for _, n := range next(g.nodes[cur]) {
				if !seen[n] {
					seen[n] = true
					stack = append(stack, n)
				}
			}
		}
		return seen
	}
	forward := walk(func(n *graphNode) []string { return n.deps })
	backward := walk(func(n *graphNode) []string { return n.dependents })

	scc := make(map[string]bool, len(forward))
	for n := range forward {
		if backward[n] {
			scc[n] = true
		}
	}
	return scc
}

// minimalCycle returns the shortest cycle within scc. Ties go to the cycle
// through the lexicographically smallest id.
func (g *Graph) minimalCycle(scc map[string]bool) []string {
	ids := make([]string, 0, len(scc))
	for id := range scc {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var best []string
	for _, id := range ids {
		if c := g.cycleThrough(id, scc); c != nil && (best == nil || len(c) < len(best)) {
			best = c
		}
	}
	return rotateSmallestFirst(best)
}

// cycleThrough finds the shortest path start -> ... -> start inside scc by
// BFS along dependencies.
func (g *Graph) cycleThrough(start string, scc map[string]bool) []string {
	prev := map[string]string{start: ""}
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, dep := range g.nodes[cur].deps {
			if dep == start {
				var path []string
				for n := cur; n != ""; n = prev[n] {
					path = append(path, n)
				}
				for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
					path[i], path[j] = path[j], path[i]
				}
				return path
			}
			if _, ok := prev[dep]; !ok && scc[dep] {
				prev[dep] = cur
				queue = append(queue, dep)
			}
		}
	}
	return nil
}

// rotateSmallestFirst keeps cycle messages stable.
func rotateSmallestFirst(path []string) []string {
	if len(path) == 0 {
		return path
	}
	minIdx := 0
	for i, id := range path {
		if id < path[minIdx] {
			minIdx = i
		}
	}
	return append(append([]string{}, path[minIdx:]...), path[:minIdx]...)
}

// topoSort is Kahn's algorithm with lexicographic tie-breaking.
func (g *Graph) topoSort() []string {
	inDegree := make(map[string]int, len(g.nodes))
	var ready []string
	for id, n := range g.nodes {
		inDegree[id] = len(n.deps)
		if len(n.deps) == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	sorted := make([]string, 0, len(g.nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		sorted = append(sorted, id)

		for _, dependent := range g.nodes[id].dependents {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				idx := sort.SearchStrings(ready, dependent)
				ready = append(ready, "")
				copy(ready[idx+1:], ready[idx:])
				ready[idx] = dependent
			}
		}
	}
	return sorted
}

func (g *Graph) sortedIDs() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func sortedCopy(in []string) []string {
	out := append([]string{}, in...)
	sort.Strings(out)
	return out
}

// Len returns the number of declared nodes.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Node returns the declaration for id.
func (g *Graph) Node(id string) (*ir.Resource, bool) {
	n, ok := g.nodes[id]
	if !ok {
		return nil, false
	}
	return n.res, true
}

// CreationOrder returns ids so that every node follows its dependencies.
func (g *Graph) CreationOrder() []string {
	return g.order
}

// DestructionOrder returns ids so that every node precedes its dependencies.
func (g *Graph) DestructionOrder() []string {
	return g.revOrder
}

// Dependencies returns the direct dependencies of id.
func (g *Graph) Dependencies(id string) []string {
	if n, ok := g.nodes[id]; ok {
		return n.deps
	}
	return nil
}

// Dependents returns the nodes that directly depend on id.
func (g *Graph) Dependents(id string) []string {
	if n, ok := g.nodes[id]; ok {
		return n.dependents
	}
	return nil
}

// TransitiveDependencies returns every node id reaches, sorted.
func (g *Graph) TransitiveDependencies(id string) []string {
	return g.closure(id, func(n *graphNode) []string { return n.deps })
}

// TransitiveDependents returns every node that reaches id, sorted.
func (g *Graph) TransitiveDependents(id string) []string {
	return g.closure(id, func(n *graphNode) []string { return n.dependents })
}

func (g *Graph) closure(id string, next func(*graphNode) []string) []string {
	start, ok := g.nodes[id]
	if !ok {
		return nil
	}
	visited := make(map[string]bool)
	stack := append([]string{}, next(start)...)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[cur] {
			continue
		}
		visited[cur] = true
		stack = append(stack, next(g.nodes[cur])...)
	}
	out := make([]string, 0, len(visited))
	for v := range visited {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// DOT renders the graph in Graphviz format, edges pointing at dependencies.
func (g *Graph) DOT() string {
	var b strings.Builder
	b.WriteString("digraph fleetform {\n")
	b.WriteString("  rankdir=LR;\n")
	for _, id := range g.order {
		fmt.Fprintf(&b, "  %q [label=%q];\n", id, fmt.Sprintf("%s\n%s", id, g.nodes[id].res.Kind))
	}
	for _, id := range g.order {
		for _, dep := range g.nodes[id].deps {
			fmt.Fprintf(&b, "  %q -> %q;\n", id, dep)
		}
	}
	b.WriteString("}\n")
	return b.String()
}

// extractRefs collects every ref:// string in a property value.
func extractRefs(v any) []string {
	var refs []string
	switch val := v.(type) {
	case string:
		if strings.HasPrefix(val, ir.RefScheme) {
			refs = append(refs, val)
		}
	case map[string]any:
		for _, v := range val {
			refs = append(refs, extractRefs(v)...)
		}
	case map[any]any:
		for _, v := range val {
			refs = append(refs, extractRefs(v)...)
		}
	case []any:
		for _, v := range val {
			refs = append(refs, extractRefs(v)...)
		}
	}
	return refs
}

// parseRef splits ref://<id>/<attribute>. The attribute is everything after
// the last slash so ids may themselves contain slashes.
func parseRef(ref string) (id, attr string, ok bool) {
	if !strings.HasPrefix(ref, ir.RefScheme) {
		return "", "", false
	}
	path := ref[len(ir.RefScheme):]
	i := strings.LastIndex(path, "/")
	if i <= 0 || i == len(path)-1 {
		return "", "", false
	}
	return path[:i], path[i+1:], true
}
