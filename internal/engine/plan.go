package engine

import (
	"context"
	"fmt"
	"reflect"
	"sort"

	"github.com/picklr-io/fleetform/internal/ir"
	"github.com/picklr-io/fleetform/internal/logging"
)

// UnknownValue stands in for a reference that can only be resolved once its
// dependency has been applied.
const UnknownValue = "(known after apply)"

// Plan previews what Converge would do without taking the lock or calling
// any provider. References into nodes that will change are shown as
// UnknownValue.
func (e *Engine) Plan(ctx context.Context, g *Graph) (*ir.Plan, error) {
	records, err := e.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read state: %w", err)
	}
	logging.Debug("creating plan", "nodes", g.Len(), "records", len(records))

	known := make(map[string]*ir.ActualState, len(records))
	for _, r := range records {
		known[r.ID] = r
	}

	plan := &ir.Plan{Summary: &ir.PlanSummary{}}
	changing := make(map[string]bool)

	// 1. Declared nodes in dependency order
	for _, id := range g.CreationOrder() {
		res, _ := g.Node(id)
		prior := known[id]

		unknown := false
		resolvedAny, err := resolveValue(res.Properties, func(dep, attr string) (any, error) {
			st := known[dep]
			if changing[dep] || st == nil {
				unknown = true
				return UnknownValue, nil
			}
			if v, ok := st.Lookup(attr); ok {
				return v, nil
			}
			unknown = true
			return UnknownValue, nil
		})
		if err != nil {
			return nil, err
		}
		resolved, _ := resolvedAny.(map[string]any)

		change := &ir.ResourceChange{ID: id, Desired: res, Prior: prior}
		switch {
		case prior == nil:
			change.Action = ir.ActionCreate
			change.Diff = buildCreateDiff(resolved)
		case unknown:
			// A dependency will change first; assume the worst.
			change.Action = ir.ActionUpdate
			change.Diff = buildPropertyDiff(prior.Inputs, withoutIgnored(res, resolved))
		default:
			fp, err := Fingerprint(res, resolved)
			if err != nil {
				return nil, err
			}
			change.Fingerprint = fp
			if fp == prior.Fingerprint {
				change.Action = ir.ActionNoOp
			} else {
				change.Action = ir.ActionUpdate
				change.Diff = buildPropertyDiff(prior.Inputs, withoutIgnored(res, resolved))
			}
		}

		if change.Action != ir.ActionNoOp {
			changing[id] = true
		}
		plan.Summary.Count(change.Action)
		plan.Changes = append(plan.Changes, change)
	}

	// 2. Orphans
	var orphans []*ir.ActualState
	for _, r := range records {
		if _, ok := g.Node(r.ID); !ok {
			orphans = append(orphans, r)
		}
	}
	sort.Slice(orphans, func(i, j int) bool { return orphans[i].ID < orphans[j].ID })
	for _, r := range orphans {
		if r.PreventDestroy {
			return nil, fmt.Errorf("%s has prevent_destroy set but is no longer declared", r.ID)
		}
		plan.Changes = append(plan.Changes, &ir.ResourceChange{
			ID:     r.ID,
			Action: ir.ActionDelete,
			Prior:  r,
			Diff:   buildDeleteDiff(r.Inputs),
		})
		plan.Summary.Count(ir.ActionDelete)
	}
	return plan, nil
}

// buildPropertyDiff compares prior and desired properties and returns a diff map.
func buildPropertyDiff(prior, desired map[string]any) map[string]*ir.PropertyDiff {
	diff := make(map[string]*ir.PropertyDiff)

	allKeys := make(map[string]bool)
	for k := range prior {
		allKeys[k] = true
	}
	for k := range desired {
		allKeys[k] = true
	}

	for k := range allKeys {
		priorVal, inPrior := prior[k]
		desiredVal, inDesired := desired[k]

		switch {
		case !inPrior:
			diff[k] = &ir.PropertyDiff{After: desiredVal, Action: "create"}
		case !inDesired:
			diff[k] = &ir.PropertyDiff{Before: priorVal, Action: "delete"}
		case !reflect.DeepEqual(normalizeValue(priorVal), normalizeValue(desiredVal)) &&
			fmt.Sprintf("%v", priorVal) != fmt.Sprintf("%v", desiredVal):
			diff[k] = &ir.PropertyDiff{Before: priorVal, After: desiredVal, Action: "update"}
		}
	}

	return diff
}

func buildCreateDiff(props map[string]any) map[string]*ir.PropertyDiff {
	diff := make(map[string]*ir.PropertyDiff)
	for k, v := range props {
		diff[k] = &ir.PropertyDiff{After: v, Action: "create"}
	}
	return diff
}

func buildDeleteDiff(props map[string]any) map[string]*ir.PropertyDiff {
	diff := make(map[string]*ir.PropertyDiff)
	for k, v := range props {
		diff[k] = &ir.PropertyDiff{Before: v, Action: "delete"}
	}
	return diff
}
