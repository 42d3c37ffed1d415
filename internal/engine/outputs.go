package engine

import (
	"context"
	"fmt"

	"github.com/picklr-io/fleetform/internal/ir"
)

// Outputs resolves declared output values against recorded state.
// References to nodes that have not been applied yet render as UnknownValue.
func (e *Engine) Outputs(ctx context.Context, outputs map[string]any) (map[string]any, error) {
	records, err := e.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read state: %w", err)
	}
	known := make(map[string]*ir.ActualState, len(records))
	for _, r := range records {
		known[r.ID] = r
	}

	out := make(map[string]any, len(outputs))
	for name, val := range outputs {
		v, err := resolveValue(val, func(id, attr string) (any, error) {
			if st := known[id]; st != nil {
				if v, ok := st.Lookup(attr); ok {
					return v, nil
				}
			}
			return UnknownValue, nil
		})
		if err != nil {
			return nil, fmt.Errorf("output %s: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}
