package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/picklr-io/fleetform/internal/ir"
)

// ExpandForEach expands declarations with ForEach or Count into individual
// nodes, e.g. "web" with Count 2 becomes "web[0]" and "web[1]". A DependsOn
// entry naming an expanded declaration is rewritten to all of its instances.
// This must be called before BuildGraph.
func ExpandForEach(resources []*ir.Resource) []*ir.Resource {
	var expanded []*ir.Resource
	instances := make(map[string][]string)

	for _, res := range resources {
		switch {
		case res.Count > 0:
			for i := 0; i < res.Count; i++ {
				clone := cloneResource(res)
				clone.ID = fmt.Sprintf("%s[%d]", res.ID, i)
				// Substitute count.index in properties
				clone.Properties = substituteIndex(clone.Properties, i)
				expanded = append(expanded, clone)
				instances[res.ID] = append(instances[res.ID], clone.ID)
			}
		case len(res.ForEach) > 0:
			keys := make([]string, 0, len(res.ForEach))
			for k := range res.ForEach {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, key := range keys {
				clone := cloneResource(res)
				clone.ID = fmt.Sprintf("%s[%q]", res.ID, key)
				// Substitute each.key and each.value in properties
				clone.Properties = substituteEach(clone.Properties, key, res.ForEach[key])
				expanded = append(expanded, clone)
				instances[res.ID] = append(instances[res.ID], clone.ID)
			}
		default:
			expanded = append(expanded, res)
		}
	}

	if len(instances) == 0 {
		return expanded
	}
	for _, res := range expanded {
		var deps []string
		rewritten := false
		for _, dep := range res.DependsOn {
			if ids, ok := instances[dep]; ok {
				deps = append(deps, ids...)
				rewritten = true
				continue
			}
			deps = append(deps, dep)
		}
		if rewritten {
			res.DependsOn = deps
		}
	}
	return expanded
}

func cloneResource(res *ir.Resource) *ir.Resource {
	clone := &ir.Resource{
		ID:       res.ID,
		Kind:     res.Kind,
		Provider: res.Provider,
		Timeout:  res.Timeout,
	}
	if res.Lifecycle != nil {
		clone.Lifecycle = &ir.Lifecycle{
			PreventDestroy: res.Lifecycle.PreventDestroy,
			IgnoreChanges:  append([]string{}, res.Lifecycle.IgnoreChanges...),
		}
	}
	clone.DependsOn = append([]string{}, res.DependsOn...)

	// Deep copy properties
	clone.Properties = deepCopyMap(res.Properties)

	return clone
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	result := make(map[string]any, len(m))
	for k, v := range m {
		result[k] = deepCopyValue(v)
	}
	return result
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		clone := make([]any, len(val))
		for i, item := range val {
			clone[i] = deepCopyValue(item)
		}
		return clone
	default:
		return v
	}
}

func substituteIndex(props map[string]any, index int) map[string]any {
	return substituteAll(props, map[string]string{
		"${count.index}": fmt.Sprintf("%d", index),
	})
}

func substituteEach(props map[string]any, key string, value any) map[string]any {
	return substituteAll(props, map[string]string{
		"${each.key}":   key,
		"${each.value}": fmt.Sprintf("%v", value),
	})
}

func substituteAll(props map[string]any, replacements map[string]string) map[string]any {
	if props == nil {
		return nil
	}
	result := make(map[string]any, len(props))
	for k, v := range props {
		result[k] = substituteValue(v, replacements)
	}
	return result
}

func substituteValue(v any, replacements map[string]string) any {
	switch val := v.(type) {
	case string:
		result := val
		for old, newVal := range replacements {
			result = strings.ReplaceAll(result, old, newVal)
		}
		return result
	case map[string]any:
		return substituteAll(val, replacements)
	case []any:
		result := make([]any, len(val))
		for i, item := range val {
			result[i] = substituteValue(item, replacements)
		}
		return result
	default:
		return v
	}
}
