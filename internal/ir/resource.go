package ir

// RefScheme prefixes an attribute value that points at another node's output,
// e.g. "ref://network.vpc/id".
const RefScheme = "ref://"

// Resource is a single declared node of the desired-state graph.
type Resource struct {
	ID         string         `pkl:"id" yaml:"id" json:"id"`
	Kind       string         `pkl:"kind" yaml:"kind" json:"kind"` // e.g. "aws:AutoScaling.Group"
	Provider   string         `pkl:"provider" yaml:"provider" json:"provider"`
	Lifecycle  *Lifecycle     `pkl:"lifecycle" yaml:"lifecycle,omitempty" json:"lifecycle,omitempty"`
	DependsOn  []string       `pkl:"dependsOn" yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Properties map[string]any `pkl:"properties" yaml:"properties,omitempty" json:"properties,omitempty"`
	Timeout    string         `pkl:"timeout" yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// Expansion, flattened before the graph is built.
	Count   int            `pkl:"count" yaml:"count,omitempty" json:"count,omitempty"`
	ForEach map[string]any `pkl:"forEach" yaml:"for_each,omitempty" json:"for_each,omitempty"`
}

type Lifecycle struct {
	PreventDestroy bool     `pkl:"preventDestroy" yaml:"prevent_destroy" json:"prevent_destroy"`
	IgnoreChanges  []string `pkl:"ignoreChanges" yaml:"ignore_changes" json:"ignore_changes"`
}

// Ignores reports whether changes to the named property are excluded from diffing.
func (r *Resource) Ignores(key string) bool {
	if r.Lifecycle == nil {
		return false
	}
	for _, k := range r.Lifecycle.IgnoreChanges {
		if k == key {
			return true
		}
	}
	return false
}

// FleetKind is the kind of a node describing an autoscaled fleet.
const FleetKind = "autoscaling.fleet"
