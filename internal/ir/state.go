package ir

import "time"

// ActualState is the last successfully applied record for one node.
type ActualState struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	Provider string `json:"provider"`

	// Inputs are the resolved desired properties sent to the provider.
	Inputs map[string]any `json:"inputs,omitempty"`
	// Attributes are what the provider reported back.
	Attributes map[string]any `json:"attributes,omitempty"`

	Fingerprint  string    `json:"fingerprint"`
	Version      int64     `json:"version"`
	Dependencies []string  `json:"dependencies,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`

	// PreventDestroy is carried over from the declaration so the rule
	// still holds once the declaration is gone.
	PreventDestroy bool `json:"prevent_destroy,omitempty"`
}

// Lookup returns an output attribute, falling back to the applied inputs.
func (s *ActualState) Lookup(attr string) (any, bool) {
	if v, ok := s.Attributes[attr]; ok {
		return v, true
	}
	v, ok := s.Inputs[attr]
	return v, ok
}

// DependsOn reports whether the record was applied with a dependency on id.
func (s *ActualState) DependsOn(id string) bool {
	for _, d := range s.Dependencies {
		if d == id {
			return true
		}
	}
	return false
}
