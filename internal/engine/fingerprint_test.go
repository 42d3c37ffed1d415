package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picklr-io/fleetform/internal/ir"
)

func fingerprint(t *testing.T, res *ir.Resource, props map[string]any) string {
	t.Helper()
	fp, err := Fingerprint(res, props)
	require.NoError(t, err)
	return fp
}

func TestFingerprint_Deterministic(t *testing.T) {
	res := node("web")
	props := map[string]any{
		"size": 3,
		"tags": map[string]any{"b": "2", "a": "1", "c": "3"},
		"list": []any{"x", "y"},
	}
	fp := fingerprint(t, res, props)
	assert.Len(t, fp, 64)
	for i := 0; i < 20; i++ {
		assert.Equal(t, fp, fingerprint(t, res, props))
	}
}

func TestFingerprint_EquivalentShapes(t *testing.T) {
	res := node("web")
	a := fingerprint(t, res, map[string]any{"size": 3, "tags": map[string]any{"env": "prod"}, "zones": []string{"a"}})
	b := fingerprint(t, res, map[string]any{"size": 3.0, "tags": map[any]any{"env": "prod"}, "zones": []any{"a"}})
	assert.Equal(t, a, b)
}

func TestFingerprint_Sensitivity(t *testing.T) {
	base := fingerprint(t, node("web"), map[string]any{"size": 3})

	assert.NotEqual(t, base, fingerprint(t, node("web"), map[string]any{"size": 4}))
	assert.NotEqual(t, base, fingerprint(t, node("web"), map[string]any{"size": 3, "extra": true}))
	assert.NotEqual(t, base, fingerprint(t, &ir.Resource{ID: "web", Kind: "other", Provider: "null"}, map[string]any{"size": 3}))
	assert.NotEqual(t, base, fingerprint(t, &ir.Resource{ID: "web", Kind: "null_resource", Provider: "aws"}, map[string]any{"size": 3}))

	// The id is not part of the fingerprint.
	assert.Equal(t, base, fingerprint(t, node("other"), map[string]any{"size": 3}))
}

func TestFingerprint_IgnoredKeysExcluded(t *testing.T) {
	res := node("web")
	res.Lifecycle = &ir.Lifecycle{IgnoreChanges: []string{"desired_capacity"}}

	a := fingerprint(t, res, map[string]any{"max": 5, "desired_capacity": 2})
	b := fingerprint(t, res, map[string]any{"max": 5, "desired_capacity": 4})
	c := fingerprint(t, res, map[string]any{"max": 5})
	assert.Equal(t, a, b)
	assert.Equal(t, a, c)
}
