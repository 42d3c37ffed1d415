package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputs_ResolvesAgainstState(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.converge(t, Options{}, withProps(node("vpc"), map[string]any{"cidr": "10.0.0.0/16"})).Succeeded())

	out, err := h.engine.Outputs(context.Background(), map[string]any{
		"cidr":    "ref://vpc/cidr",
		"pending": "ref://subnet/id",
		"nested":  map[string]any{"blocks": []any{"ref://vpc/cidr", "literal"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.0/16", out["cidr"])
	assert.Equal(t, UnknownValue, out["pending"])
	assert.Equal(t, map[string]any{"blocks": []any{"10.0.0.0/16", "literal"}}, out["nested"])
}
