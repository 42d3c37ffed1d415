package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/picklr-io/fleetform/internal/ir"
)

// Fingerprint hashes the resolved inputs of a node, leaving out keys the
// declaration ignores. Two declarations with equal fingerprints converge to
// the same resource.
func Fingerprint(res *ir.Resource, resolved map[string]any) (string, error) {
	fields := make(map[string]any, len(resolved))
	for k, v := range resolved {
		if res.Ignores(k) {
			continue
		}
		fields[k] = normalizeValue(v)
	}

	doc, err := structpb.NewStruct(map[string]any{
		"kind":       res.Kind,
		"provider":   res.Provider,
		"properties": fields,
	})
	if err != nil {
		return "", fmt.Errorf("fingerprint %s: %w", res.ID, err)
	}
	raw, err := proto.MarshalOptions{Deterministic: true}.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("fingerprint %s: %w", res.ID, err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// normalizeValue converts decoder-specific shapes into the plain maps and
// slices structpb accepts.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case nil, bool, string, float64, float32, int, int32, int64, uint, uint32, uint64:
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			out[fmt.Sprintf("%v", k)] = normalizeValue(v)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			out[k] = normalizeValue(v)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, v := range val {
			out[i] = normalizeValue(v)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, v := range val {
			out[i] = v
		}
		return out
	default:
		return fmt.Sprintf("%v", val)
	}
}
