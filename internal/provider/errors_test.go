package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient", Transient("apply", errors.New("Throttling")), true},
		{"wrapped transient", fmt.Errorf("apply failed for x: %w", Transient("apply", errors.New("slow down"))), true},
		{"permanent", Permanent("apply", errors.New("invalid attribute")), false},
		{"permanent wrapping deadline", Permanent("apply", context.DeadlineExceeded), false},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), true},
		{"unclassified", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestErrorMessages(t *testing.T) {
	err := Transient("delete", errors.New("rate exceeded"))
	assert.Contains(t, err.Error(), "transient error during delete")
	assert.Nil(t, Transient("delete", nil))
	assert.Nil(t, Permanent("delete", nil))
}
