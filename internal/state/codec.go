package state

import (
	"encoding/json"
	"fmt"

	"github.com/picklr-io/fleetform/internal/ir"
)

// codec turns records into stored bytes, encrypting when a cipher is set.
type codec struct {
	cipher *Cipher
}

func (c codec) encode(st *ir.ActualState) ([]byte, error) {
	raw, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("failed to encode state for %s: %w", st.ID, err)
	}
	if c.cipher == nil {
		return raw, nil
	}
	return c.cipher.Seal(raw)
}

func (c codec) decode(data []byte) (*ir.ActualState, error) {
	if IsEncrypted(data) {
		if c.cipher == nil {
			return nil, fmt.Errorf("state is encrypted but %s is not set", EncryptionKeyEnvVar)
		}
		plain, err := c.cipher.Open(data)
		if err != nil {
			return nil, err
		}
		data = plain
	}
	var st ir.ActualState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to decode state: %w", err)
	}
	return &st, nil
}
