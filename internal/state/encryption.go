package state

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
)

const (
	// EncryptionKeyEnvVar is the environment variable for the state encryption key.
	EncryptionKeyEnvVar = "FLEETFORM_STATE_ENCRYPTION_KEY"

	encryptedHeader = "# FLEETFORM_ENCRYPTED_STATE\n"
)

// Cipher seals state payloads with AES-256-GCM.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a cipher from a passphrase. Keys shorter than 32 bytes
// are zero padded, longer ones truncated.
func NewCipher(passphrase string) (*Cipher, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("encryption key is empty")
	}
	key := make([]byte, 32)
	copy(key, passphrase)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Cipher{aead: gcm}, nil
}

// CipherFromEnv returns a cipher for EncryptionKeyEnvVar, or nil when unset.
func CipherFromEnv() (*Cipher, error) {
	key := os.Getenv(EncryptionKeyEnvVar)
	if key == "" {
		return nil, nil
	}
	return NewCipher(key)
}

// Seal encrypts content and prefixes the encrypted-state header.
func (c *Cipher) Seal(content []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, content, nil)
	return []byte(encryptedHeader + base64.StdEncoding.EncodeToString(sealed) + "\n"), nil
}

// Open reverses Seal.
func (c *Cipher) Open(content []byte) ([]byte, error) {
	encoded := bytes.TrimSpace(bytes.TrimPrefix(content, []byte(encryptedHeader)))
	sealed, err := base64.StdEncoding.DecodeString(string(encoded))
	if err != nil {
		return nil, fmt.Errorf("failed to decode encrypted state: %w", err)
	}
	n := c.aead.NonceSize()
	if len(sealed) < n {
		return nil, fmt.Errorf("ciphertext too short")
	}
	plain, err := c.aead.Open(nil, sealed[:n], sealed[n:], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt state (wrong key?): %w", err)
	}
	return plain, nil
}

// IsEncrypted checks if state content is encrypted.
func IsEncrypted(content []byte) bool {
	return bytes.HasPrefix(content, []byte(encryptedHeader))
}
