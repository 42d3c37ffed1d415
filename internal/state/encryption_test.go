package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCipherFromEnv_NoKey(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "")

	c, err := CipherFromEnv()
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestSealOpen(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "my-super-secret-encryption-key!!")
	c, err := CipherFromEnv()
	require.NoError(t, err)
	require.NotNil(t, c)

	content := []byte(`{"records":{}}`)
	sealed, err := c.Seal(content)
	require.NoError(t, err)
	assert.NotEqual(t, content, sealed)
	assert.True(t, IsEncrypted(sealed))

	plain, err := c.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, content, plain)
}

func TestIsEncrypted(t *testing.T) {
	assert.True(t, IsEncrypted([]byte("# FLEETFORM_ENCRYPTED_STATE\nbase64data")))
	assert.False(t, IsEncrypted([]byte(`{"records":{}}`)))
	assert.False(t, IsEncrypted([]byte("")))
}

func TestOpen_WrongKey(t *testing.T) {
	right, err := NewCipher("correct-key-for-encryption!!!!!")
	require.NoError(t, err)
	wrong, err := NewCipher("wrong-key-for-encryption!!!!!!!")
	require.NoError(t, err)

	sealed, err := right.Seal([]byte("test data"))
	require.NoError(t, err)

	_, err = wrong.Open(sealed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wrong key")
}

func TestNewCipherEmptyKey(t *testing.T) {
	_, err := NewCipher("")
	assert.Error(t, err)
}
