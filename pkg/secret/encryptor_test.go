package secret

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	e, err := NewEncryptor("unit-test-key")
	require.NoError(t, err)

	token, err := e.Encrypt("sup3r-secret-password")
	require.NoError(t, err)
	assert.NotEqual(t, "sup3r-secret-password", token)

	got, err := e.Decrypt(token)
	require.NoError(t, err)
	assert.Equal(t, "sup3r-secret-password", got)

	// a fresh nonce makes every ciphertext distinct
	token2, err := e.Encrypt("sup3r-secret-password")
	require.NoError(t, err)
	assert.NotEqual(t, token, token2)
}

func TestDecryptWithWrongKey(t *testing.T) {
	e1, err := NewEncryptor("key-one")
	require.NoError(t, err)
	e2, err := NewEncryptor("key-two")
	require.NoError(t, err)

	token, err := e1.Encrypt("password")
	require.NoError(t, err)

	_, err = e2.Decrypt(token)
	assert.ErrorIs(t, err, ErrInvalidEncrypted)
}

func TestDecryptGarbage(t *testing.T) {
	e, err := NewEncryptor("key")
	require.NoError(t, err)

	_, err = e.Decrypt("not base64 at all!!")
	assert.ErrorIs(t, err, ErrInvalidEncrypted)

	_, err = e.Decrypt("c2hvcnQ=")
	assert.ErrorIs(t, err, ErrInvalidEncrypted)
}

func TestEmptyKeyRejected(t *testing.T) {
	_, err := NewEncryptor("")
	assert.Error(t, err)
}
