package encryption

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecrypt(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", "0123456789abcdef0123456789abcdef")

	plaintext := []byte("super-secret-access-token")

	encrypted, err := Encrypt(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, encrypted)

	decrypted, err := Decrypt(encrypted)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestEncryptRandomizesNonce(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", "0123456789abcdef0123456789abcdef")

	a, err := Encrypt([]byte("same input"))
	require.NoError(t, err)

	b, err := Encrypt([]byte("same input"))
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestKeyValidation(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", "")

	_, err := Encrypt([]byte("x"))
	assert.ErrorIs(t, err, ErrKeyMissing)

	t.Setenv("ENCRYPTION_KEY", "too-short")

	_, err = Encrypt([]byte("x"))
	assert.ErrorIs(t, err, ErrKeyInvalid)
}
