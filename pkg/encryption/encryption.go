// Package encryption provides AES-GCM encryption for token material at rest.
// The key comes from the ENCRYPTION_KEY environment variable and must be
// exactly 32 bytes.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
	"os"
)

var (
	ErrKeyMissing = errors.New("ENCRYPTION_KEY environment variable not set")
	ErrKeyInvalid = errors.New("ENCRYPTION_KEY must be exactly 32 bytes long")
)

func loadKey() ([]byte, error) {
	key := os.Getenv("ENCRYPTION_KEY")
	if key == "" {
		return nil, ErrKeyMissing
	}

	if len(key) != 32 {
		return nil, ErrKeyInvalid
	}

	return []byte(key), nil
}

// Encrypt encrypts plaintext and returns base64(nonce || ciphertext).
func Encrypt(plaintext []byte) ([]byte, error) {
	key, err := loadKey()
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)

	out := make([]byte, base64.StdEncoding.EncodedLen(len(ciphertext)))
	base64.StdEncoding.Encode(out, ciphertext)

	return out, nil
}

// Decrypt reverses Encrypt.
func Decrypt(encoded []byte) ([]byte, error) {
	key, err := loadKey()
	if err != nil {
		return nil, err
	}

	ciphertext := make([]byte, base64.StdEncoding.DecodedLen(len(encoded)))
	n, err := base64.StdEncoding.Decode(ciphertext, encoded)
	if err != nil {
		return nil, err
	}

	ciphertext = ciphertext[:n]

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]

	return gcm.Open(nil, nonce, ciphertext, nil)
}
