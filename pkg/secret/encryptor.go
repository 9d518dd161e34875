// Package secret encrypts provider service credentials at rest. The
// Encryptor is constructed once from the configured key and passed to
// the components that need it; there is no package-level key state.
package secret

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

// ErrInvalidEncrypted is returned when a ciphertext cannot be decrypted
// with the configured key, e.g. after a key rotation or data corruption.
var ErrInvalidEncrypted = errors.New("invalid encrypted data")

const (
	keySize   = 32
	nonceSize = 24
)

// salt is fixed so that the derived key is stable across restarts.
var kdfSalt = []byte("gosc-vms-credential")

type Encryptor struct {
	key [keySize]byte
}

func NewEncryptor(secretKey string) (*Encryptor, error) {
	if secretKey == "" {
		return nil, errors.New("empty secret key")
	}
	derived, err := scrypt.Key([]byte(secretKey), kdfSalt, 1<<15, 8, 1, keySize)
	if err != nil {
		return nil, err
	}
	e := &Encryptor{}
	copy(e.key[:], derived)
	return e, nil
}

// Encrypt seals the plaintext and returns a base64 token.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", err
	}
	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &e.key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Returns ErrInvalidEncrypted on any token
// that was not produced with the current key.
func (e *Encryptor) Decrypt(token string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil || len(raw) < nonceSize {
		return "", ErrInvalidEncrypted
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	opened, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &e.key)
	if !ok {
		return "", ErrInvalidEncrypted
	}
	return string(opened), nil
}
