package security

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrCipher is returned for any encryption or decryption failure,
// including tampered or truncated ciphertext.
var ErrCipher = errors.New("invalid ciphertext or key")

// Cipher encrypts serialized session blobs at rest using
// XChaCha20-Poly1305. Backends that hold raw token material in an
// external store (Redis) wrap values with it when a key is configured.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher returns a Cipher for the given 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext with a random nonce and returns a base64
// string carrying nonce||ciphertext.
func (c *Cipher) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := c.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Returns ErrCipher for malformed or
// tampered input.
func (c *Cipher) Decrypt(encoded string) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrCipher
	}
	if len(sealed) < c.aead.NonceSize() {
		return nil, ErrCipher
	}
	nonce, ciphertext := sealed[:c.aead.NonceSize()], sealed[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrCipher
	}
	return plaintext, nil
}
