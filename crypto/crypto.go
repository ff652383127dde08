// Package crypto seals OAuth session tokens at rest with AES-256-GCM.
// Sealed values are base64 text: nonce || ciphertext || tag.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// ErrOpen is returned when a sealed value fails authentication.
var ErrOpen = errors.New("decryption failed: authentication or integrity check failed")

// Cipher seals and opens byte slices with authenticated encryption.
type Cipher interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

// AESGCM is a Cipher over a single 256-bit key.
type AESGCM struct {
	aead cipher.AEAD
}

// NewAESGCM builds a cipher from a base64-encoded 32-byte key
// (openssl rand -base64 32).
func NewAESGCM(base64Key string) (*AESGCM, error) {
	if base64Key == "" {
		return nil, fmt.Errorf("encryption key is empty")
	}
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: base64 decode failed: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid encryption key: must be 32 bytes (256 bits), got %d bytes", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &AESGCM{aead: aead}, nil
}

// Seal encrypts plaintext under a fresh random nonce.
func (c *AESGCM) Seal(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("plaintext is empty")
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open verifies and decrypts a value produced by Seal.
func (c *AESGCM) Open(sealed []byte) ([]byte, error) {
	n := c.aead.NonceSize()
	if len(sealed) < n+c.aead.Overhead() {
		return nil, fmt.Errorf("ciphertext too short: got %d bytes", len(sealed))
	}
	plaintext, err := c.aead.Open(nil, sealed[:n], sealed[n:], nil)
	if err != nil {
		return nil, ErrOpen
	}
	return plaintext, nil
}

// SealString seals s for a text column. Empty input stays empty.
func SealString(c Cipher, s string) (string, error) {
	if s == "" {
		return "", nil
	}
	sealed, err := c.Seal([]byte(s))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// OpenString reverses SealString.
func OpenString(c Cipher, s string) (string, error) {
	if s == "" {
		return "", nil
	}
	sealed, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("base64 decode failed: %w", err)
	}
	plaintext, err := c.Open(sealed)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
