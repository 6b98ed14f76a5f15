// Package vault encrypts cluster credentials at rest with AES-256-GCM.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// KeySize is the required key length in bytes.
const KeySize = 32

// ErrInvalidKeyLength is returned by New for keys that are not KeySize bytes.
var ErrInvalidKeyLength = fmt.Errorf("encryption key must be exactly %d bytes", KeySize)

// ErrMalformedCiphertext is returned when stored ciphertext cannot be decoded.
var ErrMalformedCiphertext = errors.New("malformed ciphertext")

// Vault seals and opens credential strings. The output is
// base64(nonce || ciphertext || tag).
type Vault struct {
	aead cipher.AEAD
}

// New builds a Vault. Any key whose length is not KeySize is rejected.
func New(key []byte) (*Vault, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeyLength
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random nonce.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt. Tampered or truncated input
// fails authentication.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedCiphertext, err)
	}
	ns := v.aead.NonceSize()
	if len(raw) < ns+v.aead.Overhead() {
		return "", fmt.Errorf("%w: too short", ErrMalformedCiphertext)
	}
	plain, err := v.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plain), nil
}
