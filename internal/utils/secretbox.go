package utils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrMalformedSecret is returned when a stored secret cannot be decoded or
// authenticated. It indicates data corruption rather than a transient
// failure: callers must surface it and must not retry.
var ErrMalformedSecret = errors.New("malformed stored secret")

// SecretBox seals and opens short secrets (gift card PINs) with AES-256-GCM.
// Sealed values are hex(nonce || ciphertext) so they fit in a VARCHAR
// column. A fresh random nonce is used for every Seal call.
type SecretBox struct {
	aead cipher.AEAD
}

// NewSecretBox builds a SecretBox from a hex-encoded 32-byte key.
func NewSecretBox(hexKey string) (*SecretBox, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode card key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("card key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &SecretBox{aead: aead}, nil
}

// Seal encrypts the plaintext and returns the hex-encoded sealed value.
func (b *SecretBox) Seal(plain string) (string, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := b.aead.Seal(nonce, nonce, []byte(plain), nil)
	return hex.EncodeToString(sealed), nil
}

// Open decrypts a sealed value produced by Seal. Any decoding or
// authentication failure is reported as ErrMalformedSecret.
func (b *SecretBox) Open(sealed string) (string, error) {
	raw, err := hex.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedSecret, err)
	}
	ns := b.aead.NonceSize()
	if len(raw) < ns {
		return "", fmt.Errorf("%w: value too short", ErrMalformedSecret)
	}
	plain, err := b.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedSecret, err)
	}
	return string(plain), nil
}
