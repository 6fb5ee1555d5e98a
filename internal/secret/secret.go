// Package secret seals venue credentials at rest with NaCl secretbox.
package secret

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

const keySize = 32

var (
	// ErrInvalidKey is returned for keys that are not 32 bytes (raw or base64).
	ErrInvalidKey = errors.New("secret: key must be 32 bytes")

	// ErrOpenFailed is returned when a sealed payload fails authentication.
	ErrOpenFailed = errors.New("secret: cannot open sealed payload")
)

// Box seals and opens payloads. A Box without a key, or a nil Box, passes
// payloads through unchanged.
type Box struct {
	key *[keySize]byte
}

// NewBox builds a Box from key, given raw (32 bytes) or base64 encoded.
// An empty key yields a pass-through Box.
func NewBox(key string) (*Box, error) {
	if key == "" {
		return &Box{}, nil
	}
	raw := []byte(key)
	if len(raw) != keySize {
		decoded, err := base64.StdEncoding.DecodeString(key)
		if err != nil {
			if decoded, err = base64.URLEncoding.DecodeString(key); err != nil {
				return nil, ErrInvalidKey
			}
		}
		raw = decoded
	}
	if len(raw) != keySize {
		return nil, ErrInvalidKey
	}
	var k [keySize]byte
	copy(k[:], raw)
	return &Box{key: &k}, nil
}

// Enabled reports whether payloads are actually encrypted.
func (b *Box) Enabled() bool { return b != nil && b.key != nil }

// Seal encrypts payload into a base64 string (nonce || box).
func (b *Box) Seal(payload string) (string, error) {
	if !b.Enabled() {
		return payload, nil
	}
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("secret: nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(payload), &nonce, b.key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal.
func (b *Box) Open(sealed string) (string, error) {
	if !b.Enabled() {
		return sealed, nil
	}
	data, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil || len(data) < 24 {
		return "", ErrOpenFailed
	}
	var nonce [24]byte
	copy(nonce[:], data[:24])
	out, ok := secretbox.Open(nil, data[24:], &nonce, b.key)
	if !ok {
		return "", ErrOpenFailed
	}
	return string(out), nil
}
