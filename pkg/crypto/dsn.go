// Package crypto provides the secret handling used by the gateway: AES-256-GCM
// sealing of datasource connection strings and salted hashing of API keys.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

var (
	// ErrInvalidKey is returned when the encryption key is empty.
	ErrInvalidKey = errors.New("invalid encryption key: must not be empty")
	// ErrDecryptionFailed is returned when decryption fails due to invalid ciphertext or wrong key.
	ErrDecryptionFailed = errors.New("decryption failed: invalid ciphertext or wrong key")
)

const gcmTagSize = 16

// DSNCipher seals datasource connection strings at rest.
//
// Sealed values are base64(nonce || ciphertext || tag). Older rows hold
// base64(iv || tag || ciphertext) with a key derived as SHA-256(passphrase);
// Open accepts both layouts.
type DSNCipher struct {
	gcm       cipher.AEAD
	legacyGCM cipher.AEAD
}

// NewDSNCipher creates a cipher from a key string.
// The key can be:
//   - A base64-encoded 32-byte key (e.g., from: openssl rand -base64 32)
//   - Any passphrase (will be hashed to 32 bytes with SHA-256)
func NewDSNCipher(keyInput string) (*DSNCipher, error) {
	if keyInput == "" {
		return nil, ErrInvalidKey
	}

	hashed := sha256.Sum256([]byte(keyInput))
	key := hashed[:]
	if decoded, err := base64.StdEncoding.DecodeString(keyInput); err == nil && len(decoded) == 32 {
		key = decoded
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	legacy, err := newGCM(hashed[:])
	if err != nil {
		return nil, err
	}

	return &DSNCipher{gcm: gcm, legacyGCM: legacy}, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Seal encrypts a connection string. Empty strings are returned as-is.
func (c *DSNCipher) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := c.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal or by the legacy tag-first layout.
// Empty strings are returned as-is.
func (c *DSNCipher) Open(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}

	data, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("%w: base64 decode failed", ErrDecryptionFailed)
	}

	nonceSize := c.gcm.NonceSize()
	if len(data) < nonceSize+c.gcm.Overhead() {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}

	nonce := data[:nonceSize]
	if plaintext, err := c.gcm.Open(nil, nonce, data[nonceSize:], nil); err == nil {
		return string(plaintext), nil
	}

	// Legacy layout: iv || tag || ciphertext.
	tag := data[nonceSize : nonceSize+gcmTagSize]
	body := data[nonceSize+gcmTagSize:]
	reordered := make([]byte, 0, len(body)+len(tag))
	reordered = append(reordered, body...)
	reordered = append(reordered, tag...)
	if plaintext, err := c.legacyGCM.Open(nil, nonce, reordered, nil); err == nil {
		return string(plaintext), nil
	}

	return "", fmt.Errorf("%w: authentication failed", ErrDecryptionFailed)
}
