package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

const (
	// APIKeyBytes is the amount of randomness in a generated key.
	APIKeyBytes = 24
	// APIKeyPrefixLen is the number of leading characters kept for display.
	APIKeyPrefixLen = 8
)

// HashAPIKey returns the hex SHA-256 of "salt:key". Only this digest is stored.
func HashAPIKey(salt, key string) string {
	sum := sha256.Sum256([]byte(salt + ":" + key))
	return hex.EncodeToString(sum[:])
}

// GenerateAPIKey returns a new random key and its display prefix.
// The plaintext must be shown to the caller once and then discarded.
func GenerateAPIKey() (key, prefix string, err error) {
	buf := make([]byte, APIKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("failed to generate random key: %w", err)
	}
	key = base64.RawURLEncoding.EncodeToString(buf)
	return key, KeyPrefix(key), nil
}

// KeyPrefix returns the public display prefix of a key.
func KeyPrefix(key string) string {
	if len(key) <= APIKeyPrefixLen {
		return key
	}
	return key[:APIKeyPrefixLen]
}
