// Package auth provides credential material generation and hashing shared by
// the app registry (client secrets) and the credential rotation manager
// (API keys). Plaintext credentials are returned exactly once; only SHA-256
// hashes are stored.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// ClientIDPrefix identifies CIDS client IDs
	ClientIDPrefix = "cids_"
	// SecretPrefix identifies CIDS client secrets
	SecretPrefix = "cids_sec_"
	// APIKeyPrefix identifies CIDS API keys
	APIKeyPrefix = "cids_key_"

	// secretLength is the number of random bytes in a credential (256 bits)
	secretLength = 32
)

// Generate creates a new credential with the given prefix.
// Format: <prefix><base64url(32 random bytes)>
func Generate(prefix string) (secret string, secretHash string, display string, err error) {
	randomBytes := make([]byte, secretLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	encoded := base64.RawURLEncoding.EncodeToString(randomBytes)
	full := prefix + encoded

	hash := sha256.Sum256([]byte(full))

	// Short display prefix for identification in listings
	display = prefix
	if len(encoded) >= 8 {
		display = prefix + encoded[:8]
	}

	return full, hex.EncodeToString(hash[:]), display, nil
}

// Hash computes the SHA-256 hash of a credential for lookup
func Hash(secret string) string {
	hash := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(hash[:])
}

// HashEqual compares a raw credential against a stored hash in constant time
func HashEqual(secret, storedHash string) bool {
	return subtle.ConstantTimeCompare([]byte(Hash(secret)), []byte(storedHash)) == 1
}

// ValidateFormat checks if a credential has the expected prefix and encoding
func ValidateFormat(secret, prefix string) error {
	if !strings.HasPrefix(secret, prefix) {
		return fmt.Errorf("credential must start with %q", prefix)
	}

	encoded := strings.TrimPrefix(secret, prefix)
	if len(encoded) == 0 {
		return fmt.Errorf("credential is too short")
	}

	if _, err := base64.RawURLEncoding.DecodeString(encoded); err != nil {
		return fmt.Errorf("invalid credential encoding: %w", err)
	}

	return nil
}

// NewClientID generates a new registered-app client ID.
// Client IDs are identifiers, not secrets; they are stored as-is.
func NewClientID() (string, error) {
	randomBytes := make([]byte, 12)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return ClientIDPrefix + hex.EncodeToString(randomBytes), nil
}
