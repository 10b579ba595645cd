// Package crypto provides the credential primitives of the identity core:
// opaque token generation, client secret hashing and PKCE verification.
package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/alexedwards/argon2id"
)

// Entropy sizes in bytes before base64url encoding.
const (
	clientIDBytes  = 16
	secretBytes    = 32
	authCodeBytes  = 32
	opaqueTokBytes = 32
)

func randomURLSafe(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// GenerateClientID creates a new public client identifier.
func GenerateClientID() (string, error) {
	s, err := randomURLSafe(clientIDBytes)
	if err != nil {
		return "", err
	}
	return "hub_" + s, nil
}

// GenerateClientSecret creates a new client secret. The plaintext is returned
// exactly once; only the argon2id hash is ever persisted.
func GenerateClientSecret() (string, error) {
	return randomURLSafe(secretBytes)
}

// GenerateAuthCode creates a new authorization code string.
func GenerateAuthCode() (string, error) {
	return randomURLSafe(authCodeBytes)
}

// GenerateToken creates a new opaque access or refresh token string.
func GenerateToken() (string, error) {
	return randomURLSafe(opaqueTokBytes)
}

// HashSecret hashes a client secret with argon2id for storage.
func HashSecret(secret string) (string, error) {
	return argon2id.CreateHash(secret, argon2id.DefaultParams)
}

// VerifySecret reports whether secret matches the stored argon2id hash.
func VerifySecret(secret, hash string) bool {
	match, err := argon2id.ComparePasswordAndHash(secret, hash)
	return err == nil && match
}
