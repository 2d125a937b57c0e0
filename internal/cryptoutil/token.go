package cryptoutil

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
)

// HashToken hashes a token for storage. Only the hash is ever persisted.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// VerifyToken checks a raw token against a stored hash in constant time.
func VerifyToken(token, storedHash string) bool {
	computed := HashToken(token)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(storedHash)) == 1
}

// GenerateToken returns a 32-byte cryptographically random token,
// hex-encoded to 64 characters.
func GenerateToken() (string, error) {
	return randomHex(32)
}

// GenerateSessionID returns a random session identifier (64 hex chars).
func GenerateSessionID() (string, error) {
	return randomHex(32)
}

// GenerateNonce returns a random challenge nonce (32 hex chars).
func GenerateNonce() (string, error) {
	return randomHex(16)
}

// GeneratePairingCode returns a cryptographically random 6-digit code,
// zero-padded, for display to the local user.
func GeneratePairingCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", fmt.Errorf("failed to generate pairing code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

func randomHex(size int) (string, error) {
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
