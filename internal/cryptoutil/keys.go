// Package cryptoutil provides the cryptographic primitives behind device
// pairing and token authentication: X25519 key agreement, AES-256-GCM
// authenticated encryption, and token hashing/generation.
//
// Nothing in this package persists secret material. Key pairs are ephemeral
// and live only for the duration of a pairing attempt; tokens are stored
// exclusively as SHA-256 hashes.
package cryptoutil

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// sharedKeyInfo namespaces the HKDF derivation so the same X25519 secret
// can never collide with a key derived for another purpose.
const sharedKeyInfo = "agentport-pairing-v1"

// KeyPair is an ephemeral X25519 key pair used for one pairing attempt.
type KeyPair struct {
	private *ecdh.PrivateKey
}

// GenerateKeyPair creates a fresh X25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	return &KeyPair{private: priv}, nil
}

// PublicKey returns the base64-encoded public key for transmission.
func (kp *KeyPair) PublicKey() string {
	return base64.StdEncoding.EncodeToString(kp.private.PublicKey().Bytes())
}

// DeriveSharedKey computes the X25519 shared secret against the peer's
// base64-encoded public key and normalizes it to a 32-byte symmetric key
// via HKDF-SHA256.
func (kp *KeyPair) DeriveSharedKey(peerPublicKey string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(peerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode peer public key: %w", err)
	}
	peer, err := ecdh.X25519().NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid peer public key: %w", err)
	}
	secret, err := kp.private.ECDH(peer)
	if err != nil {
		return nil, fmt.Errorf("key agreement failed: %w", err)
	}

	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, secret, nil, []byte(sharedKeyInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	return key, nil
}

// Fingerprint reduces a base64-encoded public key to a short hex
// identifier for device listings and approval prompts.
func Fingerprint(publicKey string) string {
	raw, err := base64.StdEncoding.DecodeString(publicKey)
	if err != nil {
		raw = []byte(publicKey)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:8])
}
