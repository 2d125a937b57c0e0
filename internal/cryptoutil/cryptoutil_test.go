package cryptoutil

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	tests := []string{
		"",
		"a",
		"pairing token payload",
		strings.Repeat("long plaintext ", 512),
		"unicode: héllo wörld ∆",
	}

	key := make([]byte, 32)
	copy(key, "0123456789abcdef0123456789abcdef")

	for _, plaintext := range tests {
		ciphertext, err := Encrypt(plaintext, key)
		require.NoError(t, err)

		decrypted, err := Decrypt(ciphertext, key)
		require.NoError(t, err)
		assert.Equal(t, plaintext, decrypted)
	}
}

func TestDecryptWrongKeyFails(t *testing.T) {
	key := make([]byte, 32)
	copy(key, "0123456789abcdef0123456789abcdef")
	other := make([]byte, 32)
	copy(other, "fedcba9876543210fedcba9876543210")

	ciphertext, err := Encrypt("secret", key)
	require.NoError(t, err)

	// Wrong key must fail authentication, never return corrupted plaintext.
	_, err = Decrypt(ciphertext, other)
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func TestDecryptTamperedCiphertextFails(t *testing.T) {
	key := make([]byte, 32)
	copy(key, "0123456789abcdef0123456789abcdef")

	ciphertext, err := Encrypt("secret", key)
	require.NoError(t, err)

	// Flip one base64 character.
	tampered := []byte(ciphertext)
	if tampered[0] == 'A' {
		tampered[0] = 'B'
	} else {
		tampered[0] = 'A'
	}

	_, err = Decrypt(string(tampered), key)
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func TestDecryptGarbageFails(t *testing.T) {
	key := make([]byte, 32)

	_, err := Decrypt("not base64!!!", key)
	assert.ErrorIs(t, err, ErrDecryptFailed)

	_, err = Decrypt("c2hvcnQ=", key) // too short for iv+tag
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func TestKeyAgreement(t *testing.T) {
	host, err := GenerateKeyPair()
	require.NoError(t, err)
	client, err := GenerateKeyPair()
	require.NoError(t, err)

	hostKey, err := host.DeriveSharedKey(client.PublicKey())
	require.NoError(t, err)
	clientKey, err := client.DeriveSharedKey(host.PublicKey())
	require.NoError(t, err)

	assert.Equal(t, hostKey, clientKey)
	assert.Len(t, hostKey, 32)

	// A third party derives a different key.
	eve, err := GenerateKeyPair()
	require.NoError(t, err)
	eveKey, err := eve.DeriveSharedKey(host.PublicKey())
	require.NoError(t, err)
	assert.NotEqual(t, hostKey, eveKey)
}

func TestKeyAgreementEndToEndEncryption(t *testing.T) {
	host, err := GenerateKeyPair()
	require.NoError(t, err)
	client, err := GenerateKeyPair()
	require.NoError(t, err)

	hostKey, err := host.DeriveSharedKey(client.PublicKey())
	require.NoError(t, err)
	clientKey, err := client.DeriveSharedKey(host.PublicKey())
	require.NoError(t, err)

	ciphertext, err := Encrypt("issued-pairing-token", hostKey)
	require.NoError(t, err)

	plaintext, err := Decrypt(ciphertext, clientKey)
	require.NoError(t, err)
	assert.Equal(t, "issued-pairing-token", plaintext)
}

func TestDeriveSharedKeyRejectsBadPeerKey(t *testing.T) {
	host, err := GenerateKeyPair()
	require.NoError(t, err)

	_, err = host.DeriveSharedKey("%%% not base64 %%%")
	assert.Error(t, err)

	_, err = host.DeriveSharedKey("c2hvcnQ=") // valid base64, wrong length
	assert.Error(t, err)
}

func TestHashAndVerifyToken(t *testing.T) {
	hash := HashToken("my-token")
	assert.Len(t, hash, 64)
	assert.True(t, VerifyToken("my-token", hash))
	assert.False(t, VerifyToken("my-tokeN", hash))
	assert.False(t, VerifyToken("", hash))
}

func TestGenerateToken(t *testing.T) {
	tok, err := GenerateToken()
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{64}$`), tok)

	other, err := GenerateToken()
	require.NoError(t, err)
	assert.NotEqual(t, tok, other)
}

func TestGenerateSessionID(t *testing.T) {
	id, err := GenerateSessionID()
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{64}$`), id)
}

func TestGeneratePairingCode(t *testing.T) {
	for i := 0; i < 50; i++ {
		code, err := GeneratePairingCode()
		require.NoError(t, err)
		assert.Regexp(t, regexp.MustCompile(`^[0-9]{6}$`), code)
	}
}

func TestFingerprint(t *testing.T) {
	host, err := GenerateKeyPair()
	require.NoError(t, err)

	fp := Fingerprint(host.PublicKey())
	assert.Len(t, fp, 16)
	assert.Equal(t, fp, Fingerprint(host.PublicKey()))

	other, err := GenerateKeyPair()
	require.NoError(t, err)
	assert.NotEqual(t, fp, Fingerprint(other.PublicKey()))
}
