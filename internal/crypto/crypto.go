// Package crypto provides the cryptographic primitives used by the SPA-PQ
// gateway: ML-KEM-768 (FIPS 203) key encapsulation and HMAC-SHA-256 knock
// authentication, plus the small key-encoding helpers both daemon and
// client need to move keys between disk, base64 JSON fields and memory.
package crypto

import (
	"crypto/hmac"
	"crypto/mlkem"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
)

const (
	// PublicKeySize is the ML-KEM-768 encapsulation key size in bytes.
	PublicKeySize = 1184

	// PrivateKeySeedSize is the size of the seed crypto/mlkem uses to
	// represent an ML-KEM-768 decapsulation key. It expands deterministically
	// to the full FIPS 203 decapsulation key (2400 bytes) — see the key size
	// note in SPEC_FULL.md §4.2.
	PrivateKeySeedSize = 64

	// CiphertextSize is the ML-KEM-768 ciphertext size in bytes. The wire
	// protocol pins ct_len to exactly this value.
	CiphertextSize = 1088

	// SharedSecretSize is the ML-KEM-768 shared secret size in bytes.
	SharedSecretSize = 32

	// PSKSize is the required length of the pre-shared key.
	PSKSize = 32
)

// GenerateKeyPair generates a fresh ML-KEM-768 keypair. The returned
// decapsulation key's Bytes() is the PrivateKeySeedSize-byte seed persisted
// as the "private key file"; EncapsulationKey().Bytes() is the PublicKeySize
// public key.
func GenerateKeyPair() (*mlkem.DecapsulationKey768, error) {
	dk, err := mlkem.GenerateKey768()
	if err != nil {
		return nil, fmt.Errorf("generating ML-KEM-768 keypair: %w", err)
	}
	return dk, nil
}

// ParsePrivateKey reconstructs a decapsulation key from its persisted seed.
func ParsePrivateKey(seed []byte) (*mlkem.DecapsulationKey768, error) {
	if len(seed) != PrivateKeySeedSize {
		return nil, fmt.Errorf("KEM private key: want %d bytes, got %d", PrivateKeySeedSize, len(seed))
	}
	dk, err := mlkem.NewDecapsulationKey768(seed)
	if err != nil {
		return nil, fmt.Errorf("parsing KEM private key: %w", err)
	}
	return dk, nil
}

// ParsePublicKey reconstructs an encapsulation key from its raw bytes.
func ParsePublicKey(raw []byte) (*mlkem.EncapsulationKey768, error) {
	if len(raw) != PublicKeySize {
		return nil, fmt.Errorf("KEM public key: want %d bytes, got %d", PublicKeySize, len(raw))
	}
	ek, err := mlkem.NewEncapsulationKey768(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing KEM public key: %w", err)
	}
	return ek, nil
}

// Encapsulate performs ML-KEM-768 encapsulation against pub, returning the
// ciphertext to send on the wire and the shared secret to key the knock's MAC.
func Encapsulate(pub *mlkem.EncapsulationKey768) (ciphertext, sharedSecret []byte) {
	sharedSecret, ciphertext = pub.Encapsulate()
	return ciphertext, sharedSecret
}

// Decapsulate recovers the shared secret from a received ciphertext using
// the daemon's decapsulation key. A malformed ciphertext (wrong length,
// invalid encoding) is reported as decap_failed, the stable decision-log
// reason token for this failure mode.
func Decapsulate(priv *mlkem.DecapsulationKey768, ciphertext []byte) ([]byte, error) {
	ss, err := priv.Decapsulate(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decap_failed: %w", err)
	}
	return ss, nil
}

// ComputeTag computes the HMAC-SHA-256 authenticator over message, keyed by
// the KEM shared secret.
func ComputeTag(sharedSecret, message []byte) ([]byte, error) {
	mac := hmac.New(sha256.New, sharedSecret)
	if _, err := mac.Write(message); err != nil {
		return nil, fmt.Errorf("hmac_key: %w", err)
	}
	return mac.Sum(nil), nil
}

// VerifyTag reports whether tag is the correct HMAC-SHA-256 over message
// under sharedSecret, using a constant-time comparison.
func VerifyTag(sharedSecret, message, tag []byte) (bool, error) {
	expected, err := ComputeTag(sharedSecret, message)
	if err != nil {
		return false, err
	}
	return hmac.Equal(expected, tag), nil
}

// RandomNonce returns n cryptographically random bytes.
func RandomNonce(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("generating random nonce: %w", err)
	}
	return b, nil
}

// RandomPSK generates a fresh, uniformly random pre-shared key.
func RandomPSK() ([]byte, error) {
	return RandomNonce(PSKSize)
}

// EncodeKey base64-encodes a key for storage in JSON config files.
func EncodeKey(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

// DecodeKey base64-decodes a key read from a JSON config file.
func DecodeKey(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("base64 decode key: %w", err)
	}
	return b, nil
}

// FingerprintKey returns a short human-readable fingerprint (first 8 bytes
// of SHA-256, hex-encoded) of a public key, for operator-facing diagnostics.
// Never call this on secret key material.
func FingerprintKey(pub []byte) string {
	h := sha256.Sum256(pub)
	return fmt.Sprintf("%x", h[:8])
}
