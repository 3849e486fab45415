package cryptor

import (
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// SHA1Hex returns the lowercase hex SHA-1 of s. Bundle passwords are derived
// this way; changing it invalidates every stored bundle
func SHA1Hex(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// SHA256Hex returns the lowercase hex SHA-256 of s
func SHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// DeriveKey derives the user key that protects the encryption-key bundle
// from the password the user unlocks with and the device fingerprint
func DeriveKey(password, deviceFingerprint string) string {
	return SHA256Hex(password + ":" + deviceFingerprint)
}

// RandomBytes returns n bytes from crypto/rand
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// RandomHex returns 2n hex characters of randomness
func RandomHex(n int) (string, error) {
	b, err := RandomBytes(n)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// TimingSafeEqual compares two byte slices in constant time
func TimingSafeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// Zero overwrites b with zeros
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
