package certificate

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Fingerprint is the lowercase hex SHA-256 digest of an artifact.
type Fingerprint string

// FingerprintOf computes the fingerprint of data. Empty input is a valid artifact.
func FingerprintOf(data []byte) Fingerprint {
	sum := sha256.Sum256(data)
	return Fingerprint(hex.EncodeToString(sum[:]))
}

// ParseFingerprint normalises user input into a Fingerprint.
func ParseFingerprint(s string) (Fingerprint, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "0x")
	if len(s) != sha256.Size*2 {
		return "", fmt.Errorf("%w: expected %d hex characters, got %d", ErrInvalidFingerprint, sha256.Size*2, len(s))
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidFingerprint, err)
	}
	return Fingerprint(s), nil
}

func (f Fingerprint) String() string {
	return string(f)
}
