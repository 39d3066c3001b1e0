package manifest

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const integrityPrefix = "sha256-"

// ErrIntegrityMismatch indicates plugin bytes do not match the declared digest.
var ErrIntegrityMismatch = errors.New("integrity mismatch")

// ParseIntegrity extracts the digest from a "sha256-<digest>" value.
func ParseIntegrity(integrity string) (string, bool) {
	if !strings.HasPrefix(integrity, integrityPrefix) {
		return "", false
	}
	digest := strings.TrimPrefix(integrity, integrityPrefix)
	if digest == "" {
		return "", false
	}
	return digest, true
}

// Digest returns the integrity value for data in its base64 form.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return integrityPrefix + base64.StdEncoding.EncodeToString(sum[:])
}

// VerifyIntegrity checks data against an expected digest. The digest may be
// base64 (subresource-integrity style) or lowercase hex.
func VerifyIntegrity(expected string, data []byte) error {
	sum := sha256.Sum256(data)
	b64 := base64.StdEncoding.EncodeToString(sum[:])
	if expected == b64 || strings.EqualFold(expected, hex.EncodeToString(sum[:])) {
		return nil
	}
	return fmt.Errorf("%w: expected sha256-%s, got sha256-%s", ErrIntegrityMismatch, expected, b64)
}
