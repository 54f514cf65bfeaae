// Package crypto provides the binary codec and checksum utilities for folio storage.
package crypto

import (
	stdcrypto "crypto"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
)

// Digest algorithm names recorded next to every checksum.
const (
	AlgorithmSHA256 = "sha256"

	// AlgorithmXXHash64 is the degraded digest. It detects accidental corruption only
	// and offers no collision resistance.
	AlgorithmXXHash64 = "xxhash64"
)

// fallbackPrefix marks checksums produced by the degraded digest.
const fallbackPrefix = "xxh64:"

// Checksummer computes and validates payload digests.
type Checksummer struct {
	degraded bool
	logger   zerolog.Logger
}

// NewChecksummer creates a Checksummer using SHA-256 when the primitive is linked in,
// and the degraded digest otherwise.
func NewChecksummer(logger zerolog.Logger) *Checksummer {
	c := &Checksummer{
		degraded: !stdcrypto.SHA256.Available(),
		logger:   logger.With().Str("component", "checksum").Logger(),
	}
	if c.degraded {
		c.logger.Warn().Msg("SHA-256 unavailable, using non-cryptographic checksum for corruption detection only")
	}
	return c
}

// NewDegradedChecksummer creates a Checksummer that always emits the degraded digest.
func NewDegradedChecksummer(logger zerolog.Logger) *Checksummer {
	return &Checksummer{
		degraded: true,
		logger:   logger.With().Str("component", "checksum").Logger(),
	}
}

// Degraded reports whether new checksums use the degraded digest.
func (c *Checksummer) Degraded() bool {
	return c.degraded
}

// Generate returns the checksum of data and the algorithm that produced it.
func (c *Checksummer) Generate(data []byte) (checksum, algorithm string) {
	if c.degraded {
		return ComputeFallback(data), AlgorithmXXHash64
	}
	return ComputeSHA256(data), AlgorithmSHA256
}

// Validate recomputes the digest of data with the algorithm encoded in expected
// and compares. A SHA-256 checksum is always validated with SHA-256.
func (c *Checksummer) Validate(data []byte, expected string) bool {
	if expected == "" {
		return false
	}
	if strings.HasPrefix(expected, fallbackPrefix) {
		return ComputeFallback(data) == expected
	}
	return strings.EqualFold(ComputeSHA256(data), expected)
}

// ComputeSHA256 computes the hex-encoded SHA-256 hash of a byte slice.
func ComputeSHA256(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ComputeFallback computes the degraded xxhash64 digest of a byte slice.
func ComputeFallback(data []byte) string {
	return fmt.Sprintf("%s%016x", fallbackPrefix, xxhash.Sum64(data))
}
