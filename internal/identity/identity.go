// Package identity derives the deterministic identifiers that make
// re-ingestion idempotent: content fingerprints for change detection,
// chunk IDs bound to source position and embedding model, and the
// UUID-shaped point IDs the vector index requires.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"

	"github.com/google/uuid"
)

const (
	// ShortFingerprintLen is the number of hex characters kept by
	// ShortFingerprint. Enough to disambiguate in logs and reports.
	ShortFingerprintLen = 16

	// ChunkIDLen is the length of a chunk identifier in hex characters.
	ChunkIDLen = 32
)

// Fingerprint returns the hex-encoded SHA-256 of data. Files and forum
// posts are fingerprinted so unchanged content can be skipped on
// incremental runs.
func Fingerprint(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// ShortFingerprint truncates a fingerprint to ShortFingerprintLen hex
// characters for logging and status output.
func ShortFingerprint(fingerprint string) string {
	if len(fingerprint) <= ShortFingerprintLen {
		return fingerprint
	}
	return fingerprint[:ShortFingerprintLen]
}

// ChunkID returns the deterministic chunk identifier for a sub-chunk of a
// source unit. The ID covers the namespace, the source key, the sub-chunk
// index, and the embedding model, so re-embedding with a different model
// produces new IDs instead of overwriting vectors from the old one.
func ChunkID(namespace, sourceKey string, subIndex int, model string) string {
	input := namespace + "::" + sourceKey + "::" + strconv.Itoa(subIndex) + "::" + model
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:])[:ChunkIDLen]
}

// PointUUID shapes a chunk ID into an RFC 4122 UUID for vector index point
// identity. The chunk ID's own bytes become the UUID body with version and
// variant bits forced, so the mapping is deterministic and collision-free
// within a collection. IDs that are not ChunkIDLen hex characters are
// hashed first.
func PointUUID(chunkID string) string {
	raw, err := hex.DecodeString(chunkID)
	if err != nil || len(raw) != 16 {
		sum := sha256.Sum256([]byte(chunkID))
		raw = sum[:16]
	}
	raw[6] = (raw[6] & 0x0f) | 0x50
	raw[8] = (raw[8] & 0x3f) | 0x80
	var u uuid.UUID
	copy(u[:], raw)
	return u.String()
}
