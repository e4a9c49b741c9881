package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random identifier like "doc_9f86d081884c7d65".
// Prefixes keep ids self-describing in logs and foreign keys.
func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// ShortID returns an 8-byte hex id for request tracing and guest identities.
func ShortID() string {
	bytes := make([]byte, 8)
	_, _ = rand.Read(bytes)
	return hex.EncodeToString(bytes)
}
