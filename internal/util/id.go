// Package util holds tiny helpers shared across the service.
package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns an opaque random identifier, optionally prefixed, for
// naming runtime entities such as connections.
func NewID(prefix string) string {
	bytes := make([]byte, 12)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}
