// Package sha256 derives deterministic document identifiers from SHA-256 digests.
package sha256

import (
	"crypto/sha256"
	"encoding/base64"
)

// Hasher implements ingest.Hasher with URL-safe, unpadded base64 SHA-256 digests.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash digests data and renders it as unpadded URL-safe base64.
func (h *Hasher) Hash(data []byte) (string, error) {
	return encode(data), nil
}

// DocumentID returns the stable primary key for a resource URL.
func DocumentID(url string) string {
	return encode([]byte(url))
}

func encode(data []byte) string {
	sum := sha256.Sum256(data)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
