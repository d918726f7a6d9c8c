package util

import (
	"fmt"
	"hash/fnv"

	"github.com/google/uuid"
)

// Fingerprint returns a short, non-reversible tag for a key so logs can tell
// sessions apart without printing secrets.
func Fingerprint(key []byte) string {
	h := fnv.New32a()
	h.Write(key)
	return fmt.Sprintf("%08x", h.Sum32())
}

// NewClientID returns a fresh random client id.
func NewClientID() string {
	return uuid.NewString()
}
