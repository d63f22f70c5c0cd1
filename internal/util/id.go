package util

import (
	"crypto/rand"
	"encoding/base64"
)

// NewID returns 16 random bytes as unpadded URL-safe base64, for request ids
// and OAuth state.
func NewID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
