package session

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// idBytes is the entropy of a session identifier: 128 bits, well beyond
// brute-force range for the population of live sessions at any moment.
const idBytes = 16

// newSessionID returns a fresh unguessable session identifier.
//
// The identifier is 16 bytes from crypto/rand, base64url-encoded without
// padding (22 characters), so it is safe to embed in cookies, headers, and
// file names without escaping.
func newSessionID() (string, error) {
	b := make([]byte, idBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
