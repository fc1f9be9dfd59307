package shared

import (
	"crypto/rand"
	"encoding/base64"
)

// RandString returns a base64 encoded string of n random bytes.
func RandString(n int) string {
	b := make([]byte, n)
	// from crypto/rand docs: on return, len(b) == n if and only if err == nil
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
