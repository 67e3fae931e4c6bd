package bridge

import (
	"crypto/rand"
)

const idAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
const idLength = 10

// NewRequestID returns a 10-character alphanumeric request identifier,
// the exact format the HTTP Surface's per-request log line uses.
func NewRequestID() string {
	buf := make([]byte, idLength)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand.Read on a supported platform does not fail in
		// practice; fall back to a fixed-but-valid id rather than
		// panicking a request path over it.
		copy(buf, "0000000000")
	}
	out := make([]byte, idLength)
	for i, b := range buf {
		out[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return string(out)
}
