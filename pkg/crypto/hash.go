package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
)

// Hash returns SHA-256 of data
func Hash(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

// RandomBytes returns n bytes from the system CSPRNG
func RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// VerifyHash reports whether SHA-256(data) equals expected, in constant time
func VerifyHash(data []byte, expected []byte) bool {
	return hmac.Equal(Hash(data), expected)
}
