package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// NewAESCTR builds an AES-256-CTR keystream. The returned stream is stateful
// and must not be shared between goroutines without external locking.
func NewAESCTR(key, iv []byte) (cipher.Stream, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: aes key must be 32 bytes, got %d", ErrInvalidKey, len(key))
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("%w: iv must be %d bytes, got %d", ErrInvalidKey, aes.BlockSize, len(iv))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewCTR(block, iv), nil
}

// XORCTR encrypts or decrypts data in one shot with a fresh stream
func XORCTR(key, iv, data []byte) ([]byte, error) {
	stream, err := NewAESCTR(key, iv)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	stream.XORKeyStream(out, data)
	return out, nil
}
