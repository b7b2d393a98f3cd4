package protocol

import (
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/ZentaChain/adnl/pkg/crypto"
)

var (
	ErrFrameTooLarge  = errors.New("frame too large")
	ErrMalformedFrame = errors.New("malformed frame")
)

const (
	// MaxFrameSize bounds the encrypted length of one TCP frame
	MaxFrameSize = 16 << 20

	// FrameNonceSize is the random prefix of every frame
	FrameNonceSize = 32

	// FrameOverhead is the size of a frame with an empty payload
	FrameOverhead = FrameNonceSize + sha256.Size
)

// WriteFrame encrypts payload into one frame and writes it to w. The
// stream is advanced by exactly the frame length, so callers must
// serialize writes that share a stream.
func WriteFrame(w io.Writer, enc cipher.Stream, payload []byte) error {
	size := FrameOverhead + len(payload)
	if size > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}

	nonce, err := crypto.RandomBytes(FrameNonceSize)
	if err != nil {
		return fmt.Errorf("failed to generate frame nonce: %w", err)
	}

	buf := make([]byte, 4, 4+size)
	binary.LittleEndian.PutUint32(buf, uint32(size))
	buf = append(buf, nonce...)
	buf = append(buf, payload...)

	h := sha256.New()
	h.Write(buf[4:])
	buf = h.Sum(buf)

	enc.XORKeyStream(buf, buf)
	_, err = w.Write(buf)
	return err
}

// ReadFrame reads and decrypts one frame. An empty payload is returned for
// confirmation frames. ErrFrameTooLarge and ErrMalformedFrame leave the
// stream unusable; an integrity failure consumes exactly one frame.
func ReadFrame(r io.Reader, dec cipher.Stream) ([]byte, error) {
	var sizeBuf [4]byte
	if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
		return nil, err
	}
	dec.XORKeyStream(sizeBuf[:], sizeBuf[:])

	size := binary.LittleEndian.Uint32(sizeBuf[:])
	if size == 0 {
		return []byte{}, nil
	}
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	if size < FrameOverhead {
		return nil, fmt.Errorf("%w: size %d is below %d", ErrMalformedFrame, size, FrameOverhead)
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	dec.XORKeyStream(buf, buf)

	body := buf[:size-sha256.Size]
	if !crypto.VerifyHash(body, buf[size-sha256.Size:]) {
		return nil, crypto.ErrIntegrityCheckFailed
	}
	return body[FrameNonceSize:], nil
}
