// Package fragment splits serialized messages that exceed the MTU into
// adnl.message.part fragments and reassembles them on the receiving side.
package fragment

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/ZentaChain/adnl/pkg/protocol"
)

var (
	ErrTooLarge    = errors.New("message too large")
	ErrInvalidMTU  = errors.New("invalid mtu")
	ErrInvalidPart = errors.New("invalid part")
)

const (
	// MTUConservative fits a packet in any path without IP fragmentation
	MTUConservative = 1024
	// MTURelaxed fits a standard Ethernet frame
	MTURelaxed = 1430
	// HugePacketMaxSize caps the MTU, the size of a single part. Whole
	// messages may be up to MaxParts times the MTU in use.
	HugePacketMaxSize = 8320

	// MaxParts bounds the number of fragments of one message
	MaxParts = 32
	// MaxMessageSize is the largest message a reassembler accepts
	MaxMessageSize = MaxParts * HugePacketMaxSize
)

// MaxPayload returns the largest payload Split accepts for mtu
func MaxPayload(mtu int) int {
	return MaxParts * mtu
}

// Split cuts payload into ceil(len/mtu) parts sharing the payload's
// SHA-256. An empty payload yields one empty part.
func Split(payload []byte, mtu int) ([]*protocol.Part, error) {
	if mtu <= 0 || mtu > HugePacketMaxSize {
		return nil, fmt.Errorf("%w: %d", ErrInvalidMTU, mtu)
	}
	if len(payload) > MaxPayload(mtu) {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d at mtu %d", ErrTooLarge, len(payload), MaxPayload(mtu), mtu)
	}

	hash := sha256.Sum256(payload)
	count := (len(payload) + mtu - 1) / mtu
	if count == 0 {
		count = 1
	}

	parts := make([]*protocol.Part, 0, count)
	for off := 0; off < len(payload) || len(parts) == 0; off += mtu {
		end := off + mtu
		if end > len(payload) {
			end = len(payload)
		}
		parts = append(parts, &protocol.Part{
			Hash:      hash,
			TotalSize: int32(len(payload)),
			Offset:    int32(off),
			Data:      payload[off:end],
		})
	}
	return parts, nil
}
