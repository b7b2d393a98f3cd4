package protocol

import (
	"encoding/hex"
	"errors"

	"github.com/ZentaChain/adnl/pkg/crypto"
)

var (
	ErrInvalidMessage = errors.New("invalid message")
	ErrMissingSender  = errors.New("packet has no sender")
	ErrNotSigned      = errors.New("packet is not signed")
)

// QueryIDSize is the length of a query id
const QueryIDSize = 32

// QueryID correlates a Query with its Answer
type QueryID [QueryIDSize]byte

// NewQueryID returns a fresh random query id
func NewQueryID() (QueryID, error) {
	var id QueryID
	b, err := crypto.RandomBytes(QueryIDSize)
	if err != nil {
		return id, err
	}
	copy(id[:], b)
	return id, nil
}

// String returns the hex form of the id
func (q QueryID) String() string {
	return hex.EncodeToString(q[:])
}

// RandomPadding returns the 15 random bytes carried in rand1/rand2
func RandomPadding() []byte {
	b, err := crypto.RandomBytes(15)
	if err != nil {
		// padding only hides packet lengths, zeros are still valid
		return make([]byte, 15)
	}
	return b
}
