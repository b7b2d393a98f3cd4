// Package channel implements symmetric packet encryption between two ADNL
// peers, both for the implicit per-identity key and for negotiated
// session channels.
package channel

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/ZentaChain/adnl/pkg/crypto"
	"github.com/ZentaChain/adnl/pkg/handshake"
)

var (
	ErrShortPacket    = errors.New("packet too short")
	ErrWrongRecipient = errors.New("packet addressed to another key")
)

// HeaderSize is the recipient id plus the checksum
const HeaderSize = crypto.KeyIDSize + sha256.Size

// Channel encrypts packets for one recipient id under one shared key
type Channel struct {
	key []byte
	id  crypto.KeyID
}

// New creates a channel that addresses packets to recipient
func New(key []byte, recipient crypto.KeyID) (*Channel, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: channel key must be 32 bytes", crypto.ErrInvalidKey)
	}
	return &Channel{key: append([]byte(nil), key...), id: recipient}, nil
}

// ID returns the recipient id written in front of every packet
func (c *Channel) ID() crypto.KeyID {
	return c.id
}

// Encrypt returns recipient(32) ++ sha256(plaintext) ++ ciphertext
func (c *Channel) Encrypt(plaintext []byte) ([]byte, error) {
	body, err := Seal(c.key, plaintext)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, crypto.KeyIDSize+len(body))
	out = append(out, c.id[:]...)
	return append(out, body...), nil
}

// Decrypt reverses Encrypt and fails closed on any integrity mismatch
func (c *Channel) Decrypt(wire []byte) ([]byte, error) {
	if len(wire) < HeaderSize {
		return nil, ErrShortPacket
	}
	if !bytes.Equal(wire[:crypto.KeyIDSize], c.id[:]) {
		return nil, ErrWrongRecipient
	}
	return Open(c.key, wire[crypto.KeyIDSize:])
}

// Seal encrypts plaintext under key and returns checksum(32) ++ ciphertext
func Seal(key, plaintext []byte) ([]byte, error) {
	checksum := sha256.Sum256(plaintext)
	stream, err := handshake.PacketCipher(key, checksum[:])
	if err != nil {
		return nil, err
	}
	out := make([]byte, sha256.Size+len(plaintext))
	copy(out, checksum[:])
	stream.XORKeyStream(out[sha256.Size:], plaintext)
	return out, nil
}

// Open decrypts checksum(32) ++ ciphertext and verifies the checksum
func Open(key, body []byte) ([]byte, error) {
	if len(body) < sha256.Size {
		return nil, ErrShortPacket
	}
	checksum := body[:sha256.Size]
	stream, err := handshake.PacketCipher(key, checksum)
	if err != nil {
		return nil, err
	}
	plaintext := make([]byte, len(body)-sha256.Size)
	stream.XORKeyStream(plaintext, body[sha256.Size:])

	if !crypto.VerifyHash(plaintext, checksum) {
		return nil, crypto.ErrIntegrityCheckFailed
	}
	return plaintext, nil
}

// Pair is a negotiated session channel: In decrypts packets from the peer,
// Out encrypts packets to it.
type Pair struct {
	In  *Channel
	Out *Channel

	// LocalKey is the ephemeral key this side announced
	LocalKey ed25519.PublicKey
	// RemoteKey is the ephemeral key the peer announced
	RemoteKey ed25519.PublicKey
}

// Negotiate derives the channel pair from the two ephemeral keys. The
// identity key-ids order the peers: the lower id receives with the secret
// and sends with its byte reversal, the higher id the other way round.
func Negotiate(ephemeral *crypto.Identity, remoteKey ed25519.PublicKey, localID, remoteID crypto.KeyID) (*Pair, error) {
	secret, err := ephemeral.SharedKey(remoteKey)
	if err != nil {
		return nil, err
	}
	reversed := make([]byte, len(secret))
	for i := range secret {
		reversed[len(secret)-1-i] = secret[i]
	}

	inKey, outKey := secret, secret
	switch bytes.Compare(localID[:], remoteID[:]) {
	case -1:
		outKey = reversed
	case 1:
		inKey = reversed
	}

	in, err := New(inKey, sha256.Sum256(inKey))
	if err != nil {
		return nil, err
	}
	out, err := New(outKey, sha256.Sum256(outKey))
	if err != nil {
		return nil, err
	}
	return &Pair{
		In:        in,
		Out:       out,
		LocalKey:  ephemeral.PublicKey(),
		RemoteKey: append(ed25519.PublicKey(nil), remoteKey...),
	}, nil
}
