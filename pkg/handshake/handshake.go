// Package handshake derives the symmetric ciphers ADNL peers use after key
// agreement: the per-packet cipher of the datagram transport and the 256-byte
// handshake that bootstraps a TCP connection.
package handshake

import (
	"bytes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/ZentaChain/adnl/pkg/crypto"
)

var (
	ErrHandshakeChecksumMismatch = errors.New("handshake checksum mismatch")
	ErrUnknownRecipient          = errors.New("handshake addressed to unknown key")
	ErrInvalidPacket             = errors.New("invalid handshake packet")
)

const (
	// PacketSize is the fixed length of a TCP handshake packet
	PacketSize = 256

	// SeedSize is the random material that keys both session ciphers
	SeedSize = 160
)

// Keys are the two persistent session ciphers of a TCP connection
type Keys struct {
	Read  cipher.Stream
	Write cipher.Stream
}

// Handshake is the client side of a TCP handshake
type Handshake struct {
	packet []byte
	keys   *Keys
}

// NewClientHandshake prepares the handshake packet addressed to serverPub.
// The server is addressed by the TL key-id of its public key.
func NewClientHandshake(local *crypto.Identity, serverPub ed25519.PublicKey) (*Handshake, error) {
	seed, err := crypto.RandomBytes(SeedSize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate handshake seed: %w", err)
	}
	return newClientHandshake(local, serverPub, seed)
}

func newClientHandshake(local *crypto.Identity, serverPub ed25519.PublicKey, seed []byte) (*Handshake, error) {
	shared, err := local.SharedKey(serverPub)
	if err != nil {
		return nil, err
	}

	checksum := sha256.Sum256(seed)
	encrypted, err := xorBootstrap(shared, checksum[:], seed)
	if err != nil {
		return nil, err
	}

	recipient := crypto.TLKeyIDOf(serverPub)
	packet := make([]byte, 0, PacketSize)
	packet = append(packet, recipient[:]...)
	packet = append(packet, local.PublicKey()...)
	packet = append(packet, checksum[:]...)
	packet = append(packet, encrypted...)

	keys, err := sessionKeys(seed, false)
	if err != nil {
		return nil, err
	}
	return &Handshake{packet: packet, keys: keys}, nil
}

// Packet returns the 256 bytes to send to the server
func (h *Handshake) Packet() []byte {
	return h.packet
}

// Keys returns the client's session ciphers
func (h *Handshake) Keys() *Keys {
	return h.keys
}

// ReadServerHandshake validates a handshake packet received by local and
// returns the server-side session ciphers and the client's public key.
func ReadServerHandshake(local *crypto.Identity, packet []byte) (*Keys, ed25519.PublicKey, error) {
	if len(packet) != PacketSize {
		return nil, nil, fmt.Errorf("%w: %d bytes", ErrInvalidPacket, len(packet))
	}

	recipient := crypto.TLKeyIDOf(local.PublicKey())
	if !bytes.Equal(packet[:32], recipient[:]) {
		return nil, nil, ErrUnknownRecipient
	}

	clientPub := ed25519.PublicKey(append([]byte(nil), packet[32:64]...))
	checksum := packet[64:96]

	shared, err := local.SharedKey(clientPub)
	if err != nil {
		return nil, nil, err
	}

	seed, err := xorBootstrap(shared, checksum, packet[96:])
	if err != nil {
		return nil, nil, err
	}
	if !crypto.VerifyHash(seed, checksum) {
		return nil, nil, ErrHandshakeChecksumMismatch
	}

	keys, err := sessionKeys(seed, true)
	if err != nil {
		return nil, nil, err
	}
	return keys, clientPub, nil
}

// xorBootstrap applies the cipher that protects the handshake seed:
// key = shared[0:16] ++ checksum[16:32], iv = checksum[0:4] ++ shared[20:32]
func xorBootstrap(shared, checksum, data []byte) ([]byte, error) {
	key := make([]byte, 0, 32)
	key = append(key, shared[0:16]...)
	key = append(key, checksum[16:32]...)

	iv := make([]byte, 0, 16)
	iv = append(iv, checksum[0:4]...)
	iv = append(iv, shared[20:32]...)

	return crypto.XORCTR(key, iv, data)
}

// sessionKeys builds the connection ciphers from the seed. The client reads
// with seed[0:32]/seed[64:80] and writes with seed[32:64]/seed[80:96]; the
// server uses the mirror image.
func sessionKeys(seed []byte, server bool) (*Keys, error) {
	first, err := crypto.NewAESCTR(seed[0:32], seed[64:80])
	if err != nil {
		return nil, err
	}
	second, err := crypto.NewAESCTR(seed[32:64], seed[80:96])
	if err != nil {
		return nil, err
	}
	if server {
		return &Keys{Read: second, Write: first}, nil
	}
	return &Keys{Read: first, Write: second}, nil
}

// PacketCipher returns the stream that protects one datagram: the shared
// key with the first half of the plaintext checksum as IV.
func PacketCipher(shared, checksum []byte) (cipher.Stream, error) {
	if len(checksum) < 16 {
		return nil, fmt.Errorf("%w: checksum of %d bytes", ErrInvalidPacket, len(checksum))
	}
	return crypto.NewAESCTR(shared, checksum[:16])
}
