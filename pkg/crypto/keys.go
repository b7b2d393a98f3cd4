package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/curve25519"
)

var (
	ErrInvalidKey           = errors.New("invalid key")
	ErrIntegrityCheckFailed = errors.New("integrity check failed")
	ErrSignatureInvalid     = errors.New("signature invalid")
)

// PubEd25519ID is the TL constructor id of pub.ed25519 key:int256 = PublicKey.
const PubEd25519ID uint32 = 0x4813b4c6

// KeyIDSize is the length of a key-id in bytes
const KeyIDSize = 32

// KeyID is the content address of a public key
type KeyID [KeyIDSize]byte

// String returns the hex form of the key-id
func (k KeyID) String() string {
	return hex.EncodeToString(k[:])
}

// Identity is an Ed25519 keypair together with its X25519 counterpart.
// It is immutable once created.
type Identity struct {
	seed    []byte
	private ed25519.PrivateKey
	public  ed25519.PublicKey

	xPrivate []byte
	xPublic  []byte
	keyID    KeyID
}

// GenerateIdentity creates an identity from a fresh random seed
func GenerateIdentity() (*Identity, error) {
	seed, err := RandomBytes(ed25519.SeedSize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate seed: %w", err)
	}
	return IdentityFromSeed(seed)
}

// IdentityFromSeed derives an identity from a 32-byte Ed25519 seed
func IdentityFromSeed(seed []byte) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: seed must be %d bytes, got %d", ErrInvalidKey, ed25519.SeedSize, len(seed))
	}

	private := ed25519.NewKeyFromSeed(seed)
	public := private.Public().(ed25519.PublicKey)

	xPrivate, xPublic, err := deriveX25519(seed, public)
	if err != nil {
		return nil, err
	}

	return &Identity{
		seed:     append([]byte(nil), seed...),
		private:  private,
		public:   public,
		xPrivate: xPrivate,
		xPublic:  xPublic,
		keyID:    KeyIDOf(public),
	}, nil
}

// IdentityFromBase64 decodes a base64 seed
func IdentityFromBase64(s string) (*Identity, error) {
	seed, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return IdentityFromSeed(seed)
}

// deriveX25519 maps the Ed25519 keypair onto Curve25519.
// The scalar is the first half of SHA-512(seed); X25519 clamps it itself.
func deriveX25519(seed []byte, public ed25519.PublicKey) ([]byte, []byte, error) {
	h := sha512.Sum512(seed)
	xPrivate := append([]byte(nil), h[:32]...)

	xPublic, err := MontgomeryPublicKey(public)
	if err != nil {
		return nil, nil, err
	}
	return xPrivate, xPublic, nil
}

// MontgomeryPublicKey converts an Ed25519 public key to its X25519 form (u = (1+y)/(1-y))
func MontgomeryPublicKey(public ed25519.PublicKey) ([]byte, error) {
	if len(public) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: public key must be %d bytes", ErrInvalidKey, ed25519.PublicKeySize)
	}
	p, err := new(edwards25519.Point).SetBytes(public)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return p.BytesMontgomery(), nil
}

// PublicKey returns the raw Ed25519 public key
func (id *Identity) PublicKey() ed25519.PublicKey {
	return id.public
}

// Seed returns a copy of the private seed
func (id *Identity) Seed() []byte {
	return append([]byte(nil), id.seed...)
}

// X25519PublicKey returns the Montgomery form of the public key
func (id *Identity) X25519PublicKey() []byte {
	return id.xPublic
}

// KeyID returns SHA-256 of the raw public key
func (id *Identity) KeyID() KeyID {
	return id.keyID
}

// Equal reports whether both identities share the same public key
func (id *Identity) Equal(other *Identity) bool {
	if other == nil {
		return false
	}
	return bytes.Equal(id.public, other.public)
}

// Sign produces a 64-byte Ed25519 signature
func (id *Identity) Sign(data []byte) []byte {
	return ed25519.Sign(id.private, data)
}

// SharedKey computes X25519(local private, remote public) for an Ed25519 peer key
func (id *Identity) SharedKey(remote ed25519.PublicKey) ([]byte, error) {
	xRemote, err := MontgomeryPublicKey(remote)
	if err != nil {
		return nil, err
	}
	shared, err := curve25519.X25519(id.xPrivate, xRemote)
	if err != nil {
		return nil, fmt.Errorf("failed to compute shared key: %w", err)
	}
	return shared, nil
}

// Verify checks an Ed25519 signature
func Verify(public ed25519.PublicKey, data, signature []byte) bool {
	if len(public) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(public, data, signature)
}

// KeyIDOf returns SHA-256 of the raw public key
func KeyIDOf(public ed25519.PublicKey) KeyID {
	return sha256.Sum256(public)
}

// TLKeyIDOf hashes the boxed pub.ed25519 object, which is how TCP servers address themselves
func TLKeyIDOf(public ed25519.PublicKey) KeyID {
	buf := make([]byte, 4, 4+len(public))
	binary.LittleEndian.PutUint32(buf, PubEd25519ID)
	buf = append(buf, public...)
	return sha256.Sum256(buf)
}

// ParsePublicKey decodes a base64 Ed25519 public key
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: public key must be %d bytes, got %d", ErrInvalidKey, ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}
