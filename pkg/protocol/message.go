package protocol

import (
	"crypto/ed25519"
	"fmt"

	"github.com/ZentaChain/adnl/pkg/tl"
)

// Message is one of the ADNL message variants
type Message interface {
	// TypeName is the TL constructor name of the message
	TypeName() string
	fields() tl.Object
}

// Ping asks the peer to echo Value back in a Pong
type Ping struct {
	Value int64
}

// Pong answers a Ping
type Pong struct {
	Value int64
}

// Query is an RPC request with an opaque payload
type Query struct {
	ID      QueryID
	Payload []byte
}

// Answer carries the response to the Query with the same ID
type Answer struct {
	ID      QueryID
	Payload []byte
}

// Custom is a one-way message with an opaque payload
type Custom struct {
	Payload []byte
}

// Part is a fragment of a serialized message larger than the MTU
type Part struct {
	Hash      [32]byte
	TotalSize int32
	Offset    int32
	Data      []byte
}

// CreateChannel proposes an ephemeral channel key
type CreateChannel struct {
	Key  []byte
	Date int32
}

// ConfirmChannel accepts a proposed channel and returns the responder's key
type ConfirmChannel struct {
	Key     []byte
	PeerKey []byte
	Date    int32
}

// Nop carries nothing
type Nop struct{}

// Reinit announces that the sender restarted at Date
type Reinit struct {
	Date int32
}

// AuthRequest starts authentication on a TCP connection
type AuthRequest struct {
	Nonce []byte
}

// AuthNonce is the server's half of the authentication nonce
type AuthNonce struct {
	Nonce []byte
}

// AuthComplete proves possession of Key by signing both nonces
type AuthComplete struct {
	Key       ed25519.PublicKey
	Signature []byte
}

func (*Ping) TypeName() string           { return TypePing }
func (*Pong) TypeName() string           { return TypePong }
func (*Query) TypeName() string          { return TypeQuery }
func (*Answer) TypeName() string         { return TypeAnswer }
func (*Custom) TypeName() string         { return TypeCustom }
func (*Part) TypeName() string           { return TypePart }
func (*CreateChannel) TypeName() string  { return TypeCreateChannel }
func (*ConfirmChannel) TypeName() string { return TypeConfirmChannel }
func (*Nop) TypeName() string            { return TypeNop }
func (*Reinit) TypeName() string         { return TypeReinit }
func (*AuthRequest) TypeName() string    { return TypeAuthRequest }
func (*AuthNonce) TypeName() string      { return TypeAuthNonce }
func (*AuthComplete) TypeName() string   { return TypeAuthComplete }

func (m *Ping) fields() tl.Object { return tl.Object{"random_id": m.Value} }
func (m *Pong) fields() tl.Object { return tl.Object{"random_id": m.Value} }

func (m *Query) fields() tl.Object {
	return tl.Object{"query_id": m.ID[:], "query": nonNil(m.Payload)}
}

func (m *Answer) fields() tl.Object {
	return tl.Object{"query_id": m.ID[:], "answer": nonNil(m.Payload)}
}

func (m *Custom) fields() tl.Object { return tl.Object{"data": nonNil(m.Payload)} }

func (m *Part) fields() tl.Object {
	return tl.Object{
		"hash":       m.Hash[:],
		"total_size": m.TotalSize,
		"offset":     m.Offset,
		"data":       nonNil(m.Data),
	}
}

func (m *CreateChannel) fields() tl.Object {
	return tl.Object{"key": m.Key, "date": m.Date}
}

func (m *ConfirmChannel) fields() tl.Object {
	return tl.Object{"key": m.Key, "peer_key": m.PeerKey, "date": m.Date}
}

func (m *Nop) fields() tl.Object    { return tl.Object{} }
func (m *Reinit) fields() tl.Object { return tl.Object{"date": m.Date} }

func (m *AuthRequest) fields() tl.Object { return tl.Object{"nonce": nonNil(m.Nonce)} }
func (m *AuthNonce) fields() tl.Object   { return tl.Object{"nonce": nonNil(m.Nonce)} }

func (m *AuthComplete) fields() tl.Object {
	return tl.Object{
		"key":       publicKeyObject(m.Key),
		"signature": nonNil(m.Signature),
	}
}

// ToObject returns the message as a boxed TL object
func ToObject(m Message) tl.Object {
	obj := m.fields()
	obj[tl.TypeKey] = m.TypeName()
	return obj
}

// EncodeMessage serializes a message as a boxed TL object
func EncodeMessage(reg *tl.Registry, m Message) ([]byte, error) {
	return reg.Serialize(m.TypeName(), m.fields(), true)
}

// DecodeMessage parses a boxed message that must fill data exactly
func DecodeMessage(reg *tl.Registry, data []byte) (Message, error) {
	obj, n, err := reg.DeserializeObject(data)
	if err != nil {
		return nil, err
	}
	if n != len(data) {
		return nil, fmt.Errorf("%w: %d trailing bytes after %s", ErrInvalidMessage, len(data)-n, obj.Type())
	}
	return FromObject(reg, obj)
}

// FromObject converts a decoded TL object into its message type
func FromObject(reg *tl.Registry, obj tl.Object) (Message, error) {
	g := getter{reg: reg, obj: obj}

	var m Message
	switch obj.Type() {
	case TypePing:
		m = &Ping{Value: g.long("random_id")}
	case TypePong:
		m = &Pong{Value: g.long("random_id")}
	case TypeQuery:
		q := &Query{Payload: g.bytes("query")}
		copy(q.ID[:], g.fixed("query_id", QueryIDSize))
		m = q
	case TypeAnswer:
		a := &Answer{Payload: g.bytes("answer")}
		copy(a.ID[:], g.fixed("query_id", QueryIDSize))
		m = a
	case TypeCustom:
		m = &Custom{Payload: g.bytes("data")}
	case TypePart:
		p := &Part{
			TotalSize: g.integer("total_size"),
			Offset:    g.integer("offset"),
			Data:      g.bytes("data"),
		}
		copy(p.Hash[:], g.fixed("hash", 32))
		m = p
	case TypeCreateChannel:
		m = &CreateChannel{Key: g.fixed("key", 32), Date: g.integer("date")}
	case TypeConfirmChannel:
		m = &ConfirmChannel{Key: g.fixed("key", 32), PeerKey: g.fixed("peer_key", 32), Date: g.integer("date")}
	case TypeNop:
		m = &Nop{}
	case TypeReinit:
		m = &Reinit{Date: g.integer("date")}
	case TypeAuthRequest:
		m = &AuthRequest{Nonce: g.bytes("nonce")}
	case TypeAuthNonce:
		m = &AuthNonce{Nonce: g.bytes("nonce")}
	case TypeAuthComplete:
		m = &AuthComplete{Key: g.publicKey("key"), Signature: g.bytes("signature")}
	default:
		return nil, fmt.Errorf("%w: %s is not a message", ErrInvalidMessage, obj.Type())
	}

	if g.err != nil {
		return nil, g.err
	}
	return m, nil
}

func publicKeyObject(key ed25519.PublicKey) tl.Object {
	return tl.Object{tl.TypeKey: TypePubEd25519, "key": []byte(key)}
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

// getter reads typed fields from a decoded object and keeps the first error
type getter struct {
	reg *tl.Registry
	obj tl.Object
	err error
}

func (g *getter) fail(field, want string) {
	if g.err == nil {
		g.err = fmt.Errorf("%w: %s.%s is not %s", ErrInvalidMessage, g.obj.Type(), field, want)
	}
}

func (g *getter) long(field string) int64 {
	v, ok := g.obj[field].(int64)
	if !ok {
		g.fail(field, "long")
	}
	return v
}

func (g *getter) integer(field string) int32 {
	v, ok := g.obj[field].(int32)
	if !ok {
		g.fail(field, "int")
	}
	return v
}

func (g *getter) fixed(field string, size int) []byte {
	v, ok := g.obj[field].([]byte)
	if !ok || len(v) != size {
		g.fail(field, fmt.Sprintf("%d bytes", size))
		return make([]byte, size)
	}
	return v
}

// bytes accepts raw bytes or an object that was decoded from them
func (g *getter) bytes(field string) []byte {
	switch v := g.obj[field].(type) {
	case []byte:
		return v
	case tl.Object:
		b, err := g.reg.SerializeObject(v)
		if err != nil && g.err == nil {
			g.err = err
		}
		return b
	}
	g.fail(field, "bytes")
	return nil
}

func (g *getter) publicKey(field string) ed25519.PublicKey {
	obj, ok := g.obj[field].(tl.Object)
	if !ok || obj.Type() != TypePubEd25519 {
		g.fail(field, TypePubEd25519)
		return nil
	}
	key, ok := obj["key"].([]byte)
	if !ok || len(key) != ed25519.PublicKeySize {
		g.fail(field, TypePubEd25519)
		return nil
	}
	return ed25519.PublicKey(key)
}
