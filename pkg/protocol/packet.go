package protocol

import (
	"crypto/ed25519"
	"fmt"

	"github.com/ZentaChain/adnl/pkg/crypto"
	"github.com/ZentaChain/adnl/pkg/tl"
)

// Flag bits of adnl.packetContents
const (
	FlagFrom             uint32 = 1 << 0
	FlagFromShort        uint32 = 1 << 1
	FlagMessage          uint32 = 1 << 2
	FlagMessages         uint32 = 1 << 3
	FlagAddress          uint32 = 1 << 4
	FlagPriorityAddress  uint32 = 1 << 5
	FlagSeqno            uint32 = 1 << 6
	FlagConfirmSeqno     uint32 = 1 << 7
	FlagRecvAddrVersion  uint32 = 1 << 8
	FlagRecvPriorVersion uint32 = 1 << 9
	FlagReinitDate       uint32 = 1 << 10
	FlagSignature        uint32 = 1 << 11
)

// PacketContents is the decrypted body of an ADNL datagram. Nil pointer
// fields are absent on the wire.
type PacketContents struct {
	Rand1 []byte

	From      ed25519.PublicKey
	FromShort *crypto.KeyID

	Messages []Message

	Address         *AddressList
	PriorityAddress *AddressList

	Seqno        *int64
	ConfirmSeqno *int64

	RecvAddrListVersion         *int32
	RecvPriorityAddrListVersion *int32

	// ReinitDate and DstReinitDate share one flag bit
	ReinitDate    *int32
	DstReinitDate *int32

	Signature []byte

	Rand2 []byte

	// wire is the object a received packet was decoded from. Signatures
	// are checked against it so that encodings the struct does not model
	// survive verification.
	wire tl.Object
}

// Marshal serializes the packet as a boxed adnl.packetContents
func (p *PacketContents) Marshal(reg *tl.Registry) ([]byte, error) {
	return reg.Serialize(TypePacketContents, p.object(true), true)
}

// SigningBytes is the serialization the signature covers: the packet with
// the signature field and its flag bit removed.
func (p *PacketContents) SigningBytes(reg *tl.Registry) ([]byte, error) {
	if p.wire == nil {
		return reg.Serialize(TypePacketContents, p.object(false), true)
	}
	obj := make(tl.Object, len(p.wire))
	for k, v := range p.wire {
		obj[k] = v
	}
	delete(obj, "signature")
	flags, _ := obj["flags"].(uint32)
	obj["flags"] = flags &^ FlagSignature
	return reg.Serialize(TypePacketContents, obj, true)
}

// Sign sets From to the identity's key and signs the packet
func (p *PacketContents) Sign(reg *tl.Registry, id *crypto.Identity) error {
	p.From = id.PublicKey()
	p.Signature = nil
	p.wire = nil
	data, err := p.SigningBytes(reg)
	if err != nil {
		return fmt.Errorf("failed to serialize packet for signing: %w", err)
	}
	p.Signature = id.Sign(data)
	return nil
}

// VerifySignature checks the signature against From
func (p *PacketContents) VerifySignature(reg *tl.Registry) error {
	if len(p.From) == 0 {
		return ErrMissingSender
	}
	if len(p.Signature) == 0 {
		return ErrNotSigned
	}
	data, err := p.SigningBytes(reg)
	if err != nil {
		return err
	}
	if !crypto.Verify(p.From, data, p.Signature) {
		return crypto.ErrSignatureInvalid
	}
	return nil
}

func (p *PacketContents) object(withSignature bool) tl.Object {
	var flags uint32
	obj := tl.Object{
		tl.TypeKey: TypePacketContents,
		"rand1":    nonNil(p.Rand1),
		"rand2":    nonNil(p.Rand2),
	}

	if len(p.From) > 0 {
		flags |= FlagFrom
		obj["from"] = publicKeyObject(p.From)
	}
	if p.FromShort != nil {
		flags |= FlagFromShort
		obj["from_short"] = tl.Object{tl.TypeKey: TypeIDShort, "id": p.FromShort[:]}
	}

	switch len(p.Messages) {
	case 0:
	case 1:
		flags |= FlagMessage
		obj["message"] = ToObject(p.Messages[0])
	default:
		flags |= FlagMessages
		msgs := make([]any, len(p.Messages))
		for i, m := range p.Messages {
			msgs[i] = ToObject(m)
		}
		obj["messages"] = msgs
	}

	if p.Address != nil {
		flags |= FlagAddress
		obj["address"] = p.Address.object()
	}
	if p.PriorityAddress != nil {
		flags |= FlagPriorityAddress
		obj["priority_address"] = p.PriorityAddress.object()
	}
	if p.Seqno != nil {
		flags |= FlagSeqno
		obj["seqno"] = *p.Seqno
	}
	if p.ConfirmSeqno != nil {
		flags |= FlagConfirmSeqno
		obj["confirm_seqno"] = *p.ConfirmSeqno
	}
	if p.RecvAddrListVersion != nil {
		flags |= FlagRecvAddrVersion
		obj["recv_addr_list_version"] = *p.RecvAddrListVersion
	}
	if p.RecvPriorityAddrListVersion != nil {
		flags |= FlagRecvPriorVersion
		obj["recv_priority_addr_list_version"] = *p.RecvPriorityAddrListVersion
	}
	if p.ReinitDate != nil || p.DstReinitDate != nil {
		flags |= FlagReinitDate
		obj["reinit_date"] = derefInt32(p.ReinitDate)
		obj["dst_reinit_date"] = derefInt32(p.DstReinitDate)
	}
	if withSignature && len(p.Signature) > 0 {
		flags |= FlagSignature
		obj["signature"] = p.Signature
	}

	obj["flags"] = flags
	return obj
}

// UnmarshalPacketContents parses a decrypted datagram body
func UnmarshalPacketContents(reg *tl.Registry, data []byte) (*PacketContents, error) {
	obj, n, err := reg.DeserializeObject(data)
	if err != nil {
		return nil, err
	}
	if obj.Type() != TypePacketContents {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrInvalidMessage, TypePacketContents, obj.Type())
	}
	if n != len(data) {
		return nil, fmt.Errorf("%w: %d trailing bytes after packet", ErrInvalidMessage, len(data)-n)
	}

	g := getter{reg: reg, obj: obj}
	p := &PacketContents{
		Rand1: g.bytes("rand1"),
		Rand2: g.bytes("rand2"),
		wire:  obj,
	}

	if _, ok := obj["from"]; ok {
		p.From = g.publicKey("from")
	}
	if short, ok := obj["from_short"].(tl.Object); ok {
		sg := getter{obj: short}
		var id crypto.KeyID
		copy(id[:], sg.fixed("id", crypto.KeyIDSize))
		if sg.err != nil {
			return nil, sg.err
		}
		p.FromShort = &id
	}

	if m, ok := obj["message"].(tl.Object); ok {
		msg, err := FromObject(reg, m)
		if err != nil {
			return nil, err
		}
		p.Messages = append(p.Messages, msg)
	}
	if items, ok := obj["messages"].([]any); ok {
		for _, item := range items {
			m, ok := item.(tl.Object)
			if !ok {
				return nil, fmt.Errorf("%w: message of type %T", ErrInvalidMessage, item)
			}
			msg, err := FromObject(reg, m)
			if err != nil {
				return nil, err
			}
			p.Messages = append(p.Messages, msg)
		}
	}

	if a, ok := obj["address"].(tl.Object); ok {
		if p.Address, err = addressListFrom(a); err != nil {
			return nil, err
		}
	}
	if a, ok := obj["priority_address"].(tl.Object); ok {
		if p.PriorityAddress, err = addressListFrom(a); err != nil {
			return nil, err
		}
	}

	if _, ok := obj["seqno"]; ok {
		p.Seqno = Int64(g.long("seqno"))
	}
	if _, ok := obj["confirm_seqno"]; ok {
		p.ConfirmSeqno = Int64(g.long("confirm_seqno"))
	}
	if _, ok := obj["recv_addr_list_version"]; ok {
		p.RecvAddrListVersion = Int32(g.integer("recv_addr_list_version"))
	}
	if _, ok := obj["recv_priority_addr_list_version"]; ok {
		p.RecvPriorityAddrListVersion = Int32(g.integer("recv_priority_addr_list_version"))
	}
	if _, ok := obj["reinit_date"]; ok {
		p.ReinitDate = Int32(g.integer("reinit_date"))
		p.DstReinitDate = Int32(g.integer("dst_reinit_date"))
	}
	if _, ok := obj["signature"]; ok {
		p.Signature = g.bytes("signature")
	}

	if g.err != nil {
		return nil, g.err
	}
	return p, nil
}

// Int64 returns a pointer to v
func Int64(v int64) *int64 { return &v }

// Int32 returns a pointer to v
func Int32(v int32) *int32 { return &v }

func derefInt32(v *int32) int32 {
	if v == nil {
		return 0
	}
	return *v
}
