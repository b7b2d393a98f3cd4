package protocol

import (
	"github.com/ZentaChain/adnl/pkg/tl"
)

// TL constructor names used by the message layer
const (
	TypePubEd25519     = "pub.ed25519"
	TypeIDShort        = "adnl.id.short"
	TypeAddressUDP     = "adnl.address.udp"
	TypeAddressUDP6    = "adnl.address.udp6"
	TypeAddressList    = "adnl.addressList"
	TypeCreateChannel  = "adnl.message.createChannel"
	TypeConfirmChannel = "adnl.message.confirmChannel"
	TypeCustom         = "adnl.message.custom"
	TypeNop            = "adnl.message.nop"
	TypeReinit         = "adnl.message.reinit"
	TypeQuery          = "adnl.message.query"
	TypeAnswer         = "adnl.message.answer"
	TypePart           = "adnl.message.part"
	TypePacketContents = "adnl.packetContents"
	TypePing           = "tcp.ping"
	TypePong           = "tcp.pong"
	TypeAuthRequest    = "tcp.authentificate"
	TypeAuthNonce      = "tcp.authentificationNonce"
	TypeAuthComplete   = "tcp.authentificationComplete"
)

// DefaultSchema is the TL schema of the ADNL message layer
const DefaultSchema = `
pub.ed25519 key:int256 = PublicKey;

adnl.id.short id:int256 = adnl.id.Short;

adnl.address.udp ip:int port:int = adnl.Address;
adnl.address.udp6 ip:int128 port:int = adnl.Address;
adnl.addressList addrs:(vector adnl.Address) version:int reinit_date:int
    priority:int expire_at:int = adnl.AddressList;

adnl.message.createChannel key:int256 date:int = adnl.Message;
adnl.message.confirmChannel key:int256 peer_key:int256 date:int = adnl.Message;
adnl.message.custom data:bytes = adnl.Message;
adnl.message.nop = adnl.Message;
adnl.message.reinit date:int = adnl.Message;
adnl.message.query query_id:int256 query:bytes = adnl.Message;
adnl.message.answer query_id:int256 answer:bytes = adnl.Message;
adnl.message.part hash:int256 total_size:int offset:int data:bytes = adnl.Message;

adnl.packetContents
    rand1:bytes
    flags:#
    from:flags.0?PublicKey
    from_short:flags.1?adnl.id.short
    message:flags.2?adnl.Message
    messages:flags.3?(vector adnl.Message)
    address:flags.4?adnl.addressList
    priority_address:flags.5?adnl.addressList
    seqno:flags.6?long
    confirm_seqno:flags.7?long
    recv_addr_list_version:flags.8?int
    recv_priority_addr_list_version:flags.9?int
    reinit_date:flags.10?int
    dst_reinit_date:flags.10?int
    signature:flags.11?bytes
    rand2:bytes
    = adnl.PacketContents;

tcp.ping random_id:long = tcp.Pong;
tcp.pong random_id:long = tcp.Pong;
tcp.authentificate nonce:bytes = tcp.Message;
tcp.authentificationNonce nonce:bytes = tcp.Message;
tcp.authentificationComplete key:PublicKey signature:bytes = tcp.Message;
`

// opaqueFields carry application bytes or randomness and are never decoded
var opaqueFields = [][2]string{
	{TypeQuery, "query"},
	{TypeAnswer, "answer"},
	{TypeCustom, "data"},
	{TypePacketContents, "rand1"},
	{TypePacketContents, "rand2"},
	{TypePacketContents, "signature"},
	{TypeAuthRequest, "nonce"},
	{TypeAuthNonce, "nonce"},
	{TypeAuthComplete, "signature"},
}

// NewRegistry builds the registry used by transports. Payload fields are
// kept as raw bytes so packets re-serialize byte for byte.
func NewRegistry(opts ...tl.RegistryOption) (*tl.Registry, error) {
	return NewExtendedRegistry("", opts...)
}

// NewExtendedRegistry is NewRegistry with application schemas appended.
// Handlers are looked up by the names those schemas define.
func NewExtendedRegistry(extraSchema string, opts ...tl.RegistryOption) (*tl.Registry, error) {
	all := make([]tl.RegistryOption, 0, len(opaqueFields)+len(opts))
	for _, f := range opaqueFields {
		all = append(all, tl.WithUntouchable(f[0], f[1]))
	}
	return tl.NewRegistryFromText(DefaultSchema+"\n"+extraSchema, append(all, opts...)...)
}

// NewInspectRegistry builds a registry that decodes nested payloads where
// it can. It is meant for diagnostics, not for the wire path.
func NewInspectRegistry(extraSchema string) (*tl.Registry, error) {
	return tl.NewRegistryFromText(DefaultSchema + "\n" + extraSchema)
}

// MustNewRegistry is like NewRegistry but panics on error. The default
// schema is a constant, so failure means a programming error.
func MustNewRegistry() *tl.Registry {
	reg, err := NewRegistry()
	if err != nil {
		panic(err)
	}
	return reg
}
