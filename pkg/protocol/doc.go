// Package protocol defines the ADNL message layer on top of the TL codec.
//
// # Messages
//
// Every ADNL message is a boxed TL object of class adnl.Message (or one of
// the tcp.* control objects on stream connections). The package models them
// as a closed set of Go types implementing Message:
//
//   - Ping/Pong: liveness probe, correlated by a random 64-bit value
//   - Query/Answer: RPC, correlated by a random 32-byte query id
//   - Custom: fire-and-forget payload
//   - Part: one fragment of a message larger than the MTU
//   - CreateChannel/ConfirmChannel: negotiation of a session channel key
//   - Reinit: announces a new reinit date
//   - Nop: keeps a channel warm, carries nothing
//   - AuthRequest/AuthNonce/AuthComplete: optional client authentication
//     on TCP connections
//
// Query, Answer and Custom payloads are opaque to this package.
//
// # Datagram packets
//
// On UDP each datagram carries one encrypted adnl.packetContents object
// (see PacketContents). A packet identifies its sender either by the full
// public key, in which case it must be signed, or implicitly through the
// channel it was encrypted for.
//
// # Stream frames
//
// On TCP, after the handshake, both directions are a sequence of frames:
//
//	u32le size ++ nonce(32) ++ payload ++ sha256(nonce ++ payload)
//
// where the whole frame, size included, is passed through the direction's
// AES-CTR stream. A frame with an empty payload confirms the handshake.
//
// # Schema
//
// DefaultSchema holds the TL definitions the package needs; NewRegistry
// builds the immutable registry that transports share.
package protocol
