package network

import (
	"errors"

	"github.com/ZentaChain/adnl/pkg/handshake"
	"github.com/ZentaChain/adnl/pkg/protocol"
)

var (
	ErrConnectFailed    = errors.New("connect failed")
	ErrHandshakeTimeout = errors.New("handshake timeout")
	ErrUnexpectedClose  = errors.New("connection closed unexpectedly")
	ErrTimeout          = errors.New("request timed out")
	ErrClosed           = errors.New("connection closed")
	ErrNotReady         = errors.New("connection not ready")
	ErrUnknownPeer      = errors.New("unknown peer")
	ErrDuplicateRequest = errors.New("duplicate request id")
	ErrAuthFailed       = errors.New("authentication failed")
	ErrPoolClosed       = errors.New("connection pool closed")
	ErrNoServers        = errors.New("no servers available")
	ErrAlreadyStarted   = errors.New("transport already started")

	// Re-exported so callers of this package need not import the codecs
	ErrHandshakeChecksumMismatch = handshake.ErrHandshakeChecksumMismatch
	ErrFrameTooLarge             = protocol.ErrFrameTooLarge
)
