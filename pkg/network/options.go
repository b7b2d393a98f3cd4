package network

import (
	"net/netip"
	"time"

	"go.uber.org/zap"

	"github.com/ZentaChain/adnl/pkg/crypto"
	"github.com/ZentaChain/adnl/pkg/fragment"
	"github.com/ZentaChain/adnl/pkg/tl"
)

// Defaults for transports and clients
const (
	DefaultPingTimeout      = 5 * time.Second
	DefaultQueryTimeout     = 15 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultWorkers          = 64
	DefaultHealthInterval   = 30 * time.Second
)

type options struct {
	logger   *zap.Logger
	registry *tl.Registry
	metrics  *Metrics
	identity *crypto.Identity

	pingTimeout      time.Duration
	queryTimeout     time.Duration
	handshakeTimeout time.Duration
	keepalive        time.Duration
	healthInterval   time.Duration

	mtu           int
	workers       int
	reassemblyTTL time.Duration
	addresses     []netip.AddrPort
}

func defaultOptions() options {
	return options{
		logger:           zap.NewNop(),
		pingTimeout:      DefaultPingTimeout,
		queryTimeout:     DefaultQueryTimeout,
		handshakeTimeout: DefaultHandshakeTimeout,
		healthInterval:   DefaultHealthInterval,
		mtu:              fragment.MTUConservative,
		workers:          DefaultWorkers,
		reassemblyTTL:    fragment.DefaultTTL,
	}
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Option configures transports, clients and servers
type Option func(*options)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithRegistry injects the TL registry. Without it each component builds
// the default ADNL registry once.
func WithRegistry(reg *tl.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithMetrics enables Prometheus metrics
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithIdentity sets the local key of a TCP client. Clients generate an
// ephemeral key otherwise.
func WithIdentity(id *crypto.Identity) Option {
	return func(o *options) { o.identity = id }
}

// WithPingTimeout overrides the ping deadline
func WithPingTimeout(d time.Duration) Option {
	return func(o *options) { o.pingTimeout = d }
}

// WithQueryTimeout overrides the query deadline
func WithQueryTimeout(d time.Duration) Option {
	return func(o *options) { o.queryTimeout = d }
}

// WithHandshakeTimeout overrides how long a TCP handshake may take
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) { o.handshakeTimeout = d }
}

// WithKeepalive makes TCP clients ping the server every interval
func WithKeepalive(interval time.Duration) Option {
	return func(o *options) { o.keepalive = interval }
}

// WithHealthInterval sets how often a ClientPool prunes dead clients
func WithHealthInterval(d time.Duration) Option {
	return func(o *options) { o.healthInterval = d }
}

// WithMTU sets the size above which UDP messages are fragmented
func WithMTU(mtu int) Option {
	return func(o *options) { o.mtu = mtu }
}

// WithWorkers bounds the number of query and custom handlers running at once
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// WithReassemblyTTL sets how long partial fragmented messages are kept
func WithReassemblyTTL(d time.Duration) Option {
	return func(o *options) { o.reassemblyTTL = d }
}

// WithAdvertisedAddresses sets the addresses a UDP transport reports to peers
func WithAdvertisedAddresses(addrs ...netip.AddrPort) Option {
	return func(o *options) { o.addresses = addrs }
}
