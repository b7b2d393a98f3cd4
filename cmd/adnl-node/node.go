package main

import (
	"fmt"
	"net/netip"
	"os"
	"strings"

	"github.com/ZentaChain/adnl/pkg/config"
	"github.com/ZentaChain/adnl/pkg/network"
	"github.com/ZentaChain/adnl/pkg/protocol"
	"github.com/ZentaChain/adnl/pkg/storage"
	"github.com/ZentaChain/adnl/pkg/tl"
)

// readSchema returns the extra TL schemas named by node.schema_file
func readSchema(c *config.Config) (string, error) {
	if c.Node.SchemaFile == "" {
		return "", nil
	}
	data, err := os.ReadFile(c.Node.SchemaFile)
	if err != nil {
		return "", fmt.Errorf("failed to read schema file: %w", err)
	}
	return string(data), nil
}

// loadRegistry builds the wire registry with the configured schemas
func loadRegistry(c *config.Config) (*tl.Registry, error) {
	extra, err := readSchema(c)
	if err != nil {
		return nil, err
	}
	reg, err := protocol.NewExtendedRegistry(extra)
	if err != nil {
		return nil, fmt.Errorf("failed to build registry: %w", err)
	}
	return reg, nil
}

// nodeOptions maps the config onto transport options
func nodeOptions(c *config.Config, reg *tl.Registry) ([]network.Option, error) {
	advertised, err := advertisedAddresses(c.UDP.Advertise)
	if err != nil {
		return nil, err
	}
	return []network.Option{
		network.WithLogger(logger),
		network.WithRegistry(reg),
		network.WithPingTimeout(c.Node.PingTimeout),
		network.WithQueryTimeout(c.Node.QueryTimeout),
		network.WithHandshakeTimeout(c.TCP.HandshakeTimeout),
		network.WithKeepalive(c.TCP.Keepalive),
		network.WithWorkers(c.Node.Workers),
		network.WithMTU(c.UDP.MTU),
		network.WithReassemblyTTL(c.UDP.ReassemblyTTL),
		network.WithAdvertisedAddresses(advertised...),
	}, nil
}

// advertisedAddresses converts multiaddrs to IP endpoints. Names are not
// allowed since the address list carries raw IPs.
func advertisedAddresses(addrs []string) ([]netip.AddrPort, error) {
	out := make([]netip.AddrPort, 0, len(addrs))
	for _, a := range addrs {
		ma, err := storage.ParseAddress(a)
		if err != nil {
			return nil, err
		}
		_, hostport, err := storage.DialArgs(ma)
		if err != nil {
			return nil, err
		}
		ap, err := netip.ParseAddrPort(hostport)
		if err != nil {
			return nil, fmt.Errorf("advertised address %q must be an IP: %w", a, err)
		}
		out = append(out, ap)
	}
	return out, nil
}

// dialTarget resolves a peer entry to the host:port for the wanted network.
// A plain host:port fits either network.
func dialTarget(p config.PeerConfig, want string) (string, error) {
	_, ma, err := p.Resolve()
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(p.Address, "/") {
		return p.Address, nil
	}
	proto, hostport, err := storage.DialArgs(ma)
	if err != nil {
		return "", err
	}
	if proto != want {
		return "", fmt.Errorf("%s is a %s address, want %s", p.Address, proto, want)
	}
	return hostport, nil
}
