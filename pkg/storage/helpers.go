package storage

import (
	"fmt"
	"net"
	"strconv"

	"github.com/multiformats/go-multiaddr"
)

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func intToBool(i int) bool {
	return i != 0
}

// ParseAddress accepts a multiaddr such as /ip4/1.2.3.4/udp/30303 or a
// plain host:port, which is taken as UDP
func ParseAddress(s string) (multiaddr.Multiaddr, error) {
	if len(s) > 0 && s[0] == '/' {
		ma, err := multiaddr.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
		}
		if _, _, err := DialArgs(ma); err != nil {
			return nil, err
		}
		return ma, nil
	}

	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("%w: bad port %q", ErrInvalidAddress, portStr)
	}
	return FormatAddress(host, port, "udp")
}

// FormatAddress builds the multiaddr of host:port over network ("udp" or
// "tcp")
func FormatAddress(host string, port int, network string) (multiaddr.Multiaddr, error) {
	if network != "udp" && network != "tcp" {
		return nil, fmt.Errorf("%w: unsupported network %q", ErrInvalidAddress, network)
	}
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("%w: port %d out of range", ErrInvalidAddress, port)
	}

	proto := "dns"
	if ip := net.ParseIP(host); ip != nil {
		proto = "ip6"
		if ip.To4() != nil {
			proto = "ip4"
		}
	}
	ma, err := multiaddr.NewMultiaddr(fmt.Sprintf("/%s/%s/%s/%d", proto, host, network, port))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	return ma, nil
}

// DialArgs returns the network and host:port a multiaddr points at
func DialArgs(ma multiaddr.Multiaddr) (network, hostport string, err error) {
	var host string
	for _, code := range []int{multiaddr.P_IP4, multiaddr.P_IP6, multiaddr.P_DNS, multiaddr.P_DNS4, multiaddr.P_DNS6} {
		if v, err := ma.ValueForProtocol(code); err == nil {
			host = v
			break
		}
	}
	if host == "" {
		return "", "", fmt.Errorf("%w: %s has no host", ErrInvalidAddress, ma)
	}

	for _, n := range []struct {
		code int
		name string
	}{{multiaddr.P_UDP, "udp"}, {multiaddr.P_TCP, "tcp"}} {
		if port, err := ma.ValueForProtocol(n.code); err == nil {
			return n.name, net.JoinHostPort(host, port), nil
		}
	}
	return "", "", fmt.Errorf("%w: %s has no udp or tcp port", ErrInvalidAddress, ma)
}
