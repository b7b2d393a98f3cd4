package protocol

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/ZentaChain/adnl/pkg/tl"
)

// AddressList is the set of addresses a node reports as reachable
type AddressList struct {
	Addrs      []netip.AddrPort
	Version    int32
	ReinitDate int32
	Priority   int32
	ExpireAt   int32
}

func (l *AddressList) object() tl.Object {
	addrs := make([]any, 0, len(l.Addrs))
	for _, a := range l.Addrs {
		ip := a.Addr()
		if ip.Is4() {
			b := ip.As4()
			addrs = append(addrs, tl.Object{
				tl.TypeKey: TypeAddressUDP,
				"ip":       int32(binary.BigEndian.Uint32(b[:])),
				"port":     int32(a.Port()),
			})
			continue
		}
		b := ip.As16()
		addrs = append(addrs, tl.Object{
			tl.TypeKey: TypeAddressUDP6,
			"ip":       b[:],
			"port":     int32(a.Port()),
		})
	}
	return tl.Object{
		tl.TypeKey:    TypeAddressList,
		"addrs":       addrs,
		"version":     l.Version,
		"reinit_date": l.ReinitDate,
		"priority":    l.Priority,
		"expire_at":   l.ExpireAt,
	}
}

func addressListFrom(obj tl.Object) (*AddressList, error) {
	g := getter{obj: obj}
	l := &AddressList{
		Version:    g.integer("version"),
		ReinitDate: g.integer("reinit_date"),
		Priority:   g.integer("priority"),
		ExpireAt:   g.integer("expire_at"),
	}
	if g.err != nil {
		return nil, g.err
	}

	items, _ := obj["addrs"].([]any)
	for i, item := range items {
		a, ok := item.(tl.Object)
		if !ok {
			return nil, fmt.Errorf("%w: address %d is %T", ErrInvalidMessage, i, item)
		}
		ag := getter{obj: a}
		port := uint16(ag.integer("port"))
		switch a.Type() {
		case TypeAddressUDP:
			var b [4]byte
			binary.BigEndian.PutUint32(b[:], uint32(ag.integer("ip")))
			l.Addrs = append(l.Addrs, netip.AddrPortFrom(netip.AddrFrom4(b), port))
		case TypeAddressUDP6:
			var b [16]byte
			copy(b[:], ag.fixed("ip", 16))
			l.Addrs = append(l.Addrs, netip.AddrPortFrom(netip.AddrFrom16(b), port))
		default:
			// other address kinds (tunnels, reverse) are not reachable over plain UDP
			continue
		}
		if ag.err != nil {
			return nil, ag.err
		}
	}
	return l, nil
}
