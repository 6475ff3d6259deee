package iface

import (
	"net"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// Protocol returns the PPP protocol for a raw IP datagram.
func Protocol(pkt []byte) (uint16, bool) {
	if len(pkt) < 1 {
		return 0, false
	}
	switch pkt[0] >> 4 {
	case 4:
		return ProtoIP, true
	case 6:
		return ProtoIPv6, true
	default:
		return 0, false
	}
}

// Triggers reports whether an outbound datagram should bring the bundle
// up. Local scope traffic never dials.
func Triggers(pkt []byte) bool {
	proto, ok := Protocol(pkt)
	if !ok {
		return false
	}
	if proto == ProtoIP {
		h, err := ipv4.ParseHeader(pkt)
		if err != nil || h.Dst == nil {
			return false
		}
		return routable(h.Dst) && !h.Dst.Equal(net.IPv4bcast)
	}
	h, err := ipv6.ParseHeader(pkt)
	if err != nil || h.Dst == nil {
		return false
	}
	return routable(h.Dst)
}

func routable(ip net.IP) bool {
	return !ip.IsUnspecified() && !ip.IsLoopback() && !ip.IsMulticast() &&
		!ip.IsLinkLocalUnicast() && !ip.IsLinkLocalMulticast()
}
