//go:build linux

package iface

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"
)

// NetlinkPlatform configures interfaces through rtnetlink.
type NetlinkPlatform struct{}

// NewPlatform returns the platform for this OS.
func NewPlatform() Platform {
	return NetlinkPlatform{}
}

func (NetlinkPlatform) link(name string) (netlink.Link, error) {
	l, err := netlink.LinkByName(name)
	if err != nil {
		return nil, fmt.Errorf("link %s: %w", name, err)
	}
	return l, nil
}

func (p NetlinkPlatform) SetMTU(name string, mtu int) error {
	l, err := p.link(name)
	if err != nil {
		return err
	}
	return netlink.LinkSetMTU(l, mtu)
}

func (p NetlinkPlatform) SetUp(name string) error {
	l, err := p.link(name)
	if err != nil {
		return err
	}
	return netlink.LinkSetUp(l)
}

func (p NetlinkPlatform) SetDown(name string) error {
	l, err := p.link(name)
	if err != nil {
		return err
	}
	return netlink.LinkSetDown(l)
}

func ipNet(prefix netip.Prefix) *net.IPNet {
	return &net.IPNet{
		IP:   net.IP(prefix.Addr().AsSlice()),
		Mask: net.CIDRMask(prefix.Bits(), prefix.Addr().BitLen()),
	}
}

func (p NetlinkPlatform) AddAddr(name string, local netip.Prefix, peer netip.Addr) error {
	l, err := p.link(name)
	if err != nil {
		return err
	}
	addr := &netlink.Addr{IPNet: ipNet(local)}
	if peer.IsValid() && !peer.IsUnspecified() {
		addr.Peer = ipNet(netip.PrefixFrom(peer, peer.BitLen()))
	}
	return netlink.AddrReplace(l, addr)
}

func (p NetlinkPlatform) DelAddr(name string, local netip.Prefix) error {
	l, err := p.link(name)
	if err != nil {
		return err
	}
	return netlink.AddrDel(l, &netlink.Addr{IPNet: ipNet(local)})
}
