// Package iface manages the system network interface a bundle carries
// traffic for: a TUN device moving IP datagrams, netlink configuration of
// MTU, addresses and link state, and dial-on-demand classification of
// outbound packets while the bundle is down.
package iface

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"sync"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/mpd/pkg/event"
)

// PPP protocol numbers of the datagrams the interface carries.
const (
	ProtoIP   = 0x0021
	ProtoIPv6 = 0x0057
)

// ErrNotSupported is returned by the platform stub.
var ErrNotSupported = errors.New("iface: not supported on this platform")

// Platform configures a kernel interface.
type Platform interface {
	SetMTU(name string, mtu int) error
	SetUp(name string) error
	SetDown(name string) error
	AddAddr(name string, local netip.Prefix, peer netip.Addr) error
	DelAddr(name string, local netip.Prefix) error
}

// Iface is the system side of a bundle. Its methods run on the event
// loop; the TUN reader posts packets to it.
type Iface struct {
	name     string
	loop     *event.Loop
	platform Platform
	tun      io.ReadWriteCloser
	log      *zap.Logger

	up      bool
	ready   bool
	mtu     int
	ipUp    bool
	ipv6Up  bool
	self    netip.Prefix
	self6   netip.Prefix
	stopped sync.Once

	send   func(proto uint16, pkt []byte) error
	demand func()

	Stats Stats
}

// Stats counts datagrams crossing the interface.
type Stats struct {
	In       uint64
	Out      uint64
	Dropped  uint64
	Triggers uint64
}

// New wraps an already open TUN device. tun may be nil when the bundle
// carries no traffic locally.
func New(name string, loop *event.Loop, platform Platform, tun io.ReadWriteCloser, logger *zap.Logger) *Iface {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Iface{
		name:     name,
		loop:     loop,
		platform: platform,
		tun:      tun,
		log:      logger.With(zap.String("iface", name)),
		mtu:      1500,
	}
}

// Name returns the kernel interface name.
func (i *Iface) Name() string { return i.name }

// SetHandlers wires outbound datagrams to the bundle and dial-on-demand
// triggers to its open routine.
func (i *Iface) SetHandlers(send func(proto uint16, pkt []byte) error, demand func()) {
	i.send, i.demand = send, demand
}

// Start launches the TUN reader.
func (i *Iface) Start(ctx context.Context) {
	if i.tun == nil {
		return
	}
	go i.reader(ctx)
}

// Close releases the TUN device.
func (i *Iface) Close() error {
	var err error
	i.stopped.Do(func() {
		if i.tun != nil {
			err = i.tun.Close()
		}
	})
	return err
}

func (i *Iface) reader(ctx context.Context) {
	buf := make([]byte, 65536)
	for {
		n, err := i.tun.Read(buf)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) {
				i.log.Warn("TUN read failed", zap.Error(err))
			}
			return
		}
		pkt := append([]byte(nil), buf[:n]...)
		i.loop.Post(func() { i.Outbound(pkt) })
	}
}

// Outbound handles one datagram leaving the host.
func (i *Iface) Outbound(pkt []byte) {
	proto, ok := Protocol(pkt)
	if !ok || !i.up {
		i.Stats.Dropped++
		return
	}
	if !i.ready {
		if Triggers(pkt) && i.demand != nil {
			i.Stats.Triggers++
			i.log.Info("Dial on demand triggered", zap.String("proto", protoName(proto)))
			i.demand()
		}
		i.Stats.Dropped++
		return
	}
	if (proto == ProtoIP && !i.ipUp) || (proto == ProtoIPv6 && !i.ipv6Up) || i.send == nil {
		i.Stats.Dropped++
		return
	}
	if err := i.send(proto, pkt); err != nil {
		i.Stats.Dropped++
		i.log.Debug("Send failed", zap.Error(err))
		return
	}
	i.Stats.Out++
}

// Write hands a datagram received from the peer to the host.
func (i *Iface) Write(proto uint16, pkt []byte) error {
	if (proto == ProtoIP && !i.ipUp) || (proto == ProtoIPv6 && !i.ipv6Up) {
		i.Stats.Dropped++
		return fmt.Errorf("iface %s: %s not up", i.name, protoName(proto))
	}
	if i.tun == nil {
		i.Stats.Dropped++
		return nil
	}
	if _, err := i.tun.Write(pkt); err != nil {
		i.Stats.Dropped++
		return err
	}
	i.Stats.In++
	return nil
}

// Up brings the interface up. With ready false it is a dial-on-demand
// placeholder that only watches for triggering traffic.
func (i *Iface) Up(ready bool) {
	i.ready = ready
	if i.up {
		return
	}
	i.up = true
	if err := i.platform.SetUp(i.name); err != nil {
		i.log.Warn("Can't bring interface up", zap.Error(err))
	}
	i.log.Info("Interface up", zap.Bool("ready", ready))
}

// Down takes the interface down.
func (i *Iface) Down() {
	if !i.up {
		return
	}
	i.up, i.ready = false, false
	if err := i.platform.SetDown(i.name); err != nil {
		i.log.Warn("Can't bring interface down", zap.Error(err))
	}
	i.log.Info("Interface down")
}

// IPUp configures the IPv4 addresses.
func (i *Iface) IPUp(ready bool, self, peer netip.Addr) error {
	if !self.Is4() {
		return fmt.Errorf("iface %s: bad local address %s", i.name, self)
	}
	prefix := netip.PrefixFrom(self, 32)
	if i.ipUp && prefix == i.self {
		i.ready = i.ready || ready
		return nil
	}
	if i.ipUp {
		i.IPDown()
	}
	if err := i.platform.AddAddr(i.name, prefix, peer); err != nil {
		return fmt.Errorf("iface %s: %w", i.name, err)
	}
	i.self = prefix
	i.ipUp = true
	i.log.Info("IPv4 address configured",
		zap.String("self", self.String()),
		zap.String("peer", peer.String()),
		zap.Bool("ready", ready),
	)
	return nil
}

// IPDown removes the IPv4 addresses.
func (i *Iface) IPDown() {
	if !i.ipUp {
		return
	}
	if err := i.platform.DelAddr(i.name, i.self); err != nil {
		i.log.Warn("Can't remove address", zap.Error(err))
	}
	i.ipUp = false
	i.self = netip.Prefix{}
}

// IPv6Up configures the link-local address built from the interface
// identifiers.
func (i *Iface) IPv6Up(ready bool, self, peer [8]byte) error {
	local := LinkLocal(self)
	prefix := netip.PrefixFrom(local, 64)
	if i.ipv6Up {
		i.IPv6Down()
	}
	if err := i.platform.AddAddr(i.name, prefix, LinkLocal(peer)); err != nil {
		return fmt.Errorf("iface %s: %w", i.name, err)
	}
	i.self6 = prefix
	i.ipv6Up = true
	i.log.Info("IPv6 address configured", zap.String("self", local.String()), zap.Bool("ready", ready))
	return nil
}

// IPv6Down removes the IPv6 address.
func (i *Iface) IPv6Down() {
	if !i.ipv6Up {
		return
	}
	if err := i.platform.DelAddr(i.name, i.self6); err != nil {
		i.log.Warn("Can't remove address", zap.Error(err))
	}
	i.ipv6Up = false
	i.self6 = netip.Prefix{}
}

// SetMTU changes the interface MTU.
func (i *Iface) SetMTU(mtu int) {
	if mtu == i.mtu {
		return
	}
	i.mtu = mtu
	if err := i.platform.SetMTU(i.name, mtu); err != nil {
		i.log.Warn("Can't set MTU", zap.Int("mtu", mtu), zap.Error(err))
		return
	}
	i.log.Debug("MTU set", zap.Int("mtu", mtu))
}

// MTU returns the current MTU.
func (i *Iface) MTU() int { return i.mtu }

// IsUp reports whether the interface is up, and whether it carries
// traffic rather than waiting for a demand trigger.
func (i *Iface) IsUp() (up, ready bool) { return i.up, i.ready }

// LinkLocal builds fe80::/64 plus the interface identifier.
func LinkLocal(id [8]byte) netip.Addr {
	var b [16]byte
	b[0], b[1] = 0xfe, 0x80
	copy(b[8:], id[:])
	return netip.AddrFrom16(b)
}

func protoName(proto uint16) string {
	switch proto {
	case ProtoIP:
		return "IP"
	case ProtoIPv6:
		return "IPV6"
	default:
		return fmt.Sprintf("0x%04x", proto)
	}
}
