package ppp

import (
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/mpd/pkg/fsm"
)

// NCP identifiers for the started mask and interface accounting.
type ncpID uint

const (
	ncpNone ncpID = iota
	ncpIPCP
	ncpIPv6CP
	ncpECP
	ncpCCP
)

func (n ncpID) bit() uint {
	return (1 << n) >> 1
}

// ncpFSMs returns the automata of the enabled NCPs in start order.
func (b *Bundle) ncpFSMs() []*fsm.FSM {
	var out []*fsm.FSM
	if b.conf.Options.Enabled(BundleIPCP) {
		out = append(out, b.ipcp.fsm)
	}
	if b.conf.Options.Enabled(BundleIPv6CP) {
		out = append(out, b.ipv6cp.fsm)
	}
	if b.conf.Options.Enabled(BundleCompression) {
		out = append(out, b.ccp.fsm)
	}
	if b.conf.Options.Enabled(BundleEncryption) {
		out = append(out, b.ecp.fsm)
	}
	return out
}

func (b *Bundle) ncpsOpen() {
	for _, f := range b.ncpFSMs() {
		f.Open()
	}
}

func (b *Bundle) ncpsUp() {
	for _, f := range b.ncpFSMs() {
		f.Up()
	}
}

func (b *Bundle) ncpsDown() {
	for _, f := range b.ncpFSMs() {
		f.Down()
	}
}

func (b *Bundle) ncpsClose() {
	for _, f := range b.ncpFSMs() {
		f.Close()
	}
}

// ncpsStart records that proto needs the links.
func (b *Bundle) ncpsStart(proto ncpID) {
	b.ncpStarted |= proto.bit()
}

// ncpsFinish clears proto; with no NCP left the links are closed.
func (b *Bundle) ncpsFinish(proto ncpID) {
	b.ncpStarted &^= proto.bit()
	if b.ncpStarted == 0 {
		b.log.Info("Bundle: No NCPs left. Closing links...")
		b.recordReason(false, ReasonProtoErr, "")
		b.closeLinks()
	}
}

// ncpsJoin brings the interface up for proto. ncpNone is the
// dial-on-demand placeholder.
func (b *Bundle) ncpsJoin(proto ncpID) {
	st := &b.ifState
	if st.dod {
		if st.ipUp {
			st.ipUp = false
			b.iface.IPDown()
		}
		if st.ipv6Up {
			st.ipv6Up = false
			b.iface.IPv6Down()
		}
		st.dod = false
		st.up = false
		b.iface.Down()
	}

	switch proto {
	case ncpIPCP:
		if !st.ipUp {
			if !b.ipIfaceUp(true) {
				return
			}
		}
	case ncpIPv6CP:
		if !st.ipv6Up {
			if !b.ipv6IfaceUp(true) {
				return
			}
		}
	case ncpNone:
		if b.conf.Options.Enabled(BundleIPCP) && !st.ipUp {
			if !b.ipIfaceUp(false) {
				return
			}
		}
		if b.conf.Options.Enabled(BundleIPv6CP) && !st.ipv6Up {
			if !b.ipv6IfaceUp(false) {
				return
			}
		}
	}

	if !st.up {
		st.up = true
		st.dod = proto == ncpNone
		b.iface.Up(!st.dod)
	}
}

// ncpsLeave takes proto off the interface and re-arms dial-on-demand
// when the interface is open.
func (b *Bundle) ncpsLeave(proto ncpID) {
	st := &b.ifState
	switch proto {
	case ncpIPCP:
		if st.ipUp {
			st.ipUp = false
			b.iface.IPDown()
		}
	case ncpIPv6CP:
		if st.ipv6Up {
			st.ipv6Up = false
			b.iface.IPv6Down()
		}
	case ncpNone:
		if st.ipUp {
			st.ipUp = false
			b.iface.IPDown()
		}
		if st.ipv6Up {
			st.ipv6Up = false
			b.iface.IPv6Down()
		}
	}

	if !st.up || st.ipUp || st.ipv6Up {
		return
	}
	st.dod = false
	st.up = false
	b.iface.Down()
	if !st.open {
		return
	}
	if b.conf.Options.Enabled(BundleIPCP) {
		b.ipIfaceUp(false)
	}
	if b.conf.Options.Enabled(BundleIPv6CP) {
		b.ipv6IfaceUp(false)
	}
	if st.ipUp || st.ipv6Up {
		st.dod = true
		st.up = true
		b.iface.Up(false)
	}
}

// ipIfaceUp configures IPv4 on the interface. ready selects the
// negotiated addresses over the configured placeholder ones.
func (b *Bundle) ipIfaceUp(ready bool) bool {
	self, peer := b.conf.IPCP.Self.Addr(), b.conf.IPCP.Peer.Addr()
	if ready {
		self, peer = b.ipcp.wantAddr, b.ipcp.peerAddr
	}
	if err := b.iface.IPUp(ready, self, peer); err != nil {
		b.log.Error("IFACE: address configuration failed, closing IPCP", zap.Error(err))
		if ready {
			b.ipcp.fsm.Failure(fsm.ReasonNegotiation)
		}
		return false
	}
	b.ifState.ipUp = true
	return true
}

func (b *Bundle) ipv6IfaceUp(ready bool) bool {
	var self, peer [8]byte
	if ready {
		self, peer = b.ipv6cp.myIntid, b.ipv6cp.hisIntid
	}
	if err := b.iface.IPv6Up(ready, self, peer); err != nil {
		b.log.Error("IFACE: IPv6 configuration failed, closing IPV6CP", zap.Error(err))
		if ready {
			b.ipv6cp.fsm.Failure(fsm.ReasonNegotiation)
		}
		return false
	}
	b.ifState.ipv6Up = true
	return true
}
