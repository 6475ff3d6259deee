package ppp

import (
	"net/netip"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/mpd/pkg/fsm"
	"github.com/codelaboratoryltd/mpd/pkg/node"
)

// IPCP option types.
const (
	ipcpAddrs      = 1
	ipcpCompProto  = 2
	ipcpAddr       = 3
	ipcpPriDNS     = 129
	ipcpPriNBNS    = 130
	ipcpSecDNS     = 131
	ipcpSecNBNS    = 132
	ipcpMaxFailure = 7
)

var ipcpOptInfo = map[uint8]optInfo{
	ipcpAddrs:     {"IPADDRS", 8, 8, false},
	ipcpCompProto: {"COMPPROTO", 4, 4, false},
	ipcpAddr:      {"IPADDR", 4, 4, true},
	ipcpPriDNS:    {"PRIDNS", 4, 4, true},
	ipcpPriNBNS:   {"PRINBNS", 4, 4, true},
	ipcpSecDNS:    {"SECDNS", 4, 4, true},
	ipcpSecNBNS:   {"SECNBNS", 4, 4, true},
}

// ncpKnownCodes are the codes every NCP accepts.
var ncpKnownCodes = fsm.CodeMask(
	fsm.CodeConfigReq, fsm.CodeConfigAck, fsm.CodeConfigNak, fsm.CodeConfigRej,
	fsm.CodeTermReq, fsm.CodeTermAck, fsm.CodeCodeRej,
)

// Server options in request order: DNS then NBNS, primary then secondary.
var ipcpServerOpts = [2][2]struct {
	typ uint8
	opt Opt
}{
	{{ipcpPriDNS, IPCPReqPriDNS}, {ipcpSecDNS, IPCPReqSecDNS}},
	{{ipcpPriNBNS, IPCPReqPriNBNS}, {ipcpSecNBNS, IPCPReqSecNBNS}},
}

type ipcp struct {
	b   *Bundle
	fsm *fsm.FSM

	peerReject optMask

	selfAllow netip.Prefix
	peerAllow netip.Prefix
	wantAddr  netip.Addr
	peerAddr  netip.Addr

	// Servers the peer told us about, indexed DNS/NBNS then primary/secondary.
	wantServers [2][2]netip.Addr
}

func newIPCP(b *Bundle) *ipcp {
	p := &ipcp{b: b}
	conf := fsm.DefaultConf()
	conf.MaxFailure = ipcpMaxFailure
	p.fsm = fsm.New(p, b, b.m.loop, conf, b.log)
	return p
}

func (p *ipcp) Name() string       { return "IPCP" }
func (p *ipcp) Proto() uint16      { return node.ProtocolIPCP }
func (p *ipcp) KnownCodes() uint32 { return ncpKnownCodes }
func (p *ipcp) LinkLayer() bool    { return false }

// Configure picks the address ranges: RADIUS supplied addresses win over
// the bundle configuration.
func (p *ipcp) Configure() {
	b := p.b
	p.peerReject.reset()

	p.selfAllow = b.conf.IPCP.Self
	if b.params.FramedIP.Is4() {
		p.peerAllow = netip.PrefixFrom(b.params.FramedIP, 32)
	} else {
		p.peerAllow = b.conf.IPCP.Peer
	}

	p.wantAddr = prefixAddr4(p.selfAllow)
	p.peerAddr = prefixAddr4(p.peerAllow)
	p.wantServers = [2][2]netip.Addr{}
}

func (p *ipcp) UnConfigure() {}

func (p *ipcp) NewState(old, next fsm.State) {
	p.b.log.Debug("IPCP: state change", zap.Stringer("from", old), zap.Stringer("to", next))
}

func (p *ipcp) BuildConfigReq() []byte {
	var buf []byte
	if !p.peerReject.has(ipcpAddr) || p.wantAddr.IsUnspecified() {
		buf = fsm.AppendOption(buf, ipcpAddr, p.wantAddr.AsSlice())
	}
	opts := p.b.conf.IPCP.Options
	for kind, pair := range ipcpServerOpts {
		for pri, so := range pair {
			if opts.Enabled(so.opt) && !p.peerReject.has(so.typ) {
				buf = fsm.AppendOption(buf, so.typ, addr4OrZero(p.wantServers[kind][pri]).AsSlice())
			}
		}
	}
	return buf
}

func (p *ipcp) LayerStart()  { p.b.ncpsStart(ncpIPCP) }
func (p *ipcp) LayerFinish() { p.b.ncpsFinish(ncpIPCP) }

// LayerUp settles on the addresses to use. Negotiated values outside the
// allowed ranges are replaced by the configured ones.
func (p *ipcp) LayerUp() {
	b := p.b
	if !inRange(p.selfAllow, p.wantAddr) {
		b.log.Info("IPCP: ignoring negotiated self IP", zap.Stringer("ip", p.wantAddr))
		p.wantAddr = prefixAddr4(p.selfAllow)
	}
	if !inRange(p.peerAllow, p.peerAddr) && p.peerAllow.IsValid() && !p.peerAllow.Addr().IsUnspecified() {
		b.log.Info("IPCP: ignoring negotiated peer IP", zap.Stringer("ip", p.peerAddr))
		p.peerAddr = prefixAddr4(p.peerAllow)
	}
	b.log.Info("IPCP: up", zap.Stringer("self", p.wantAddr), zap.Stringer("peer", p.peerAddr))
	b.ncpsJoin(ncpIPCP)
}

func (p *ipcp) LayerDown() {
	p.b.ncpsLeave(ncpIPCP)
}

func (p *ipcp) Failure(reason fsm.Reason) {
	p.b.recordReason(false, ReasonProtoErr, "IPCP negotiation failed: "+reason.String())
	p.b.m.rec.FSMFailure(p.Name(), reason.String())
}

func (p *ipcp) DecodeConfig(f *fsm.FSM, opts []fsm.Option, mode fsm.Mode) {
	b := p.b
	for _, opt := range opts {
		oi, ok := ipcpOptInfo[opt.Type]
		if !ok {
			b.log.Debug("IPCP: unknown option", zap.Uint8("type", opt.Type), zap.Int("len", opt.Len()))
			if mode == fsm.ModeReq {
				f.Rej(opt)
			}
			continue
		}
		if !oi.supported || len(opt.Data) < oi.minLen || len(opt.Data) > oi.maxLen {
			b.log.Debug("IPCP: option refused", zap.String("option", oi.name), zap.Int("len", opt.Len()))
			if mode == fsm.ModeReq {
				f.Rej(opt)
			}
			continue
		}

		ip := netip.AddrFrom4([4]byte(opt.Data))
		switch opt.Type {
		case ipcpAddr:
			p.decodeAddr(f, opt, ip, mode)
		case ipcpPriDNS:
			p.decodeServer(f, opt, ip, mode, 0, 0)
		case ipcpSecDNS:
			p.decodeServer(f, opt, ip, mode, 0, 1)
		case ipcpPriNBNS:
			p.decodeServer(f, opt, ip, mode, 1, 0)
		case ipcpSecNBNS:
			p.decodeServer(f, opt, ip, mode, 1, 1)
		}
	}
}

func (p *ipcp) decodeAddr(f *fsm.FSM, opt fsm.Option, ip netip.Addr, mode fsm.Mode) {
	b := p.b
	pretend := b.conf.IPCP.Options.Enabled(IPCPPretendIP)
	switch mode {
	case fsm.ModeReq:
		if inRange(p.peerAllow, ip) && !ip.IsUnspecified() {
			p.peerAddr = ip
			f.Ack(opt)
			return
		}
		if pretend {
			b.log.Info("IPCP: pretending peer IP is OK", zap.Stringer("ip", ip))
			p.peerAddr = ip
			f.Ack(opt)
			return
		}
		if p.peerAddr.IsUnspecified() {
			b.log.Info("IPCP: no IP address available for peer")
		}
		b.log.Debug("IPCP: NAKing peer IP", zap.Stringer("ip", ip), zap.Stringer("with", p.peerAddr))
		f.Nak(fsm.Option{Type: ipcpAddr, Data: p.peerAddr.AsSlice()})
	case fsm.ModeNak:
		switch {
		case inRange(p.selfAllow, ip):
			p.wantAddr = ip
		case pretend:
			b.log.Info("IPCP: pretending self IP is OK", zap.Stringer("ip", ip))
			p.wantAddr = ip
		default:
			b.log.Info("IPCP: offered IP is unacceptable", zap.Stringer("ip", ip))
		}
	case fsm.ModeRej:
		p.peerReject.set(opt.Type)
		if p.wantAddr.IsUnspecified() {
			b.log.Warn("IPCP: peer rejected address but we need one")
		}
	}
}

func (p *ipcp) decodeServer(f *fsm.FSM, opt fsm.Option, ip netip.Addr, mode fsm.Mode, kind, pri int) {
	switch mode {
	case fsm.ModeReq:
		if !ip.IsUnspecified() {
			f.Ack(opt)
			return
		}
		offer := p.serverFor(kind, pri)
		if !offer.Is4() || offer.IsUnspecified() {
			f.Rej(opt)
			return
		}
		f.Nak(fsm.Option{Type: opt.Type, Data: offer.AsSlice()})
	case fsm.ModeNak:
		p.wantServers[kind][pri] = ip
	case fsm.ModeRej:
		p.peerReject.set(opt.Type)
	}
}

// serverFor returns the server we hand to the peer, preferring the value
// from authentication.
func (p *ipcp) serverFor(kind, pri int) netip.Addr {
	params, conf := p.b.params.DNS, p.b.conf.IPCP.DNS
	if kind == 1 {
		params, conf = p.b.params.NBNS, p.b.conf.IPCP.NBNS
	}
	if params[pri].Is4() && !params[pri].IsUnspecified() {
		return params[pri]
	}
	return conf[pri]
}

// Servers returns the DNS and NBNS servers learned from the peer.
func (b *Bundle) Servers() (dns, nbns [2]netip.Addr) {
	return b.ipcp.wantServers[0], b.ipcp.wantServers[1]
}

// inRange reports whether a falls in p; an unset range allows anything.
func inRange(p netip.Prefix, a netip.Addr) bool {
	if !p.IsValid() {
		return true
	}
	return p.Contains(a)
}

func prefixAddr4(p netip.Prefix) netip.Addr {
	if p.IsValid() && p.Addr().Is4() {
		return p.Addr()
	}
	return netip.IPv4Unspecified()
}

func addr4OrZero(a netip.Addr) netip.Addr {
	if a.Is4() {
		return a
	}
	return netip.IPv4Unspecified()
}
