package ppp

import (
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/mpd/pkg/auth"
	"github.com/codelaboratoryltd/mpd/pkg/fsm"
	"github.com/codelaboratoryltd/mpd/pkg/mp"
	"github.com/codelaboratoryltd/mpd/pkg/node"
	"github.com/codelaboratoryltd/mpd/pkg/phys"
)

// LCP option types.
const (
	lcpVendor       = 0
	lcpMRU          = 1
	lcpAccmap       = 2
	lcpAuthProto    = 3
	lcpQualProto    = 4
	lcpMagicNum     = 5
	lcpProtoComp    = 7
	lcpACFComp      = 8
	lcpCallback     = 13
	lcpMRRU         = 17
	lcpShortSeq     = 18
	lcpEndpointDisc = 19
	lcpMaxKnown     = 29
)

type optInfo struct {
	name      string
	minLen    int
	maxLen    int
	supported bool
}

var lcpOptInfo = map[uint8]optInfo{
	lcpVendor:       {"VENDOR", 4, 255, true},
	lcpMRU:          {"MRU", 2, 2, true},
	lcpAccmap:       {"ACCMAP", 4, 4, true},
	lcpAuthProto:    {"AUTHPROTO", 2, 255, true},
	lcpQualProto:    {"QUALPROTO", 0, 0, false},
	lcpMagicNum:     {"MAGICNUM", 4, 4, true},
	6:               {"RESERVED", 0, 0, false},
	lcpProtoComp:    {"PROTOCOMP", 0, 0, true},
	lcpACFComp:      {"ACFCOMP", 0, 0, true},
	9:               {"FCSALT", 0, 0, false},
	10:              {"SDP", 0, 0, false},
	11:              {"NUMMODE", 0, 0, false},
	12:              {"MULTILINK", 0, 0, false},
	lcpCallback:     {"CALLBACK", 1, 255, true},
	14:              {"CONNECTTIME", 0, 0, false},
	15:              {"COMPFRAME", 0, 0, false},
	16:              {"NDS", 0, 0, false},
	lcpMRRU:         {"MP MRRU", 2, 2, true},
	lcpShortSeq:     {"MP SHORTSEQ", 0, 0, true},
	lcpEndpointDisc: {"ENDPOINTDISC", 1, 255, true},
	20:              {"PROPRIETARY", 0, 0, false},
	21:              {"DCEIDENTIFIER", 0, 0, false},
	22:              {"MULTILINKPLUS", 0, 0, false},
	23:              {"BACP", 0, 0, false},
	24:              {"LCPAUTHOPT", 0, 0, false},
	25:              {"COBS", 0, 0, false},
	26:              {"PREFIXELISION", 0, 0, false},
	27:              {"MULTILINKHEADERFMT", 0, 0, false},
	28:              {"INTERNAT", 0, 0, false},
	lcpMaxKnown:     {"SDATALINKSONET", 0, 0, false},
}

var lcpKnownCodes = fsm.CodeMask(
	fsm.CodeVendor, fsm.CodeConfigReq, fsm.CodeConfigAck, fsm.CodeConfigNak,
	fsm.CodeConfigRej, fsm.CodeTermReq, fsm.CodeTermAck, fsm.CodeCodeRej,
	fsm.CodeProtoRej, fsm.CodeEchoReq, fsm.CodeEchoRep, fsm.CodeDiscReq,
	fsm.CodeIdent, fsm.CodeTimeRemain,
)

type authProto struct {
	method auth.Method
	opt    Opt
}

// Index order is the wire preference table; lcpPreference orders it from
// most to least secure.
var authProtos = [...]authProto{
	{auth.PAP, LinkPAP},
	{auth.CHAPMD5, LinkCHAPMD5},
	{auth.MSCHAP, LinkCHAPMSv1},
	{auth.MSCHAP2, LinkCHAPMSv2},
	{auth.EAP, LinkEAP},
}

var lcpPreference = [len(authProtos)]int{3, 2, 1, 0, 4}

func findAuthProto(m auth.Method) int {
	for i, p := range authProtos {
		if p.method == m {
			return i
		}
	}
	return -1
}

func authNakOption(m auth.Method) fsm.Option {
	data := binary.BigEndian.AppendUint16(nil, m.Proto)
	if m.Proto == auth.ProtoCHAP {
		data = append(data, m.Alg)
	}
	return fsm.Option{Type: lcpAuthProto, Data: data}
}

// lcp is the per link LCP instance and PPP phase driver.
type lcp struct {
	l     *Link
	fsm   *fsm.FSM
	phase Phase

	peerReject optMask

	peerMRU       int
	wantMRU       int
	peerAccmap    uint32
	wantAccmap    uint32
	peerACFComp   bool
	wantACFComp   bool
	peerProtoComp bool
	wantProtoComp bool
	peerMagic     uint32
	wantMagic     uint32
	wantCallback  bool

	peerAuth   auth.Method
	wantAuth   auth.Method
	wantProtos [len(authProtos)]*authProto
	peerProtos [len(authProtos)]*authProto

	peerMRRU     int
	wantMRRU     int
	peerShortSeq bool
	wantShortSeq bool
	peerDiscrim  mp.Discrim
}

func newLCP(l *Link) *lcp {
	p := &lcp{l: l, phase: PhaseDead}
	conf := fsm.DefaultConf()
	conf.EchoInterval = l.conf.EchoInterval
	conf.EchoMax = l.conf.EchoMax
	p.fsm = fsm.New(p, l, l.m.loop, conf, l.log)
	return p
}

func (p *lcp) Name() string       { return "LCP" }
func (p *lcp) Proto() uint16      { return node.ProtocolLCP }
func (p *lcp) KnownCodes() uint32 { return lcpKnownCodes }
func (p *lcp) LinkLayer() bool    { return true }

func (p *lcp) SelfMagic() uint32 { return p.wantMagic }
func (p *lcp) PeerMagic() uint32 { return p.peerMagic }

// Configure resets negotiation state from the link configuration.
func (p *lcp) Configure() {
	l := p.l
	opts := l.conf.Options

	p.fsm.Conf.Passive = opts.Enabled(LinkPassive)
	p.fsm.Conf.CheckMagic = opts.Enabled(LinkCheckMagic)
	p.fsm.Conf.EchoInterval = l.conf.EchoInterval
	p.fsm.Conf.EchoMax = l.conf.EchoMax
	p.peerReject.reset()

	p.peerMRU = l.conf.MTU
	p.wantMRU = l.conf.MRU
	if l.dev != nil && l.dev.MRU() > 0 && p.wantMRU > l.dev.MRU() {
		p.wantMRU = l.dev.MRU()
	}
	p.peerAccmap = 0xffffffff
	p.wantAccmap = l.conf.Accmap
	p.peerACFComp = false
	p.wantACFComp = opts.Enabled(LinkACFComp)
	p.peerProtoComp = false
	p.wantProtoComp = opts.Enabled(LinkProtoComp)
	p.peerMagic = 0
	p.wantMagic = 0
	if opts.Enabled(LinkMagicNum) {
		p.wantMagic = mp.GenerateMagic()
	}
	p.wantCallback = l.originate == phys.OriginateLocal && opts.Enabled(LinkCallback)

	p.peerAuth = auth.None
	p.wantAuth = auth.None
	l.peerIdent = ""

	for i, idx := range lcpPreference {
		ap := &authProtos[idx]
		p.wantProtos[i] = ap
		p.peerProtos[i] = ap
		if opts.Enabled(ap.opt) && p.wantAuth.IsZero() {
			p.wantAuth = ap.method
			p.wantProtos[i] = nil
		} else if !opts.Enabled(ap.opt) {
			p.wantProtos[i] = nil
		}
		if !opts.Acceptable(ap.opt) {
			p.peerProtos[i] = nil
		}
	}

	p.peerMRRU = 0
	p.peerShortSeq = false
	if opts.Enabled(LinkMultilink) {
		p.wantMRRU = l.conf.MRRU
		p.wantShortSeq = opts.Enabled(LinkShortSeq)
	} else {
		p.wantMRRU = 0
		p.wantShortSeq = false
	}
	p.peerDiscrim = mp.Discrim{}
}

func (p *lcp) UnConfigure() {}

// NewState maps automaton transitions onto PPP phases.
func (p *lcp) NewState(old, next fsm.State) {
	switch old {
	case fsm.StateInitial, fsm.StateStarting:
		if next != fsm.StateInitial && next != fsm.StateStarting {
			p.newPhase(PhaseEstablish)
		}
	case fsm.StateClosed, fsm.StateStopped:
		if next == fsm.StateInitial || next == fsm.StateStarting {
			p.newPhase(PhaseDead)
		}
	case fsm.StateClosing, fsm.StateStopping:
		switch next {
		case fsm.StateInitial, fsm.StateStarting:
			p.newPhase(PhaseDead)
		case fsm.StateClosed, fsm.StateStopped:
			p.newPhase(PhaseEstablish)
		}
	case fsm.StateReqSent, fsm.StateAckRcvd, fsm.StateAckSent:
		switch next {
		case fsm.StateInitial, fsm.StateStarting:
			p.newPhase(PhaseDead)
		case fsm.StateClosing, fsm.StateStopping:
			p.newPhase(PhaseTerminate)
		case fsm.StateOpened:
			p.newPhase(PhaseAuthenticate)
		}
	case fsm.StateOpened:
		switch next {
		case fsm.StateStarting:
			p.newPhase(PhaseDead)
		case fsm.StateReqSent, fsm.StateAckSent:
			p.newPhase(PhaseEstablish)
		case fsm.StateClosing, fsm.StateStopping:
			p.newPhase(PhaseTerminate)
		default:
			p.l.log.Error("LCP: unexpected transition out of Opened", zap.Stringer("to", next))
		}
	}
	p.l.shutdownCheck(next)
}

// phaseAllowed is the adjacency table of RFC 1661 phases.
var phaseAllowed = map[Phase][]Phase{
	PhaseDead:         {PhaseEstablish},
	PhaseEstablish:    {PhaseDead, PhaseTerminate, PhaseAuthenticate},
	PhaseAuthenticate: {PhaseTerminate, PhaseEstablish, PhaseNetwork, PhaseDead},
	PhaseNetwork:      {PhaseTerminate, PhaseEstablish, PhaseDead},
	PhaseTerminate:    {PhaseEstablish, PhaseDead},
}

// PhaseTransitionAllowed reports whether the phase driver may move from
// old to next.
func PhaseTransitionAllowed(old, next Phase) bool {
	for _, p := range phaseAllowed[old] {
		if p == next {
			return true
		}
	}
	return false
}

func (p *lcp) newPhase(next Phase) {
	l := p.l
	old := p.phase
	l.log.Debug("LCP: phase shift", zap.Stringer("from", old), zap.Stringer("to", next))
	if !PhaseTransitionAllowed(old, next) {
		l.log.Error("LCP: illegal phase transition", zap.Stringer("from", old), zap.Stringer("to", next))
	}
	p.phase = next

	switch old {
	case PhaseAuthenticate:
		if next != PhaseNetwork {
			l.authCleanup()
		}
	case PhaseNetwork:
		if l.joined {
			l.bund.leave(l)
		}
		l.authCleanup()
	}

	switch next {
	case PhaseAuthenticate:
		if l.dev != nil && !l.dev.IsSync() {
			if err := l.dev.SetAccm(p.peerAccmap, p.wantAccmap); err != nil {
				l.log.Debug("LCP: set accm failed", zap.Error(err))
			}
		}
		// The automaton reaches Opened only after this returns.
		l.m.loop.Post(func() {
			if !l.dead && p.phase == PhaseAuthenticate {
				l.authStart()
			}
		})
	case PhaseNetwork:
		if l.conf.Ident != "" {
			p.fsm.SendIdent(l.conf.Ident)
		}
		if l.conf.Options.Enabled(LinkTimeRemain) && l.params.SessionTimeout > 0 {
			p.fsm.SendTimeRemaining(uint32(l.params.SessionTimeout.Seconds()))
		}
		if _, err := l.m.bundJoin(l); err != nil {
			l.log.Info("Link did not validate in bundle", zap.Error(err))
			l.recordReason(false, ReasonProtoErr, ReasonMultilinkFail)
			p.fsm.Failure(fsm.ReasonNegotiation)
		} else {
			l.numRedial = 0
		}
	}
}

// authResult is called with the outcome of the authentication phase.
func (p *lcp) authResult(ok bool) {
	l := p.l
	if ok {
		l.log.Info("LCP: authorization successful")
		if p.phase != PhaseNetwork {
			p.newPhase(PhaseNetwork)
		}
		return
	}
	l.log.Info("LCP: authorization failed")
	l.recordReason(false, ReasonLoginFail, ReasonPPPAuthFailure)
	p.fsm.Failure(fsm.ReasonNegotiation)
}

func (p *lcp) LayerUp() {
	if p.l.dev != nil {
		p.l.dev.Update()
	}
}

func (p *lcp) LayerDown() {
	p.l.authStop()
}

func (p *lcp) LayerStart() {
	if !p.l.openTimer.Started() {
		p.l.openDevice()
	}
}

func (p *lcp) LayerFinish() {
	p.l.authStop()
	p.l.dev.Close()
}

// RecvProtoRej turns off the NCP the peer refuses.
func (p *lcp) RecvProtoRej(proto uint16, _ []byte) bool {
	b := p.l.bund
	if b == nil {
		return false
	}
	var rej *fsm.FSM
	switch proto {
	case node.ProtocolCCP, node.ProtocolCompd:
		rej = b.ccp.fsm
	case node.ProtocolECP, node.ProtocolCrypt:
		rej = b.ecp.fsm
	case node.ProtocolIPCP:
		rej = b.ipcp.fsm
	case node.ProtocolIPv6CP:
		rej = b.ipv6cp.fsm
	}
	if rej != nil {
		rej.Failure(fsm.ReasonWasProtoRejected)
	}
	return false
}

const maxPeerIdent = 64

func (p *lcp) RecvIdent(text string) {
	l := p.l
	if l.peerIdent != "" {
		l.peerIdent += " "
	}
	l.peerIdent += text
	if len(l.peerIdent) > maxPeerIdent {
		l.peerIdent = l.peerIdent[:maxPeerIdent]
	}
}

func (p *lcp) Failure(reason fsm.Reason) {
	key := ReasonProtoErr
	if reason == fsm.ReasonEchoTimeout {
		key = ReasonEchoTimeout
	}
	p.l.recordReason(false, key, fmt.Sprintf("LCP negotiation failed: %s", reason))
	p.l.m.rec.FSMFailure(p.Name(), reason.String())
}

// BuildConfigReq emits our options in the canonical order.
func (p *lcp) BuildConfigReq() []byte {
	l := p.l
	var buf []byte
	if p.wantACFComp && !p.peerReject.has(lcpACFComp) {
		buf = fsm.AppendOption(buf, lcpACFComp, nil)
	}
	if p.wantProtoComp && !p.peerReject.has(lcpProtoComp) {
		buf = fsm.AppendOption(buf, lcpProtoComp, nil)
	}
	if (l.dev == nil || !l.dev.IsSync()) && !p.peerReject.has(lcpAccmap) {
		buf = fsm.AppendOption32(buf, lcpAccmap, p.wantAccmap)
	}
	if !p.peerReject.has(lcpMRU) {
		buf = fsm.AppendOption16(buf, lcpMRU, uint16(p.wantMRU))
	}
	if p.wantMagic != 0 && !p.peerReject.has(lcpMagicNum) {
		buf = fsm.AppendOption32(buf, lcpMagicNum, p.wantMagic)
	}
	if p.wantCallback && !p.peerReject.has(lcpCallback) {
		buf = fsm.AppendOption(buf, lcpCallback, []byte{0})
	}
	if !p.wantAuth.IsZero() {
		o := authNakOption(p.wantAuth)
		buf = fsm.AppendOption(buf, o.Type, o.Data)
	}
	if l.conf.Options.Enabled(LinkMultilink) && !p.peerReject.has(lcpMRRU) {
		buf = fsm.AppendOption16(buf, lcpMRRU, uint16(p.wantMRRU))
		if p.wantShortSeq && !p.peerReject.has(lcpShortSeq) {
			buf = fsm.AppendOption(buf, lcpShortSeq, nil)
		}
		if !p.peerReject.has(lcpEndpointDisc) {
			buf = fsm.AppendOption(buf, lcpEndpointDisc, l.m.discrim.Encode())
		}
	}
	return buf
}

// DecodeConfig applies the peer's request, or its reply to ours.
func (p *lcp) DecodeConfig(f *fsm.FSM, opts []fsm.Option, mode fsm.Mode) {
	l := p.l
	if mode == fsm.ModeReq {
		p.peerMRU = l.conf.MTU
		p.peerAccmap = 0xffffffff
		p.peerACFComp = false
		p.peerProtoComp = false
		p.peerMagic = 0
		p.peerAuth = auth.None
		p.peerMRRU = 0
		p.peerShortSeq = false
	}

	for _, opt := range opts {
		oi, ok := lcpOptInfo[opt.Type]
		if !ok {
			l.log.Debug("LCP: unknown option", zap.Uint8("type", opt.Type), zap.Int("len", opt.Len()))
			if mode == fsm.ModeReq {
				f.Rej(opt)
			}
			continue
		}
		if !oi.supported {
			if mode == fsm.ModeReq {
				l.log.Debug("LCP: option not supported", zap.String("option", oi.name))
				f.Rej(opt)
			}
			continue
		}
		if len(opt.Data) < oi.minLen || len(opt.Data) > oi.maxLen {
			if mode == fsm.ModeReq {
				l.log.Debug("LCP: bogus option length", zap.String("option", oi.name), zap.Int("len", opt.Len()))
				f.Rej(opt)
			}
			continue
		}

		switch opt.Type {
		case lcpMRU:
			p.decodeMRU(f, opt, mode)
		case lcpAccmap:
			accm := opt.Uint32()
			switch mode {
			case fsm.ModeReq:
				p.peerAccmap = accm
				f.Ack(opt)
			case fsm.ModeNak:
				p.wantAccmap = accm
			case fsm.ModeRej:
				p.peerReject.set(opt.Type)
			}
		case lcpAuthProto:
			p.decodeAuth(f, opt, mode)
		case lcpMRRU:
			p.decodeMRRU(f, opt, mode)
		case lcpShortSeq:
			switch mode {
			case fsm.ModeReq:
				if !l.conf.Options.Enabled(LinkMultilink) || !l.conf.Options.Acceptable(LinkShortSeq) {
					f.Rej(opt)
					break
				}
				p.peerShortSeq = true
				f.Ack(opt)
			case fsm.ModeNak:
				if p.peerReject.has(opt.Type) {
					p.peerReject.clear(opt.Type)
					if l.conf.Options.Enabled(LinkMultilink) {
						p.wantShortSeq = l.conf.Options.Enabled(LinkShortSeq)
					}
				}
			case fsm.ModeRej:
				p.wantShortSeq = false
				p.peerReject.set(opt.Type)
			}
		case lcpEndpointDisc:
			d, err := mp.ParseDiscrim(opt.Data)
			if err != nil {
				l.log.Debug("LCP: bad endpoint discriminator", zap.Error(err))
				if mode == fsm.ModeReq {
					f.Rej(opt)
				}
				break
			}
			switch mode {
			case fsm.ModeReq:
				p.peerDiscrim = d
				f.Ack(opt)
			case fsm.ModeNak:
				p.peerReject.clear(opt.Type)
			case fsm.ModeRej:
				p.peerReject.set(opt.Type)
			}
		case lcpMagicNum:
			magic := opt.Uint32()
			switch mode {
			case fsm.ModeReq:
				if p.wantMagic == 0 {
					f.Rej(opt)
					break
				}
				if magic == p.wantMagic {
					l.log.Info("LCP: same magic, detected loopback condition")
					f.Nak(fsm.Option32(lcpMagicNum, ^magic))
					break
				}
				p.peerMagic = magic
				f.Ack(opt)
			case fsm.ModeNak:
				p.wantMagic = mp.GenerateMagic()
			case fsm.ModeRej:
				p.wantMagic = 0
				p.peerReject.set(opt.Type)
			}
		case lcpProtoComp:
			switch mode {
			case fsm.ModeReq:
				if l.conf.Options.Acceptable(LinkProtoComp) {
					p.peerProtoComp = true
					f.Ack(opt)
					break
				}
				f.Rej(opt)
			case fsm.ModeNak, fsm.ModeRej:
				p.wantProtoComp = false
				p.peerReject.set(opt.Type)
			}
		case lcpACFComp:
			switch mode {
			case fsm.ModeReq:
				if l.conf.Options.Acceptable(LinkACFComp) {
					p.peerACFComp = true
					f.Ack(opt)
					break
				}
				f.Rej(opt)
			case fsm.ModeNak, fsm.ModeRej:
				p.wantACFComp = false
				p.peerReject.set(opt.Type)
			}
		case lcpCallback:
			switch mode {
			case fsm.ModeReq:
				f.Rej(opt)
			case fsm.ModeNak, fsm.ModeRej:
				p.wantCallback = false
				p.peerReject.set(opt.Type)
			}
		case lcpVendor:
			switch mode {
			case fsm.ModeReq:
				f.Rej(opt)
			case fsm.ModeNak, fsm.ModeRej:
				p.peerReject.set(opt.Type)
			}
		}
	}
}

func (p *lcp) decodeMRU(f *fsm.FSM, opt fsm.Option, mode fsm.Mode) {
	mru := int(opt.Uint16())
	switch mode {
	case fsm.ModeReq:
		if mru < MinMRU {
			f.Nak(fsm.Option16(lcpMRU, MinMRU))
			return
		}
		if mru < p.peerMRU {
			p.peerMRU = mru
		}
		f.Ack(opt)
	case fsm.ModeNak:
		// Some peers Nak with our own value instead of rejecting.
		if mru == p.wantMRU {
			p.peerReject.set(opt.Type)
			return
		}
		devMRU := MaxMRU
		if p.l.dev != nil && p.l.dev.MRU() > 0 {
			devMRU = p.l.dev.MRU()
		}
		if mru >= MinMRU && (mru <= devMRU || mru < p.wantMRU) {
			p.wantMRU = mru
		}
	case fsm.ModeRej:
		p.peerReject.set(opt.Type)
	}
}

func (p *lcp) decodeMRRU(f *fsm.FSM, opt fsm.Option, mode fsm.Mode) {
	l := p.l
	mrru := int(opt.Uint16())
	switch mode {
	case fsm.ModeReq:
		if !l.conf.Options.Enabled(LinkMultilink) {
			f.Rej(opt)
			return
		}
		if mrru < mp.MinMRRU {
			f.Nak(fsm.Option16(lcpMRRU, mp.MinMRRU))
			return
		}
		p.peerMRRU = mrru
		f.Ack(opt)
	case fsm.ModeNak:
		if p.peerReject.has(opt.Type) {
			p.peerReject.clear(opt.Type)
			if l.conf.Options.Enabled(LinkMultilink) {
				p.wantMRRU = l.conf.MRRU
			}
		}
		if mrru > p.wantMRRU {
			return
		}
		if mrru < mp.MinMRRU {
			mrru = mp.MinMRRU
		}
		p.wantMRRU = mrru
	case fsm.ModeRej:
		p.wantMRRU = 0
		p.peerReject.set(opt.Type)
	}
}

func (p *lcp) decodeAuth(f *fsm.FSM, opt fsm.Option, mode fsm.Mode) {
	l := p.l
	m := auth.Method{Proto: opt.Uint16()}
	bogus := false
	switch m.Proto {
	case auth.ProtoPAP:
		bogus = len(opt.Data) != 2
	case auth.ProtoCHAP:
		bogus = len(opt.Data) != 3
		if !bogus {
			m.Alg = opt.Data[2]
		}
	}
	pos := -1
	if !bogus {
		pos = findAuthProto(m)
	}
	l.log.Debug("LCP: auth protocol", zap.Stringer("method", m), zap.Bool("bogus", bogus))

	switch mode {
	case fsm.ModeReq:
		if pos >= 0 && l.conf.Options.Acceptable(authProtos[pos].opt) {
			p.peerAuth = m
			f.Ack(opt)
			return
		}
		for _, ap := range p.peerProtos {
			if ap != nil {
				f.Nak(authNakOption(ap.method))
				return
			}
		}
		f.Rej(opt)
	case fsm.ModeNak:
		if pos < 0 {
			return
		}
		if l.conf.Options.Enabled(authProtos[pos].opt) {
			p.wantAuth = m
			return
		}
		for i, ap := range p.wantProtos {
			if ap != nil && ap.method == m {
				p.wantProtos[i] = nil
			}
		}
		for i, ap := range p.wantProtos {
			if ap != nil {
				p.wantAuth = ap.method
				p.wantProtos[i] = nil
				break
			}
		}
	case fsm.ModeRej:
		p.peerReject.set(opt.Type)
		if l.originate == phys.OriginateLocal && l.conf.Options.Enabled(LinkNoOrigAuth) {
			p.wantAuth = auth.None
		}
	}
}
