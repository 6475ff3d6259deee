package ppp

import (
	"encoding/binary"
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/mpd/pkg/fsm"
	"github.com/codelaboratoryltd/mpd/pkg/mp"
	"github.com/codelaboratoryltd/mpd/pkg/node"
)

const (
	ipv6cpIntIdent  = 1
	ipv6cpCompProto = 2
)

var ipv6cpOptInfo = map[uint8]optInfo{
	ipv6cpIntIdent:  {"INTIDENT", 8, 8, true},
	ipv6cpCompProto: {"COMPPROTO", 4, 4, false},
}

type ipv6cp struct {
	b   *Bundle
	fsm *fsm.FSM

	peerReject optMask
	myIntid    [8]byte
	hisIntid   [8]byte
}

func newIPv6CP(b *Bundle) *ipv6cp {
	p := &ipv6cp{b: b, myIntid: interfaceID(false)}
	conf := fsm.DefaultConf()
	conf.MaxFailure = ipcpMaxFailure
	p.fsm = fsm.New(p, b, b.m.loop, conf, b.log)
	return p
}

func (p *ipv6cp) Name() string       { return "IPV6CP" }
func (p *ipv6cp) Proto() uint16      { return node.ProtocolIPv6CP }
func (p *ipv6cp) KnownCodes() uint32 { return ncpKnownCodes }
func (p *ipv6cp) LinkLayer() bool    { return false }

func (p *ipv6cp) Configure()   { p.peerReject.reset() }
func (p *ipv6cp) UnConfigure() {}

func (p *ipv6cp) NewState(old, next fsm.State) {
	p.b.log.Debug("IPV6CP: state change", zap.Stringer("from", old), zap.Stringer("to", next))
}

func (p *ipv6cp) BuildConfigReq() []byte {
	return fsm.AppendOption(nil, ipv6cpIntIdent, p.myIntid[:])
}

func (p *ipv6cp) LayerStart()  { p.b.ncpsStart(ncpIPv6CP) }
func (p *ipv6cp) LayerFinish() { p.b.ncpsFinish(ncpIPv6CP) }

func (p *ipv6cp) LayerUp() {
	p.b.log.Info("IPV6CP: up",
		zap.String("self", formatIntid(p.myIntid)),
		zap.String("peer", formatIntid(p.hisIntid)))
	p.b.ncpsJoin(ncpIPv6CP)
}

func (p *ipv6cp) LayerDown() {
	p.b.ncpsLeave(ncpIPv6CP)
}

func (p *ipv6cp) Failure(reason fsm.Reason) {
	p.b.recordReason(false, ReasonProtoErr, "IPV6CP negotiation failed: "+reason.String())
	p.b.m.rec.FSMFailure(p.Name(), reason.String())
}

func (p *ipv6cp) DecodeConfig(f *fsm.FSM, opts []fsm.Option, mode fsm.Mode) {
	b := p.b
	for _, opt := range opts {
		oi, ok := ipv6cpOptInfo[opt.Type]
		if !ok || !oi.supported || len(opt.Data) < oi.minLen || len(opt.Data) > oi.maxLen {
			b.log.Debug("IPV6CP: option refused", zap.Uint8("type", opt.Type), zap.Int("len", opt.Len()))
			if mode == fsm.ModeReq {
				f.Rej(opt)
			}
			continue
		}

		id := [8]byte(opt.Data)
		switch mode {
		case fsm.ModeReq:
			switch {
			case id == [8]byte{}:
				b.log.Debug("IPV6CP: empty interface id, proposing ours")
				p.hisIntid = interfaceID(true)
				f.Nak(fsm.Option{Type: opt.Type, Data: p.hisIntid[:]})
			case id == p.myIntid:
				b.log.Debug("IPV6CP: duplicate interface id, proposing another")
				p.hisIntid = interfaceID(true)
				f.Nak(fsm.Option{Type: opt.Type, Data: p.hisIntid[:]})
			default:
				p.hisIntid = id
				f.Ack(opt)
			}
		case fsm.ModeNak:
			p.myIntid = id
		case fsm.ModeRej:
			p.peerReject.set(opt.Type)
		}
	}
}

// interfaceID returns a modified EUI-64 identifier derived from the first
// Ethernet address of the host, or a random one.
func interfaceID(random bool) [8]byte {
	var id [8]byte
	if !random {
		if mac := hostMAC(); mac != nil {
			id = [8]byte{mac[0] ^ 0x02, mac[1], mac[2], 0xff, 0xfe, mac[3], mac[4], mac[5]}
			return id
		}
	}
	binary.BigEndian.PutUint32(id[0:], mp.GenerateMagic())
	binary.BigEndian.PutUint32(id[4:], mp.GenerateMagic())
	id[0] &= 0xfd
	return id
}

func hostMAC() net.HardwareAddr {
	ifs, err := net.Interfaces()
	if err != nil {
		return nil
	}
	for _, ifi := range ifs {
		if ifi.Flags&net.FlagLoopback == 0 && len(ifi.HardwareAddr) == 6 {
			return ifi.HardwareAddr
		}
	}
	return nil
}

func formatIntid(id [8]byte) string {
	return fmt.Sprintf("%04x:%04x:%04x:%04x",
		binary.BigEndian.Uint16(id[0:]), binary.BigEndian.Uint16(id[2:]),
		binary.BigEndian.Uint16(id[4:]), binary.BigEndian.Uint16(id[6:]))
}
