package ppp

import (
	"crypto/rand"
	"encoding/hex"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/mpd/pkg/fsm"
	"github.com/codelaboratoryltd/mpd/pkg/node"
)

const (
	ecpDeseBis    = 3
	ecpMaxFailure = 7
	ecpOverhead   = 2
	ecpNonceLen   = 8
)

type ecp struct {
	b   *Bundle
	fsm *fsm.FSM

	selfReject optMask
	peerReject optMask

	xmit bool
	recv bool

	xmitNonce [ecpNonceLen]byte
	recvNonce [ecpNonceLen]byte

	stage      *node.DeseBis
	xmitResets uint64
	recvResets uint64
}

func newECP(b *Bundle) *ecp {
	e := &ecp{b: b}
	conf := fsm.DefaultConf()
	conf.MaxFailure = ecpMaxFailure
	e.fsm = fsm.New(e, b, b.m.loop, conf, b.log)
	return e
}

func (e *ecp) Name() string       { return "ECP" }
func (e *ecp) Proto() uint16      { return node.ProtocolECP }
func (e *ecp) KnownCodes() uint32 { return resetKnownCodes }
func (e *ecp) LinkLayer() bool    { return false }

func (e *ecp) Configure() {
	e.xmit, e.recv = false, false
	e.selfReject.reset()
	e.peerReject.reset()
}

func (e *ecp) UnConfigure() {
	e.Configure()
}

func (e *ecp) NewState(old, next fsm.State) {
	e.b.log.Debug("ECP: state change", zap.Stringer("from", old), zap.Stringer("to", next))
}

func (e *ecp) LayerStart()  {}
func (e *ecp) LayerFinish() {}

// BuildConfigReq offers DESE-bis with a fresh transmit nonce on every
// request.
func (e *ecp) BuildConfigReq() []byte {
	e.xmit = false
	if !e.b.conf.ECP.Options.Enabled(ECPDeseBis) || e.peerReject.has(ecpDeseBis) {
		return nil
	}
	if _, err := rand.Read(e.xmitNonce[:]); err != nil {
		e.b.log.Error("ECP: nonce generation failed", zap.Error(err))
		return nil
	}
	e.xmit = true
	return fsm.AppendOption(nil, ecpDeseBis, e.xmitNonce[:])
}

func (e *ecp) LayerUp() {
	b := e.b
	stage, err := node.NewDeseBis(node.DeseKey(b.conf.ECP.Key), e.xmitNonce[:], e.recvNonce[:])
	if err != nil {
		b.log.Error("ECP: encryption init failed", zap.Error(err))
		e.fsm.Failure(fsm.ReasonNegotiation)
		return
	}
	e.stage = stage
	b.node.SetEncryptor(directionalStage{stage, e.xmit})

	b.log.Info("ECP: encryption up", zap.String("encrypt", e.typeName(e.xmit)), zap.String("decrypt", e.typeName(e.recv)))
	b.updateParams()
}

func (e *ecp) typeName(on bool) string {
	if on {
		return "dese-bis"
	}
	return "none"
}

func (e *ecp) LayerDown() {
	b := e.b
	b.node.SetEncryptor(nil)
	e.stage = nil
	b.updateParams()
	e.xmitResets, e.recvResets = 0, 0
}

// Failure of ECP is fatal to the network layer when encryption is
// required.
func (e *ecp) Failure(reason fsm.Reason) {
	b := e.b
	b.m.rec.FSMFailure(e.Name(), reason.String())
	if b.conf.Options.Enabled(BundleCryptReqd) {
		b.log.Warn("ECP: encryption required but not negotiated, closing network protocols")
		b.ipcp.fsm.Failure(fsm.ReasonCantEncrypt)
		b.ipv6cp.fsm.Failure(fsm.ReasonCantEncrypt)
	}
}

func (e *ecp) DecodeConfig(f *fsm.FSM, opts []fsm.Option, mode fsm.Mode) {
	b := e.b
	if mode == fsm.ModeReq {
		e.recv = false
	}
	for _, opt := range opts {
		if opt.Type != ecpDeseBis {
			if mode == fsm.ModeReq {
				b.log.Debug("ECP: encryption type not supported", zap.Uint8("type", opt.Type))
				f.Rej(opt)
			}
			continue
		}
		if len(opt.Data) != ecpNonceLen {
			b.log.Debug("ECP: bogus DESE-bis option length", zap.Int("len", opt.Len()))
			if mode == fsm.ModeReq {
				f.Rej(opt)
				e.selfReject.set(ecpDeseBis)
			}
			continue
		}
		b.log.Debug("ECP: DESE-bis nonce", zap.String("nonce", hex.EncodeToString(opt.Data)))
		switch mode {
		case fsm.ModeReq:
			if !b.conf.ECP.Options.Acceptable(ECPDeseBis) || e.selfReject.has(ecpDeseBis) {
				f.Rej(opt)
				break
			}
			copy(e.recvNonce[:], opt.Data)
			e.recv = true
			f.Ack(opt)
		case fsm.ModeRej:
			e.peerReject.set(ecpDeseBis)
		}
	}
}

// subtractBloat returns the largest datagram that still fits size after
// encryption.
func (e *ecp) subtractBloat(size int) int {
	if !e.fsm.State().IsOpen() {
		return size
	}
	if e.xmit {
		size = node.SubtractDeseBloat(size)
	}
	return size - ecpOverhead
}

// sendResetReq is used after a decryption error.
func (e *ecp) sendResetReq() {
	if !e.recv {
		e.b.log.Error("ECP: reset request without a decryptor")
		return
	}
	e.recvResets++
	e.fsm.SendResetReq(nil)
}

// DESE-bis resynchronises from the ciphertext, so resets are only
// acknowledged.
func (e *ecp) RecvResetReq(id uint8, _ []byte) {
	e.xmitResets++
	e.fsm.SendResetAck(id, nil)
}

func (e *ecp) RecvResetAck(uint8, []byte) {}

// directionalStage lets a stage negotiated for receive only leave
// outbound traffic alone.
type directionalStage struct {
	node.Stage
	xmit bool
}

func (s directionalStage) XmitEnabled() bool { return s.xmit }

// EncryptionStats returns the DESE-bis counters and reset request counts.
func (b *Bundle) EncryptionStats() (xmit, recv node.CompStats, xmitResets, recvResets uint64) {
	e := b.ecp
	if e.stage != nil {
		xmit, recv = e.stage.XmitStats, e.stage.RecvStats
	}
	return xmit, recv, e.xmitResets, e.recvResets
}
