package ppp

import (
	"encoding/binary"
	"strconv"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/mpd/pkg/fsm"
	"github.com/codelaboratoryltd/mpd/pkg/node"
)

const (
	ccpDeflate    = 26
	ccpMaxFailure = 7
	// ccpOverhead is the protocol field added to compressed datagrams.
	ccpOverhead = 2

	deflateMethod = 8
)

var resetKnownCodes = ncpKnownCodes | fsm.CodeMask(fsm.CodeResetReq, fsm.CodeResetAck)

// deflateOption encodes the RFC 1979 window/method word.
func deflateOption(bits int) uint16 {
	return uint16(bits-8)<<12 | deflateMethod<<8
}

type ccp struct {
	b   *Bundle
	fsm *fsm.FSM

	selfReject optMask
	peerReject optMask

	// Which directions selected Deflate.
	xmit bool
	recv bool

	xmitBits int
	recvBits int

	stage      *node.Deflate
	xmitResets uint64
	recvResets uint64
}

func newCCP(b *Bundle) *ccp {
	c := &ccp{b: b}
	conf := fsm.DefaultConf()
	conf.MaxFailure = ccpMaxFailure
	c.fsm = fsm.New(c, b, b.m.loop, conf, b.log)
	return c
}

func (c *ccp) Name() string       { return "CCP" }
func (c *ccp) Proto() uint16      { return node.ProtocolCCP }
func (c *ccp) KnownCodes() uint32 { return resetKnownCodes }
func (c *ccp) LinkLayer() bool    { return false }

func (c *ccp) Configure() {
	c.selfReject.reset()
	c.peerReject.reset()
	c.xmit, c.recv = false, false
	c.xmitBits = c.b.conf.CCP.Window
	c.recvBits = 0
}

func (c *ccp) UnConfigure() {
	c.selfReject.reset()
	c.peerReject.reset()
	c.xmit, c.recv = false, false
}

func (c *ccp) NewState(old, next fsm.State) {
	c.b.log.Debug("CCP: state change", zap.Stringer("from", old), zap.Stringer("to", next))
}

func (c *ccp) LayerStart()  {}
func (c *ccp) LayerFinish() {}

func (c *ccp) BuildConfigReq() []byte {
	var buf []byte
	c.xmit = false
	if c.b.conf.CCP.Options.Enabled(CCPDeflate) && !c.peerReject.has(ccpDeflate) && c.xmitBits > 0 {
		buf = fsm.AppendOption16(buf, ccpDeflate, deflateOption(c.xmitBits))
		c.xmit = true
	}
	return buf
}

// LayerUp installs the negotiated compressor on the node. CCP with
// nothing negotiated in either direction fails.
func (c *ccp) LayerUp() {
	b := c.b
	if !c.xmit && !c.recv {
		b.log.Info("CCP: No compression negotiated")
		c.fsm.Failure(fsm.ReasonNegotiation)
		return
	}

	var xb, rb int
	if c.xmit {
		xb = c.xmitBits
	}
	if c.recv {
		rb = c.recvBits
	}
	stage, err := node.NewDeflate(xb, rb)
	if err != nil {
		b.log.Error("CCP: compression init failed", zap.Error(err))
		c.fsm.Failure(fsm.ReasonNegotiation)
		return
	}
	c.stage = stage
	b.node.SetCompressor(stage)

	b.log.Info("CCP: compression up",
		zap.String("xmit", describeDeflate(c.xmit, xb)),
		zap.String("recv", describeDeflate(c.recv, rb)))
	b.updateParams()
}

func describeDeflate(on bool, bits int) string {
	if !on {
		return "none"
	}
	return "deflate win " + strconv.Itoa(bits)
}

func (c *ccp) LayerDown() {
	b := c.b
	b.node.SetCompressor(nil)
	c.stage = nil
	b.updateParams()
	c.xmitResets, c.recvResets = 0, 0
}

func (c *ccp) Failure(reason fsm.Reason) {
	c.b.m.rec.FSMFailure(c.Name(), reason.String())
}

func (c *ccp) DecodeConfig(f *fsm.FSM, opts []fsm.Option, mode fsm.Mode) {
	b := c.b
	if mode == fsm.ModeReq {
		c.recv = false
	}
	for _, opt := range opts {
		if opt.Type != ccpDeflate {
			if mode == fsm.ModeReq {
				b.log.Debug("CCP: compression type not supported", zap.Uint8("type", opt.Type))
				f.Rej(opt)
			}
			continue
		}
		switch mode {
		case fsm.ModeReq:
			if !b.conf.CCP.Options.Acceptable(CCPDeflate) || c.selfReject.has(ccpDeflate) {
				f.Rej(opt)
				break
			}
			switch c.decodeDeflate(f, opt, mode) {
			case verdictRej:
				c.selfReject.set(ccpDeflate)
			case verdictAck:
				c.recv = true
			}
		case fsm.ModeRej:
			c.peerReject.set(ccpDeflate)
		case fsm.ModeNak, fsm.ModeNop:
			c.decodeDeflate(f, opt, mode)
		}
	}
}

type verdict int

const (
	verdictNone verdict = iota
	verdictAck
	verdictNak
	verdictRej
)

func (c *ccp) decodeDeflate(f *fsm.FSM, opt fsm.Option, mode fsm.Mode) verdict {
	if len(opt.Data) != 2 {
		c.b.log.Debug("CCP: bogus deflate option length", zap.Int("len", opt.Len()))
		if mode == fsm.ModeReq {
			f.Rej(opt)
			return verdictRej
		}
		return verdictNone
	}
	o := binary.BigEndian.Uint16(opt.Data)
	window, method, check := int(o>>12&0xf), o>>8&0xf, o&0x3
	valid := window > 0 && window <= 7 && method == deflateMethod && check == 0

	switch mode {
	case fsm.ModeReq:
		if valid {
			c.recvBits = window + 8
			f.Ack(opt)
			return verdictAck
		}
		f.Nak(fsm.Option16(ccpDeflate, deflateOption(node.DeflateMaxWindow)))
		return verdictNak
	case fsm.ModeNak:
		if valid {
			c.xmitBits = window + 8
		} else {
			c.xmitBits = 0
		}
	}
	return verdictNone
}

// subtractBloat returns the largest datagram that still fits size after
// compression.
func (c *ccp) subtractBloat(size int) int {
	if !c.fsm.State().IsOpen() {
		return size
	}
	if c.xmit {
		size += ccpOverhead
	}
	return size - ccpOverhead
}

// sendResetReq asks the peer to reset its compressor after a receive
// error.
func (c *ccp) sendResetReq() {
	if !c.recv || c.stage == nil {
		c.b.log.Error("CCP: reset request without a decompressor")
		return
	}
	c.recvResets++
	c.fsm.SendResetReq(nil)
}

func (c *ccp) RecvResetReq(id uint8, _ []byte) {
	c.xmitResets++
	if c.stage != nil {
		if err := c.stage.ResetXmit(); err != nil {
			c.b.log.Error("CCP: compressor reset failed", zap.Error(err))
		}
	}
	c.fsm.SendResetAck(id, nil)
}

func (c *ccp) RecvResetAck(uint8, []byte) {
	if c.stage != nil {
		c.stage.ResetRecv()
	}
}

// CompressionStats returns the Deflate counters and reset request counts.
func (b *Bundle) CompressionStats() (xmit, recv node.CompStats, xmitResets, recvResets uint64) {
	c := b.ccp
	if c.stage != nil {
		xmit, recv = c.stage.XmitStats, c.stage.RecvStats
	}
	return xmit, recv, c.xmitResets, c.recvResets
}
