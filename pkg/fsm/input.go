package fsm

import (
	"encoding/binary"

	"go.uber.org/zap"
)

// Input processes one received control packet.
func (f *FSM) Input(data []byte) {
	pkt, err := ParsePacket(data)
	if err != nil {
		f.log.Info("Dropping packet", zap.Error(err))
		return
	}

	if int(pkt.Code) >= numCodes || f.proto.KnownCodes()&(1<<pkt.Code) == 0 {
		f.log.Info("Unknown code", zap.Uint8("code", uint8(pkt.Code)))
		f.output(CodeCodeRej, f.rejID, pkt.Serialize())
		f.rejID++
		return
	}

	f.log.Debug("Packet received",
		zap.String("code", pkt.Code.String()),
		zap.Uint8("identifier", pkt.Identifier),
		zap.String("state", f.state.String()),
	)

	switch pkt.Code {
	case CodeConfigReq:
		f.recvConfigReq(pkt)
	case CodeConfigAck:
		f.recvConfigAck(pkt)
	case CodeConfigNak:
		f.recvConfigNak(pkt)
	case CodeConfigRej:
		f.recvConfigRej(pkt)
	case CodeTermReq:
		f.recvTermReq()
	case CodeTermAck:
		f.recvTermAck()
	case CodeCodeRej:
		f.recvCodeRej(pkt)
	case CodeProtoRej:
		f.recvProtoRej(pkt)
	case CodeEchoReq:
		f.recvEchoReq(pkt)
	case CodeEchoRep:
		f.checkMagic(pkt.Data)
	case CodeDiscReq:
		rest := f.checkMagic(pkt.Data)
		if h, ok := f.proto.(DiscardHandler); ok {
			h.RecvDiscReq(rest)
		}
	case CodeIdent:
		f.recvIdent(pkt)
	case CodeTimeRemain:
		f.recvTimeRemain(pkt)
	case CodeVendor:
		rest := f.checkMagic(pkt.Data)
		if h, ok := f.proto.(VendorHandler); ok {
			h.RecvVendor(rest)
		}
	case CodeResetReq:
		if h, ok := f.proto.(ResetHandler); ok {
			h.RecvResetReq(pkt.Identifier, pkt.Data)
		}
	case CodeResetAck:
		if h, ok := f.proto.(ResetHandler); ok {
			h.RecvResetAck(pkt.Identifier, pkt.Data)
		}
	}
}

func (f *FSM) oops(event string) {
	f.log.Warn("Oops, " + event + " in " + f.state.String())
}

func (f *FSM) wrongID(id uint8) bool {
	if id != f.reqID-1 {
		f.log.Info("Wrong id#", zap.Uint8("got", id), zap.Uint8("expecting", f.reqID-1))
		return true
	}
	return false
}

func (f *FSM) recvConfigReq(pkt *Packet) {
	switch f.state {
	case StateInitial, StateStarting:
		f.oops("RCR")
		return
	case StateClosed:
		f.sendTerminateAck()
		return
	case StateStopped:
		f.proto.Configure()
	case StateClosing, StateStopping:
		return
	}

	f.decodeBuffer(pkt.Data, ModeReq)

	switch f.state {
	case StateOpened:
		f.layerDown()
		f.sendConfigReq()
	case StateStopped:
		f.layerStart()
		f.initCounters()
		f.sendConfigReq()
	}

	fullyAcked := len(f.nak.buf) == 0 && len(f.rej.buf) == 0
	if fullyAcked {
		f.sendConfigAck(pkt.Identifier, f.ack.buf)
	} else {
		if f.failure <= 0 {
			f.log.Info("not converging")
			f.Failure(ReasonNegotiation)
			return
		}
		if len(f.rej.buf) > 0 {
			f.sendConfigRej(pkt.Identifier, f.rej.buf)
		} else {
			f.sendConfigNak(pkt.Identifier, f.nak.buf)
		}
	}

	switch f.state {
	case StateStopped, StateOpened:
		if fullyAcked {
			f.newState(StateAckSent)
		} else {
			f.newState(StateReqSent)
		}
	case StateReqSent:
		if fullyAcked {
			f.newState(StateAckSent)
		}
	case StateAckRcvd:
		if fullyAcked {
			f.newState(StateOpened)
			f.layerUp()
		}
	case StateAckSent:
		if !fullyAcked {
			f.newState(StateReqSent)
		}
	}
}

func (f *FSM) recvConfigAck(pkt *Packet) {
	if f.wrongID(pkt.Identifier) {
		return
	}

	f.decodeBuffer(pkt.Data, ModeNop)

	switch f.state {
	case StateClosed, StateStopped:
		f.sendTerminateAck()
	case StateReqSent:
		f.newState(StateAckRcvd)
		f.initCounters()
		f.timer.Start()
	case StateAckRcvd:
		f.newState(StateReqSent)
		f.sendConfigReq()
	case StateAckSent:
		f.newState(StateOpened)
		f.initCounters()
		f.layerUp()
	case StateOpened:
		f.newState(StateReqSent)
		f.layerDown()
		f.sendConfigReq()
	}
}

// recvConfigNakRej implements RCN and RCJ, which differ only in decode
// mode and in the order of the Opened transition.
func (f *FSM) recvConfigNakRej(pkt *Packet, mode Mode, event string) {
	if f.wrongID(pkt.Identifier) {
		return
	}

	switch f.state {
	case StateInitial, StateStarting:
		f.oops(event)
		return
	case StateClosed, StateStopped:
		f.sendTerminateAck()
		return
	case StateClosing, StateStopping:
		return
	}

	f.decodeBuffer(pkt.Data, mode)

	if f.config <= 0 {
		f.log.Info("not converging")
		f.Failure(ReasonNegotiation)
		return
	}

	switch f.state {
	case StateReqSent, StateAckSent:
		f.initRestartCounter(f.Conf.MaxConfig)
		f.sendConfigReq()
	case StateOpened:
		if mode == ModeNak {
			f.layerDown()
			f.newState(StateReqSent)
		} else {
			f.newState(StateReqSent)
			f.layerDown()
		}
		f.sendConfigReq()
	case StateAckRcvd:
		f.newState(StateReqSent)
		f.sendConfigReq()
	}
}

func (f *FSM) recvConfigNak(pkt *Packet) {
	f.recvConfigNakRej(pkt, ModeNak, "RCN")
}

func (f *FSM) recvConfigRej(pkt *Packet) {
	f.recvConfigNakRej(pkt, ModeRej, "RCJ")
}

// TermReqObserver is notified before a Terminate-Request is processed.
type TermReqObserver interface {
	RecvTermReq()
}

func (f *FSM) recvTermReq() {
	if o, ok := f.proto.(TermReqObserver); ok {
		o.RecvTermReq()
	}

	switch f.state {
	case StateInitial, StateStarting:
		f.oops("RTR")
	case StateClosed, StateStopped, StateClosing, StateStopping, StateReqSent:
		f.sendTerminateAck()
	case StateAckRcvd, StateAckSent:
		f.newState(StateReqSent)
		f.sendTerminateAck()
	case StateOpened:
		f.newState(StateStopping)
		f.sendTerminateAck()
		f.layerDown()
		f.initRestartCounter(0)
		f.timer.Start()
		f.proto.UnConfigure()
	}
}

func (f *FSM) recvTermAck() {
	switch f.state {
	case StateClosing:
		f.newState(StateClosed)
		f.layerFinish()
	case StateStopping:
		f.newState(StateStopped)
		f.layerFinish()
	case StateAckRcvd:
		f.newState(StateReqSent)
	case StateOpened:
		f.newState(StateReqSent)
		f.layerDown()
		f.sendConfigReq()
	}
}

// defaultCodeRejFatal is the RFC 1661 view of which rejected codes make
// the protocol unusable.
func defaultCodeRejFatal(code Code) bool {
	switch code {
	case CodeConfigReq, CodeConfigAck, CodeConfigNak, CodeConfigRej,
		CodeTermReq, CodeTermAck, CodeCodeRej, CodeProtoRej,
		CodeEchoReq, CodeEchoRep, CodeResetReq, CodeResetAck:
		return true
	default:
		return false
	}
}

func (f *FSM) recvCodeRej(pkt *Packet) {
	var code Code
	var rest []byte
	if len(pkt.Data) > 0 {
		code = Code(pkt.Data[0])
		rest = pkt.Data[1:]
	}
	f.log.Info("Code was rejected", zap.String("code", code.String()))

	var fatal bool
	if h, ok := f.proto.(CodeRejectHandler); ok {
		fatal = h.RecvCodeRej(code, rest)
	} else {
		fatal = defaultCodeRejFatal(code)
	}

	if fatal {
		f.Failure(ReasonCodeReject)
	} else {
		f.rxjPlus()
	}
}

func (f *FSM) recvProtoRej(pkt *Packet) {
	var proto uint16
	var rest []byte
	if len(pkt.Data) >= 2 {
		proto = binary.BigEndian.Uint16(pkt.Data)
		rest = pkt.Data[2:]
	}
	f.log.Info("Protocol was rejected", zap.Uint16("protocol", proto))

	fatal := false
	if h, ok := f.proto.(ProtoRejectHandler); ok && f.state == StateOpened {
		fatal = h.RecvProtoRej(proto, rest)
	}

	if fatal {
		f.Failure(ReasonProtoReject)
	} else {
		f.rxjPlus()
	}
}

func (f *FSM) rxjPlus() {
	if f.state == StateAckRcvd {
		f.newState(StateReqSent)
	}
}
