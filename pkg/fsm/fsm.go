package fsm

import (
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/mpd/pkg/event"
)

// FSM is one instance of the negotiation automaton. It is not safe for
// concurrent use; all calls happen on the event loop goroutine.
type FSM struct {
	Conf Conf

	proto Protocol
	lower Lower
	loop  *event.Loop
	log   *zap.Logger

	state State

	// Retransmission counters
	restart int
	failure int
	config  int

	reqID  uint8
	rejID  uint8
	echoID uint8

	timer     *event.Timer
	echoTimer *event.Timer

	// Keepalive bookkeeping
	quietCount int
	idleFrames uint64

	ack verdict
	nak verdict
	rej verdict
}

// New creates an automaton in the Initial state.
func New(proto Protocol, lower Lower, loop *event.Loop, conf Conf, logger *zap.Logger) *FSM {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &FSM{
		Conf:   conf,
		proto:  proto,
		lower:  lower,
		loop:   loop,
		log:    logger.With(zap.String("proto", proto.Name())),
		state:  StateInitial,
		reqID:  1,
		rejID:  1,
		echoID: 1,
		ack:    verdict{name: "ack"},
		nak:    verdict{name: "nak"},
		rej:    verdict{name: "rej"},
	}
	f.timer = loop.NewTimer(proto.Name(), lower.RetryTimeout(), f.timeout)
	f.echoTimer = loop.NewTimer("FsmKeepAlive", conf.EchoInterval, f.echoTimeout)
	return f
}

// State returns the current state.
func (f *FSM) State() State {
	return f.state
}

// Protocol returns the callback table.
func (f *FSM) Protocol() Protocol {
	return f.proto
}

// Logger returns the instance logger.
func (f *FSM) Logger() *zap.Logger {
	return f.log
}

// RestartTimerRunning reports whether the restart timer is armed.
func (f *FSM) RestartTimerRunning() bool {
	return f.timer.Started()
}

// EchoTimerRunning reports whether keepalive is active.
func (f *FSM) EchoTimerRunning() bool {
	return f.echoTimer.Started()
}

// Stop disarms both timers. Used when the owner is destroyed.
func (f *FSM) Stop() {
	f.timer.Stop()
	f.echoTimer.Stop()
}

func (f *FSM) newState(next State) {
	old := f.state
	f.log.Debug(f.proto.Name()+" state change",
		zap.String("from", old.String()),
		zap.String("to", next.String()),
	)

	f.proto.NewState(old, next)
	f.state = next
	if (next >= StateInitial && next <= StateStopped) || next == StateOpened {
		f.timer.Stop()
	}

	if old == StateOpened {
		f.echoTimer.Stop()
	}
	if next == StateOpened && f.Conf.EchoInterval != 0 {
		f.quietCount = 0
		f.idleFrames = 0
		f.echoTimer.Reset(f.Conf.EchoInterval, nil)
		f.echoTimer.StartRecurring()
	}
}

func (f *FSM) initRestartCounter(value int) {
	f.timer.Reset(f.lower.RetryTimeout(), nil)
	f.restart = value
}

func (f *FSM) initCounters() {
	f.initRestartCounter(f.Conf.MaxConfig)
	f.failure = f.Conf.MaxFailure
	f.config = f.Conf.MaxConfig
}

// Open is the administrative Open event.
func (f *FSM) Open() {
	f.log.Debug("Open event", zap.String("state", f.state.String()))
	switch f.state {
	case StateInitial:
		f.newState(StateStarting)
		f.layerStart()
	case StateClosed:
		if f.Conf.Passive {
			f.newState(StateStopped)
			return
		}
		f.proto.Configure()
		f.newState(StateReqSent)
		f.layerStart()
		f.initCounters()
		f.sendConfigReq()
	case StateClosing:
		f.newState(StateStopping)
	}
}

// Up is the lower-layer-up event.
func (f *FSM) Up() {
	f.log.Debug("Up event", zap.String("state", f.state.String()))
	switch f.state {
	case StateInitial:
		f.newState(StateClosed)
	case StateStarting:
		if f.Conf.Passive {
			f.newState(StateStopped)
			return
		}
		f.proto.Configure()
		f.newState(StateReqSent)
		f.initCounters()
		f.sendConfigReq()
	default:
		f.log.Warn("Oops, UP at " + f.state.String())
	}
}

// Down is the lower-layer-down event.
func (f *FSM) Down() {
	f.log.Debug("Down event", zap.String("state", f.state.String()))
	switch f.state {
	case StateClosing:
		f.layerFinish()
		f.newState(StateInitial)
	case StateClosed:
		f.newState(StateInitial)
	case StateStopped:
		f.newState(StateStarting)
		f.layerStart()
	case StateStopping, StateReqSent, StateAckRcvd, StateAckSent:
		f.newState(StateStarting)
		f.proto.UnConfigure()
	case StateOpened:
		f.newState(StateStarting)
		f.layerDown()
		f.proto.UnConfigure()
	}
}

// Close is the administrative Close event.
func (f *FSM) Close() {
	f.log.Debug("Close event", zap.String("state", f.state.String()))
	switch f.state {
	case StateStarting:
		f.newState(StateInitial)
		f.layerFinish()
	case StateStopped:
		f.newState(StateClosed)
	case StateStopping:
		f.newState(StateClosing)
	case StateOpened:
		f.newState(StateClosing)
		f.initRestartCounter(f.Conf.MaxTerminate)
		f.sendTerminateReq()
		f.layerDown()
		f.proto.UnConfigure()
	case StateReqSent, StateAckRcvd, StateAckSent:
		f.newState(StateClosing)
		f.initRestartCounter(f.Conf.MaxTerminate)
		f.sendTerminateReq()
		f.proto.UnConfigure()
	}
}

// Failure shuts the automaton down after an unrecoverable condition.
func (f *FSM) Failure(reason Reason) {
	f.log.Info(f.proto.Name()+" failure", zap.String("reason", reason.String()))

	f.proto.Failure(reason)

	switch f.state {
	case StateClosing:
		f.newState(StateClosed)
		f.layerFinish()
	case StateClosed:
		f.layerFinish()
	case StateStopping:
		f.newState(StateStopped)
		f.layerFinish()
	case StateAckRcvd, StateAckSent, StateReqSent:
		f.newState(StateStopped)
		if !f.Conf.Passive {
			f.layerFinish()
		}
		f.proto.UnConfigure()
	case StateOpened:
		// Take the whole layer down rather than renegotiating in place.
		f.newState(StateStopping)
		f.initRestartCounter(f.Conf.MaxTerminate)
		f.sendTerminateReq()
		f.layerDown()
		f.proto.UnConfigure()
	case StateStopped:
		if !f.Conf.Passive {
			f.layerFinish()
		}
	}
}

func (f *FSM) timeout() {
	if f.restart > 0 {
		switch f.state {
		case StateClosing, StateStopping:
			f.sendTerminateReq()
		case StateReqSent, StateAckSent:
			f.sendConfigReq()
		case StateAckRcvd:
			f.newState(StateReqSent)
			f.sendConfigReq()
		}
		return
	}

	switch f.state {
	case StateClosing:
		f.newState(StateClosed)
		f.layerFinish()
	case StateStopping:
		f.newState(StateStopped)
		f.layerFinish()
	case StateReqSent, StateAckSent, StateAckRcvd:
		f.Failure(ReasonNegotiation)
	}
}

func (f *FSM) layerUp() {
	f.log.Debug("LayerUp")
	f.proto.LayerUp()
}

func (f *FSM) layerDown() {
	f.log.Debug("LayerDown")
	f.proto.LayerDown()
}

func (f *FSM) layerStart() {
	f.log.Debug("LayerStart")
	f.proto.LayerStart()
}

func (f *FSM) layerFinish() {
	f.log.Debug("LayerFinish")
	f.proto.LayerFinish()
}

func (f *FSM) output(code Code, id uint8, data []byte) {
	pkt := &Packet{Code: code, Identifier: id, Data: data}
	f.lower.Output(f.proto.Proto(), pkt.Serialize())
}

func (f *FSM) sendConfigReq() {
	f.log.Debug("SendConfigReq", zap.Uint8("id", f.reqID))
	req := f.proto.BuildConfigReq()
	f.decodeBuffer(req, ModeNop)

	f.output(CodeConfigReq, f.reqID, req)
	f.reqID++

	f.timer.Start()
	f.restart--
	f.config--
}

func (f *FSM) sendConfigAck(id uint8, opts []byte) {
	f.log.Debug("SendConfigAck", zap.Uint8("id", id))
	f.decodeBuffer(opts, ModeNop)
	f.output(CodeConfigAck, id, opts)
}

func (f *FSM) sendConfigNak(id uint8, opts []byte) {
	f.log.Debug("SendConfigNak", zap.Uint8("id", id))
	f.decodeBuffer(opts, ModeNop)
	f.output(CodeConfigNak, id, opts)
	f.failure--
}

func (f *FSM) sendConfigRej(id uint8, opts []byte) {
	f.log.Debug("SendConfigRej", zap.Uint8("id", id))
	f.decodeBuffer(opts, ModeNop)
	f.output(CodeConfigRej, id, opts)
	f.failure--
}

func (f *FSM) sendTerminateReq() {
	f.log.Debug("SendTerminateReq", zap.Uint8("id", f.reqID))
	f.output(CodeTermReq, f.reqID, nil)
	f.reqID++
	if h, ok := f.proto.(TerminateHook); ok {
		h.SentTerminateReq()
	}
	f.timer.Start()
	f.restart--
}

func (f *FSM) sendTerminateAck() {
	f.log.Debug("SendTerminateAck", zap.Uint8("id", f.reqID))
	f.output(CodeTermAck, f.reqID, nil)
	f.reqID++
	if h, ok := f.proto.(TerminateHook); ok {
		h.SentTerminateAck()
	}
}

// SendResetReq emits a Reset-Request (CCP/ECP).
func (f *FSM) SendResetReq(data []byte) {
	f.output(CodeResetReq, f.reqID, data)
	f.reqID++
}

// SendResetAck answers a Reset-Request with the same identifier.
func (f *FSM) SendResetAck(id uint8, data []byte) {
	f.output(CodeResetAck, id, data)
}

// decodeBuffer hands the options to the protocol. ModeReq starts a fresh
// verdict.
func (f *FSM) decodeBuffer(data []byte, mode Mode) {
	if mode == ModeReq {
		f.ack.reset()
		f.nak.reset()
		f.rej.reset()
	}
	opts, err := ParseOptions(data)
	if err != nil {
		f.log.Warn("Malformed options", zap.Error(err))
	}
	f.proto.DecodeConfig(f, opts, mode)
}

// Ack accepts a requested option as-is.
func (f *FSM) Ack(opt Option) {
	f.addVerdict(&f.ack, opt)
}

// Nak counter-proposes an option value.
func (f *FSM) Nak(opt Option) {
	f.addVerdict(&f.nak, opt)
}

// Rej refuses an option outright.
func (f *FSM) Rej(opt Option) {
	f.addVerdict(&f.rej, opt)
}

func (f *FSM) addVerdict(v *verdict, opt Option) {
	if !v.add(opt) {
		f.log.Error(v.name + " buffer full")
	}
}
