package fsm

import (
	"bytes"
	"encoding/binary"
	"time"

	"go.uber.org/zap"
)

func (f *FSM) selfMagic() uint32 {
	if m, ok := f.proto.(MagicProvider); ok {
		return m.SelfMagic()
	}
	return 0
}

// checkMagic validates the leading magic number of an LCP echo-class
// packet and returns the bytes following it.
func (f *FSM) checkMagic(data []byte) []byte {
	if len(data) < 4 {
		return nil
	}
	peer := binary.BigEndian.Uint32(data)

	var ought uint32
	if m, ok := f.proto.(MagicProvider); ok && f.proto.LinkLayer() {
		ought = m.PeerMagic()
	}

	if f.Conf.CheckMagic && peer != 0 && peer != ought {
		f.log.Info("Magic number is wrong",
			zap.Uint32("got", peer),
			zap.Uint32("expected", ought),
		)
		f.Failure(ReasonBadMagic)
	}
	return data[4:]
}

func (f *FSM) recvEchoReq(pkt *Packet) {
	rest := f.checkMagic(pkt.Data)

	if f.state != StateOpened {
		return
	}

	reply := make([]byte, 4+len(rest))
	binary.BigEndian.PutUint32(reply, f.selfMagic())
	copy(reply[4:], rest)

	f.log.Debug("SendEchoRep", zap.Uint8("id", pkt.Identifier))
	f.output(CodeEchoRep, pkt.Identifier, reply)
}

func (f *FSM) recvIdent(pkt *Packet) {
	rest := f.checkMagic(pkt.Data)
	text := string(bytes.TrimRight(rest, "\x00"))
	if len(rest) > 0 {
		f.log.Info("Peer ident", zap.String("message", text))
	}
	if h, ok := f.proto.(IdentHandler); ok {
		h.RecvIdent(text)
	}
}

func (f *FSM) recvTimeRemain(pkt *Packet) {
	rest := f.checkMagic(pkt.Data)
	var remain uint32
	if len(rest) >= 4 {
		remain = binary.BigEndian.Uint32(rest)
		f.log.Info("Time remaining", zap.Uint32("seconds", remain))
	}
	if h, ok := f.proto.(TimeRemainHandler); ok {
		h.RecvTimeRemain(remain)
	}
}

// SendEchoReq sends an Echo-Request carrying our magic number. Only
// meaningful in the Opened state.
func (f *FSM) SendEchoReq(payload []byte) {
	if f.state != StateOpened {
		return
	}

	data := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(data, f.selfMagic())
	copy(data[4:], payload)

	f.log.Debug("SendEchoReq", zap.Uint8("id", f.echoID))
	f.output(CodeEchoReq, f.echoID, data)
	f.echoID++
}

// SendIdent sends an Identification message. The magic is zero unless
// the automaton is Opened since Ident may be sent at any time.
func (f *FSM) SendIdent(ident string) {
	magic := f.selfMagic()
	if f.state != StateOpened {
		magic = 0
	}

	data := make([]byte, 4, 4+len(ident)+1)
	binary.BigEndian.PutUint32(data, magic)
	data = append(data, ident...)
	data = append(data, 0)

	f.log.Debug("SendIdent", zap.Uint8("id", f.echoID), zap.String("ident", ident))
	f.output(CodeIdent, f.echoID, data)
	f.echoID++
}

// SendTimeRemaining announces the seconds left in the session.
func (f *FSM) SendTimeRemaining(seconds uint32) {
	magic := f.selfMagic()
	if f.state != StateOpened {
		magic = 0
	}

	data := make([]byte, 8)
	binary.BigEndian.PutUint32(data, magic)
	binary.BigEndian.PutUint32(data[4:], seconds)

	f.log.Debug("SendTimeRemaining", zap.Uint8("id", f.echoID), zap.Uint32("seconds", seconds))
	f.output(CodeTimeRemain, f.echoID, data)
	f.echoID++
}

func (f *FSM) echoTimeout() {
	frames, ok := f.lower.RecvFrames()
	if !ok {
		return
	}

	old := f.idleFrames
	f.idleFrames = frames
	if frames > old {
		f.quietCount = 0
	} else {
		f.quietCount++
	}

	switch f.quietCount {
	case 0:
	case 1:
		f.SendEchoReq(nil)
	default:
		f.log.Info("No reply to echo request(s)", zap.Int("count", f.quietCount-1))
		if f.Conf.EchoInterval*time.Duration(f.quietCount) >= f.Conf.EchoMax {
			f.echoTimer.Stop()
			f.Failure(ReasonEchoTimeout)
			return
		}
		f.SendEchoReq(nil)
	}
}
