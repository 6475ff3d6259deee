package fsm

import "time"

// Protocol is the per-protocol callback table an FSM instance drives.
type Protocol interface {
	// Name is the short protocol name used in logs, e.g. "LCP".
	Name() string
	// Proto is the PPP protocol number carried in output frames.
	Proto() uint16
	// KnownCodes is a CodeMask of the codes the protocol accepts.
	KnownCodes() uint32
	// LinkLayer is true for protocols owned by a link rather than a bundle.
	LinkLayer() bool

	Configure()
	UnConfigure()
	NewState(old, new State)

	LayerUp()
	LayerDown()
	LayerStart()
	LayerFinish()

	// BuildConfigReq returns the option bytes of our next Configure-Request.
	BuildConfigReq() []byte
	// DecodeConfig interprets options. In ModeReq it must classify every
	// option with f.Ack, f.Nak or f.Rej.
	DecodeConfig(f *FSM, opts []Option, mode Mode)

	Failure(reason Reason)
}

// Lower is the owner of an FSM instance: a link for link-layer protocols,
// a bundle otherwise.
type Lower interface {
	// Output sends a control packet under the given protocol number.
	Output(proto uint16, pkt []byte)
	// RetryTimeout is the restart timer period.
	RetryTimeout() time.Duration
	// RecvFrames returns the received frame counter used by keepalive.
	// ok is false when no counter is available yet.
	RecvFrames() (frames uint64, ok bool)
}

// CodeRejectHandler decides whether a rejected code is fatal. Protocols
// without it use the RFC 1661 default table.
type CodeRejectHandler interface {
	RecvCodeRej(code Code, data []byte) (fatal bool)
}

// ProtoRejectHandler is consulted for Protocol-Reject while Opened.
type ProtoRejectHandler interface {
	RecvProtoRej(proto uint16, data []byte) (fatal bool)
}

// ResetHandler handles CCP/ECP Reset-Request and Reset-Ack.
type ResetHandler interface {
	RecvResetReq(id uint8, data []byte)
	RecvResetAck(id uint8, data []byte)
}

// IdentHandler receives Identification message text.
type IdentHandler interface {
	RecvIdent(text string)
}

// TimeRemainHandler receives Time-Remaining announcements.
type TimeRemainHandler interface {
	RecvTimeRemain(seconds uint32)
}

// DiscardHandler receives Discard-Request payloads.
type DiscardHandler interface {
	RecvDiscReq(data []byte)
}

// VendorHandler receives vendor specific packets.
type VendorHandler interface {
	RecvVendor(data []byte)
}

// TerminateHook runs after a Terminate-Request or Terminate-Ack is sent.
type TerminateHook interface {
	SentTerminateReq()
	SentTerminateAck()
}

// MagicProvider exposes the negotiated magic numbers of a link.
type MagicProvider interface {
	SelfMagic() uint32
	PeerMagic() uint32
}
