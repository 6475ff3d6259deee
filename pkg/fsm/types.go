// Package fsm implements the generic RFC 1661 option negotiation automaton
// shared by LCP, IPCP, IPV6CP, CCP and ECP.
package fsm

import "time"

// State represents the automaton state per RFC 1661. The numbering matches
// the RFC and is part of the external contract.
type State int

const (
	StateInitial  State = iota // Lower layer unavailable, no Open
	StateStarting              // Lower layer unavailable, Open
	StateClosed                // Lower layer available, no Open
	StateStopped               // Open, waiting for Configure-Request
	StateClosing               // Terminate-Request sent
	StateStopping              // Terminate-Request sent (from Opened)
	StateReqSent               // Configure-Request sent
	StateAckRcvd               // Configure-Request sent, Configure-Ack received
	StateAckSent               // Configure-Request and Configure-Ack sent
	StateOpened                // Connection fully established
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "Initial"
	case StateStarting:
		return "Starting"
	case StateClosed:
		return "Closed"
	case StateStopped:
		return "Stopped"
	case StateClosing:
		return "Closing"
	case StateStopping:
		return "Stopping"
	case StateReqSent:
		return "Req-Sent"
	case StateAckRcvd:
		return "Ack-Rcvd"
	case StateAckSent:
		return "Ack-Sent"
	case StateOpened:
		return "Opened"
	default:
		return "Unknown"
	}
}

// IsOpen reports whether the automaton is administratively open with the
// lower layer up: Stopping, Ack-Rcvd, Ack-Sent or Opened.
func (s State) IsOpen() bool {
	switch s {
	case StateStopping, StateAckRcvd, StateAckSent, StateOpened:
		return true
	default:
		return false
	}
}

// Code is a control packet code.
type Code uint8

const (
	CodeVendor     Code = 0  // Vendor specific (RFC 2153)
	CodeConfigReq  Code = 1  // Configure-Request
	CodeConfigAck  Code = 2  // Configure-Ack
	CodeConfigNak  Code = 3  // Configure-Nak
	CodeConfigRej  Code = 4  // Configure-Reject
	CodeTermReq    Code = 5  // Terminate-Request
	CodeTermAck    Code = 6  // Terminate-Ack
	CodeCodeRej    Code = 7  // Code-Reject
	CodeProtoRej   Code = 8  // Protocol-Reject
	CodeEchoReq    Code = 9  // Echo-Request
	CodeEchoRep    Code = 10 // Echo-Reply
	CodeDiscReq    Code = 11 // Discard-Request
	CodeIdent      Code = 12 // Identification (RFC 1570)
	CodeTimeRemain Code = 13 // Time-Remaining (RFC 1570)
	CodeResetReq   Code = 14 // Reset-Request (RFC 1962)
	CodeResetAck   Code = 15 // Reset-Ack (RFC 1962)

	numCodes = 16
)

var codeNames = [numCodes]string{
	"Vendor Packet",
	"Configure Request",
	"Configure Ack",
	"Configure Nak",
	"Configure Reject",
	"Terminate Request",
	"Terminate Ack",
	"Code Reject",
	"Protocol Reject",
	"Echo Request",
	"Echo Reply",
	"Discard Request",
	"Ident",
	"Time Remain",
	"Reset Request",
	"Reset Ack",
}

func (c Code) String() string {
	if int(c) < numCodes {
		return codeNames[c]
	}
	return "UNKNOWN"
}

// CodeMask builds a known-codes bitmap.
func CodeMask(codes ...Code) uint32 {
	var m uint32
	for _, c := range codes {
		m |= 1 << c
	}
	return m
}

// Mode tells DecodeConfig why it is looking at a set of options.
type Mode int

const (
	ModeReq Mode = iota // Peer's Configure-Request; answer with Ack/Nak/Rej
	ModeNak             // Peer Nak'd our request
	ModeRej             // Peer rejected options of our request
	ModeNop             // Display only
)

func (m Mode) String() string {
	switch m {
	case ModeReq:
		return "REQ"
	case ModeNak:
		return "NAK"
	case ModeRej:
		return "REJ"
	case ModeNop:
		return "NOP"
	default:
		return "Unknown"
	}
}

// Reason is why an automaton gave up.
type Reason int

const (
	ReasonNegotiation Reason = iota
	ReasonBadMagic
	ReasonCodeReject
	ReasonProtoReject
	ReasonWasProtoRejected
	ReasonEchoTimeout
	ReasonCantEncrypt
)

func (r Reason) String() string {
	switch r {
	case ReasonNegotiation:
		return "parameter negotiation failed"
	case ReasonBadMagic:
		return "received an invalid magic number"
	case ReasonCodeReject:
		return "received fatal code reject"
	case ReasonProtoReject:
		return "received fatal protocol reject"
	case ReasonWasProtoRejected:
		return "protocol was rejected by peer"
	case ReasonEchoTimeout:
		return "peer not responding to echo requests"
	case ReasonCantEncrypt:
		return "failed to negotiate required encryption"
	default:
		return "unknown failure"
	}
}

// Default retransmission limits.
const (
	DefaultMaxConfig    = 10
	DefaultMaxTerminate = 2
	DefaultMaxFailure   = 5
)

// Conf holds per-automaton tunables.
type Conf struct {
	MaxConfig    int           // Configure-Request transmissions before giving up
	MaxTerminate int           // Terminate-Request transmissions before giving up
	MaxFailure   int           // Nak/Rej replies before declaring non-convergence
	EchoInterval time.Duration // Keepalive period, zero disables
	EchoMax      time.Duration // Silence tolerated before EchoTimeout
	CheckMagic   bool          // Verify peer magic on echo/ident/discard
	Passive      bool          // Wait for the peer to initiate
}

// DefaultConf returns the default tunables.
func DefaultConf() Conf {
	return Conf{
		MaxConfig:    DefaultMaxConfig,
		MaxTerminate: DefaultMaxTerminate,
		MaxFailure:   DefaultMaxFailure,
	}
}
