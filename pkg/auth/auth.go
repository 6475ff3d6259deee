// Package auth runs the PPP authentication phase of a link: PAP
// (RFC 1334), CHAP-MD5 (RFC 1994), MS-CHAPv2 (RFC 2759) and EAP-MD5
// (RFC 3748), on both the authenticator and the peer side. Credentials
// are checked by a pluggable Verifier, and session accounting is handed
// to an Accountant.
package auth

import (
	"fmt"
	"net/netip"
	"time"
)

// Protocol numbers of the authentication protocols.
const (
	ProtoPAP  = 0xc023
	ProtoCHAP = 0xc223
	ProtoEAP  = 0xc227
)

// CHAP algorithms.
const (
	AlgMD5  = 0x05
	AlgMSv1 = 0x80
	AlgMSv2 = 0x81
)

// Method is an authentication protocol and, for CHAP, its algorithm.
type Method struct {
	Proto uint16
	Alg   uint8
}

// None means no authentication in that direction.
var None = Method{}

var (
	PAP     = Method{Proto: ProtoPAP}
	CHAPMD5 = Method{Proto: ProtoCHAP, Alg: AlgMD5}
	MSCHAP  = Method{Proto: ProtoCHAP, Alg: AlgMSv1}
	MSCHAP2 = Method{Proto: ProtoCHAP, Alg: AlgMSv2}
	EAP     = Method{Proto: ProtoEAP}
)

// IsZero reports whether no protocol is selected.
func (m Method) IsZero() bool {
	return m.Proto == 0
}

func (m Method) String() string {
	switch m {
	case None:
		return "none"
	case PAP:
		return "PAP"
	case CHAPMD5:
		return "CHAP-MD5"
	case MSCHAP:
		return "CHAP-MSv1"
	case MSCHAP2:
		return "CHAP-MSv2"
	case EAP:
		return "EAP"
	default:
		return fmt.Sprintf("0x%04x/%d", m.Proto, m.Alg)
	}
}

// Params are the results of a successful authentication that shape the
// session: the authenticated name, the address to hand out and the
// action selecting a bundle.
type Params struct {
	Authname       string
	FramedIP       netip.Addr
	DNS            [2]netip.Addr
	NBNS           [2]netip.Addr
	Action         string // e.g. "bundle B1"
	SessionTimeout time.Duration
	IdleTimeout    time.Duration
	FilterID       string
	Class          []byte
	MRU            int
	Vendor         string
}

// Credentials are what the peer presented.
type Credentials struct {
	Method   Method
	Username string
	Password string // PAP only

	// CHAP and EAP-MD5
	ID        uint8
	Challenge []byte
	Response  []byte
}

// Result is a verifier decision.
type Result struct {
	Success bool
	Params  Params
	Message string
	// MSv2Success is the "S=..." authenticator response for MS-CHAPv2.
	MSv2Success string
}

// Verifier checks credentials. Verify may complete on any goroutine;
// the session moves the result back onto the event loop.
type Verifier interface {
	Verify(cred *Credentials, done func(Result))
}

// AcctKind is the accounting record type.
type AcctKind int

const (
	AcctStart AcctKind = iota + 1
	AcctStop
	AcctUpdate
)

func (k AcctKind) String() string {
	switch k {
	case AcctStart:
		return "START"
	case AcctStop:
		return "STOP"
	case AcctUpdate:
		return "UPDATE"
	default:
		return "UNKNOWN"
	}
}

// AcctRecord describes one link of a bundle for accounting.
type AcctRecord struct {
	Kind           AcctKind
	SessionID      string
	MultiSessionID string
	Link           string
	Bundle         string
	Authname       string
	LinkCount      int
	CallingNum     string
	CalledNum      string
	PeerAddr       string
	FramedIP       netip.Addr
	Class          []byte
	SessionTime    time.Duration
	InOctets       uint64
	OutOctets      uint64
	InPackets      uint64
	OutPackets     uint64
	TerminateCause string
}

// Accountant records session start and stop. done is called once the
// record has been handled, on any goroutine.
type Accountant interface {
	Account(rec AcctRecord, done func(error))
}
