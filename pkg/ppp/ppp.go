// Package ppp is the control plane of the daemon: LCP and the PPP phase
// driver of each link, the bundle coordinator that admits links into
// multilink bundles, the bandwidth-on-demand loop, and the network
// control protocols IPCP, IPV6CP, CCP and ECP.
//
// Everything in this package runs on a single event.Loop goroutine.
// Links and bundles live in a Manager arena and refer to each other by
// pointer; the Manager is the only way to create or find them.
package ppp

import (
	"net/netip"
	"time"
)

// Default values shared by links and bundles.
const (
	DefaultMRU      = 1500
	DefaultMTU      = 1500
	DefaultMRRU     = 2048
	DefaultAccmap   = 0x000a0000
	DefaultRetry    = 2 * time.Second
	DefaultEchoInt  = 5 * time.Second
	DefaultEchoMax  = 40 * time.Second
	MinMRU          = 296
	MaxMRU          = 65535
	minTotalBW      = 9600
	bundReopenDelay = 3 * time.Second
	statsInterval   = 65 * time.Second
)

// Phase is the PPP phase of a link.
type Phase int

const (
	PhaseDead Phase = iota
	PhaseEstablish
	PhaseAuthenticate
	PhaseNetwork
	PhaseTerminate
)

func (p Phase) String() string {
	switch p {
	case PhaseDead:
		return "DEAD"
	case PhaseEstablish:
		return "ESTABLISH"
	case PhaseAuthenticate:
		return "AUTHENTICATE"
	case PhaseNetwork:
		return "NETWORK"
	case PhaseTerminate:
		return "TERMINATE"
	default:
		return "UNKNOWN"
	}
}

// Interface is the system network interface a bundle carries traffic
// for. ready=false brings the interface or address up as a dial-on-demand
// placeholder: outbound traffic then calls the demand handler instead of
// being sent.
type Interface interface {
	Up(ready bool)
	Down()
	IPUp(ready bool, self, peer netip.Addr) error
	IPDown()
	IPv6Up(ready bool, self, peer [8]byte) error
	IPv6Down()
	SetMTU(mtu int)
	// Write hands a decapsulated datagram to the system.
	Write(proto uint16, pkt []byte) error
	// SetHandlers installs the bundle's transmit path and demand trigger.
	SetHandlers(send func(proto uint16, pkt []byte) error, demand func())
}

// Recorder receives operational events for metrics.
type Recorder interface {
	LinkUp(link string)
	LinkDown(link string)
	BundleUp(bundle string)
	BundleDown(bundle string)
	BundleBandwidth(bundle string, bps int)
	FSMFailure(proto, reason string)
	BundleJoin(result string)
	BoDDecision(bundle, decision string)
	LinkOctets(link string, in, out uint64)
}

type nopRecorder struct{}

func (nopRecorder) LinkUp(string)                     {}
func (nopRecorder) LinkDown(string)                   {}
func (nopRecorder) BundleUp(string)                   {}
func (nopRecorder) BundleDown(string)                 {}
func (nopRecorder) BundleBandwidth(string, int)       {}
func (nopRecorder) FSMFailure(string, string)         {}
func (nopRecorder) BundleJoin(string)                 {}
func (nopRecorder) BoDDecision(string, string)        {}
func (nopRecorder) LinkOctets(string, uint64, uint64) {}

// nopInterface backs bundles created without a system interface.
type nopInterface struct{}

func (nopInterface) Up(bool)                                        {}
func (nopInterface) Down()                                          {}
func (nopInterface) IPUp(bool, netip.Addr, netip.Addr) error        { return nil }
func (nopInterface) IPDown()                                        {}
func (nopInterface) IPv6Up(bool, [8]byte, [8]byte) error            { return nil }
func (nopInterface) IPv6Down()                                      {}
func (nopInterface) SetMTU(int)                                     {}
func (nopInterface) Write(uint16, []byte) error                     { return nil }
func (nopInterface) SetHandlers(func(uint16, []byte) error, func()) {}
