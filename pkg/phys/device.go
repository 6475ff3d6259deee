// Package phys defines the physical layer a PPP link runs over and
// provides the devices the daemon ships with: PPP frames over UDP and an
// in-memory pipe pair.
package phys

import "errors"

// Originate tells who placed the call.
type Originate int

const (
	OriginateUnknown Originate = iota
	OriginateLocal
	OriginateRemote
)

func (o Originate) String() string {
	switch o {
	case OriginateLocal:
		return "local"
	case OriginateRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// State is the device connection state.
type State int

const (
	StateDown State = iota
	StateConnecting
	StateReady
	StateUp
)

func (s State) String() string {
	switch s {
	case StateDown:
		return "DOWN"
	case StateConnecting:
		return "CONNECTING"
	case StateReady:
		return "READY"
	case StateUp:
		return "UP"
	default:
		return "UNKNOWN"
	}
}

// Down reasons reported by devices.
const (
	ReasonManual        = "Manually closed"
	ReasonPeerDisc      = "Disconnected by peer"
	ReasonConFailed     = "Connection failed"
	ReasonDropped       = "Dropped"
	ReasonDevNotReady   = "Device not ready"
	ReasonIdleTimeout   = "Idle timeout"
	ReasonSessTimeout   = "Session timeout"
	ReasonAdminShutdown = "Admin shutdown"
)

var (
	// ErrNotUp is returned by Write on a device that is not connected.
	ErrNotUp = errors.New("phys: device is not up")

	// ErrNoClone is returned by devices that cannot serve as templates.
	ErrNoClone = errors.New("phys: device type cannot be instantiated")
)

// Upcall receives device events. Devices deliver every call on the event
// loop goroutine.
type Upcall interface {
	Up()
	Down(reason, detail string)
	Incoming()
	Input(frame []byte)
}

// Device is one physical connection. Open and Close are asynchronous:
// completion is reported through the Upcall.
type Device interface {
	Type() string
	SetUpcall(u Upcall)

	Open()
	Close()
	// Update pushes negotiated parameters down after LCP reaches Opened.
	Update()
	Shutdown()

	State() State
	Originate() Originate
	SetAccm(xmit, recv uint32) error
	IsSync() bool
	MTU() int
	MRU() int
	IsBusy() bool

	SelfAddr() string
	PeerAddr() string
	CallingNum() string
	CalledNum() string

	Write(frame []byte) error

	// Clone returns an unconnected copy used by template instances.
	Clone() (Device, error)
}
