package phys

import (
	"github.com/codelaboratoryltd/mpd/pkg/event"
)

// Pipe is one end of an in-memory point-to-point connection. Both ends
// share an event loop and every upcall is posted to it.
type Pipe struct {
	loop *event.Loop
	name string
	peer *Pipe
	up   Upcall

	state  State
	open   bool
	origin Originate

	// Listen makes the end announce Incoming when the other end dials.
	Listen bool
	Sync   bool
	Mtu    int

	accmXmit uint32
	accmRecv uint32
}

// NewPipe returns two connected ends.
func NewPipe(loop *event.Loop, a, b string) (*Pipe, *Pipe) {
	pa := &Pipe{loop: loop, name: a, Mtu: 1500}
	pb := &Pipe{loop: loop, name: b, Mtu: 1500}
	pa.peer, pb.peer = pb, pa
	return pa, pb
}

func (p *Pipe) Type() string { return "pipe" }

func (p *Pipe) SetUpcall(u Upcall) { p.up = u }

func (p *Pipe) Open() {
	if p.open {
		return
	}
	p.open = true
	if p.peer.open {
		if p.origin == OriginateUnknown {
			p.origin = OriginateRemote
		}
		p.connect()
		return
	}
	p.origin = OriginateLocal
	p.state = StateConnecting
	if p.peer.Listen && p.peer.state == StateDown {
		p.peer.origin = OriginateRemote
		p.post(p.peer, func(u Upcall) { u.Incoming() })
	}
}

func (p *Pipe) connect() {
	p.state, p.peer.state = StateUp, StateUp
	p.post(p, func(u Upcall) { u.Up() })
	p.post(p.peer, func(u Upcall) { u.Up() })
}

func (p *Pipe) Close() {
	if !p.open {
		return
	}
	p.open = false
	p.hangup(ReasonManual)
}

func (p *Pipe) hangup(reason string) {
	wasUp := p.state != StateDown
	p.state = StateDown
	p.origin = OriginateUnknown
	if wasUp {
		p.post(p, func(u Upcall) { u.Down(reason, "") })
	}
	if p.peer.state == StateUp {
		p.peer.state = StateDown
		p.peer.open = false
		p.peer.origin = OriginateUnknown
		p.post(p.peer, func(u Upcall) { u.Down(ReasonPeerDisc, "") })
	}
}

func (p *Pipe) Update() {}

func (p *Pipe) Shutdown() {
	p.Close()
}

func (p *Pipe) State() State { return p.state }

func (p *Pipe) Originate() Originate { return p.origin }

func (p *Pipe) SetAccm(xmit, recv uint32) error {
	p.accmXmit, p.accmRecv = xmit, recv
	return nil
}

// Accm returns the async control character maps last set.
func (p *Pipe) Accm() (xmit, recv uint32) { return p.accmXmit, p.accmRecv }

func (p *Pipe) IsSync() bool { return p.Sync }

func (p *Pipe) MTU() int { return p.Mtu }

func (p *Pipe) MRU() int { return p.Mtu }

func (p *Pipe) IsBusy() bool { return p.state != StateDown }

func (p *Pipe) SelfAddr() string { return p.name }

func (p *Pipe) PeerAddr() string { return p.peer.name }

func (p *Pipe) CallingNum() string {
	if p.origin == OriginateRemote {
		return p.peer.name
	}
	return p.name
}

func (p *Pipe) CalledNum() string {
	if p.origin == OriginateRemote {
		return p.name
	}
	return p.peer.name
}

// Write hands a copy of frame to the other end.
func (p *Pipe) Write(frame []byte) error {
	if p.state != StateUp {
		return ErrNotUp
	}
	buf := append([]byte(nil), frame...)
	peer := p.peer
	p.loop.Post(func() {
		if peer.state == StateUp && peer.up != nil {
			peer.up.Input(buf)
		}
	})
	return nil
}

func (p *Pipe) Clone() (Device, error) {
	return nil, ErrNoClone
}

func (p *Pipe) post(target *Pipe, fn func(Upcall)) {
	p.loop.Post(func() {
		if target.up != nil {
			fn(target.up)
		}
	})
}
