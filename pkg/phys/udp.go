package phys

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/mpd/pkg/event"
)

const udpBufSize = 4096

// UDPConfig describes a PPP-over-UDP endpoint.
type UDPConfig struct {
	Self string // local host:port
	Peer string // remote host:port, empty to accept the first sender
	MTU  int
}

// UDPDevice carries PPP frames in UDP datagrams, one frame per datagram.
type UDPDevice struct {
	loop *event.Loop
	log  *zap.Logger
	conf UDPConfig
	up   Upcall

	mu     sync.Mutex
	conn   *net.UDPConn
	peer   *net.UDPAddr
	state  State
	open   bool
	origin Originate
	gen    uint64
}

// NewUDPDevice validates the addresses and returns a closed device.
func NewUDPDevice(loop *event.Loop, conf UDPConfig, logger *zap.Logger) (*UDPDevice, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if conf.Self == "" {
		return nil, errors.New("udp: self address required")
	}
	if _, err := net.ResolveUDPAddr("udp", conf.Self); err != nil {
		return nil, fmt.Errorf("udp: self address: %w", err)
	}
	if conf.Peer != "" {
		if _, err := net.ResolveUDPAddr("udp", conf.Peer); err != nil {
			return nil, fmt.Errorf("udp: peer address: %w", err)
		}
	}
	if conf.MTU == 0 {
		conf.MTU = 1500
	}
	return &UDPDevice{
		loop: loop,
		log:  logger.With(zap.String("device", "udp"), zap.String("self", conf.Self)),
		conf: conf,
	}, nil
}

func (d *UDPDevice) Type() string { return "udp" }

func (d *UDPDevice) SetUpcall(u Upcall) { d.up = u }

// Listen binds the socket without dialing so that a remote peer can call
// in. The first datagram from an unknown peer raises Incoming.
func (d *UDPDevice) Listen() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bindLocked()
}

func (d *UDPDevice) bindLocked() error {
	if d.conn != nil {
		return nil
	}
	self, err := net.ResolveUDPAddr("udp", d.conf.Self)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", self)
	if err != nil {
		return err
	}
	d.conn = conn
	d.gen++
	go d.reader(conn, d.gen)
	return nil
}

func (d *UDPDevice) Open() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open {
		return
	}
	d.open = true
	if err := d.bindLocked(); err != nil {
		d.log.Warn("Can't bind", zap.Error(err))
		d.open = false
		d.post(func(u Upcall) { u.Down(ReasonConFailed, err.Error()) })
		return
	}
	if d.peer == nil && d.conf.Peer != "" {
		d.peer, _ = net.ResolveUDPAddr("udp", d.conf.Peer)
		d.origin = OriginateLocal
	}
	if d.peer == nil {
		d.state = StateConnecting
		return
	}
	if d.origin == OriginateUnknown {
		d.origin = OriginateRemote
	}
	d.state = StateUp
	d.log.Info("Connected", zap.String("peer", d.peer.String()))
	d.post(func(u Upcall) { u.Up() })
}

func (d *UDPDevice) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open && d.state == StateDown {
		return
	}
	d.open = false
	d.closeLocked(ReasonManual)
}

func (d *UDPDevice) closeLocked(reason string) {
	if d.conn != nil {
		_ = d.conn.Close()
		d.conn = nil
	}
	wasUp := d.state != StateDown
	d.state = StateDown
	d.origin = OriginateUnknown
	if d.conf.Peer == "" {
		d.peer = nil
	}
	if wasUp {
		d.post(func(u Upcall) { u.Down(reason, "") })
	}
}

func (d *UDPDevice) reader(conn *net.UDPConn, gen uint64) {
	buf := make([]byte, udpBufSize)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				d.log.Debug("Read failed", zap.Error(err))
			}
			return
		}
		frame := append([]byte(nil), buf[:n]...)
		d.loop.Post(func() { d.received(gen, from, frame) })
	}
}

func (d *UDPDevice) received(gen uint64, from *net.UDPAddr, frame []byte) {
	d.mu.Lock()
	if gen != d.gen || d.conn == nil {
		d.mu.Unlock()
		return
	}
	if d.peer == nil {
		d.peer = from
		if d.open {
			d.state = StateUp
			d.origin = OriginateRemote
			d.mu.Unlock()
			d.log.Info("Peer connected", zap.String("peer", from.String()))
			if d.up != nil {
				d.up.Up()
				d.up.Input(frame)
			}
			return
		}
		d.origin = OriginateRemote
		d.mu.Unlock()
		d.log.Info("Incoming call", zap.String("peer", from.String()))
		if d.up != nil {
			d.up.Incoming()
		}
		return
	}
	if !from.IP.Equal(d.peer.IP) || from.Port != d.peer.Port {
		d.mu.Unlock()
		d.log.Debug("Datagram from unexpected peer", zap.String("from", from.String()))
		return
	}
	up := d.state == StateUp
	d.mu.Unlock()
	if up && d.up != nil {
		d.up.Input(frame)
	}
}

func (d *UDPDevice) Update() {}

func (d *UDPDevice) Shutdown() {
	d.Close()
}

func (d *UDPDevice) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *UDPDevice) Originate() Originate {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.origin
}

// SetAccm is a no-op: datagrams are already framed.
func (d *UDPDevice) SetAccm(xmit, recv uint32) error { return nil }

func (d *UDPDevice) IsSync() bool { return true }

func (d *UDPDevice) MTU() int { return d.conf.MTU }

func (d *UDPDevice) MRU() int { return d.conf.MTU }

func (d *UDPDevice) IsBusy() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state != StateDown
}

func (d *UDPDevice) SelfAddr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		return d.conn.LocalAddr().String()
	}
	return d.conf.Self
}

func (d *UDPDevice) PeerAddr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.peer != nil {
		return d.peer.String()
	}
	return d.conf.Peer
}

func (d *UDPDevice) CallingNum() string {
	if d.Originate() == OriginateRemote {
		return d.PeerAddr()
	}
	return d.SelfAddr()
}

func (d *UDPDevice) CalledNum() string {
	if d.Originate() == OriginateRemote {
		return d.SelfAddr()
	}
	return d.PeerAddr()
}

func (d *UDPDevice) Write(frame []byte) error {
	d.mu.Lock()
	conn, peer, state := d.conn, d.peer, d.state
	d.mu.Unlock()
	if state != StateUp || conn == nil || peer == nil {
		return ErrNotUp
	}
	_, err := conn.WriteToUDP(frame, peer)
	return err
}

// Clone copies the configuration into a new closed device.
func (d *UDPDevice) Clone() (Device, error) {
	return NewUDPDevice(d.loop, d.conf, d.log)
}

func (d *UDPDevice) post(fn func(Upcall)) {
	d.loop.Post(func() {
		if d.up != nil {
			fn(d.up)
		}
	})
}
