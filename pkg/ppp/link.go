package ppp

import (
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/mpd/pkg/auth"
	"github.com/codelaboratoryltd/mpd/pkg/event"
	"github.com/codelaboratoryltd/mpd/pkg/fsm"
	"github.com/codelaboratoryltd/mpd/pkg/node"
	"github.com/codelaboratoryltd/mpd/pkg/phys"
)

// Link defaults.
const (
	DefaultBandwidth = 64000 // bits per second
	DefaultLatency   = 2000  // microseconds
)

// LinkConfig holds the tunables of a link. Start from DefaultLinkConfig.
type LinkConfig struct {
	Template bool
	Options  Options

	MRU    int
	MTU    int
	MRRU   int
	Accmap uint32

	// MaxRedial is -1 to never redial and 0 to redial forever.
	MaxRedial   int
	RedialDelay time.Duration
	// Retry is the FSM restart timer period (fsm-timeout).
	Retry       time.Duration
	MaxChildren int

	Bandwidth int // bits per second
	Latency   int // microseconds

	EchoInterval time.Duration
	EchoMax      time.Duration
	Ident        string

	Actions []Action
	Auth    auth.Config
	// AcctUpdate is the interim accounting period, zero disables.
	AcctUpdate time.Duration
}

// DefaultLinkConfig returns the configuration of a new link.
func DefaultLinkConfig() LinkConfig {
	return LinkConfig{
		Options:      DefaultLinkOptions(),
		MRU:          DefaultMRU,
		MTU:          DefaultMTU,
		MRRU:         DefaultMRRU,
		Accmap:       DefaultAccmap,
		MaxRedial:    -1,
		RedialDelay:  time.Second,
		Retry:        DefaultRetry,
		MaxChildren:  DefaultMaxChildren,
		Bandwidth:    DefaultBandwidth,
		Latency:      DefaultLatency,
		EchoInterval: DefaultEchoInt,
		EchoMax:      DefaultEchoMax,
		Auth:         auth.DefaultConfig(),
	}
}

// LinkStats are the device level counters of a link.
type LinkStats struct {
	XmitFrames uint64
	XmitOctets uint64
	RecvFrames uint64
	RecvOctets uint64
	BadProtos  uint64
	Runts      uint64
}

// Link is one physical connection with its LCP automaton and the PPP
// phase driver layered on top.
type Link struct {
	m    *Manager
	log  *zap.Logger
	name string
	id   int

	tmpl     bool
	stay     bool
	dead     bool
	die      bool
	parent   *Link
	children int
	instance bool

	conf LinkConfig
	dev  phys.Device
	lcp  *lcp

	// Bundle membership. bund and bundleIndex are set as soon as the
	// link takes a slot; joined only once it entered the Network phase.
	bund        *Bundle
	bundleIndex int
	joined      bool

	originate phys.Originate
	numRedial int
	openTimer *event.Timer
	lastUp    time.Time

	upReason        string
	upReasonValid   bool
	downReason      string
	downReasonValid bool

	authn      *auth.Session
	params     auth.Params
	sessionID  string
	msessionID string
	peerIdent  string

	acctPending int
	acctTimer   *event.Timer

	stats     LinkStats
	idleStats node.Stats
	rejID     uint8
}

func newLink(m *Manager, name string, id int, dev phys.Device, conf LinkConfig) *Link {
	conf.normalize()
	l := &Link{
		m:    m,
		log:  m.log.With(zap.String("link", name)),
		name: name,
		id:   id,
		conf: conf,
		dev:  dev,
	}
	l.openTimer = m.loop.NewTimer("LinkOpen", conf.RedialDelay, l.reopenTimeout)
	l.acctTimer = m.loop.NewTimer("AuthAcctUpdate", conf.AcctUpdate, l.acctUpdate)
	l.lcp = newLCP(l)

	verifier := m.conf.Verifier
	if verifier == nil {
		verifier = denyVerifier{}
	}
	l.authn = auth.NewSession(m.loop, conf.Auth, verifier, l.Output, l.log)
	if dev != nil {
		dev.SetUpcall(l)
	}
	return l
}

func (c *LinkConfig) normalize() {
	def := DefaultLinkConfig()
	if c.MRU == 0 {
		c.MRU = def.MRU
	}
	if c.MTU == 0 {
		c.MTU = def.MTU
	}
	if c.MRRU == 0 {
		c.MRRU = def.MRRU
	}
	if c.Retry == 0 {
		c.Retry = def.Retry
	}
	if c.MaxChildren == 0 {
		c.MaxChildren = def.MaxChildren
	}
	if c.Bandwidth == 0 {
		c.Bandwidth = def.Bandwidth
	}
	if c.Latency == 0 {
		c.Latency = def.Latency
	}
}

// Name returns the link name.
func (l *Link) Name() string { return l.name }

// ID returns the arena index.
func (l *Link) ID() int { return l.id }

// IsTemplate reports whether the link only serves to instantiate others.
func (l *Link) IsTemplate() bool { return l.tmpl }

// Device returns the physical device.
func (l *Link) Device() phys.Device { return l.dev }

// Config returns the configuration.
func (l *Link) Config() LinkConfig { return l.conf }

// SetTimeouts replaces the timer tunables of the link. They take effect
// at the next negotiation.
func (l *Link) SetTimeouts(retry, echoInterval, echoMax, redialDelay time.Duration) {
	if retry > 0 {
		l.conf.Retry = retry
	}
	l.conf.EchoInterval = echoInterval
	l.conf.EchoMax = echoMax
	l.conf.RedialDelay = redialDelay
}

// Phase returns the PPP phase.
func (l *Link) Phase() Phase { return l.lcp.phase }

// State returns the LCP automaton state.
func (l *Link) State() fsm.State { return l.lcp.fsm.State() }

// Bundle returns the bundle the link has a slot in, if any.
func (l *Link) Bundle() *Bundle { return l.bund }

// Joined reports whether the link is an active bundle member.
func (l *Link) Joined() bool { return l.joined }

// Params returns the authentication results of the current session.
func (l *Link) Params() auth.Params { return l.params }

// SessionID returns the accounting session id.
func (l *Link) SessionID() string { return l.sessionID }

// MultiSessionID returns the bundle session id copied at join.
func (l *Link) MultiSessionID() string { return l.msessionID }

// PeerIdent returns the Identification text received from the peer.
func (l *Link) PeerIdent() string { return l.peerIdent }

// UpReason returns the recorded reason the link came up.
func (l *Link) UpReason() string { return l.upReason }

// DownReason returns the recorded reason the link went down.
func (l *Link) DownReason() string { return l.downReason }

// Stats returns the device level counters.
func (l *Link) Stats() LinkStats { return l.stats }

// Bandwidth returns the configured bandwidth in bits per second.
func (l *Link) Bandwidth() int { return l.conf.Bandwidth }

// Open administratively opens the link.
func (l *Link) Open() error {
	if l.tmpl {
		return fmt.Errorf("%w: open %s", ErrTemplate, l.name)
	}
	l.recordReason(true, ReasonManual, "")
	l.open()
	return nil
}

// Close administratively closes the link.
func (l *Link) Close() error {
	if l.tmpl {
		return fmt.Errorf("%w: close %s", ErrTemplate, l.name)
	}
	l.recordReason(false, ReasonManual, "")
	l.close()
	return nil
}

// Shutdown destroys the link once it is idle.
func (l *Link) Shutdown() {
	l.m.loop.Post(func() { l.msg(msgShutdown) })
}

type linkMsg int

const (
	msgOpen linkMsg = iota
	msgClose
	msgShutdown
)

func (m linkMsg) String() string {
	switch m {
	case msgOpen:
		return "OPEN"
	case msgClose:
		return "CLOSE"
	case msgShutdown:
		return "SHUTDOWN"
	default:
		return "UNKNOWN"
	}
}

func (l *Link) open() {
	l.m.loop.Post(func() { l.msg(msgOpen) })
}

func (l *Link) close() {
	l.m.loop.Post(func() { l.msg(msgClose) })
}

func (l *Link) msg(kind linkMsg) {
	if l.dead {
		return
	}
	l.log.Debug("Link: event", zap.Stringer("msg", kind))
	switch kind {
	case msgOpen:
		l.numRedial = 0
		l.lcp.fsm.Open()
	case msgClose:
		l.openTimer.Stop()
		l.lcp.fsm.Close()
	case msgShutdown:
		l.shutdown()
	}
}

// openDevice asks the device to connect.
func (l *Link) openDevice() {
	l.downReasonValid = false
	l.dev.Open()
}

// Up is called by the device once connected.
func (l *Link) Up() {
	if l.dead {
		return
	}
	l.log.Info("Link: UP event")
	l.lastUp = l.m.loop.Now()
	l.originate = l.dev.Originate()
	l.lcp.fsm.Up()
}

// Down is called by the device when the connection is lost.
func (l *Link) Down(reason, detail string) {
	if l.dead {
		return
	}
	l.recordReason(false, reason, detail)
	l.upReasonValid = false
	l.log.Info("Link: DOWN event", zap.String("reason", reason), zap.String("detail", detail))

	if l.lcp.fsm.State().IsOpen() {
		if (l.conf.MaxRedial != 0 && l.numRedial >= l.conf.MaxRedial) || l.m.shutdown {
			if l.conf.MaxRedial >= 0 {
				l.log.Info("Link: giving up after reconnection attempts", zap.Int("attempts", l.numRedial))
			}
			if !l.stay {
				l.die = true
			}
			l.lcp.fsm.Close()
			l.lcp.fsm.Down()
		} else {
			delay := l.conf.RedialDelay + time.Duration(rand.IntN(4))*time.Second
			l.openTimer.Reset(delay, nil)
			l.openTimer.Start()
			l.lcp.fsm.Down()
			l.numRedial++
			l.log.Info("Link: reconnection attempt scheduled",
				zap.Int("attempt", l.numRedial),
				zap.Duration("delay", delay),
			)
		}
	} else {
		if !l.stay {
			l.die = true
		}
		l.lcp.fsm.Down()
	}
	l.shutdownCheck(l.lcp.fsm.State())
}

// Incoming is called by a listening device when a peer calls in.
func (l *Link) Incoming() {
	if l.dead {
		return
	}
	if !l.conf.Options.Enabled(LinkIncoming) {
		l.log.Info("Link: incoming call denied")
		l.dev.Close()
		return
	}
	switch rept := l.MatchAction(1, ""); rept {
	case "":
	case dropAction:
		l.log.Info("Link: Drop connection")
		l.dev.Close()
		return
	default:
		l.log.Warn("Link: forwarding is not supported", zap.String("target", rept))
		l.dev.Close()
		return
	}
	l.recordReason(true, ReasonIncomingCall, "")
	l.open()
}

// Input is called by the device with every received frame.
func (l *Link) Input(frame []byte) {
	if l.dead {
		return
	}
	l.stats.RecvFrames++
	l.stats.RecvOctets += uint64(len(frame))

	proto, payload, err := node.DecodeFrame(frame)
	if err != nil {
		l.stats.Runts++
		l.log.Debug("Dropping frame", zap.Error(err))
		return
	}

	switch {
	case proto == node.ProtocolLCP:
		l.lcp.fsm.Input(payload)
	case proto == node.ProtocolPAP || proto == node.ProtocolCHAP || proto == node.ProtocolEAP:
		if l.lcp.phase != PhaseAuthenticate && l.lcp.phase != PhaseNetwork {
			l.log.Debug("Dropping auth packet outside authentication", zap.Stringer("phase", l.lcp.phase))
			return
		}
		l.authn.Input(proto, payload)
	case l.joined:
		if err := l.bund.node.Input(l.bundleIndex, proto, payload); err != nil {
			l.log.Debug("Bundle input failed", zap.String("proto", node.ProtoName(proto)), zap.Error(err))
		}
	default:
		l.stats.BadProtos++
		if l.lcp.fsm.State() == fsm.StateOpened {
			l.sendProtoRej(proto, payload)
		}
	}
}

// sendProtoRej rejects a protocol we do not run on this link.
func (l *Link) sendProtoRej(proto uint16, payload []byte) {
	l.log.Info("Protocol rejected", zap.String("proto", node.ProtoName(proto)))
	max := l.lcp.peerMRU - fsm.HeaderLen - 2
	if max < 0 {
		max = 0
	}
	if len(payload) > max {
		payload = payload[:max]
	}
	data := binary.BigEndian.AppendUint16(nil, proto)
	data = append(data, payload...)
	pkt := &fsm.Packet{Code: fsm.CodeProtoRej, Identifier: l.rejID, Data: data}
	l.rejID++
	l.Output(node.ProtocolLCP, pkt.Serialize())
}

// Output sends a link-level control packet with full framing.
func (l *Link) Output(proto uint16, pkt []byte) {
	if err := l.WriteFrame(node.EncodeFrame(proto, pkt, false, false)); err != nil {
		l.log.Debug("Output failed", zap.String("proto", node.ProtoName(proto)), zap.Error(err))
	}
}

// WriteFrame transmits one frame on the device.
func (l *Link) WriteFrame(frame []byte) error {
	if l.dev == nil {
		return phys.ErrNotUp
	}
	if err := l.dev.Write(frame); err != nil {
		return err
	}
	l.stats.XmitFrames++
	l.stats.XmitOctets += uint64(len(frame))
	return nil
}

// RetryTimeout is the LCP restart timer period.
func (l *Link) RetryTimeout() time.Duration {
	return l.conf.Retry
}

// RecvFrames feeds LCP keepalive.
func (l *Link) RecvFrames() (uint64, bool) {
	return l.stats.RecvFrames, true
}

// reopenTimeout redials after a lost connection.
func (l *Link) reopenTimeout() {
	if l.m.shutdown {
		l.lcp.fsm.Close()
		return
	}
	l.log.Info("Link: reconnecting")
	l.recordReason(true, ReasonRedial, "")
	l.openDevice()
}

// shutdownCheck destroys an instance once nothing keeps it alive.
func (l *Link) shutdownCheck(state fsm.State) {
	if state == fsm.StateInitial && l.acctPending == 0 && l.die && !l.stay &&
		l.dev.State() == phys.StateDown {
		l.log.Debug("Link: shutdown scheduled")
		l.Shutdown()
	}
}

func (l *Link) shutdown() {
	l.log.Info("Link: Shutdown")
	if l.joined {
		l.bund.leave(l)
	}
	// Late divorce of a link placed in a slot but never joined.
	if l.bund != nil {
		l.bund.links[l.bundleIndex] = nil
		l.bund.nLinks--
		l.bund = nil
	}
	l.m.links[l.id] = nil
	if l.instance {
		l.m.children--
	}
	if l.parent != nil {
		l.parent.children--
		l.parent = nil
	}
	for _, c := range l.m.links {
		if c != nil && c.parent == l {
			c.parent = nil
		}
	}
	l.openTimer.Stop()
	l.acctTimer.Stop()
	l.authn.Stop()
	l.lcp.fsm.Stop()
	if l.dev != nil {
		l.dev.Shutdown()
	}
	l.dead = true
}

// instantiate creates a link from template lt.
func (m *Manager) instLink(lt *Link) (*Link, error) {
	if m.children >= m.conf.MaxChildren {
		return nil, fmt.Errorf("%w: daemon limit %d", ErrTooManyChildren, m.conf.MaxChildren)
	}
	if lt.children >= lt.conf.MaxChildren {
		return nil, fmt.Errorf("%w: template %s limit %d", ErrTooManyChildren, lt.name, lt.conf.MaxChildren)
	}
	dev, err := lt.dev.Clone()
	if err != nil {
		return nil, fmt.Errorf("clone device of %s: %w", lt.name, err)
	}
	conf := lt.conf
	conf.Template = false
	conf.Actions = append([]Action(nil), lt.conf.Actions...)

	id := m.freeLinkSlot()
	l := newLink(m, fmt.Sprintf("%s-%d", lt.name, id), id, dev, conf)
	l.parent = lt
	l.instance = true
	lt.children++
	m.children++
	m.links[id] = l
	l.log.Info("Link: instantiated", zap.String("template", lt.name))
	return l, nil
}

type denyVerifier struct{}

func (denyVerifier) Verify(_ *auth.Credentials, done func(auth.Result)) {
	done(auth.Result{Message: "no authentication backend"})
}
