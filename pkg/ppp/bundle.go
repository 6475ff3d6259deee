package ppp

import (
	"fmt"
	"math/rand/v2"
	"net/netip"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/mpd/pkg/auth"
	"github.com/codelaboratoryltd/mpd/pkg/event"
	"github.com/codelaboratoryltd/mpd/pkg/fsm"
	"github.com/codelaboratoryltd/mpd/pkg/mp"
	"github.com/codelaboratoryltd/mpd/pkg/node"
	"github.com/codelaboratoryltd/mpd/pkg/phys"
)

// MaxLinks is the number of link slots of a bundle.
const MaxLinks = node.MaxLinks

// IPCPConfig holds the address policy of IPCP.
type IPCPConfig struct {
	Options Options
	// Self is the range we accept for our own address; its address is
	// what we ask for.
	Self netip.Prefix
	// Peer is the range the peer may use; its address is what we offer.
	Peer netip.Prefix
	DNS  [2]netip.Addr
	NBNS [2]netip.Addr
}

// CCPConfig selects the compression types.
type CCPConfig struct {
	Options Options
	// Window is the Deflate window size in bits, 8..15.
	Window int
}

// ECPConfig selects the encryption types.
type ECPConfig struct {
	Options Options
	Key     string
}

// BundleConfig holds the tunables of a bundle. Start from
// DefaultBundleConfig.
type BundleConfig struct {
	Template bool
	Options  Options
	// Links names the link (or link template) of each slot.
	Links []string
	Retry time.Duration
	BM    BMConfig

	IPCP IPCPConfig
	CCP  CCPConfig
	ECP  ECPConfig

	// OnDemand keeps the interface up as a dial-on-demand placeholder
	// once it was opened.
	OnDemand bool
}

// DefaultBundleConfig returns the configuration of a new bundle.
func DefaultBundleConfig() BundleConfig {
	return BundleConfig{
		Options: DefaultBundleOptions(),
		Retry:   DefaultRetry,
		BM:      DefaultBMConfig(),
		CCP:     CCPConfig{Window: 15},
	}
}

func (c *BundleConfig) normalize() error {
	if len(c.Links) > MaxLinks {
		return fmt.Errorf("%w: %d links configured", ErrBundleFull, len(c.Links))
	}
	if c.Retry == 0 {
		c.Retry = DefaultRetry
	}
	def := DefaultBMConfig()
	if c.BM.Period == 0 {
		c.BM.Period = def.Period
	}
	if c.CCP.Window == 0 {
		c.CCP.Window = 15
	}
	return nil
}

// linkName returns the configured link of slot k.
func (c *BundleConfig) linkName(k int) string {
	if k < len(c.Links) {
		return c.Links[k]
	}
	return ""
}

// ifaceState mirrors what was pushed to the system interface.
type ifaceState struct {
	open   bool
	up     bool
	dod    bool
	ipUp   bool
	ipv6Up bool
	mtu    int
}

// Bundle is a multilink session carrying one or more links.
type Bundle struct {
	m    *Manager
	log  *zap.Logger
	name string
	id   int

	tmpl bool
	stay bool
	dead bool

	conf BundleConfig

	links  [MaxLinks]*Link
	nLinks int
	nUp    int

	open        bool
	originate   phys.Originate
	peerMRRU    int
	peerDiscrim mp.Discrim
	params      auth.Params
	msessionID  string
	lastUp      time.Time
	totalBW     int

	node     *node.Node
	nodeConf node.Config

	iface   Interface
	ifState ifaceState

	ncpStarted uint
	ipcp       *ipcp
	ipv6cp     *ipv6cp
	ccp        *ccp
	ecp        *ecp

	bm          bmState
	reopenTimer *event.Timer
	statsTimer  *event.Timer
	stats       node.Stats
	oldStats    node.Stats
}

func newBundle(m *Manager, name string, id int, conf BundleConfig) (*Bundle, error) {
	if err := conf.normalize(); err != nil {
		return nil, err
	}
	b := &Bundle{
		m:    m,
		log:  m.log.With(zap.String("bundle", name)),
		name: name,
		id:   id,
		conf: conf,
	}
	b.node = node.New(m.loop.Now, b.log)
	b.node.SetUpcall(b)
	b.node.SetResetHandler(b.recvStageReset)

	b.iface = nopInterface{}
	if m.conf.NewInterface != nil && !conf.Template {
		ifc, err := m.conf.NewInterface(name)
		if err != nil {
			return nil, fmt.Errorf("create interface of %s: %w", name, err)
		}
		b.iface = ifc
	}
	b.iface.SetHandlers(b.sendData, b.demand)

	b.reopenTimer = m.loop.NewTimer("BundReOpen", bundReopenDelay, b.reopenLinks)
	b.statsTimer = m.loop.NewTimer("BundUpdateStats", statsInterval, b.updateStatsTimer)
	b.bm.timer = m.loop.NewTimer("BundBm", conf.BM.Period/bmSamples, b.bmTimeout)

	b.ipcp = newIPCP(b)
	b.ipv6cp = newIPv6CP(b)
	b.ccp = newCCP(b)
	b.ecp = newECP(b)
	return b, nil
}

// Name returns the bundle name.
func (b *Bundle) Name() string { return b.name }

// ID returns the arena index.
func (b *Bundle) ID() int { return b.id }

// IsTemplate reports whether the bundle only serves to instantiate others.
func (b *Bundle) IsTemplate() bool { return b.tmpl }

// Config returns the configuration.
func (b *Bundle) Config() BundleConfig { return b.conf }

// NumLinks returns the number of occupied link slots.
func (b *Bundle) NumLinks() int { return b.nLinks }

// NumUp returns the number of links that joined.
func (b *Bundle) NumUp() int { return b.nUp }

// IsOpen reports the administrative state.
func (b *Bundle) IsOpen() bool { return b.open }

// Link returns the link of slot k, if any.
func (b *Bundle) Link(k int) *Link {
	if k < 0 || k >= MaxLinks {
		return nil
	}
	return b.links[k]
}

// PeerMRRU returns the MRRU latched from the first link, zero without
// multilink.
func (b *Bundle) PeerMRRU() int { return b.peerMRRU }

// PeerDiscrim returns the discriminator latched from the first link.
func (b *Bundle) PeerDiscrim() mp.Discrim { return b.peerDiscrim }

// Params returns the authentication results copied from the first link.
func (b *Bundle) Params() auth.Params { return b.params }

// MultiSessionID returns the multilink session id.
func (b *Bundle) MultiSessionID() string { return b.msessionID }

// Bandwidth returns the aggregate bandwidth in bits per second.
func (b *Bundle) Bandwidth() int { return b.totalBW }

// MTU returns the interface MTU last computed.
func (b *Bundle) MTU() int { return b.ifState.mtu }

// Node returns the packet engine.
func (b *Bundle) Node() *node.Node { return b.node }

// Stats returns the accumulated bundle counters.
func (b *Bundle) Stats() node.Stats { return b.stats }

// IPCPState returns the IPCP automaton state.
func (b *Bundle) IPCPState() fsm.State { return b.ipcp.fsm.State() }

// IPv6CPState returns the IPV6CP automaton state.
func (b *Bundle) IPv6CPState() fsm.State { return b.ipv6cp.fsm.State() }

// CCPState returns the CCP automaton state.
func (b *Bundle) CCPState() fsm.State { return b.ccp.fsm.State() }

// ECPState returns the ECP automaton state.
func (b *Bundle) ECPState() fsm.State { return b.ecp.fsm.State() }

// Addresses returns the negotiated IPv4 addresses.
func (b *Bundle) Addresses() (self, peer netip.Addr) {
	return b.ipcp.wantAddr, b.ipcp.peerAddr
}

// Open administratively opens the bundle.
func (b *Bundle) Open() error {
	if b.tmpl {
		return fmt.Errorf("%w: open %s", ErrTemplate, b.name)
	}
	b.recordReason(true, ReasonManual, "")
	b.m.loop.Post(func() { b.msg(msgOpen) })
	return nil
}

// Close administratively closes the bundle.
func (b *Bundle) Close() error {
	if b.tmpl {
		return fmt.Errorf("%w: close %s", ErrTemplate, b.name)
	}
	b.recordReason(false, ReasonManual, "")
	b.close()
	return nil
}

func (b *Bundle) close() {
	b.m.loop.Post(func() { b.msg(msgClose) })
}

func (b *Bundle) msg(kind linkMsg) {
	if b.dead {
		return
	}
	state := "CLOSED"
	if b.open {
		state = "OPENED"
	}
	b.log.Info("Bundle: event", zap.Stringer("msg", kind), zap.String("state", state))
	b.reopenTimer.Stop()
	switch kind {
	case msgOpen:
		b.open = true
		b.openLinks()
	case msgClose:
		b.open = false
		b.closeLinks()
	}
}

// bundJoin admits l into a bundle. It is called when the link enters
// the Network phase and returns the new number of joined links.
func (m *Manager) bundJoin(l *Link) (int, error) {
	n, err := m.join(l)
	if err != nil {
		m.rec.BundleJoin("refused")
		return 0, err
	}
	m.rec.BundleJoin("joined")
	return n, nil
}

func (m *Manager) join(l *Link) (int, error) {
	if m.shutdown {
		l.log.Info("Shutdown sequence in progress, bundle join denied")
		return 0, ErrShutdownInProgress
	}
	if l.joined {
		return l.bund.nUp, nil
	}
	lcp := l.lcp

	if l.bund == nil {
		b := m.matchBundle(l)
		created := false
		if b == nil {
			var err error
			if b, created, err = m.resolveBundle(l); err != nil {
				return 0, err
			}
		}
		if err := b.admit(l); err != nil {
			if created {
				b.shutdown()
			}
			return 0, err
		}
	}

	b := l.bund
	l.log.Info("Link: Join bundle", zap.String("bundle", b.name))
	b.open = true

	if err := b.node.Attach(l.bundleIndex, l); err != nil {
		l.log.Error("Bundle join failed", zap.Error(err))
		b.links[l.bundleIndex] = nil
		b.nLinks--
		l.bund = nil
		if !b.stay {
			b.shutdown()
		}
		return 0, fmt.Errorf("%w: %v", ErrJoinRefused, err)
	}
	l.joined = true
	b.nUp++
	l.stats = LinkStats{}
	l.idleStats = node.Stats{}

	if b.nUp == 1 {
		b.reopenTimer.Stop()
		b.lastUp = m.loop.Now()
		b.params = l.params
		b.peerMRRU = lcp.peerMRRU
		if b.peerMRRU != 0 {
			b.peerDiscrim = lcp.peerDiscrim
		}
		b.bmStart()
	}

	b.reasses()

	b.nodeConf.Links[l.bundleIndex] = node.LinkConfig{
		Enable:    true,
		MRU:       uint16(lcp.peerMRU),
		ACFComp:   lcp.peerACFComp,
		ProtoComp: lcp.peerProtoComp,
		Bandwidth: clampUint16((l.conf.Bandwidth/8 + 5) / 10),
		Latency:   clampUint16((l.conf.Latency + 500) / 1000),
	}

	if b.nUp == 1 {
		mrru := lcp.peerMRRU
		if mrru < 1500 {
			mrru = 1500
		}
		if mrru > mp.MaxMRRU {
			mrru = mp.MaxMRRU
		}
		b.nodeConf.Bundle = node.BundleConfig{
			Multilink:    lcp.peerMRRU != 0 && lcp.wantMRRU != 0,
			MRRU:         uint16(mrru),
			XmitShortSeq: lcp.peerShortSeq,
			RecvShortSeq: lcp.wantShortSeq,
			RoundRobin:   b.conf.Options.Enabled(BundleRoundRobin),
		}
		b.msessionID = fmt.Sprintf("%d-%s", m.loop.Now().Unix()%10000000, b.name)
		b.originate = l.originate
	}

	if err := b.node.SetConfig(b.nodeConf); err != nil {
		b.log.Error("Bundle: node configuration failed", zap.Error(err))
	}
	l.msessionID = b.msessionID

	if b.nUp == 1 {
		b.ncpsOpen()
		b.ncpsUp()
		b.resetStats()
		b.statsTimer.StartRecurring()
		m.rec.BundleUp(b.name)
	}
	m.rec.LinkUp(l.name)
	m.rec.BundleBandwidth(b.name, b.totalBW)

	l.acctStart(auth.AcctStart)
	return b.nUp, nil
}

// matchBundle finds the bundle an additional multilink link belongs to.
func (m *Manager) matchBundle(l *Link) *Bundle {
	if l.lcp.peerMRRU == 0 {
		return nil
	}
	for _, b := range m.bundles {
		if b != nil && !b.dead && !b.tmpl && b.peerMRRU != 0 &&
			l.lcp.peerDiscrim.Equal(b.peerDiscrim) && l.params.Authname == b.params.Authname {
			return b
		}
	}
	return nil
}

// resolveBundle picks the bundle named by the auth action or the link
// actions, instantiating templates.
func (m *Manager) resolveBundle(l *Link) (*Bundle, bool, error) {
	var target string
	if name, ok := strings.CutPrefix(l.params.Action, "bundle "); ok {
		target = name
	} else {
		target = l.MatchAction(3, l.params.Authname)
	}
	switch target {
	case "":
		l.log.Info("No bundle specified")
		return nil, false, ErrNoBundle
	case dropAction:
		l.log.Info("Drop link")
		return nil, false, fmt.Errorf("%w: dropped by action", ErrJoinRefused)
	}
	bt := m.FindBundle(target)
	if bt == nil {
		l.log.Info("Bundle not found", zap.String("bundle", target))
		return nil, false, fmt.Errorf("%w: bundle %q", ErrNotFound, target)
	}
	if !bt.tmpl {
		return bt, false, nil
	}
	l.log.Info("Creating new bundle using template", zap.String("template", target))
	b, err := m.instBundle(bt)
	if err != nil {
		l.log.Info("Bundle creation error", zap.Error(err))
		return nil, false, err
	}
	return b, true, nil
}

// admit checks the multilink invariants and places l in a free slot.
func (b *Bundle) admit(l *Link) error {
	lcp := l.lcp
	if b.nUp > 0 && (b.peerMRRU == 0 || lcp.peerMRRU == 0 || lcp.wantMRRU == 0) {
		l.log.Info("Can't join bundle without multilink negotiated", zap.String("bundle", b.name))
		return fmt.Errorf("%w: multilink not negotiated", ErrJoinRefused)
	}
	if b.nUp > 0 && (!lcp.peerDiscrim.Equal(b.peerDiscrim) || l.params.Authname != b.params.Authname) {
		l.log.Info("Can't join bundle with different peer discriminator/authname", zap.String("bundle", b.name))
		return fmt.Errorf("%w: discriminator or authname mismatch", ErrJoinRefused)
	}
	k := 0
	for k < MaxLinks && b.links[k] != nil {
		k++
	}
	if k == MaxLinks {
		l.log.Info("No free link slot in bundle", zap.String("bundle", b.name), zap.Int("max", MaxLinks))
		return ErrBundleFull
	}
	l.bund = b
	l.bundleIndex = k
	b.links[k] = l
	b.nLinks++
	return nil
}

// leave removes l from its bundle when it leaves the Network phase.
func (b *Bundle) leave(l *Link) {
	if b.nUp <= 0 || !l.joined {
		return
	}
	l.log.Info("Link: Leave bundle", zap.String("bundle", b.name))

	l.acctStart(auth.AcctStop)

	b.nodeConf.Links[l.bundleIndex].Enable = false
	b.nodeConf.Links[l.bundleIndex].MRU = DefaultMRU
	if err := b.node.SetConfig(b.nodeConf); err != nil {
		b.log.Error("Bundle: node configuration failed", zap.Error(err))
	}
	if err := b.node.Detach(l.bundleIndex); err != nil {
		b.log.Debug("Bundle: detach failed", zap.Error(err))
	}
	l.joined = false
	b.nUp--

	b.links[l.bundleIndex] = nil
	b.nLinks--
	l.bund = nil

	b.reasses()
	l.msessionID = ""
	b.m.rec.LinkDown(l.name)
	b.m.rec.BundleBandwidth(b.name, b.totalBW)

	if b.nUp > 0 {
		return
	}

	b.statsTimer.Stop()
	b.bmStop()
	b.ncpsClose()
	b.ncpsDown()
	b.params = auth.Params{}
	b.msessionID = ""
	b.m.rec.BundleDown(b.name)

	if b.open && b.conf.Options.Enabled(BundleBWManage) && !b.conf.OnDemand && !b.m.shutdown {
		if b.nLinks != 0 || b.conf.linkName(0) != "" {
			delay := bundReopenDelay + time.Duration(rand.IntN(2))*time.Second
			b.log.Info("Bundle: Last link has gone, reopening", zap.Duration("delay", delay))
			b.reopenTimer.Reset(delay, nil)
			b.reopenTimer.Start()
			return
		}
		b.log.Info("Bundle: Last link has gone, no links for bw-manage defined")
	}
	b.open = false
	if !b.stay {
		b.shutdown()
	}
}

func (b *Bundle) reopenLinks() {
	b.log.Info("Bundle: Last link has gone, reopening...")
	b.openLinks()
}

// openLinks opens one link with bandwidth management, all otherwise.
func (b *Bundle) openLinks() {
	b.reopenTimer.Stop()
	if b.conf.Options.Enabled(BundleBWManage) {
		if b.nLinks != 0 {
			return
		}
		for k := 0; k < MaxLinks; k++ {
			if b.links[k] != nil {
				b.openLink(b.links[k])
				return
			}
			if b.conf.linkName(k) != "" {
				_ = b.createOpenLink(k)
				return
			}
		}
		return
	}
	for k := 0; k < MaxLinks; k++ {
		if b.links[k] != nil {
			b.openLink(b.links[k])
		} else if b.conf.linkName(k) != "" {
			_ = b.createOpenLink(k)
		}
	}
}

// createOpenLink fills slot n from the configured link name and opens
// it.
func (b *Bundle) createOpenLink(n int) error {
	if b.links[n] == nil {
		name := b.conf.linkName(n)
		if name == "" {
			b.log.Info("Bundle: link name not specified", zap.Int("slot", n))
			return fmt.Errorf("%w: slot %d has no link", ErrNotFound, n)
		}
		lt := b.m.FindLink(name)
		if lt == nil {
			b.log.Info("Bundle: link not found", zap.String("link", name))
			return fmt.Errorf("%w: link %q", ErrNotFound, name)
		}
		if lt.dev != nil && lt.dev.IsBusy() {
			b.log.Info("Bundle: link is busy", zap.String("link", name))
			return fmt.Errorf("link %q is busy", name)
		}
		l := lt
		if lt.tmpl {
			var err error
			if l, err = b.m.instLink(lt); err != nil {
				b.log.Info("Bundle: link creation error", zap.String("link", name), zap.Error(err))
				return err
			}
		}
		b.links[n] = l
		b.nLinks++
		l.bund = b
		l.bundleIndex = n
		l.conf.MaxRedial = -1
	}
	b.openLink(b.links[n])
	return nil
}

func (b *Bundle) openLink(l *Link) {
	b.log.Info("Bundle: opening link", zap.String("link", l.name))
	l.open()
}

func (b *Bundle) closeLinks() {
	b.reopenTimer.Stop()
	for _, l := range b.links {
		if l != nil && l.lcp.fsm.State().IsOpen() {
			b.closeLink(l)
		}
	}
}

func (b *Bundle) closeLink(l *Link) {
	b.log.Info("Bundle: closing link", zap.String("link", l.name))
	l.close()
}

// reasses recomputes bandwidth and MTU after a membership change.
func (b *Bundle) reasses() {
	b.updateParams()
	b.log.Info("Bundle: Status update",
		zap.Int("links_up", b.nUp),
		zap.Int("bandwidth_bps", b.totalBW),
	)
}

// updateParams recalculates interface MTU and bandwidth.
func (b *Bundle) updateParams() {
	b.totalBW = 0
	theLink := -1
	for k, l := range b.links {
		if l != nil && l.lcp.phase == PhaseNetwork {
			b.totalBW += l.conf.Bandwidth
			theLink = k
		}
	}
	if b.totalBW < minTotalBW {
		b.totalBW = minTotalBW
	}

	var mtu int
	switch {
	case b.nUp == 0:
		mtu = DefaultMTU
	case b.peerMRRU == 0:
		mtu = DefaultMTU
		if theLink >= 0 {
			l := b.links[theLink]
			mtu = l.lcp.peerMRU
			if dm := l.deviceMTU(); dm < mtu {
				mtu = dm
			}
		}
	default:
		mtu = min(b.peerMRRU, mp.MaxMRRU)
	}

	if b.nUp > 0 {
		if b.conf.Options.Enabled(BundleCompression) {
			mtu = b.ccp.subtractBloat(mtu)
		}
		if b.conf.Options.Enabled(BundleEncryption) {
			mtu = b.ecp.subtractBloat(mtu)
		}
	}

	if mtu != b.ifState.mtu {
		b.log.Debug("Bundle: interface MTU", zap.Int("mtu", mtu))
	}
	b.ifState.mtu = mtu
	b.iface.SetMTU(mtu)
}

func (l *Link) deviceMTU() int {
	if l.dev != nil && l.dev.MTU() > 0 {
		return l.dev.MTU()
	}
	return l.conf.MTU
}

func (b *Bundle) resetStats() {
	_ = b.node.ClearStats(node.BundleLink)
	b.stats = node.Stats{}
	b.oldStats = node.Stats{}
}

// updateStats folds the node counters into the running totals.
func (b *Bundle) updateStats() {
	cur, err := b.node.Stats(node.BundleLink)
	if err != nil {
		return
	}
	b.stats.XmitFrames += delta(cur.XmitFrames, b.oldStats.XmitFrames)
	b.stats.XmitOctets += delta(cur.XmitOctets, b.oldStats.XmitOctets)
	b.stats.RecvFrames += delta(cur.RecvFrames, b.oldStats.RecvFrames)
	b.stats.RecvOctets += delta(cur.RecvOctets, b.oldStats.RecvOctets)
	b.stats.BadProtos += delta(cur.BadProtos, b.oldStats.BadProtos)
	b.stats.Runts += delta(cur.Runts, b.oldStats.Runts)
	b.stats.DupFragments += delta(cur.DupFragments, b.oldStats.DupFragments)
	b.stats.DropFragments += delta(cur.DropFragments, b.oldStats.DropFragments)
	b.oldStats = cur
}

func (b *Bundle) updateStatsTimer() {
	b.updateStats()
	for _, l := range b.links {
		if l != nil && l.joined {
			b.m.rec.LinkOctets(l.name, l.stats.RecvOctets, l.stats.XmitOctets)
		}
	}
}

// delta returns the growth of a node counter. A counter below its last
// sample was cleared, so everything it holds is new.
func delta(cur, old uint64) uint64 {
	if cur >= old {
		return cur - old
	}
	return cur
}

func clampUint16(v int) uint16 {
	switch {
	case v < 0:
		return 0
	case v > 0xffff:
		return 0xffff
	}
	return uint16(v)
}

// Deliver receives bundle level packets from the node. Protocols of a
// disabled NCP are rejected like unknown ones.
func (b *Bundle) Deliver(proto uint16, payload []byte) {
	var (
		opt Opt
		f   *fsm.FSM
	)
	switch proto {
	case node.ProtocolIPCP, node.ProtocolIP:
		opt, f = BundleIPCP, b.ipcp.fsm
	case node.ProtocolIPv6CP, node.ProtocolIPv6:
		opt, f = BundleIPv6CP, b.ipv6cp.fsm
	case node.ProtocolCCP:
		opt, f = BundleCompression, b.ccp.fsm
	case node.ProtocolECP:
		opt, f = BundleEncryption, b.ecp.fsm
	default:
		b.log.Debug("Bundle: unexpected protocol", zap.String("proto", node.ProtoName(proto)))
		b.protoRej(proto, payload)
		return
	}
	if !b.conf.Options.Enabled(opt) {
		b.log.Debug("Bundle: protocol disabled, rejecting", zap.String("proto", node.ProtoName(proto)))
		b.protoRej(proto, payload)
		return
	}

	if proto != node.ProtocolIP && proto != node.ProtocolIPv6 {
		f.Input(payload)
		return
	}
	if !b.dataEnabled(proto) {
		b.log.Debug("Bundle: network protocol not open, dropping", zap.String("proto", node.ProtoName(proto)))
		return
	}
	if err := b.iface.Write(proto, payload); err != nil {
		b.log.Debug("Bundle: interface write failed", zap.Error(err))
	}
}

// protoRej sends a Protocol-Reject on the first joined link.
func (b *Bundle) protoRej(proto uint16, payload []byte) {
	for _, l := range b.links {
		if l != nil && l.joined {
			l.sendProtoRej(proto, payload)
			return
		}
	}
}

// Output sends an NCP control packet over the bundle.
func (b *Bundle) Output(proto uint16, pkt []byte) {
	if err := b.node.Send(proto, pkt); err != nil {
		b.log.Debug("Bundle: output failed", zap.String("proto", node.ProtoName(proto)), zap.Error(err))
	}
}

// RetryTimeout is the NCP restart timer period.
func (b *Bundle) RetryTimeout() time.Duration {
	return b.conf.Retry
}

// RecvFrames feeds NCP keepalive; NCPs do not run one.
func (b *Bundle) RecvFrames() (uint64, bool) {
	st, err := b.node.Stats(node.BundleLink)
	if err != nil {
		return 0, false
	}
	return st.RecvFrames, true
}

// sendData transmits a datagram from the system interface.
func (b *Bundle) sendData(proto uint16, pkt []byte) error {
	if !b.dataEnabled(proto) {
		return fmt.Errorf("%w: %s", ErrProtoClosed, node.ProtoName(proto))
	}
	return b.node.Send(proto, pkt)
}

// dataEnabled reports whether the control protocol of a datagram type is
// opened.
func (b *Bundle) dataEnabled(proto uint16) bool {
	switch proto {
	case node.ProtocolIP:
		return b.ipcp.fsm.State() == fsm.StateOpened
	case node.ProtocolIPv6:
		return b.ipv6cp.fsm.State() == fsm.StateOpened
	}
	return false
}

// recvStageReset asks the peer to reset after a decompression or
// decryption error.
func (b *Bundle) recvStageReset(proto uint16) {
	switch proto {
	case node.ProtocolCCP:
		b.ccp.sendResetReq()
	case node.ProtocolECP:
		b.ecp.sendResetReq()
	}
}

// IfaceOpen arms dial-on-demand: the interface comes up as a placeholder
// and outbound traffic opens the bundle.
func (b *Bundle) IfaceOpen() error {
	if b.tmpl {
		return fmt.Errorf("%w: open iface %s", ErrTemplate, b.name)
	}
	b.log.Info("IFACE: Open event")
	if !b.conf.OnDemand {
		b.log.Warn("IFACE: open is useless without on-demand enabled")
		return nil
	}
	if b.ifState.open {
		return nil
	}
	b.ifState.open = true
	b.ncpsJoin(ncpNone)
	return nil
}

// IfaceClose disarms dial-on-demand.
func (b *Bundle) IfaceClose() error {
	if b.tmpl {
		return fmt.Errorf("%w: close iface %s", ErrTemplate, b.name)
	}
	b.log.Info("IFACE: Close event")
	if !b.ifState.open {
		return nil
	}
	b.ifState.open = false
	b.ncpsLeave(ncpNone)
	return nil
}

// IfaceState reports whether the interface is up and whether it is a
// dial-on-demand placeholder.
func (b *Bundle) IfaceState() (up, dod bool) {
	return b.ifState.up, b.ifState.dod
}

// demand is called by the interface for traffic that should bring the
// bundle up.
func (b *Bundle) demand() {
	if b.dead || !b.ifState.open {
		return
	}
	b.log.Info("IFACE: Outgoing packet demands connection")
	b.recordReason(true, ReasonDialOnDemand, "")
	b.m.loop.Post(func() { b.msg(msgOpen) })
}

// instBundle creates a bundle from template bt.
func (m *Manager) instBundle(bt *Bundle) (*Bundle, error) {
	id := m.freeBundleSlot()
	conf := bt.conf
	conf.Template = false
	conf.Links = append([]string(nil), bt.conf.Links...)
	b, err := newBundle(m, fmt.Sprintf("%s-%d", bt.name, id), id, conf)
	if err != nil {
		return nil, err
	}
	m.bundles[id] = b
	b.log.Info("Bundle: instantiated", zap.String("template", bt.name))
	return b, nil
}

// shutdown destroys the bundle and the instantiated links it holds.
func (b *Bundle) shutdown() {
	b.log.Info("Bundle: Shutdown")
	for _, l := range b.links {
		if l != nil && !l.stay {
			l.Shutdown()
		}
	}
	b.reopenTimer.Stop()
	b.statsTimer.Stop()
	b.bmStop()
	for _, f := range []*fsm.FSM{b.ipcp.fsm, b.ipv6cp.fsm, b.ccp.fsm, b.ecp.fsm} {
		f.Stop()
	}
	b.iface.SetHandlers(nil, nil)
	b.m.bundles[b.id] = nil
	b.dead = true
}
