package node

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/mpd/pkg/mp"
)

const (
	// MaxLinks is the number of link slots in a bundle.
	MaxLinks = 32

	// BundleLink addresses the bundle itself in Stats and ClearStats.
	BundleLink = 0xffff

	// minFragment is the smallest share worth splitting a packet into.
	minFragment = 64
)

// LinkConfig holds per-link parameters.
type LinkConfig struct {
	Enable    bool
	MRU       uint16
	ACFComp   bool
	ProtoComp bool
	Bandwidth uint16 // relative units
	Latency   uint16 // milliseconds
}

// BundleConfig holds bundle-wide parameters.
type BundleConfig struct {
	Multilink    bool
	MRRU         uint16
	XmitShortSeq bool
	RecvShortSeq bool
	RoundRobin   bool
}

// Config is the whole node configuration.
type Config struct {
	Bundle BundleConfig
	Links  [MaxLinks]LinkConfig
}

// Stats are per-link or bundle counters.
type Stats struct {
	XmitFrames    uint64
	XmitOctets    uint64
	RecvFrames    uint64
	RecvOctets    uint64
	BadProtos     uint64
	Runts         uint64
	DupFragments  uint64
	DropFragments uint64
}

// LinkWriter transmits one complete frame on a physical link.
type LinkWriter interface {
	WriteFrame(frame []byte) error
}

// Upcall receives packets addressed to the bundle.
type Upcall interface {
	Deliver(proto uint16, payload []byte)
}

// Stage is a reversible datagram transform installed by CCP or ECP.
type Stage interface {
	// Proto is the protocol number that marks transformed datagrams.
	Proto() uint16
	Encode(plain []byte) ([]byte, error)
	Decode(data []byte) ([]byte, error)
}

// XmitStage is implemented by stages that may be negotiated for receive
// only. Such a stage is skipped on transmit when XmitEnabled is false.
type XmitStage interface {
	XmitEnabled() bool
}

func encodes(s Stage) bool {
	if s == nil {
		return false
	}
	if x, ok := s.(XmitStage); ok {
		return x.XmitEnabled()
	}
	return true
}

// Node moves packets between a bundle and its links. Not safe for
// concurrent use; it runs on the event loop.
type Node struct {
	log *zap.Logger
	now func() time.Time

	cfg    Config
	links  [MaxLinks]LinkWriter
	stats  [MaxLinks]Stats
	bstats Stats

	seq   *mp.Sequencer
	reasm *mp.Reassembler
	rr    int

	comp  Stage
	crypt Stage

	up      Upcall
	onReset func(proto uint16)
}

// New creates a node with every link disabled.
func New(now func() time.Time, logger *zap.Logger) *Node {
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &Node{
		log:   logger,
		now:   now,
		seq:   mp.NewSequencer(false),
		reasm: mp.NewReassembler(false),
	}
}

// SetConfig replaces the configuration.
func (n *Node) SetConfig(cfg Config) error {
	b := cfg.Bundle
	if b.Multilink && (b.MRRU < mp.MinMRRU || b.MRRU > mp.MaxMRRU) {
		return fmt.Errorf("%w: mrru %d", ErrBadConfig, b.MRRU)
	}

	old := n.cfg.Bundle
	if b.XmitShortSeq != old.XmitShortSeq || (b.Multilink && !old.Multilink) {
		n.seq = mp.NewSequencer(b.XmitShortSeq)
	}
	if b.RecvShortSeq != old.RecvShortSeq || (b.Multilink && !old.Multilink) {
		n.reasm = mp.NewReassembler(b.RecvShortSeq)
	}

	n.cfg = cfg
	return nil
}

// Config returns the current configuration.
func (n *Node) Config() Config {
	return n.cfg
}

// Attach connects the link in slot idx.
func (n *Node) Attach(idx int, w LinkWriter) error {
	if idx < 0 || idx >= MaxLinks {
		return fmt.Errorf("%w: %d", ErrBadLink, idx)
	}
	n.links[idx] = w
	n.stats[idx] = Stats{}
	return nil
}

// Detach disconnects the link in slot idx and disables it.
func (n *Node) Detach(idx int) error {
	if idx < 0 || idx >= MaxLinks {
		return fmt.Errorf("%w: %d", ErrBadLink, idx)
	}
	n.links[idx] = nil
	n.cfg.Links[idx].Enable = false
	n.countReasm(&n.stats[idx], func() { n.reasm.ForgetLink(idx) })
	return nil
}

// countReasm charges reassembly anomalies caused by fn to st and the
// bundle.
func (n *Node) countReasm(st *Stats, fn func()) {
	before := n.reasm.Stats()
	fn()
	after := n.reasm.Stats()
	st.DupFragments += after.Duplicates - before.Duplicates
	st.DropFragments += after.Dropped - before.Dropped
	n.bstats.DupFragments += after.Duplicates - before.Duplicates
	n.bstats.DropFragments += after.Dropped - before.Dropped
}

// SetUpcall sets the receiver of bundle packets.
func (n *Node) SetUpcall(u Upcall) {
	n.up = u
}

// SetCompressor installs or removes (nil) the compression stage.
func (n *Node) SetCompressor(s Stage) {
	n.comp = s
}

// SetEncryptor installs or removes (nil) the encryption stage.
func (n *Node) SetEncryptor(s Stage) {
	n.crypt = s
}

// SetResetHandler sets the function called when a receive stage needs the
// peer to reset its transmit state.
func (n *Node) SetResetHandler(fn func(proto uint16)) {
	n.onReset = fn
}

// EnabledLinks returns the enabled and attached slots in index order.
func (n *Node) EnabledLinks() []int {
	var out []int
	for i := 0; i < MaxLinks; i++ {
		if n.cfg.Links[i].Enable && n.links[i] != nil {
			out = append(out, i)
		}
	}
	return out
}

// Send transmits a bundle-level packet.
func (n *Node) Send(proto uint16, payload []byte) error {
	data := payload

	if encodes(n.comp) && IsNetworkData(proto) {
		plain := append(AppendProto(nil, proto, true), payload...)
		out, err := n.comp.Encode(plain)
		if err != nil {
			return fmt.Errorf("compress: %w", err)
		}
		proto, data = n.comp.Proto(), out
	}

	if encodes(n.crypt) && proto < 0x4000 {
		plain := append(AppendProto(nil, proto, true), data...)
		out, err := n.crypt.Encode(plain)
		if err != nil {
			return fmt.Errorf("encrypt: %w", err)
		}
		proto, data = n.crypt.Proto(), out
	}

	links := n.EnabledLinks()
	if len(links) == 0 {
		return ErrNoLinks
	}

	n.bstats.XmitFrames++
	n.bstats.XmitOctets += uint64(len(data))

	if !n.cfg.Bundle.Multilink {
		idx := links[0]
		if n.cfg.Bundle.RoundRobin {
			idx = n.nextLink(links)
		}
		return n.xmit(idx, proto, data)
	}

	inner := append(AppendProto(nil, proto, false), data...)
	short := n.cfg.Bundle.XmitShortSeq

	if n.cfg.Bundle.RoundRobin || len(links) == 1 || len(inner) < 2*minFragment {
		frags := n.seq.Split(inner, nil, short)
		return n.xmit(n.nextLink(links), ProtocolMP, frags[0])
	}

	sizes := n.shares(links, len(inner))
	frags := n.seq.Split(inner, sizes, short)

	var errs []error
	k := 0
	for i, sz := range sizes {
		if sz == 0 || k >= len(frags) {
			continue
		}
		if err := n.xmit(links[i], ProtocolMP, frags[k]); err != nil {
			errs = append(errs, err)
		}
		k++
	}
	return errors.Join(errs...)
}

// shares divides size bytes among links by bandwidth. Links whose share
// would fall under the minimum fragment size carry nothing.
func (n *Node) shares(links []int, size int) []int {
	var total int
	for _, idx := range links {
		total += int(n.cfg.Links[idx].Bandwidth) + 1
	}
	sizes := make([]int, len(links))
	best, found := 0, false
	for i, idx := range links {
		bw := int(n.cfg.Links[idx].Bandwidth)
		if bw > int(n.cfg.Links[links[best]].Bandwidth) {
			best = i
		}
		sz := size * (bw + 1) / total
		if sz < minFragment {
			sz = 0
		}
		sizes[i] = sz
		found = found || sz > 0
	}
	if !found {
		sizes[best] = size
	}
	return sizes
}

func (n *Node) nextLink(links []int) int {
	n.rr = (n.rr + 1) % len(links)
	return links[n.rr]
}

func (n *Node) xmit(idx int, proto uint16, data []byte) error {
	lc := n.cfg.Links[idx]
	frame := EncodeFrame(proto, data, lc.ACFComp, lc.ProtoComp)

	st := &n.stats[idx]
	st.XmitFrames++
	st.XmitOctets += uint64(len(frame))

	if err := n.links[idx].WriteFrame(frame); err != nil {
		return fmt.Errorf("link %d: %w", idx, err)
	}
	return nil
}

// Input processes a bundle-level packet received on link idx.
func (n *Node) Input(idx int, proto uint16, payload []byte) error {
	if idx < 0 || idx >= MaxLinks {
		return fmt.Errorf("%w: %d", ErrBadLink, idx)
	}
	st := &n.stats[idx]
	st.RecvFrames++
	st.RecvOctets += uint64(len(payload))

	if proto == ProtocolMP {
		if !n.cfg.Bundle.Multilink {
			st.BadProtos++
			return fmt.Errorf("multilink fragment without multilink")
		}
		var pkt []byte
		var err error
		n.countReasm(st, func() { pkt, err = n.reasm.Add(idx, payload, n.now()) })
		if err != nil {
			st.Runts++
			return err
		}
		if pkt == nil {
			return nil
		}
		if proto, payload, err = DecodeProto(pkt); err != nil {
			n.bstats.Runts++
			return err
		}
	}

	n.bstats.RecvFrames++
	n.bstats.RecvOctets += uint64(len(payload))

	var err error
	if proto == ProtocolCrypt {
		if proto, payload, err = n.decode(n.crypt, ProtocolECP, payload); err != nil {
			return err
		}
	}
	if proto == ProtocolCompd {
		if proto, payload, err = n.decode(n.comp, ProtocolCCP, payload); err != nil {
			return err
		}
	}

	if n.up != nil {
		n.up.Deliver(proto, payload)
	}
	return nil
}

func (n *Node) decode(s Stage, control uint16, data []byte) (uint16, []byte, error) {
	if s == nil {
		n.bstats.BadProtos++
		return 0, nil, fmt.Errorf("no %s stage", ProtoName(control))
	}
	plain, err := s.Decode(data)
	if err != nil {
		n.log.Debug("Receive stage failed", zap.String("proto", ProtoName(control)), zap.Error(err))
		if errors.Is(err, ErrSequence) && n.onReset != nil {
			n.onReset(control)
		}
		return 0, nil, fmt.Errorf("%s: %w", ProtoName(control), err)
	}
	return DecodeProto(plain)
}

// Stats returns the counters for a link slot or BundleLink.
func (n *Node) Stats(idx int) (Stats, error) {
	if idx == BundleLink {
		return n.bstats, nil
	}
	if idx < 0 || idx >= MaxLinks {
		return Stats{}, fmt.Errorf("%w: %d", ErrBadLink, idx)
	}
	return n.stats[idx], nil
}

// ClearStats zeroes the counters for a link slot or BundleLink.
func (n *Node) ClearStats(idx int) error {
	if idx == BundleLink {
		n.bstats = Stats{}
		return nil
	}
	if idx < 0 || idx >= MaxLinks {
		return fmt.Errorf("%w: %d", ErrBadLink, idx)
	}
	n.stats[idx] = Stats{}
	return nil
}
