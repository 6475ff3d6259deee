package mp

import "time"

// Fragment retention and buffer limits.
const (
	DefaultMaxAge       = 5 * time.Second
	DefaultMaxFragments = 256
)

type fragment struct {
	begin bool
	end   bool
	data  []byte
	ts    time.Time
}

// ReassemblyStats counts reassembly anomalies.
type ReassemblyStats struct {
	Duplicates uint64
	Dropped    uint64
	Completed  uint64
}

// Reassembler rebuilds packets from fragments that may arrive out of order
// over several links. Each link delivers in sequence order, so the lowest
// of the per-link latest sequence numbers (M, RFC 1990 section 4.1) bounds
// what can still arrive: a packet with a hole below M is lost.
// It is not safe for concurrent use.
type Reassembler struct {
	short     bool
	mask      uint32
	maxAge    time.Duration
	maxFrags  int
	fragments map[uint32]fragment
	latest    map[int]uint32
	stats     ReassemblyStats
}

// NewReassembler creates a reassembler for the given header format.
func NewReassembler(short bool) *Reassembler {
	return &Reassembler{
		short:     short,
		mask:      SeqMask(short),
		maxAge:    DefaultMaxAge,
		maxFrags:  DefaultMaxFragments,
		fragments: make(map[uint32]fragment),
		latest:    make(map[int]uint32),
	}
}

// Stats returns the counters.
func (r *Reassembler) Stats() ReassemblyStats {
	return r.stats
}

// Pending returns the number of buffered fragments.
func (r *Reassembler) Pending() int {
	return len(r.fragments)
}

// Reset discards all buffered fragments and per-link sequence state.
func (r *Reassembler) Reset() {
	r.stats.Dropped += uint64(len(r.fragments))
	r.fragments = make(map[uint32]fragment)
	r.latest = make(map[int]uint32)
}

// ForgetLink stops link from holding back M.
func (r *Reassembler) ForgetLink(link int) {
	delete(r.latest, link)
	r.prune()
}

// MinSeq returns M, the lowest latest sequence number over all links
// that sent fragments. ok is false before any fragment arrived.
func (r *Reassembler) MinSeq() (m uint32, ok bool) {
	for _, seq := range r.latest {
		if !ok || r.diff(seq, m) < 0 {
			m, ok = seq, true
		}
	}
	return m, ok
}

// Add processes one MP fragment (header included) received on link. When
// it completes a packet, the reassembled payload is returned.
func (r *Reassembler) Add(link int, frame []byte, now time.Time) ([]byte, error) {
	h, payload, err := DecodeHeader(frame, r.short)
	if err != nil {
		return nil, err
	}

	r.expire(now)
	if last, ok := r.latest[link]; !ok || r.diff(h.Seq, last) > 0 {
		r.latest[link] = h.Seq
	}

	if h.Begin && h.End {
		r.prune()
		return append([]byte(nil), payload...), nil
	}

	if _, dup := r.fragments[h.Seq]; dup {
		r.stats.Duplicates++
		return nil, nil
	}
	r.fragments[h.Seq] = fragment{
		begin: h.Begin,
		end:   h.End,
		data:  append([]byte(nil), payload...),
		ts:    now,
	}

	pkt := r.complete(h.Seq)
	if pkt != nil {
		r.stats.Completed++
	}
	r.prune()
	return pkt, nil
}

// diff returns a-b in the signed sequence space.
func (r *Reassembler) diff(a, b uint32) int32 {
	d := (a - b) & r.mask
	if d > r.mask>>1 {
		return int32(d) - int32(r.mask) - 1
	}
	return int32(d)
}

// complete looks for a full Begin..End run through seq.
func (r *Reassembler) complete(seq uint32) []byte {
	first := seq
	for !r.fragments[first].begin {
		prev := (first - 1) & r.mask
		f, ok := r.fragments[prev]
		if !ok || f.end || prev == seq {
			return nil
		}
		first = prev
	}

	last := seq
	for !r.fragments[last].end {
		next := (last + 1) & r.mask
		f, ok := r.fragments[next]
		if !ok || f.begin || next == first {
			return nil
		}
		last = next
	}

	var pkt []byte
	for s := first; ; s = (s + 1) & r.mask {
		pkt = append(pkt, r.fragments[s].data...)
		delete(r.fragments, s)
		if s == last {
			break
		}
	}
	return pkt
}

// prune drops fragments below M whose packet can no longer complete.
func (r *Reassembler) prune() {
	m, ok := r.MinSeq()
	if !ok {
		return
	}
	for seq := range r.fragments {
		if r.diff(seq, m) < 0 && r.lost(seq, m) {
			delete(r.fragments, seq)
			r.stats.Dropped++
		}
	}
}

// lost reports whether the packet holding seq has a hole below m or has
// lost its Begin fragment.
func (r *Reassembler) lost(seq, m uint32) bool {
	for s, n := seq, 0; !r.fragments[s].begin; n++ {
		prev := (s - 1) & r.mask
		f, ok := r.fragments[prev]
		if !ok || f.end || n > len(r.fragments) {
			return true
		}
		s = prev
	}
	for s, n := seq, 0; !r.fragments[s].end; n++ {
		next := (s + 1) & r.mask
		f, ok := r.fragments[next]
		if !ok {
			return r.diff(next, m) < 0
		}
		if f.begin || n > len(r.fragments) {
			return true
		}
		s = next
	}
	return false
}

// expire drops fragments older than maxAge and trims the buffer to
// maxFrags.
func (r *Reassembler) expire(now time.Time) {
	for seq, f := range r.fragments {
		if now.Sub(f.ts) > r.maxAge || len(r.fragments) > r.maxFrags {
			delete(r.fragments, seq)
			r.stats.Dropped++
		}
	}
}
