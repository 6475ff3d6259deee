package mp

import (
	"encoding/binary"
	"fmt"
)

// Proto is the PPP protocol number of multilink fragments.
const Proto uint16 = 0x003D

// MRRU bounds.
const (
	MinMRRU     = 296
	MaxMRRU     = 4096
	DefaultMRRU = 2048
)

// Fragment header flags.
const (
	flagBegin uint8 = 0x80
	flagEnd   uint8 = 0x40
)

// Sequence number masks for the short (12-bit) and long (24-bit) formats.
const (
	ShortSeqMask uint32 = 0x0FFF
	LongSeqMask  uint32 = 0xFFFFFF
)

// Header is the MP fragment header.
type Header struct {
	Begin bool
	End   bool
	Seq   uint32
}

// SeqMask returns the sequence space for the header format.
func SeqMask(short bool) uint32 {
	if short {
		return ShortSeqMask
	}
	return LongSeqMask
}

// HeaderLen returns the encoded header size.
func HeaderLen(short bool) int {
	if short {
		return 2
	}
	return 4
}

// AppendHeader encodes h onto buf.
func AppendHeader(buf []byte, h Header, short bool) []byte {
	var flags uint8
	if h.Begin {
		flags |= flagBegin
	}
	if h.End {
		flags |= flagEnd
	}
	if short {
		seq := h.Seq & ShortSeqMask
		return append(buf, flags|uint8(seq>>8), uint8(seq))
	}
	seq := h.Seq & LongSeqMask
	return append(buf, flags, uint8(seq>>16), uint8(seq>>8), uint8(seq))
}

// DecodeHeader parses an MP header from the start of data and returns the
// fragment payload following it.
func DecodeHeader(data []byte, short bool) (Header, []byte, error) {
	n := HeaderLen(short)
	if len(data) < n {
		return Header{}, nil, fmt.Errorf("%w: %d bytes", ErrShortHeader, len(data))
	}
	h := Header{
		Begin: data[0]&flagBegin != 0,
		End:   data[0]&flagEnd != 0,
	}
	if short {
		h.Seq = uint32(binary.BigEndian.Uint16(data)) & ShortSeqMask
	} else {
		h.Seq = binary.BigEndian.Uint32(data) & LongSeqMask
	}
	return h, data[n:], nil
}

// Sequencer hands out transmit sequence numbers.
type Sequencer struct {
	mask uint32
	next uint32
}

// NewSequencer creates a sequencer for the given header format.
func NewSequencer(short bool) *Sequencer {
	return &Sequencer{mask: SeqMask(short)}
}

// Next returns the next sequence number.
func (s *Sequencer) Next() uint32 {
	seq := s.next
	s.next = (s.next + 1) & s.mask
	return seq
}

// Split cuts payload into fragments no larger than the given sizes, one per
// entry, and returns them with headers. Zero-sized entries are skipped.
// Sizes that cannot carry the whole payload are extended on the last entry.
func (s *Sequencer) Split(payload []byte, sizes []int, short bool) [][]byte {
	var live []int
	for _, sz := range sizes {
		if sz > 0 {
			live = append(live, sz)
		}
	}
	if len(live) == 0 {
		live = []int{len(payload)}
	}

	var frags [][]byte
	off := 0
	for i, sz := range live {
		last := i == len(live)-1
		end := off + sz
		if last || end > len(payload) {
			end = len(payload)
		}
		h := Header{Begin: off == 0, End: end == len(payload), Seq: s.Next()}
		frag := AppendHeader(make([]byte, 0, HeaderLen(short)+end-off), h, short)
		frags = append(frags, append(frag, payload[off:end]...))
		off = end
		if h.End {
			break
		}
	}
	return frags
}
