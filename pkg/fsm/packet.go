package fsm

import (
	"encoding/binary"
	"fmt"
)

// HeaderLen is the size of the code/identifier/length header.
const HeaderLen = 4

// maxVerdict caps each of the Ack/Nak/Rej reply buffers.
const maxVerdict = 256

// Packet represents a control protocol packet
type Packet struct {
	Code       Code
	Identifier uint8
	Length     uint16
	Data       []byte
}

// Option represents a configuration option TLV
type Option struct {
	Type uint8
	Data []byte
}

// Len returns the encoded option length including the 2-byte header.
func (o Option) Len() int {
	return 2 + len(o.Data)
}

// Uint16 returns the first two data bytes as a big-endian value.
func (o Option) Uint16() uint16 {
	if len(o.Data) < 2 {
		return 0
	}
	return binary.BigEndian.Uint16(o.Data)
}

// Uint32 returns the first four data bytes as a big-endian value.
func (o Option) Uint32() uint32 {
	if len(o.Data) < 4 {
		return 0
	}
	return binary.BigEndian.Uint32(o.Data)
}

// ParsePacket parses a control packet. Padding beyond the header length
// is dropped.
func ParsePacket(data []byte) (*Packet, error) {
	if len(data) < HeaderLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrRunt, len(data))
	}

	pkt := &Packet{
		Code:       Code(data[0]),
		Identifier: data[1],
		Length:     binary.BigEndian.Uint16(data[2:4]),
	}

	if int(pkt.Length) < HeaderLen || int(pkt.Length) > len(data) {
		return nil, fmt.Errorf("%w: says %d, rec'd %d", ErrBadLength, pkt.Length, len(data))
	}

	if pkt.Length > HeaderLen {
		pkt.Data = make([]byte, pkt.Length-HeaderLen)
		copy(pkt.Data, data[HeaderLen:pkt.Length])
	}

	return pkt, nil
}

// Serialize serializes the packet, recomputing the length field
func (p *Packet) Serialize() []byte {
	buf := make([]byte, HeaderLen+len(p.Data))
	buf[0] = uint8(p.Code)
	buf[1] = p.Identifier
	binary.BigEndian.PutUint16(buf[2:4], uint16(HeaderLen+len(p.Data)))
	copy(buf[HeaderLen:], p.Data)
	return buf
}

// ParseOptions extracts options until the data is exhausted or an option
// length is invalid. Options parsed before a bad one are still returned,
// together with ErrOptionGarbage.
func ParseOptions(data []byte) ([]Option, error) {
	var opts []Option
	offset := 0

	for len(data)-offset >= 2 {
		optType := data[offset]
		optLen := int(data[offset+1])

		if optLen < 2 || offset+optLen > len(data) {
			break
		}

		opt := Option{Type: optType}
		if optLen > 2 {
			opt.Data = make([]byte, optLen-2)
			copy(opt.Data, data[offset+2:offset+optLen])
		}
		opts = append(opts, opt)

		offset += optLen
	}

	if extra := len(data) - offset; extra != 0 {
		return opts, fmt.Errorf("%w: %d", ErrOptionGarbage, extra)
	}
	return opts, nil
}

// SerializeOptions serializes options
func SerializeOptions(opts []Option) []byte {
	var buf []byte
	for _, opt := range opts {
		buf = AppendOption(buf, opt.Type, opt.Data)
	}
	return buf
}

// AppendOption appends a TLV to buf.
func AppendOption(buf []byte, typ uint8, data []byte) []byte {
	buf = append(buf, typ, uint8(2+len(data)))
	return append(buf, data...)
}

// AppendOption16 appends a TLV carrying a big-endian 16-bit value.
func AppendOption16(buf []byte, typ uint8, v uint16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return AppendOption(buf, typ, b[:])
}

// AppendOption32 appends a TLV carrying a big-endian 32-bit value.
func AppendOption32(buf []byte, typ uint8, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return AppendOption(buf, typ, b[:])
}

// Option16 builds an option carrying a 16-bit value.
func Option16(typ uint8, v uint16) Option {
	d := make([]byte, 2)
	binary.BigEndian.PutUint16(d, v)
	return Option{Type: typ, Data: d}
}

// Option32 builds an option carrying a 32-bit value.
func Option32(typ uint8, v uint32) Option {
	d := make([]byte, 4)
	binary.BigEndian.PutUint32(d, v)
	return Option{Type: typ, Data: d}
}

// verdict accumulates the options of one Ack, Nak or Reject reply.
type verdict struct {
	name string
	buf  []byte
}

func (v *verdict) add(opt Option) bool {
	if len(v.buf)+opt.Len() > maxVerdict {
		return false
	}
	v.buf = AppendOption(v.buf, opt.Type, opt.Data)
	return true
}

func (v *verdict) reset() {
	v.buf = v.buf[:0]
}
