package node

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
)

// Deflate window limits in bits.
const (
	DeflateMinWindow = 8
	DeflateMaxWindow = 15
)

// syncTail is the empty stored block a sync flush ends with; RFC 1979
// drops it on the wire.
var syncTail = []byte{0x00, 0x00, 0xff, 0xff}

// CompStats counts one direction of a compression stage.
type CompStats struct {
	FramesIn  uint64
	FramesOut uint64
	OctetsIn  uint64
	OctetsOut uint64
	Errors    uint64
}

// Deflate is the RFC 1979 compression stage. History is kept across
// packets in both directions until reset.
type Deflate struct {
	xmitBits int
	recvBits int
	level    int

	xmitSeq uint16
	recvSeq uint16

	w     *flate.Writer
	wbuf  bytes.Buffer
	xhist []byte

	r     io.ReadCloser
	rhist []byte

	XmitStats CompStats
	RecvStats CompStats
}

// NewDeflate creates a stage. A zero window disables that direction.
func NewDeflate(xmitBits, recvBits int) (*Deflate, error) {
	for _, b := range []int{xmitBits, recvBits} {
		if b != 0 && (b < DeflateMinWindow || b > DeflateMaxWindow) {
			return nil, fmt.Errorf("%w: deflate window %d", ErrBadConfig, b)
		}
	}
	d := &Deflate{
		xmitBits: xmitBits,
		recvBits: recvBits,
		level:    flate.DefaultCompression,
	}
	if err := d.ResetXmit(); err != nil {
		return nil, err
	}
	d.ResetRecv()
	return d, nil
}

// Proto returns the compressed datagram protocol number.
func (d *Deflate) Proto() uint16 {
	return ProtocolCompd
}

// XmitEnabled reports whether the transmit direction was negotiated.
func (d *Deflate) XmitEnabled() bool {
	return d.xmitBits != 0
}

// ResetXmit discards the transmit history, answering a Reset-Request.
func (d *Deflate) ResetXmit() error {
	d.xmitSeq = 0
	d.xhist = nil
	d.wbuf.Reset()
	if d.xmitBits == DeflateMaxWindow {
		w, err := flate.NewWriter(&d.wbuf, d.level)
		if err != nil {
			return fmt.Errorf("deflate writer: %w", err)
		}
		d.w = w
	}
	return nil
}

// ResetRecv discards the receive history.
func (d *Deflate) ResetRecv() {
	d.recvSeq = 0
	d.rhist = nil
}

// Encode compresses one datagram (protocol field included).
func (d *Deflate) Encode(plain []byte) ([]byte, error) {
	if d.xmitBits == 0 {
		return nil, fmt.Errorf("%w: transmit direction disabled", ErrBadConfig)
	}
	d.XmitStats.FramesIn++
	d.XmitStats.OctetsIn += uint64(len(plain))

	d.wbuf.Reset()
	w := d.w
	if w == nil {
		// Smaller windows restart the encoder over the retained history.
		var err error
		if w, err = flate.NewWriterDict(&d.wbuf, d.level, d.xhist); err != nil {
			d.XmitStats.Errors++
			return nil, fmt.Errorf("deflate writer: %w", err)
		}
	}
	if _, err := w.Write(plain); err != nil {
		d.XmitStats.Errors++
		return nil, fmt.Errorf("deflate: %w", err)
	}
	if err := w.Flush(); err != nil {
		d.XmitStats.Errors++
		return nil, fmt.Errorf("deflate flush: %w", err)
	}

	if d.w == nil {
		d.xhist = keepTail(append(d.xhist, plain...), 1<<d.xmitBits)
	}

	body := bytes.TrimSuffix(d.wbuf.Bytes(), syncTail)
	out := make([]byte, 2, 2+len(body))
	binary.BigEndian.PutUint16(out, d.xmitSeq)
	out = append(out, body...)
	d.xmitSeq++

	d.XmitStats.FramesOut++
	d.XmitStats.OctetsOut += uint64(len(out))
	return out, nil
}

// Decode decompresses one datagram. A sequence gap returns ErrSequence and
// the caller must have the peer reset.
func (d *Deflate) Decode(data []byte) ([]byte, error) {
	if d.recvBits == 0 {
		return nil, fmt.Errorf("%w: receive direction disabled", ErrBadConfig)
	}
	d.RecvStats.FramesIn++
	d.RecvStats.OctetsIn += uint64(len(data))

	if len(data) < 2 {
		d.RecvStats.Errors++
		return nil, fmt.Errorf("%w: deflate header", ErrRunt)
	}
	seq := binary.BigEndian.Uint16(data)
	if seq != d.recvSeq {
		d.RecvStats.Errors++
		return nil, fmt.Errorf("%w: got %d expected %d", ErrSequence, seq, d.recvSeq)
	}

	src := make([]byte, 0, len(data)-2+len(syncTail))
	src = append(src, data[2:]...)
	src = append(src, syncTail...)

	if d.r == nil {
		d.r = flate.NewReaderDict(bytes.NewReader(src), d.rhist)
	} else if err := d.r.(flate.Resetter).Reset(bytes.NewReader(src), d.rhist); err != nil {
		d.RecvStats.Errors++
		return nil, fmt.Errorf("deflate reset: %w", err)
	}

	plain, err := io.ReadAll(d.r)
	if err != nil && err != io.ErrUnexpectedEOF {
		d.RecvStats.Errors++
		return nil, fmt.Errorf("inflate: %w", err)
	}

	d.recvSeq++
	d.rhist = keepTail(append(d.rhist, plain...), 1<<d.recvBits)

	d.RecvStats.FramesOut++
	d.RecvStats.OctetsOut += uint64(len(plain))
	return plain, nil
}

func keepTail(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	out := make([]byte, n)
	copy(out, b[len(b)-n:])
	return out
}
