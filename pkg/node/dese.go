package node

import (
	"crypto/cipher"
	"crypto/des"
	"crypto/md5"
	"encoding/binary"
	"fmt"
)

// DESEOverhead is the sequence number prepended to each ciphertext.
const DESEOverhead = 2

// DeseBis is the RFC 2419 DES-CBC encryption stage. The chaining value
// carries over from packet to packet in each direction.
type DeseBis struct {
	block cipher.Block

	xmitIV  [des.BlockSize]byte
	recvIV  [des.BlockSize]byte
	xmitSeq uint16
	recvSeq uint16

	XmitStats CompStats
	RecvStats CompStats
}

// DeseKey derives a DES key from a configured secret.
func DeseKey(secret string) []byte {
	sum := md5.Sum([]byte(secret))
	return sum[:des.BlockSize]
}

// NewDeseBis creates a stage. xmitNonce is the nonce of our
// Configure-Request, recvNonce the peer's.
func NewDeseBis(key, xmitNonce, recvNonce []byte) (*DeseBis, error) {
	block, err := des.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadConfig, err)
	}
	if len(xmitNonce) != des.BlockSize || len(recvNonce) != des.BlockSize {
		return nil, fmt.Errorf("%w: nonce must be %d bytes", ErrBadConfig, des.BlockSize)
	}
	d := &DeseBis{block: block}
	copy(d.xmitIV[:], xmitNonce)
	copy(d.recvIV[:], recvNonce)
	return d, nil
}

// Proto returns the encrypted datagram protocol number.
func (d *DeseBis) Proto() uint16 {
	return ProtocolCrypt
}

// SubtractDeseBloat reduces a payload size by the worst-case expansion.
func SubtractDeseBloat(size int) int {
	size -= DESEOverhead
	size &^= 0x7
	size--
	return size
}

// Encode pads with self-describing padding and encrypts.
func (d *DeseBis) Encode(plain []byte) ([]byte, error) {
	plen := len(plain)
	padlen := (plen+1+7)&^7 - plen
	// A full block of padding is only needed when the last byte could be
	// read as a pad count.
	if padlen > 7 && plen > 0 && (plain[plen-1] == 0 || plain[plen-1] > 8) {
		padlen -= 8
	}
	clen := plen + padlen

	out := make([]byte, DESEOverhead+clen)
	binary.BigEndian.PutUint16(out, d.xmitSeq)
	d.xmitSeq++

	copy(out[DESEOverhead:], plain)
	for k := 0; k < padlen; k++ {
		out[DESEOverhead+plen+k] = byte(k + 1)
	}

	body := out[DESEOverhead:]
	cipher.NewCBCEncrypter(d.block, d.xmitIV[:]).CryptBlocks(body, body)
	copy(d.xmitIV[:], body[clen-des.BlockSize:])

	d.XmitStats.FramesIn++
	d.XmitStats.OctetsIn += uint64(plen)
	d.XmitStats.FramesOut++
	d.XmitStats.OctetsOut += uint64(len(out))
	return out, nil
}

// Decode decrypts and strips padding. On a sequence gap the chaining value
// is recovered from the ciphertext and the packet is dropped.
func (d *DeseBis) Decode(data []byte) ([]byte, error) {
	d.RecvStats.FramesIn++
	d.RecvStats.OctetsIn += uint64(len(data))

	clen := len(data) - DESEOverhead
	if clen < des.BlockSize || clen%des.BlockSize != 0 {
		d.RecvStats.Errors++
		return nil, fmt.Errorf("%w: len=%d", ErrBadCipher, len(data))
	}

	seq := binary.BigEndian.Uint16(data)
	body := data[DESEOverhead:]
	if seq != d.recvSeq {
		copy(d.recvIV[:], body[clen-des.BlockSize:])
		expected := d.recvSeq
		d.recvSeq = seq + 1
		d.RecvStats.Errors++
		return nil, fmt.Errorf("%w: got %d expected %d", ErrSequence, seq, expected)
	}
	d.recvSeq++

	plain := make([]byte, clen)
	cipher.NewCBCDecrypter(d.block, d.recvIV[:]).CryptBlocks(plain, body)
	copy(d.recvIV[:], body[clen-des.BlockSize:])

	if pad := plain[clen-1]; pad > 0 && pad <= 8 {
		plain = plain[:clen-int(pad)]
	}

	d.RecvStats.FramesOut++
	d.RecvStats.OctetsOut += uint64(len(plain))
	return plain, nil
}
