// Package mp implements the multilink PPP pieces that do not depend on a
// running session: endpoint discriminators and the MP fragment header.
package mp

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"strings"
)

// MaxDiscrim is the longest discriminator address accepted.
const MaxDiscrim = 50

// Class is an endpoint discriminator class (RFC 1990 section 5.1.3).
type Class uint8

const (
	ClassNull   Class = 0
	ClassLocal  Class = 1
	ClassIPAddr Class = 2
	Class8021   Class = 3
	ClassMagic  Class = 4
	ClassPSN    Class = 5
)

func (c Class) String() string {
	switch c {
	case ClassNull:
		return "NULL"
	case ClassLocal:
		return "LOCAL"
	case ClassIPAddr:
		return "IP Address"
	case Class8021:
		return "802.1"
	case ClassMagic:
		return "Magic"
	case ClassPSN:
		return "PSN"
	default:
		return "???"
	}
}

// Discrim identifies a multilink peer.
type Discrim struct {
	Class Class
	Bytes []byte
}

// ParseDiscrim decodes the data of an Endpoint-Discriminator option.
func ParseDiscrim(data []byte) (Discrim, error) {
	if len(data) < 1 {
		return Discrim{}, fmt.Errorf("%w: empty", ErrBadDiscrim)
	}
	if len(data)-1 > MaxDiscrim {
		return Discrim{}, fmt.Errorf("%w: %d bytes", ErrBadDiscrim, len(data)-1)
	}
	d := Discrim{Class: Class(data[0])}
	if len(data) > 1 {
		d.Bytes = append([]byte(nil), data[1:]...)
	}
	return d, nil
}

// Encode returns the option data: class byte followed by the address.
func (d Discrim) Encode() []byte {
	out := make([]byte, 0, 1+len(d.Bytes))
	out = append(out, uint8(d.Class))
	return append(out, d.Bytes...)
}

// Equal reports whether both class and address match.
func (d Discrim) Equal(o Discrim) bool {
	return d.Class == o.Class && bytes.Equal(d.Bytes, o.Bytes)
}

// IsZero reports whether no discriminator was negotiated.
func (d Discrim) IsZero() bool {
	return d.Class == ClassNull && len(d.Bytes) == 0
}

func (d Discrim) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s]", d.Class)
	for _, b := range d.Bytes {
		fmt.Fprintf(&sb, " %02x", b)
	}
	return sb.String()
}

// SelfDiscrim picks our own discriminator: the first hardware address, then
// the first IPv4 address, then a pair of random magic numbers.
func SelfDiscrim() Discrim {
	ifaces, err := net.Interfaces()
	if err == nil {
		for _, ifi := range ifaces {
			if ifi.Flags&net.FlagLoopback != 0 || len(ifi.HardwareAddr) != 6 {
				continue
			}
			return Discrim{Class: Class8021, Bytes: append([]byte(nil), ifi.HardwareAddr...)}
		}
		for _, ifi := range ifaces {
			if ifi.Flags&net.FlagLoopback != 0 {
				continue
			}
			addrs, err := ifi.Addrs()
			if err != nil {
				continue
			}
			for _, a := range addrs {
				if ipn, ok := a.(*net.IPNet); ok {
					if v4 := ipn.IP.To4(); v4 != nil {
						return Discrim{Class: ClassIPAddr, Bytes: append([]byte(nil), v4...)}
					}
				}
			}
		}
	}
	return MagicDiscrim()
}

// MagicDiscrim builds a Magic class discriminator from two random words.
func MagicDiscrim() Discrim {
	b := make([]byte, 8)
	binary.BigEndian.PutUint32(b, GenerateMagic())
	binary.BigEndian.PutUint32(b[4:], GenerateMagic())
	return Discrim{Class: ClassMagic, Bytes: b}
}

// GenerateMagic returns a non-zero random magic number.
func GenerateMagic() uint32 {
	var b [4]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			panic(fmt.Sprintf("mp: random source failed: %v", err))
		}
		if m := binary.BigEndian.Uint32(b[:]); m != 0 {
			return m
		}
	}
}
