// Package node is the userspace PPP packet engine a bundle drives: per-link
// framing and counters, multilink fragmentation and reassembly, and the
// compression and encryption stages negotiated by CCP and ECP.
package node

import (
	"encoding/binary"
	"fmt"
)

// PPP protocol numbers
const (
	ProtocolIP     = 0x0021 // Internet Protocol
	ProtocolIPv6   = 0x0057 // IPv6
	ProtocolVJComp = 0x002d // VJ compressed TCP/IP
	ProtocolVJUnc  = 0x002f // VJ uncompressed TCP/IP
	ProtocolMP     = 0x003d // Multilink
	ProtocolCompd  = 0x00fd // Compressed datagram
	ProtocolICompd = 0x00fb // Individual link compressed datagram
	ProtocolCrypt  = 0x0053 // Encrypted datagram
	ProtocolICrypt = 0x0055 // Individual link encrypted datagram
	ProtocolIPCP   = 0x8021 // IP Control Protocol
	ProtocolIPv6CP = 0x8057 // IPv6 Control Protocol
	ProtocolCCP    = 0x80fd // Compression Control Protocol
	ProtocolICCP   = 0x80fb // Individual link CCP
	ProtocolECP    = 0x8053 // Encryption Control Protocol
	ProtocolIECP   = 0x8055 // Individual link ECP
	ProtocolLCP    = 0xc021 // Link Control Protocol
	ProtocolPAP    = 0xc023 // Password Authentication Protocol
	ProtocolLQR    = 0xc025 // Link Quality Report
	ProtocolCHAP   = 0xc223 // Challenge Handshake Auth Protocol
	ProtocolEAP    = 0xc227 // Extensible Authentication Protocol
)

// Address and control bytes of an uncompressed HDLC-like frame.
const (
	addrByte = 0xff
	ctrlByte = 0x03
)

// ProtoName returns a short label for a protocol number.
func ProtoName(proto uint16) string {
	switch proto {
	case ProtocolIP:
		return "IP"
	case ProtocolIPv6:
		return "IPV6"
	case ProtocolMP:
		return "MP"
	case ProtocolCompd:
		return "COMPD"
	case ProtocolCrypt:
		return "CRYPT"
	case ProtocolIPCP:
		return "IPCP"
	case ProtocolIPv6CP:
		return "IPV6CP"
	case ProtocolCCP:
		return "CCP"
	case ProtocolECP:
		return "ECP"
	case ProtocolLCP:
		return "LCP"
	case ProtocolPAP:
		return "PAP"
	case ProtocolLQR:
		return "LQR"
	case ProtocolCHAP:
		return "CHAP"
	case ProtocolEAP:
		return "EAP"
	default:
		return fmt.Sprintf("0x%04x", proto)
	}
}

// IsLinkLevel reports whether proto is handled per link rather than by the
// bundle.
func IsLinkLevel(proto uint16) bool {
	switch proto {
	case ProtocolLCP, ProtocolPAP, ProtocolCHAP, ProtocolEAP, ProtocolLQR,
		ProtocolICCP, ProtocolIECP, ProtocolICompd, ProtocolICrypt:
		return true
	default:
		return false
	}
}

// IsNetworkData reports whether proto carries network layer datagrams,
// which are the only packets subject to compression and encryption.
func IsNetworkData(proto uint16) bool {
	return proto < 0x4000 && proto != ProtocolMP && proto != ProtocolCompd &&
		proto != ProtocolCrypt
}

// AppendProto encodes a protocol field, using the one byte form when pfc
// is set and the value allows it.
func AppendProto(buf []byte, proto uint16, pfc bool) []byte {
	if pfc && proto < 0x100 && proto&1 == 1 {
		return append(buf, uint8(proto))
	}
	return append(buf, uint8(proto>>8), uint8(proto))
}

// DecodeProto reads a possibly compressed protocol field.
func DecodeProto(data []byte) (uint16, []byte, error) {
	if len(data) < 1 {
		return 0, nil, fmt.Errorf("%w: no protocol", ErrRunt)
	}
	if data[0]&1 == 1 {
		return uint16(data[0]), data[1:], nil
	}
	if len(data) < 2 {
		return 0, nil, fmt.Errorf("%w: truncated protocol", ErrRunt)
	}
	return binary.BigEndian.Uint16(data), data[2:], nil
}

// EncodeFrame builds a PPP frame. LCP always carries address and control
// bytes and a full protocol field.
func EncodeFrame(proto uint16, payload []byte, acfc, pfc bool) []byte {
	if proto == ProtocolLCP {
		acfc, pfc = false, false
	}
	buf := make([]byte, 0, 4+len(payload))
	if !acfc {
		buf = append(buf, addrByte, ctrlByte)
	}
	buf = AppendProto(buf, proto, pfc)
	return append(buf, payload...)
}

// DecodeFrame strips address/control bytes when present and returns the
// protocol and payload.
func DecodeFrame(frame []byte) (uint16, []byte, error) {
	if len(frame) >= 2 && frame[0] == addrByte && frame[1] == ctrlByte {
		frame = frame[2:]
	}
	return DecodeProto(frame)
}
