package ppp

import (
	"fmt"
	"strings"
)

// Opt indexes one option in an OptionTable.
type Opt uint

// OptionInfo names an option. Peered options have an Accept half
// describing what we tolerate from the peer.
type OptionInfo struct {
	Name   string
	Peered bool
}

// OptionTable maps Opt values to names.
type OptionTable []OptionInfo

// Lookup finds an option by name.
func (t OptionTable) Lookup(name string) (Opt, bool) {
	for i, info := range t {
		if info.Name == name {
			return Opt(i), true
		}
	}
	return 0, false
}

// Options is a pair of independent bitsets: Enable is local policy,
// Accept is what we allow the peer to ask for.
type Options struct {
	enable uint64
	accept uint64
}

func (o *Options) Enable(opts ...Opt) {
	for _, x := range opts {
		o.enable |= 1 << x
	}
}

func (o *Options) Disable(opts ...Opt) {
	for _, x := range opts {
		o.enable &^= 1 << x
	}
}

func (o *Options) Accept(opts ...Opt) {
	for _, x := range opts {
		o.accept |= 1 << x
	}
}

func (o *Options) Deny(opts ...Opt) {
	for _, x := range opts {
		o.accept &^= 1 << x
	}
}

func (o Options) Enabled(x Opt) bool {
	return o.enable&(1<<x) != 0
}

func (o Options) Acceptable(x Opt) bool {
	return o.accept&(1<<x) != 0
}

// Apply runs one of the verbs enable, disable, accept, deny, yes (enable
// and accept) or no (disable and deny) over the named options.
func (o *Options) Apply(table OptionTable, verb string, names ...string) error {
	for _, name := range names {
		x, ok := table.Lookup(strings.ToLower(name))
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownOption, name)
		}
		peered := table[x].Peered
		switch verb {
		case "enable":
			o.Enable(x)
		case "disable":
			o.Disable(x)
		case "accept", "deny":
			if !peered {
				return fmt.Errorf("%w: %q cannot be %sed", ErrUnknownOption, name, strings.TrimSuffix(verb, "e"))
			}
			if verb == "accept" {
				o.Accept(x)
			} else {
				o.Deny(x)
			}
		case "yes":
			o.Enable(x)
			if peered {
				o.Accept(x)
			}
		case "no":
			o.Disable(x)
			if peered {
				o.Deny(x)
			}
		default:
			return fmt.Errorf("unknown option verb %q", verb)
		}
	}
	return nil
}

// String lists the options in table order, e.g. "pap(-/+) acfcomp(+/+)".
func (o Options) String(table OptionTable) string {
	var sb strings.Builder
	for i, info := range table {
		if i > 0 {
			sb.WriteByte(' ')
		}
		x := Opt(i)
		sb.WriteString(info.Name)
		sb.WriteByte('(')
		sb.WriteString(flag(o.Enabled(x)))
		if info.Peered {
			sb.WriteByte('/')
			sb.WriteString(flag(o.Acceptable(x)))
		}
		sb.WriteByte(')')
	}
	return sb.String()
}

func flag(b bool) string {
	if b {
		return "+"
	}
	return "-"
}

// Link options.
const (
	LinkIncoming Opt = iota
	LinkPAP
	LinkCHAPMD5
	LinkCHAPMSv1
	LinkCHAPMSv2
	LinkEAP
	LinkACFComp
	LinkProtoComp
	LinkKeepMSDomain
	LinkMagicNum
	LinkPassive
	LinkCheckMagic
	LinkNoOrigAuth
	LinkCallback
	LinkMultilink
	LinkShortSeq
	LinkTimeRemain
	LinkPeerAsCalling
	LinkReportMAC
)

// LinkOptions names the link options.
var LinkOptions = OptionTable{
	LinkIncoming:      {"incoming", false},
	LinkPAP:           {"pap", true},
	LinkCHAPMD5:       {"chap-md5", true},
	LinkCHAPMSv1:      {"chap-msv1", true},
	LinkCHAPMSv2:      {"chap-msv2", true},
	LinkEAP:           {"eap", true},
	LinkACFComp:       {"acfcomp", true},
	LinkProtoComp:     {"protocomp", true},
	LinkKeepMSDomain:  {"keep-ms-domain", false},
	LinkMagicNum:      {"magicnum", false},
	LinkPassive:       {"passive", false},
	LinkCheckMagic:    {"check-magic", false},
	LinkNoOrigAuth:    {"no-orig-auth", false},
	LinkCallback:      {"callback", false},
	LinkMultilink:     {"multilink", true},
	LinkShortSeq:      {"shortseq", true},
	LinkTimeRemain:    {"time-remain", false},
	LinkPeerAsCalling: {"peer-as-calling", false},
	LinkReportMAC:     {"report-mac", false},
}

// DefaultLinkOptions returns the options of a new link.
func DefaultLinkOptions() Options {
	var o Options
	o.Accept(LinkCHAPMD5, LinkCHAPMSv2, LinkPAP, LinkEAP)
	o.Enable(LinkACFComp, LinkProtoComp, LinkMagicNum, LinkCheckMagic, LinkShortSeq)
	o.Accept(LinkACFComp, LinkProtoComp, LinkShortSeq)
	return o
}

// Bundle options.
const (
	BundleIPCP Opt = iota
	BundleIPv6CP
	BundleCompression
	BundleEncryption
	BundleCryptReqd
	BundleBWManage
	BundleRoundRobin
)

// BundleOptions names the bundle options.
var BundleOptions = OptionTable{
	BundleIPCP:        {"ipcp", false},
	BundleIPv6CP:      {"ipv6cp", false},
	BundleCompression: {"compression", false},
	BundleEncryption:  {"encryption", false},
	BundleCryptReqd:   {"crypt-reqd", false},
	BundleBWManage:    {"bw-manage", false},
	BundleRoundRobin:  {"round-robin", false},
}

// DefaultBundleOptions returns the options of a new bundle.
func DefaultBundleOptions() Options {
	var o Options
	o.Enable(BundleIPCP)
	return o
}

// IPCP options.
const (
	IPCPReqPriDNS Opt = iota
	IPCPReqSecDNS
	IPCPReqPriNBNS
	IPCPReqSecNBNS
	IPCPPretendIP
)

// IPCPOptions names the IPCP options.
var IPCPOptions = OptionTable{
	IPCPReqPriDNS:  {"req-pri-dns", false},
	IPCPReqSecDNS:  {"req-sec-dns", false},
	IPCPReqPriNBNS: {"req-pri-nbns", false},
	IPCPReqSecNBNS: {"req-sec-nbns", false},
	IPCPPretendIP:  {"pretend-ip", false},
}

// CCP options.
const (
	CCPDeflate Opt = iota
)

// CCPOptions names the compression types.
var CCPOptions = OptionTable{
	CCPDeflate: {"deflate", true},
}

// ECP options.
const (
	ECPDeseBis Opt = iota
)

// ECPOptions names the encryption types.
var ECPOptions = OptionTable{
	ECPDeseBis: {"dese-bis", true},
}

// optMask tracks per option type flags such as "rejected by peer".
type optMask [4]uint64

func (m *optMask) set(t uint8)      { m[t>>6] |= 1 << (t & 63) }
func (m *optMask) clear(t uint8)    { m[t>>6] &^= 1 << (t & 63) }
func (m *optMask) has(t uint8) bool { return m[t>>6]&(1<<(t&63)) != 0 }
func (m *optMask) reset()           { *m = optMask{} }
