package ppp

import (
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/mpd/pkg/event"
	"github.com/codelaboratoryltd/mpd/pkg/mp"
)

// Internals used by the external tests.

const (
	BundReopenDelay = bundReopenDelay
	StatsInterval   = statsInterval
	ECPOverhead     = ecpOverhead
	IPCPSecNBNS     = ipcpSecNBNS
)

var (
	History       = history
	ReasonText    = reasonText
	FormatIntid   = formatIntid
	InterfaceID   = interfaceID
	DeflateOption = deflateOption
)

func (b *Bundle) SamplerTimer() *event.Timer { return b.bm.timer }
func (b *Bundle) ReopenTimer() *event.Timer  { return b.reopenTimer }

// Destroy frees the bundle slot at once.
func (b *Bundle) Destroy() { b.shutdown() }

func (b *Bundle) Admit(l *Link) error { return b.admit(l) }

// FillSlots occupies every link slot with an idle link.
func (b *Bundle) FillSlots() {
	for k := range b.links {
		b.links[k] = &Link{}
	}
}

func (b *Bundle) IPCPPeerRejected(opt uint8) bool { return b.ipcp.peerReject.has(opt) }

func (b *Bundle) DeflateBits() (xmit, recv int) { return b.ccp.xmitBits, b.ccp.recvBits }

func (b *Bundle) CCPDirections() (xmit, recv bool) { return b.ccp.xmit, b.ccp.recv }

func (b *Bundle) SendCCPResetReq() { b.ccp.sendResetReq() }

func (b *Bundle) ECPNonces() (xmit, recv []byte) {
	return append([]byte(nil), b.ecp.xmitNonce[:]...), append([]byte(nil), b.ecp.recvNonce[:]...)
}

// NewPeerLink returns a bare link carrying only the negotiated
// multilink parameters.
func NewPeerLink(mrru int, d mp.Discrim) *Link {
	return &Link{log: zap.NewNop(), lcp: &lcp{peerMRRU: mrru, wantMRRU: mrru, peerDiscrim: d}}
}

func (l *Link) SetAuthAction(action string) { l.params.Action = action }

func (m *Manager) Join(l *Link) (int, error) { return m.join(l) }

func (m *Manager) ResolveBundle(l *Link) (*Bundle, bool, error) { return m.resolveBundle(l) }

func (m *Manager) Instantiate(lt *Link) (*Link, error) { return m.instLink(lt) }
