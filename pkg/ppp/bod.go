package ppp

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/mpd/pkg/event"
	"github.com/codelaboratoryltd/mpd/pkg/node"
)

// bmSamples is the depth of the utilization history.
const bmSamples = 6

// BMConfig tunes bandwidth management.
type BMConfig struct {
	// Period is the averaging window; the sampler ticks Period/6.
	Period time.Duration
	// HiWat and LoWat are utilization percentages.
	HiWat  int
	LoWat  int
	MinCon time.Duration
	MinDis time.Duration
}

// DefaultBMConfig returns the bandwidth management defaults.
func DefaultBMConfig() BMConfig {
	return BMConfig{
		Period: 60 * time.Second,
		HiWat:  80,
		LoWat:  20,
		MinCon: 30 * time.Second,
		MinDis: 90 * time.Second,
	}
}

type bmState struct {
	timer *event.Timer

	// traffic[0] is inbound, traffic[1] outbound; index 0 is newest.
	traffic [2][bmSamples]uint64
	avail   [bmSamples]int
	wasUp   [bmSamples]int

	lastOpen  time.Time
	lastClose time.Time

	inUtil  int
	outUtil int
}

// Utilization returns the last averaged inbound and outbound
// utilization in percent.
func (b *Bundle) Utilization() (in, out int) {
	return b.bm.inUtil, b.bm.outUtil
}

func (b *Bundle) bmStart() {
	b.bm.traffic = [2][bmSamples]uint64{}
	b.bm.avail = [bmSamples]int{}
	b.bm.wasUp = [bmSamples]int{}
	for _, l := range b.links {
		if l != nil {
			l.idleStats = node.Stats{}
		}
	}

	b.bm.timer.Stop()
	if b.conf.Options.Enabled(BundleBWManage) {
		b.bm.timer.Reset(b.conf.BM.Period/bmSamples, nil)
		b.bm.timer.Start()
	}
}

// SetBMConfig replaces the bandwidth management tunables. A running
// sampler is re-armed with the new period.
func (b *Bundle) SetBMConfig(c BMConfig) {
	if c.Period == 0 {
		c.Period = DefaultBMConfig().Period
	}
	b.conf.BM = c
	if b.bm.timer.Started() {
		b.bm.timer.Reset(c.Period/bmSamples, nil)
		b.bm.timer.Start()
	}
}

func (b *Bundle) bmStop() {
	b.bm.timer.Stop()
}

// bmTimeout samples traffic and opens or closes a link when the averaged
// utilization crosses a watermark.
func (b *Bundle) bmTimeout() {
	now := b.m.loop.Now()
	bm := &b.bm

	copy(bm.wasUp[1:], bm.wasUp[:bmSamples-1])
	bm.wasUp[0] = b.nUp
	copy(bm.avail[1:], bm.avail[:bmSamples-1])
	bm.avail[0] = b.totalBW
	for dir := range bm.traffic {
		copy(bm.traffic[dir][1:], bm.traffic[dir][:bmSamples-1])
		bm.traffic[dir][0] = 0
	}
	for _, l := range b.links {
		if l == nil || !l.joined {
			continue
		}
		old := l.idleStats
		cur, err := b.node.Stats(l.bundleIndex)
		if err != nil {
			continue
		}
		l.idleStats = cur
		bm.traffic[0][0] += cur.RecvOctets - old.RecvOctets
		bm.traffic[1][0] += cur.XmitOctets - old.XmitOctets
	}

	var inUtil, outUtil [bmSamples]int
	var availTotal, inTotal, outTotal float64
	for j := 0; j < bmSamples; j++ {
		avail := float64(bm.avail[j]) * b.conf.BM.Period.Seconds() / bmSamples
		inBits := float64(bm.traffic[0][j] * 8)
		outBits := float64(bm.traffic[1][j] * 8)
		availTotal += avail
		inTotal += inBits
		outTotal += outBits
		if avail != 0 {
			inUtil[j] = int(inBits / avail * 100)
			outUtil[j] = int(outBits / avail * 100)
		}
	}
	bm.inUtil, bm.outUtil = 0, 0
	if availTotal != 0 {
		bm.inUtil = int(inTotal / availTotal * 100)
		bm.outUtil = int(outTotal / availTotal * 100)
	}

	if ce := b.log.Check(zap.DebugLevel, "Bundle: utilization"); ce != nil {
		ce.Write(
			zap.String("up", history(bm.wasUp[:], "")),
			zap.Int("in_total", bm.inUtil),
			zap.String("in", history(inUtil[:], "%")),
			zap.Int("out_total", bm.outUtil),
			zap.String("out", history(outUtil[:], "%")),
		)
	}

	if now.Sub(bm.lastOpen) >= b.conf.BM.MinCon &&
		(bm.inUtil >= b.conf.BM.HiWat || bm.outUtil >= b.conf.BM.HiWat) {
		b.bmBringUp(now)
	}

	if now.Sub(bm.lastClose) >= b.conf.BM.MinDis &&
		bm.inUtil < b.conf.BM.LoWat && bm.outUtil < b.conf.BM.LoWat &&
		b.nLinks > 1 {
		b.bmBringDown(now)
	}

	bm.timer.Start()
}

// bmBringUp opens the lowest configured slot that has no open link.
func (b *Bundle) bmBringUp(now time.Time) {
	for k := 0; k < MaxLinks; k++ {
		name := b.conf.linkName(k)
		if name == "" {
			continue
		}
		l := b.links[k]
		if l != nil && l.lcp.fsm.State().IsOpen() {
			continue
		}
		b.log.Info("Bundle: opening link due to increased demand", zap.String("link", name), zap.Int("slot", k))
		b.bm.lastOpen = now
		if l != nil {
			l.recordReason(true, ReasonPortNeeded, "")
			b.openLink(l)
		} else if err := b.createOpenLink(k); err != nil {
			continue
		} else {
			b.links[k].recordReason(true, ReasonPortNeeded, "")
		}
		b.m.rec.BoDDecision(b.name, "up")
		return
	}
}

// bmBringDown closes the highest slot whose link is open.
func (b *Bundle) bmBringDown(now time.Time) {
	k := MaxLinks - 1
	for k >= 0 && (b.links[k] == nil || !b.links[k].lcp.fsm.State().IsOpen()) {
		k--
	}
	if k < 0 {
		return
	}
	l := b.links[k]
	b.log.Info("Bundle: closing link due to reduced demand", zap.String("link", l.name), zap.Int("slot", k))
	b.bm.lastClose = now
	l.recordReason(false, ReasonPortUnneeded, "")
	b.closeLink(l)
	b.m.rec.BoDDecision(b.name, "down")
}

// history renders samples oldest first.
func history(v []int, unit string) string {
	var sb strings.Builder
	for j := len(v) - 1; j >= 0; j-- {
		fmt.Fprintf(&sb, " %3d%s", v[j], unit)
	}
	return sb.String()
}
