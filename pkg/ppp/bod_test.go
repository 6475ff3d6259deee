package ppp_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/codelaboratoryltd/mpd/pkg/node"
	"github.com/codelaboratoryltd/mpd/pkg/ppp"
)

var _ = Describe("Bandwidth management", func() {
	var (
		tb  *testbed
		ls1 *ppp.Link
	)

	// burst pushes octets through the server bundle in 1200 byte datagrams.
	burst := func(octets int) {
		pkt := make([]byte, 1200)
		for sent := 0; sent < octets; sent += len(pkt) {
			Expect(tb.srvIface().send(node.ProtocolIP, pkt)).To(Succeed())
		}
		tb.run()
	}

	BeforeEach(func() {
		tb = newTestbed(nil)
		conf := serverBundleConf("L1", "L2")
		conf.Options.Enable(ppp.BundleBWManage)
		tb.bundles(conf, ppp.DefaultBundleConfig())
		ls1, _ = tb.linkPair("L1", multilinkConf(), multilinkConf())
		tb.linkPair("L2", multilinkConf(), multilinkConf())
		Expect(tb.srvBund.Open()).To(Succeed())
		tb.run()
	})

	It("opens only the first link", func() {
		Expect(tb.srvBund.NumUp()).To(Equal(1))
		Expect(tb.srvBund.Link(0)).To(Equal(ls1))
		Expect(tb.srvBund.SamplerTimer().Started()).To(BeTrue())
	})

	It("opens another link above the high watermark", func() {
		burst(72000)
		tb.loop.Advance(10 * time.Second)

		_, out := tb.srvBund.Utilization()
		Expect(out).To(BeNumerically(">=", 80))
		Expect(tb.srvBund.NumUp()).To(Equal(2))
		Expect(tb.srvBund.Link(1).Name()).To(Equal("L2"))
		Expect(tb.srvBund.Link(1).UpReason()).To(Equal(ppp.ReasonPortNeeded))
		Expect(tb.srv.rec.decisions).To(Equal([]string{"up"}))
		Expect(tb.cliBund.NumUp()).To(Equal(2))
	})

	It("stays put between the watermarks", func() {
		burst(24000)
		tb.loop.Advance(10 * time.Second)
		Expect(tb.srvBund.NumUp()).To(Equal(1))
		Expect(tb.srv.rec.decisions).To(BeEmpty())
	})

	It("closes the extra link once demand drops", func() {
		burst(72000)
		tb.loop.Advance(10 * time.Second)
		Expect(tb.srvBund.NumUp()).To(Equal(2))

		tb.loop.Advance(20 * time.Second)
		Expect(tb.srvBund.NumUp()).To(Equal(1))
		Expect(tb.srvBund.Link(1)).To(BeNil())
		Expect(tb.srv.rec.decisions).To(Equal([]string{"up", "down"}))
		Expect(tb.srvBund.Bandwidth()).To(Equal(ppp.DefaultBandwidth))
	})

	It("never closes the last link", func() {
		tb.loop.Advance(2 * time.Minute)
		Expect(tb.srvBund.NumUp()).To(Equal(1))
		Expect(tb.srv.rec.decisions).To(BeEmpty())
	})

	It("reopens a link after the last one went away", func() {
		Expect(ls1.Close()).To(Succeed())
		tb.run()
		Expect(tb.srvBund.NumUp()).To(Equal(0))
		Expect(tb.srvBund.IsOpen()).To(BeTrue())
		Expect(tb.srvBund.ReopenTimer().Started()).To(BeTrue())

		tb.loop.Advance(ppp.BundReopenDelay + 2*time.Second)
		Expect(tb.srvBund.NumUp()).To(Equal(1))
	})

	It("re-arms the sampler with a new period", func() {
		conf := ppp.DefaultBMConfig()
		conf.Period = 12 * time.Second
		tb.srvBund.SetBMConfig(conf)
		Expect(tb.srvBund.SamplerTimer().Started()).To(BeTrue())
		Expect(tb.srvBund.SamplerTimer().Remain()).To(Equal(2 * time.Second))
	})

	It("renders history oldest first", func() {
		Expect(ppp.History([]int{3, 2, 1}, "%")).To(Equal("   1%   2%   3%"))
	})
})
