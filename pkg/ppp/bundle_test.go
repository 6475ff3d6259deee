package ppp_test

import (
	"fmt"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/mpd/pkg/event"
	"github.com/codelaboratoryltd/mpd/pkg/fsm"
	"github.com/codelaboratoryltd/mpd/pkg/mp"
	"github.com/codelaboratoryltd/mpd/pkg/node"
	"github.com/codelaboratoryltd/mpd/pkg/phys"
	"github.com/codelaboratoryltd/mpd/pkg/ppp"
)

var _ = Describe("Manager", func() {
	var m *ppp.Manager

	BeforeEach(func() {
		m = ppp.NewManager(event.NewLoop(zap.NewNop()), ppp.ManagerConfig{}, zap.NewNop())
	})

	It("validates link names and devices", func() {
		loop := m.Loop()
		a, _ := phys.NewPipe(loop, "a", "b")

		_, err := m.NewLink("bad name", a, ppp.DefaultLinkConfig())
		Expect(err).To(HaveOccurred())
		_, err = m.NewLink("L1", nil, ppp.DefaultLinkConfig())
		Expect(err).To(HaveOccurred())

		l, err := m.NewLink("L1", a, ppp.DefaultLinkConfig())
		Expect(err).NotTo(HaveOccurred())
		_, err = m.NewLink("L1", a, ppp.DefaultLinkConfig())
		Expect(err).To(MatchError(ppp.ErrExists))

		Expect(m.FindLink("L1")).To(Equal(l))
		Expect(m.FindLink("[0]")).To(Equal(l))
		Expect(m.FindLink("[1]")).To(BeNil())
		Expect(m.Links()).To(HaveLen(1))
	})

	It("reuses free slots", func() {
		b0, err := m.NewBundle("B0", ppp.DefaultBundleConfig())
		Expect(err).NotTo(HaveOccurred())
		_, err = m.NewBundle("B1", ppp.DefaultBundleConfig())
		Expect(err).NotTo(HaveOccurred())

		b0.Destroy()
		Expect(m.FindBundle("B0")).To(BeNil())

		b2, err := m.NewBundle("B2", ppp.DefaultBundleConfig())
		Expect(err).NotTo(HaveOccurred())
		Expect(b2.ID()).To(Equal(0))
		Expect(m.FindBundle("[0]")).To(Equal(b2))
	})

	It("rejects a bundle with more links than slots", func() {
		conf := ppp.DefaultBundleConfig()
		conf.Links = make([]string, ppp.MaxLinks+1)
		_, err := m.NewBundle("B0", conf)
		Expect(err).To(MatchError(ppp.ErrBundleFull))
	})

	It("refuses operations on templates", func() {
		conf := ppp.DefaultBundleConfig()
		conf.Template = true
		bt, err := m.NewBundle("T", conf)
		Expect(err).NotTo(HaveOccurred())
		Expect(bt.IsTemplate()).To(BeTrue())
		Expect(bt.Open()).To(MatchError(ppp.ErrTemplate))
		Expect(bt.IfaceOpen()).To(MatchError(ppp.ErrTemplate))
	})

	It("stops admitting objects after shutdown", func() {
		m.Shutdown()
		_, err := m.NewBundle("B0", ppp.DefaultBundleConfig())
		Expect(err).To(MatchError(ppp.ErrShutdownInProgress))
		Expect(m.Idle()).To(BeTrue())
	})
})

var _ = Describe("Bundle", func() {
	var tb *testbed

	Context("with two multilink links", func() {
		var ls1, ls2, lc1, lc2 *ppp.Link

		BeforeEach(func() {
			tb = newTestbed(nil)
			tb.bundles(serverBundleConf("L1", "L2"), ppp.DefaultBundleConfig())
			ls1, lc1 = tb.linkPair("L1", multilinkConf(), multilinkConf())
			ls2, lc2 = tb.linkPair("L2", multilinkConf(), multilinkConf())
			Expect(tb.srvBund.Open()).To(Succeed())
			tb.run()
		})

		It("joins both links into one bundle on each end", func() {
			Expect(tb.srvBund.NumUp()).To(Equal(2))
			Expect(tb.cliBund.NumUp()).To(Equal(2))
			Expect(tb.cli.m.Bundles()).To(HaveLen(1))
			Expect(lc1.Bundle()).To(Equal(tb.cliBund))
			Expect(lc2.Bundle()).To(Equal(tb.cliBund))
			Expect(tb.cliBund.PeerDiscrim()).To(Equal(tb.srv.m.SelfDiscrim()))
		})

		It("sizes the interface from the peer MRRU", func() {
			Expect(tb.srvBund.PeerMRRU()).To(Equal(ppp.DefaultMRRU))
			Expect(tb.srvBund.MTU()).To(Equal(ppp.DefaultMRRU))
			Expect(tb.srvBund.Bandwidth()).To(Equal(2 * ppp.DefaultBandwidth))
			Expect(tb.srv.rec.bandwidth).To(HaveKeyWithValue("B1", 2*ppp.DefaultBandwidth))
		})

		It("shares the multilink session id", func() {
			Expect(tb.srvBund.MultiSessionID()).To(HaveSuffix("-B1"))
			Expect(ls1.MultiSessionID()).To(Equal(tb.srvBund.MultiSessionID()))
			Expect(ls2.MultiSessionID()).To(Equal(tb.srvBund.MultiSessionID()))
		})

		It("reassembles datagrams larger than a link MRU", func() {
			pkt := make([]byte, 1800)
			for i := range pkt {
				pkt[i] = byte(i)
			}
			Expect(tb.srvIface().send(node.ProtocolIP, pkt)).To(Succeed())
			tb.run()
			Expect(tb.cliIface().written).To(HaveLen(1))
			Expect(tb.cliIface().written[0].pkt).To(Equal(pkt))
		})

		It("treats a repeated join as a no-op", func() {
			n, err := tb.cli.m.Join(lc1)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(2))
			Expect(tb.cliBund.NumUp()).To(Equal(2))
		})

		It("refuses a link from another endpoint", func() {
			stranger := ppp.NewPeerLink(ppp.DefaultMRRU, mp.Discrim{Class: mp.ClassLocal, Bytes: []byte{9}})
			Expect(tb.cliBund.Admit(stranger)).To(MatchError(ppp.ErrJoinRefused))
		})

		It("refuses a link without multilink", func() {
			plain := ppp.NewPeerLink(0, tb.cliBund.PeerDiscrim())
			Expect(tb.cliBund.Admit(plain)).To(MatchError(ppp.ErrJoinRefused))
		})

		It("keeps running when one link goes away", func() {
			Expect(ls2.Close()).To(Succeed())
			tb.run()
			Expect(tb.srvBund.NumUp()).To(Equal(1))
			Expect(tb.cliBund.NumUp()).To(Equal(1))
			Expect(tb.srvBund.Bandwidth()).To(Equal(ppp.DefaultBandwidth))
			Expect(tb.srvBund.IPCPState()).To(Equal(fsm.StateOpened))
			Expect(tb.srv.rec.linkDown).To(Equal([]string{"L2"}))
			Expect(ls1.Joined()).To(BeTrue())
		})

		It("closes every link when the bundle closes", func() {
			Expect(tb.srvBund.Close()).To(Succeed())
			tb.run()
			Expect(ls1.Phase()).To(Equal(ppp.PhaseDead))
			Expect(ls2.Phase()).To(Equal(ppp.PhaseDead))
			Expect(tb.srvBund.NumUp()).To(Equal(0))
			Expect(tb.srvBund.IsOpen()).To(BeFalse())
			Expect(tb.srvBund.MTU()).To(Equal(ppp.DefaultMTU))
		})
	})

	It("reports a full bundle", func() {
		tb = newTestbed(nil)
		tb.bundles(ppp.DefaultBundleConfig(), ppp.DefaultBundleConfig())
		tb.cliBund.FillSlots()
		l := ppp.NewPeerLink(0, mp.Discrim{})
		Expect(tb.cliBund.Admit(l)).To(MatchError(ppp.ErrBundleFull))
	})

	It("fails the link when no bundle can take it", func() {
		tb = newTestbed(nil)
		tb.bundles(serverBundleConf("L1"), ppp.DefaultBundleConfig())
		cliConf := ppp.DefaultLinkConfig()
		cliConf.Actions = []ppp.Action{mustAction("bundle nosuch")}
		_, lc := tb.linkPair("L1", ppp.DefaultLinkConfig(), cliConf)
		Expect(tb.srvBund.Open()).To(Succeed())
		tb.run()

		Expect(lc.Joined()).To(BeFalse())
		Expect(lc.Phase()).NotTo(Equal(ppp.PhaseNetwork))
		Expect(lc.DownReason()).To(Equal(ppp.ReasonText(ppp.ReasonProtoErr, ppp.ReasonMultilinkFail)))
		Expect(tb.cli.rec.joins).To(ContainElement("refused"))
	})

	It("instantiates a bundle template for an incoming link", func() {
		tb = newTestbed(nil)
		var err error
		tb.srvBund, err = tb.srv.m.NewBundle("B1", serverBundleConf("L1"))
		Expect(err).NotTo(HaveOccurred())
		tmpl := ppp.DefaultBundleConfig()
		tmpl.Template = true
		_, err = tb.cli.m.NewBundle("T", tmpl)
		Expect(err).NotTo(HaveOccurred())

		cliConf := ppp.DefaultLinkConfig()
		cliConf.Actions = []ppp.Action{mustAction("bundle T")}
		ls, lc := tb.linkPair("L1", ppp.DefaultLinkConfig(), cliConf)
		Expect(tb.srvBund.Open()).To(Succeed())
		tb.run()

		b := lc.Bundle()
		Expect(b).NotTo(BeNil())
		Expect(b.IsTemplate()).To(BeFalse())
		Expect(strings.HasPrefix(b.Name(), "T-")).To(BeTrue())
		Expect(tb.cli.ifaces).To(HaveKey(b.Name()))
		Expect(b.IPCPState()).To(Equal(fsm.StateOpened))

		name := b.Name()
		Expect(ls.Close()).To(Succeed())
		tb.run()
		Expect(tb.cli.m.FindBundle(name)).To(BeNil())
		Expect(tb.cli.m.FindBundle("T")).NotTo(BeNil())
	})

	It("places a bundle named by the authentication backend", func() {
		tb = newTestbed(nil)
		tb.bundles(serverBundleConf("L1"), ppp.DefaultBundleConfig())
		_, lc := tb.linkPair("L1", ppp.DefaultLinkConfig(), ppp.DefaultLinkConfig())
		lc.SetAuthAction("bundle C")
		b, created, err := tb.cli.m.ResolveBundle(lc)
		Expect(err).NotTo(HaveOccurred())
		Expect(created).To(BeFalse())
		Expect(b).To(Equal(tb.cliBund))
	})

	It("folds cleared node counters into the bundle totals", func() {
		tb = newTestbed(nil)
		tb.bundles(serverBundleConf("L1"), ppp.DefaultBundleConfig())
		tb.linkPair("L1", ppp.DefaultLinkConfig(), ppp.DefaultLinkConfig())
		Expect(tb.srvBund.Open()).To(Succeed())
		tb.run()

		for i := 0; i < 3; i++ {
			Expect(tb.srvIface().send(node.ProtocolIP, make([]byte, 500))).To(Succeed())
		}
		tb.run()
		tb.loop.Advance(ppp.StatsInterval + time.Second)
		before := tb.srvBund.Stats().XmitOctets
		Expect(before).To(BeNumerically(">=", 1500))

		Expect(tb.srvBund.Node().ClearStats(node.BundleLink)).To(Succeed())
		Expect(tb.srvIface().send(node.ProtocolIP, make([]byte, 20))).To(Succeed())
		tb.run()
		tb.loop.Advance(ppp.StatsInterval + time.Second)

		cur, err := tb.srvBund.Node().Stats(node.BundleLink)
		Expect(err).NotTo(HaveOccurred())
		Expect(cur.XmitOctets).To(BeNumerically("<", before))
		Expect(tb.srvBund.Stats().XmitOctets).To(Equal(before + cur.XmitOctets))
	})

	Describe("link templates", func() {
		BeforeEach(func() {
			tb = newTestbed(nil)
		})

		It("names an instance after the template and its slot", func() {
			tb.bundles(serverBundleConf("T"), ppp.DefaultBundleConfig())
			lt := tb.templateLink("T", ppp.DefaultLinkConfig(), ppp.DefaultLinkConfig())
			Expect(tb.srvBund.Open()).To(Succeed())
			tb.run()

			l := tb.srvBund.Link(0)
			Expect(l).NotTo(BeNil())
			Expect(l).NotTo(Equal(lt))
			Expect(l.IsTemplate()).To(BeFalse())
			Expect(l.Name()).To(Equal(fmt.Sprintf("T-%d", l.ID())))
			Expect(l.Phase()).To(Equal(ppp.PhaseNetwork))
			Expect(tb.srvBund.IPCPState()).To(Equal(fsm.StateOpened))

			name := l.Name()
			Expect(tb.srvBund.Close()).To(Succeed())
			tb.run()
			Expect(tb.srv.m.FindLink(name)).To(BeNil())
			Expect(tb.srv.m.FindLink("T")).To(Equal(lt))
		})

		It("caps the instances of one template", func() {
			conf := serverBundleConf("T", "T")
			tb.bundles(conf, ppp.DefaultBundleConfig())
			srvConf := multilinkConf()
			srvConf.MaxChildren = 1
			lt := tb.templateLink("T", srvConf, multilinkConf())
			Expect(tb.srvBund.Open()).To(Succeed())
			tb.run()

			Expect(tb.srvBund.NumUp()).To(Equal(1))
			Expect(tb.srvBund.Link(1)).To(BeNil())
			_, err := tb.srv.m.Instantiate(lt)
			Expect(err).To(MatchError(ppp.ErrTooManyChildren))
			Expect(err.Error()).To(ContainSubstring("template T limit 1"))

			Expect(tb.srvBund.Close()).To(Succeed())
			tb.run()
			l, err := tb.srv.m.Instantiate(lt)
			Expect(err).NotTo(HaveOccurred())
			Expect(l.Name()).To(HavePrefix("T-"))
		})

		It("caps the instances of the whole daemon", func() {
			tb = newTestbed(nil, func(c *ppp.ManagerConfig) { c.MaxChildren = 1 })
			tb.bundles(serverBundleConf("T", "U"), ppp.DefaultBundleConfig())
			tb.templateLink("T", multilinkConf(), multilinkConf())
			lu := tb.templateLink("U", multilinkConf(), multilinkConf())
			Expect(tb.srvBund.Open()).To(Succeed())
			tb.run()

			Expect(tb.srvBund.NumUp()).To(Equal(1))
			Expect(tb.srvBund.Link(0).Name()).To(HavePrefix("T-"))
			_, err := tb.srv.m.Instantiate(lu)
			Expect(err).To(MatchError(ppp.ErrTooManyChildren))
			Expect(err.Error()).To(ContainSubstring("daemon limit 1"))
		})
	})

	Describe("dial on demand", func() {
		BeforeEach(func() {
			tb = newTestbed(nil)
			conf := serverBundleConf("L1")
			conf.OnDemand = true
			tb.bundles(conf, ppp.DefaultBundleConfig())
			tb.linkPair("L1", ppp.DefaultLinkConfig(), ppp.DefaultLinkConfig())
		})

		It("brings a placeholder interface up and dials on traffic", func() {
			Expect(tb.srvBund.IfaceOpen()).To(Succeed())
			up, dod := tb.srvBund.IfaceState()
			Expect(up).To(BeTrue())
			Expect(dod).To(BeTrue())
			Expect(tb.srvIface().ipUp).To(BeTrue())
			Expect(tb.srvIface().ipReady).To(BeFalse())
			Expect(tb.srvIface().ready).To(BeFalse())

			tb.srvIface().demand()
			tb.run()
			Expect(tb.srvBund.IPCPState()).To(Equal(fsm.StateOpened))
			up, dod = tb.srvBund.IfaceState()
			Expect(up).To(BeTrue())
			Expect(dod).To(BeFalse())
			Expect(tb.srvIface().ipReady).To(BeTrue())
		})

		It("re-arms the placeholder when the session ends", func() {
			Expect(tb.srvBund.IfaceOpen()).To(Succeed())
			tb.srvIface().demand()
			tb.run()

			Expect(tb.srvBund.Close()).To(Succeed())
			tb.run()
			up, dod := tb.srvBund.IfaceState()
			Expect(up).To(BeTrue())
			Expect(dod).To(BeTrue())

			Expect(tb.srvBund.IfaceClose()).To(Succeed())
			up, _ = tb.srvBund.IfaceState()
			Expect(up).To(BeFalse())
			Expect(tb.srvIface().up).To(BeFalse())
		})
	})
})
