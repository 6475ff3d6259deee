package ppp_test

import (
	"net/netip"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/codelaboratoryltd/mpd/pkg/auth"
	"github.com/codelaboratoryltd/mpd/pkg/fsm"
	"github.com/codelaboratoryltd/mpd/pkg/node"
	"github.com/codelaboratoryltd/mpd/pkg/phys"
	"github.com/codelaboratoryltd/mpd/pkg/ppp"
)

var _ = Describe("Phase driver", func() {
	DescribeTable("adjacency",
		func(from, to ppp.Phase, allowed bool) {
			Expect(ppp.PhaseTransitionAllowed(from, to)).To(Equal(allowed))
		},
		Entry("dead to establish", ppp.PhaseDead, ppp.PhaseEstablish, true),
		Entry("dead to network", ppp.PhaseDead, ppp.PhaseNetwork, false),
		Entry("establish to authenticate", ppp.PhaseEstablish, ppp.PhaseAuthenticate, true),
		Entry("establish to network", ppp.PhaseEstablish, ppp.PhaseNetwork, false),
		Entry("authenticate to network", ppp.PhaseAuthenticate, ppp.PhaseNetwork, true),
		Entry("authenticate to dead", ppp.PhaseAuthenticate, ppp.PhaseDead, true),
		Entry("network to terminate", ppp.PhaseNetwork, ppp.PhaseTerminate, true),
		Entry("network to authenticate", ppp.PhaseNetwork, ppp.PhaseAuthenticate, false),
		Entry("terminate to network", ppp.PhaseTerminate, ppp.PhaseNetwork, false),
		Entry("terminate to dead", ppp.PhaseTerminate, ppp.PhaseDead, true),
	)

	It("names phases", func() {
		Expect(ppp.PhaseNetwork.String()).To(Equal("NETWORK"))
		Expect(ppp.Phase(42).String()).To(Equal("UNKNOWN"))
	})
})

var _ = Describe("LCP", func() {
	var tb *testbed

	Context("without authentication", func() {
		var ls, lc *ppp.Link

		BeforeEach(func() {
			tb = newTestbed(nil)
			tb.bundles(serverBundleConf("L1"), ppp.DefaultBundleConfig())
			srvConf := ppp.DefaultLinkConfig()
			srvConf.Ident = "mpd test"
			ls, lc = tb.linkPair("L1", srvConf, ppp.DefaultLinkConfig())
			Expect(tb.srvBund.Open()).To(Succeed())
			tb.run()
		})

		It("reaches the network phase on both ends", func() {
			Expect(ls.Phase()).To(Equal(ppp.PhaseNetwork))
			Expect(lc.Phase()).To(Equal(ppp.PhaseNetwork))
			Expect(ls.State()).To(Equal(fsm.StateOpened))
			Expect(ls.Joined()).To(BeTrue())
			Expect(lc.Bundle()).To(Equal(tb.cliBund))
			Expect(lc.UpReason()).To(Equal(ppp.ReasonIncomingCall))
			Expect(ls.SessionID()).NotTo(BeEmpty())
		})

		It("negotiates the async control character map", func() {
			xmit, recv := tb.pipes["L1"].Accm()
			Expect(xmit).To(Equal(uint32(ppp.DefaultAccmap)))
			Expect(recv).To(Equal(uint32(ppp.DefaultAccmap)))
		})

		It("sends the identification text", func() {
			Expect(lc.PeerIdent()).To(Equal("mpd test"))
		})

		It("opens IPCP and configures the interfaces", func() {
			Expect(tb.srvBund.IPCPState()).To(Equal(fsm.StateOpened))
			Expect(tb.cliBund.IPCPState()).To(Equal(fsm.StateOpened))

			self, peer := tb.cliBund.Addresses()
			Expect(self).To(Equal(netip.MustParseAddr("10.0.0.2")))
			Expect(peer).To(Equal(netip.MustParseAddr("10.0.0.1")))

			ifc := tb.srvIface()
			Expect(ifc.up).To(BeTrue())
			Expect(ifc.ready).To(BeTrue())
			Expect(ifc.ipUp).To(BeTrue())
			Expect(ifc.self).To(Equal(netip.MustParseAddr("10.0.0.1")))
			Expect(ifc.peer).To(Equal(netip.MustParseAddr("10.0.0.2")))
			Expect(ifc.mtu).To(Equal(1500))
		})

		It("carries datagrams between the interfaces", func() {
			pkt := []byte{0x45, 0, 0, 20, 1, 2, 3, 4}
			Expect(tb.cliIface().send(node.ProtocolIP, pkt)).To(Succeed())
			tb.run()
			Expect(tb.srvIface().written).To(HaveLen(1))
			Expect(tb.srvIface().written[0].pkt).To(Equal(pkt))
		})

		It("refuses IPv6 datagrams while IPV6CP is closed", func() {
			err := tb.cliIface().send(node.ProtocolIPv6, []byte{0x60})
			Expect(err).To(MatchError(ppp.ErrProtoClosed))
		})

		It("reports joins and sends accounting start", func() {
			Expect(tb.srv.rec.joins).To(Equal([]string{"joined"}))
			Expect(tb.srv.rec.bundUp).To(Equal([]string{"B1"}))
			Expect(tb.srv.acct.kinds()).To(Equal([]auth.AcctKind{auth.AcctStart}))
			rec := tb.srv.acct.records[0]
			Expect(rec.Link).To(Equal("L1"))
			Expect(rec.Bundle).To(Equal("B1"))
			Expect(rec.FramedIP).To(Equal(netip.MustParseAddr("10.0.0.2")))
		})

		It("tears everything down on shutdown", func() {
			tb.srv.m.Shutdown()
			Expect(tb.srv.m.ShutdownInProgress()).To(BeTrue())
			tb.run()

			Expect(ls.Phase()).To(Equal(ppp.PhaseDead))
			Expect(lc.Phase()).To(Equal(ppp.PhaseDead))
			Expect(tb.srv.m.Idle()).To(BeTrue())
			Expect(ls.DownReason()).To(Equal(ppp.ReasonAdminShutdown))
			Expect(lc.DownReason()).To(HavePrefix(phys.ReasonPeerDisc))
			Expect(tb.srv.acct.kinds()).To(Equal([]auth.AcctKind{auth.AcctStart, auth.AcctStop}))
			Expect(tb.srv.rec.bundDown).To(Equal([]string{"B1"}))
			Expect(tb.srvIface().up).To(BeFalse())

			_, err := tb.srv.m.NewLink("L9", &phys.Pipe{}, ppp.DefaultLinkConfig())
			Expect(err).To(MatchError(ppp.ErrShutdownInProgress))
		})

		It("closes the link administratively", func() {
			Expect(ls.Close()).To(Succeed())
			tb.run()
			Expect(ls.Phase()).To(Equal(ppp.PhaseDead))
			Expect(ls.DownReason()).To(Equal(ppp.ReasonManual))
			Expect(tb.srvBund.NumUp()).To(Equal(0))
			Expect(tb.srvIface().ipUp).To(BeFalse())
		})
	})

	It("raises a too small MRU to the minimum", func() {
		tb = newTestbed(nil)
		tb.bundles(serverBundleConf("L1"), ppp.DefaultBundleConfig())
		cliConf := ppp.DefaultLinkConfig()
		cliConf.MRU = 100
		tb.linkPair("L1", ppp.DefaultLinkConfig(), cliConf)
		Expect(tb.srvBund.Open()).To(Succeed())
		tb.run()

		Expect(tb.srvBund.MTU()).To(Equal(ppp.MinMRU))
		Expect(tb.srvIface().mtu).To(Equal(ppp.MinMRU))
	})

	It("drops incoming calls without the incoming option", func() {
		tb = newTestbed(nil)
		tb.bundles(serverBundleConf("L1"), ppp.DefaultBundleConfig())
		a, b := phys.NewPipe(tb.loop, "L1", "L1c")
		b.Listen = true
		ls, err := tb.srv.m.NewLink("L1", a, ppp.DefaultLinkConfig())
		Expect(err).NotTo(HaveOccurred())
		lc, err := tb.cli.m.NewLink("L1c", b, ppp.DefaultLinkConfig())
		Expect(err).NotTo(HaveOccurred())

		Expect(tb.srvBund.Open()).To(Succeed())
		tb.run()
		Expect(lc.State()).To(Equal(fsm.StateInitial))
		Expect(ls.Phase()).NotTo(Equal(ppp.PhaseNetwork))
		Expect(b.State()).To(Equal(phys.StateDown))
	})

	It("drops incoming calls matching a drop action", func() {
		tb = newTestbed(nil)
		tb.bundles(serverBundleConf("L1"), ppp.DefaultBundleConfig())
		cliConf := ppp.DefaultLinkConfig()
		cliConf.Actions = []ppp.Action{mustAction("drop")}
		_, lc := tb.linkPair("L1", ppp.DefaultLinkConfig(), cliConf)
		Expect(tb.srvBund.Open()).To(Succeed())
		tb.run()
		Expect(lc.State()).To(Equal(fsm.StateInitial))
		Expect(lc.Phase()).To(Equal(ppp.PhaseDead))
	})

	Describe("authentication", func() {
		var verifier *auth.LocalVerifier

		BeforeEach(func() {
			verifier = auth.NewLocalVerifier(map[string]auth.Secret{
				"bob": {
					Password: "secret",
					Params:   auth.Params{FramedIP: netip.MustParseAddr("10.0.0.9")},
				},
			})
		})

		dial := func(method ppp.Opt, password string) (*ppp.Link, *ppp.Link) {
			tb = newTestbed(verifier)
			tb.bundles(serverBundleConf("L1"), ppp.DefaultBundleConfig())
			srvConf := ppp.DefaultLinkConfig()
			srvConf.Options.Enable(method)
			cliConf := ppp.DefaultLinkConfig()
			cliConf.Auth.Authname = "bob"
			cliConf.Auth.Password = password
			ls, lc := tb.linkPair("L1", srvConf, cliConf)
			Expect(tb.srvBund.Open()).To(Succeed())
			tb.run()
			return ls, lc
		}

		It("admits a peer with a good PAP password", func() {
			ls, lc := dial(ppp.LinkPAP, "secret")
			Expect(ls.Phase()).To(Equal(ppp.PhaseNetwork))
			Expect(lc.Phase()).To(Equal(ppp.PhaseNetwork))
			Expect(ls.Params().Authname).To(Equal("bob"))
			Expect(tb.srvBund.Params().Authname).To(Equal("bob"))
		})

		It("hands out the address from the secret table", func() {
			dial(ppp.LinkPAP, "secret")
			self, _ := tb.cliBund.Addresses()
			Expect(self).To(Equal(netip.MustParseAddr("10.0.0.9")))
			Expect(tb.srv.acct.records[0].Authname).To(Equal("bob"))
			Expect(tb.srv.acct.records[0].FramedIP).To(Equal(netip.MustParseAddr("10.0.0.9")))
		})

		It("admits a peer with a good CHAP-MD5 response", func() {
			ls, _ := dial(ppp.LinkCHAPMD5, "secret")
			Expect(ls.Phase()).To(Equal(ppp.PhaseNetwork))
			Expect(ls.Params().Authname).To(Equal("bob"))
		})

		It("fails the link on a bad password", func() {
			ls, _ := dial(ppp.LinkPAP, "wrong")
			Expect(ls.Phase()).NotTo(Equal(ppp.PhaseNetwork))
			Expect(ls.DownReason()).To(Equal(ppp.ReasonText(ppp.ReasonLoginFail, ppp.ReasonPPPAuthFailure)))
			Expect(tb.srvBund.NumUp()).To(Equal(0))
			Expect(tb.srv.rec.failures).To(ContainElement("LCP:" + fsm.ReasonNegotiation.String()))
			Expect(tb.srv.acct.records).To(BeEmpty())
		})
	})
})
