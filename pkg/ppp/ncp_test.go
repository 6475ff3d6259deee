package ppp_test

import (
	"bytes"
	"net/netip"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/codelaboratoryltd/mpd/pkg/fsm"
	"github.com/codelaboratoryltd/mpd/pkg/node"
	"github.com/codelaboratoryltd/mpd/pkg/ppp"
)

var _ = Describe("Network control protocols", func() {
	var tb *testbed

	dial := func(srvConf, cliConf ppp.BundleConfig) {
		tb = newTestbed(nil)
		srvConf.Links = []string{"L1"}
		tb.bundles(srvConf, cliConf)
		tb.linkPair("L1", ppp.DefaultLinkConfig(), ppp.DefaultLinkConfig())
		Expect(tb.srvBund.Open()).To(Succeed())
		tb.run()
	}

	Describe("IPCP", func() {
		It("hands out name servers on request", func() {
			srv := serverBundleConf()
			srv.IPCP.DNS = [2]netip.Addr{netip.MustParseAddr("192.0.2.53"), netip.MustParseAddr("192.0.2.54")}
			srv.IPCP.NBNS[0] = netip.MustParseAddr("192.0.2.137")
			cli := ppp.DefaultBundleConfig()
			cli.IPCP.Options.Enable(ppp.IPCPReqPriDNS, ppp.IPCPReqSecDNS, ppp.IPCPReqPriNBNS, ppp.IPCPReqSecNBNS)
			dial(srv, cli)

			Expect(tb.cliBund.IPCPState()).To(Equal(fsm.StateOpened))
			dns, nbns := tb.cliBund.Servers()
			Expect(dns).To(Equal(srv.IPCP.DNS))
			Expect(nbns[0]).To(Equal(srv.IPCP.NBNS[0]))
			Expect(nbns[1].IsValid()).To(BeFalse())
			Expect(tb.cliBund.IPCPPeerRejected(ppp.IPCPSecNBNS)).To(BeTrue())
		})

		It("accepts any address with pretend-ip", func() {
			srv := serverBundleConf()
			cli := ppp.DefaultBundleConfig()
			cli.IPCP.Self = netip.MustParsePrefix("10.9.9.9/32")
			srv.IPCP.Options.Enable(ppp.IPCPPretendIP)
			dial(srv, cli)
			Expect(tb.cliBund.IPCPState()).To(Equal(fsm.StateOpened))
			self, _ := tb.cliBund.Addresses()
			Expect(self).To(Equal(netip.MustParseAddr("10.9.9.9")))
		})

		It("closes IPCP when the interface refuses the addresses", func() {
			tb = newTestbed(nil)
			srv := serverBundleConf("L1")
			tb.bundles(srv, ppp.DefaultBundleConfig())
			tb.srvIface().ipUpErr = errTest
			tb.linkPair("L1", ppp.DefaultLinkConfig(), ppp.DefaultLinkConfig())
			Expect(tb.srvBund.Open()).To(Succeed())
			tb.run()

			Expect(tb.srvBund.IPCPState()).NotTo(Equal(fsm.StateOpened))
			Expect(tb.srv.rec.failures).To(ContainElement("IPCP:" + fsm.ReasonNegotiation.String()))
		})
	})

	It("closes the links once no network protocol is left", func() {
		cli := ppp.DefaultBundleConfig()
		cli.Options.Disable(ppp.BundleIPCP)
		tb = newTestbed(nil)
		tb.bundles(serverBundleConf("L1"), cli)
		ls, lc := tb.linkPair("L1", ppp.DefaultLinkConfig(), ppp.DefaultLinkConfig())
		Expect(tb.srvBund.Open()).To(Succeed())
		tb.run()

		Expect(tb.srv.rec.failures).To(ContainElement("IPCP:" + fsm.ReasonWasProtoRejected.String()))
		Expect(ls.Phase()).To(Equal(ppp.PhaseDead))
		Expect(lc.Phase()).To(Equal(ppp.PhaseDead))
		Expect(tb.srvBund.NumUp()).To(Equal(0))
		Expect(tb.srvBund.IsOpen()).To(BeFalse())
		Expect(ls.DownReason()).To(HavePrefix(ppp.ReasonProtoErr))
		Expect(tb.srv.rec.linkDown).To(Equal([]string{"L1"}))
	})

	Describe("IPV6CP", func() {
		It("settles on distinct interface identifiers", func() {
			srv := serverBundleConf()
			srv.Options.Enable(ppp.BundleIPv6CP)
			cli := ppp.DefaultBundleConfig()
			cli.Options.Enable(ppp.BundleIPv6CP)
			dial(srv, cli)

			Expect(tb.srvBund.IPv6CPState()).To(Equal(fsm.StateOpened))
			Expect(tb.cliBund.IPv6CPState()).To(Equal(fsm.StateOpened))
			s, c := tb.srvIface(), tb.cliIface()
			Expect(s.ipv6Up).To(BeTrue())
			Expect(s.selfID).NotTo(Equal(s.peerID))
			Expect(s.selfID).To(Equal(c.peerID))
			Expect(s.peerID).To(Equal(c.selfID))

			pkt := []byte{0x60, 0, 0, 0}
			Expect(c.send(node.ProtocolIPv6, pkt)).To(Succeed())
			tb.run()
			Expect(s.written).To(ContainElement(datagram{node.ProtocolIPv6, pkt}))
		})

		It("rejects IPV6CP when the peer does not run it", func() {
			srv := serverBundleConf()
			srv.Options.Enable(ppp.BundleIPv6CP)
			dial(srv, ppp.DefaultBundleConfig())

			Expect(tb.srvBund.IPCPState()).To(Equal(fsm.StateOpened))
			Expect(tb.srvBund.IPv6CPState()).NotTo(Equal(fsm.StateOpened))
			Expect(tb.srv.rec.failures).To(ContainElement("IPV6CP:" + fsm.ReasonWasProtoRejected.String()))
		})

		It("formats identifiers as four groups", func() {
			id := [8]byte{0x02, 0x11, 0x22, 0xff, 0xfe, 0x33, 0x44, 0x55}
			Expect(ppp.FormatIntid(id)).To(Equal("0211:22ff:fe33:4455"))
		})

		It("clears the universal bit of random identifiers", func() {
			for i := 0; i < 16; i++ {
				Expect(ppp.InterfaceID(true)[0] & 0x02).To(BeZero())
			}
		})
	})

	Describe("CCP", func() {
		var srv, cli ppp.BundleConfig

		BeforeEach(func() {
			srv = serverBundleConf()
			cli = ppp.DefaultBundleConfig()
			for _, c := range []*ppp.BundleConfig{&srv, &cli} {
				c.Options.Enable(ppp.BundleCompression)
				c.CCP.Options.Enable(ppp.CCPDeflate)
				c.CCP.Options.Accept(ppp.CCPDeflate)
			}
		})

		It("compresses datagrams with Deflate", func() {
			dial(srv, cli)
			Expect(tb.srvBund.CCPState()).To(Equal(fsm.StateOpened))
			Expect(tb.cliBund.CCPState()).To(Equal(fsm.StateOpened))
			xmitBits, recvBits := tb.srvBund.DeflateBits()
			Expect(xmitBits).To(Equal(15))
			Expect(recvBits).To(Equal(15))

			pkt := bytes.Repeat([]byte("compressible "), 80)
			Expect(tb.srvIface().send(node.ProtocolIP, pkt)).To(Succeed())
			tb.run()
			Expect(tb.cliIface().written).To(HaveLen(1))
			Expect(tb.cliIface().written[0].pkt).To(Equal(pkt))

			xmit, _, _, _ := tb.srvBund.CompressionStats()
			Expect(xmit.OctetsIn).To(BeNumerically(">", xmit.OctetsOut))
			_, recv, _, _ := tb.cliBund.CompressionStats()
			Expect(recv.FramesIn).To(Equal(uint64(1)))
		})

		It("adopts a smaller window the peer proposes", func() {
			cli.CCP.Window = 10
			dial(srv, cli)
			Expect(tb.cliBund.CCPState()).To(Equal(fsm.StateOpened))
			cliXmit, _ := tb.cliBund.DeflateBits()
			_, srvRecv := tb.srvBund.DeflateBits()
			Expect(cliXmit).To(Equal(10))
			Expect(srvRecv).To(Equal(10))
		})

		It("compresses in one direction only when the peer refuses the other", func() {
			cli.CCP.Options.Disable(ppp.CCPDeflate)
			dial(srv, cli)
			Expect(tb.srvBund.CCPState()).To(Equal(fsm.StateOpened))
			xmit, recv := tb.srvBund.CCPDirections()
			Expect(xmit).To(BeTrue())
			Expect(recv).To(BeFalse())

			pkt := bytes.Repeat([]byte{7}, 500)
			Expect(tb.cliIface().send(node.ProtocolIP, pkt)).To(Succeed())
			tb.run()
			Expect(tb.srvIface().written).To(ContainElement(datagram{node.ProtocolIP, pkt}))
		})

		It("resets the compressor on request", func() {
			dial(srv, cli)
			tb.cliBund.SendCCPResetReq()
			tb.run()
			_, _, xmitResets, _ := tb.srvBund.CompressionStats()
			_, _, _, recvResets := tb.cliBund.CompressionStats()
			Expect(xmitResets).To(Equal(uint64(1)))
			Expect(recvResets).To(Equal(uint64(1)))
		})

		It("encodes the window in the option word", func() {
			Expect(ppp.DeflateOption(15)).To(Equal(uint16(0x7800)))
			Expect(ppp.DeflateOption(8)).To(Equal(uint16(0x0800)))
		})
	})

	Describe("ECP", func() {
		var srv, cli ppp.BundleConfig

		BeforeEach(func() {
			srv = serverBundleConf()
			cli = ppp.DefaultBundleConfig()
			for _, c := range []*ppp.BundleConfig{&srv, &cli} {
				c.Options.Enable(ppp.BundleEncryption)
				c.ECP.Options.Enable(ppp.ECPDeseBis)
				c.ECP.Options.Accept(ppp.ECPDeseBis)
				c.ECP.Key = "shared secret"
			}
		})

		It("encrypts datagrams with DESE-bis", func() {
			dial(srv, cli)
			Expect(tb.srvBund.ECPState()).To(Equal(fsm.StateOpened))
			_, srvRecv := tb.srvBund.ECPNonces()
			cliXmit, _ := tb.cliBund.ECPNonces()
			Expect(srvRecv).To(Equal(cliXmit))
			Expect(tb.srvBund.MTU()).To(Equal(node.SubtractDeseBloat(ppp.DefaultMTU) - ppp.ECPOverhead))

			pkt := []byte("attack at dawn, bring snacks")
			Expect(tb.cliIface().send(node.ProtocolIP, pkt)).To(Succeed())
			tb.run()
			Expect(tb.srvIface().written).To(HaveLen(1))
			Expect(tb.srvIface().written[0].pkt).To(Equal(pkt))

			_, recv, _, _ := tb.srvBund.EncryptionStats()
			Expect(recv.FramesIn).To(Equal(uint64(1)))
		})

		It("closes the network protocols when required encryption fails", func() {
			srv.Options.Enable(ppp.BundleCryptReqd)
			cli.Options.Disable(ppp.BundleEncryption)
			dial(srv, cli)

			Expect(tb.srvBund.IPCPState()).NotTo(Equal(fsm.StateOpened))
			Expect(tb.srv.rec.failures).To(ContainElement("ECP:" + fsm.ReasonWasProtoRejected.String()))
			Expect(tb.srv.rec.failures).To(ContainElement("IPCP:" + fsm.ReasonCantEncrypt.String()))
		})

		It("runs unencrypted when encryption is optional", func() {
			cli.Options.Disable(ppp.BundleEncryption)
			dial(srv, cli)
			Expect(tb.srvBund.IPCPState()).To(Equal(fsm.StateOpened))
			Expect(tb.srvBund.ECPState()).NotTo(Equal(fsm.StateOpened))
			Expect(tb.srvBund.MTU()).To(Equal(ppp.DefaultMTU))
		})
	})

	It("retries an unanswered NCP and gives up", func() {
		srv := serverBundleConf()
		srv.Options.Enable(ppp.BundleCompression)
		srv.CCP.Options.Enable(ppp.CCPDeflate)
		cli := ppp.DefaultBundleConfig()
		cli.Options.Enable(ppp.BundleCompression)
		dial(srv, cli)

		// Neither side offers anything the other takes.
		tb.loop.Advance(time.Minute)
		Expect(tb.srvBund.CCPState()).NotTo(Equal(fsm.StateOpened))
		Expect(tb.srvBund.IPCPState()).To(Equal(fsm.StateOpened))
	})
})
