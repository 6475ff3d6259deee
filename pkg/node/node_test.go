package node_test

import (
	"bytes"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/codelaboratoryltd/mpd/pkg/mp"
	"github.com/codelaboratoryltd/mpd/pkg/node"
)

type captureWriter struct {
	frames [][]byte
}

func (w *captureWriter) WriteFrame(frame []byte) error {
	w.frames = append(w.frames, append([]byte(nil), frame...))
	return nil
}

type delivered struct {
	proto   uint16
	payload []byte
}

type captureUpcall struct {
	packets []delivered
}

func (u *captureUpcall) Deliver(proto uint16, payload []byte) {
	u.packets = append(u.packets, delivered{proto, append([]byte(nil), payload...)})
}

func fixedNow() time.Time { return time.Unix(100, 0) }

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

var _ = Describe("Frame", func() {
	It("uses the short forms when negotiated", func() {
		f := node.EncodeFrame(node.ProtocolIP, []byte{1, 2}, true, true)
		Expect(f).To(Equal([]byte{0x21, 1, 2}))

		proto, payload, err := node.DecodeFrame(f)
		Expect(err).NotTo(HaveOccurred())
		Expect(proto).To(Equal(uint16(node.ProtocolIP)))
		Expect(payload).To(Equal([]byte{1, 2}))
	})

	It("never compresses LCP", func() {
		f := node.EncodeFrame(node.ProtocolLCP, []byte{9}, true, true)
		Expect(f).To(Equal([]byte{0xff, 0x03, 0xc0, 0x21, 9}))
	})

	It("keeps two byte protocols that cannot be compressed", func() {
		f := node.EncodeFrame(node.ProtocolIPCP, nil, false, true)
		Expect(f).To(Equal([]byte{0xff, 0x03, 0x80, 0x21}))
	})

	It("rejects runts", func() {
		_, _, err := node.DecodeFrame([]byte{0xff, 0x03})
		Expect(err).To(MatchError(node.ErrRunt))
		_, _, err = node.DecodeFrame([]byte{0x80})
		Expect(err).To(MatchError(node.ErrRunt))
	})

	It("classifies protocols", func() {
		Expect(node.IsLinkLevel(node.ProtocolLCP)).To(BeTrue())
		Expect(node.IsLinkLevel(node.ProtocolIPCP)).To(BeFalse())
		Expect(node.IsNetworkData(node.ProtocolIP)).To(BeTrue())
		Expect(node.IsNetworkData(node.ProtocolMP)).To(BeFalse())
		Expect(node.ProtoName(node.ProtocolCCP)).To(Equal("CCP"))
		Expect(node.ProtoName(0x1234)).To(Equal("0x1234"))
	})
})

var _ = Describe("Node", func() {
	var (
		n      *node.Node
		w0, w1 *captureWriter
		up     *captureUpcall
		cfg    node.Config
	)

	BeforeEach(func() {
		n = node.New(fixedNow, nil)
		w0, w1 = &captureWriter{}, &captureWriter{}
		up = &captureUpcall{}
		n.SetUpcall(up)
		Expect(n.Attach(0, w0)).To(Succeed())
		Expect(n.Attach(1, w1)).To(Succeed())
		cfg = node.Config{}
		cfg.Links[0] = node.LinkConfig{Enable: true, MRU: 1500, Bandwidth: 100}
		cfg.Links[1] = node.LinkConfig{Enable: true, MRU: 1500, Bandwidth: 100}
	})

	It("refuses a multilink configuration with a bad MRRU", func() {
		cfg.Bundle = node.BundleConfig{Multilink: true, MRRU: 100}
		Expect(n.SetConfig(cfg)).To(MatchError(node.ErrBadConfig))
	})

	It("validates link indexes", func() {
		Expect(n.Attach(node.MaxLinks, w0)).To(MatchError(node.ErrBadLink))
		_, err := n.Stats(-1)
		Expect(err).To(MatchError(node.ErrBadLink))
	})

	Context("without multilink", func() {
		BeforeEach(func() {
			Expect(n.SetConfig(cfg)).To(Succeed())
		})

		It("sends on the first enabled link", func() {
			Expect(n.Send(node.ProtocolIP, []byte("hello"))).To(Succeed())
			Expect(w0.frames).To(HaveLen(1))
			Expect(w1.frames).To(BeEmpty())

			st, _ := n.Stats(0)
			Expect(st.XmitFrames).To(Equal(uint64(1)))
			bst, _ := n.Stats(node.BundleLink)
			Expect(bst.XmitOctets).To(Equal(uint64(5)))
		})

		It("fails when no link is enabled", func() {
			Expect(n.Detach(0)).To(Succeed())
			Expect(n.Detach(1)).To(Succeed())
			Expect(n.Send(node.ProtocolIP, []byte("x"))).To(MatchError(node.ErrNoLinks))
		})

		It("delivers received datagrams to the bundle", func() {
			Expect(n.Input(1, node.ProtocolIP, []byte("data"))).To(Succeed())
			Expect(up.packets).To(Equal([]delivered{{node.ProtocolIP, []byte("data")}}))

			st, _ := n.Stats(1)
			Expect(st.RecvOctets).To(Equal(uint64(4)))
			Expect(n.ClearStats(1)).To(Succeed())
			st, _ = n.Stats(1)
			Expect(st).To(Equal(node.Stats{}))
		})

		It("counts fragments received without multilink as bad protocols", func() {
			Expect(n.Input(0, node.ProtocolMP, []byte{0xc0, 0, 0, 0})).NotTo(Succeed())
			st, _ := n.Stats(0)
			Expect(st.BadProtos).To(Equal(uint64(1)))
		})
	})

	Context("with multilink", func() {
		BeforeEach(func() {
			cfg.Bundle = node.BundleConfig{Multilink: true, MRRU: 1600}
			Expect(n.SetConfig(cfg)).To(Succeed())
		})

		It("splits large packets by bandwidth and reassembles them", func() {
			payload := pattern(400)
			Expect(n.Send(node.ProtocolIP, payload)).To(Succeed())
			Expect(w0.frames).To(HaveLen(1))
			Expect(w1.frames).To(HaveLen(1))

			rx := node.New(fixedNow, nil)
			rxUp := &captureUpcall{}
			rx.SetUpcall(rxUp)
			Expect(rx.SetConfig(cfg)).To(Succeed())

			for _, in := range []struct {
				link  int
				frame []byte
			}{{1, w1.frames[0]}, {0, w0.frames[0]}} {
				proto, frag, err := node.DecodeFrame(in.frame)
				Expect(err).NotTo(HaveOccurred())
				Expect(proto).To(Equal(uint16(node.ProtocolMP)))
				Expect(rx.Input(in.link, proto, frag)).To(Succeed())
			}

			Expect(rxUp.packets).To(HaveLen(1))
			Expect(rxUp.packets[0].proto).To(Equal(uint16(node.ProtocolIP)))
			Expect(bytes.Equal(rxUp.packets[0].payload, payload)).To(BeTrue())
		})

		It("sends small packets whole", func() {
			Expect(n.Send(node.ProtocolIP, []byte("tiny"))).To(Succeed())
			Expect(len(w0.frames) + len(w1.frames)).To(Equal(1))
		})

		It("alternates links in round robin mode", func() {
			cfg.Bundle.RoundRobin = true
			Expect(n.SetConfig(cfg)).To(Succeed())
			for i := 0; i < 4; i++ {
				Expect(n.Send(node.ProtocolIP, pattern(300))).To(Succeed())
			}
			Expect(w0.frames).To(HaveLen(2))
			Expect(w1.frames).To(HaveLen(2))

			_, frag, _ := node.DecodeFrame(w0.frames[0])
			h, _, err := mp.DecodeHeader(frag, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(h.Begin && h.End).To(BeTrue())
		})

		It("counts duplicate fragments", func() {
			frag := mp.AppendHeader(nil, mp.Header{Begin: true, Seq: 7}, false)
			frag = append(frag, 0x00, 0x21, 1, 2)
			Expect(n.Input(0, node.ProtocolMP, frag)).To(Succeed())
			Expect(n.Input(1, node.ProtocolMP, frag)).To(Succeed())
			st, _ := n.Stats(1)
			Expect(st.DupFragments).To(Equal(uint64(1)))
			Expect(up.packets).To(BeEmpty())
		})

		It("drops fragments stranded below the slowest link", func() {
			mpFrag := func(begin, end bool, seq uint32, data ...byte) []byte {
				return append(mp.AppendHeader(nil, mp.Header{Begin: begin, End: end, Seq: seq}, false), data...)
			}
			Expect(n.Input(0, node.ProtocolMP, mpFrag(true, false, 1, 0x00, 0x21))).To(Succeed())
			Expect(n.Input(1, node.ProtocolMP, mpFrag(true, true, 3, 0x00, 0x21, 3))).To(Succeed())
			bst, _ := n.Stats(node.BundleLink)
			Expect(bst.DropFragments).To(BeZero())

			// Sequence 2 never arrived and both links are past it.
			Expect(n.Input(0, node.ProtocolMP, mpFrag(true, true, 4, 0x00, 0x21, 4))).To(Succeed())
			bst, _ = n.Stats(node.BundleLink)
			Expect(bst.DropFragments).To(Equal(uint64(1)))
			Expect(up.packets).To(HaveLen(2))
		})

		It("stops waiting for a detached link", func() {
			mpFrag := func(begin, end bool, seq uint32, data ...byte) []byte {
				return append(mp.AppendHeader(nil, mp.Header{Begin: begin, End: end, Seq: seq}, false), data...)
			}
			Expect(n.Input(1, node.ProtocolMP, mpFrag(true, true, 1, 0x00, 0x21, 1))).To(Succeed())
			Expect(n.Input(1, node.ProtocolMP, mpFrag(true, false, 2, 0x00, 0x21))).To(Succeed())
			Expect(n.Input(0, node.ProtocolMP, mpFrag(true, true, 5, 0x00, 0x21, 5))).To(Succeed())
			bst, _ := n.Stats(node.BundleLink)
			Expect(bst.DropFragments).To(BeZero())

			Expect(n.Detach(1)).To(Succeed())
			bst, _ = n.Stats(node.BundleLink)
			Expect(bst.DropFragments).To(Equal(uint64(1)))
		})
	})

	Context("with compression and encryption", func() {
		It("round trips through both stages", func() {
			Expect(n.SetConfig(cfg)).To(Succeed())

			txComp, err := node.NewDeflate(15, 0)
			Expect(err).NotTo(HaveOccurred())
			nonceA, nonceB := []byte("AAAAAAAA"), []byte("BBBBBBBB")
			txCrypt, err := node.NewDeseBis(node.DeseKey("secret"), nonceA, nonceB)
			Expect(err).NotTo(HaveOccurred())
			n.SetCompressor(txComp)
			n.SetEncryptor(txCrypt)

			rx := node.New(fixedNow, nil)
			rxUp := &captureUpcall{}
			rx.SetUpcall(rxUp)
			Expect(rx.SetConfig(cfg)).To(Succeed())
			rxComp, _ := node.NewDeflate(0, 15)
			rxCrypt, _ := node.NewDeseBis(node.DeseKey("secret"), nonceB, nonceA)
			rx.SetCompressor(rxComp)
			rx.SetEncryptor(rxCrypt)

			for i := 0; i < 3; i++ {
				Expect(n.Send(node.ProtocolIP, bytes.Repeat([]byte("abc"), 50))).To(Succeed())
			}
			Expect(w0.frames).To(HaveLen(3))
			for _, f := range w0.frames {
				proto, payload, err := node.DecodeFrame(f)
				Expect(err).NotTo(HaveOccurred())
				Expect(proto).To(Equal(uint16(node.ProtocolCrypt)))
				Expect(rx.Input(0, proto, payload)).To(Succeed())
			}

			Expect(rxUp.packets).To(HaveLen(3))
			for _, p := range rxUp.packets {
				Expect(p.proto).To(Equal(uint16(node.ProtocolIP)))
				Expect(p.payload).To(Equal(bytes.Repeat([]byte("abc"), 50)))
			}
		})

		It("asks for a reset when compressed packets are lost", func() {
			Expect(n.SetConfig(cfg)).To(Succeed())
			comp, _ := node.NewDeflate(0, 15)
			n.SetCompressor(comp)

			var resets []uint16
			n.SetResetHandler(func(proto uint16) { resets = append(resets, proto) })

			Expect(n.Input(0, node.ProtocolCompd, []byte{0, 5, 1, 2})).To(MatchError(node.ErrSequence))
			Expect(resets).To(Equal([]uint16{node.ProtocolCCP}))
		})

		It("sends plain datagrams through a receive only compressor", func() {
			Expect(n.SetConfig(cfg)).To(Succeed())
			comp, err := node.NewDeflate(0, 15)
			Expect(err).NotTo(HaveOccurred())
			n.SetCompressor(comp)

			Expect(n.Send(node.ProtocolIP, []byte{0x45, 0, 0, 20})).To(Succeed())
			Expect(w0.frames).To(HaveLen(1))
			proto, _, err := node.DecodeFrame(w0.frames[0])
			Expect(err).NotTo(HaveOccurred())
			Expect(proto).To(Equal(uint16(node.ProtocolIP)))
		})

		It("drops compressed packets without a stage", func() {
			Expect(n.SetConfig(cfg)).To(Succeed())
			Expect(n.Input(0, node.ProtocolCompd, []byte{0, 0, 1})).NotTo(Succeed())
			bst, _ := n.Stats(node.BundleLink)
			Expect(bst.BadProtos).To(Equal(uint64(1)))
		})
	})
})
