package mp_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/codelaboratoryltd/mpd/pkg/mp"
)

var _ = Describe("Discriminator", func() {
	It("parses class and address", func() {
		d, err := mp.ParseDiscrim([]byte{3, 0, 0x11, 0x22, 0x33, 0x44, 0x55})
		Expect(err).NotTo(HaveOccurred())
		Expect(d.Class).To(Equal(mp.Class8021))
		Expect(d.Bytes).To(HaveLen(6))
		Expect(d.String()).To(Equal("[802.1] 00 11 22 33 44 55"))
		Expect(d.Encode()).To(Equal([]byte{3, 0, 0x11, 0x22, 0x33, 0x44, 0x55}))
	})

	It("rejects an empty or oversized option", func() {
		_, err := mp.ParseDiscrim(nil)
		Expect(err).To(MatchError(mp.ErrBadDiscrim))

		_, err = mp.ParseDiscrim(make([]byte, mp.MaxDiscrim+2))
		Expect(err).To(MatchError(mp.ErrBadDiscrim))
	})

	DescribeTable("Equal",
		func(a, b mp.Discrim, want bool) {
			Expect(a.Equal(b)).To(Equal(want))
			Expect(b.Equal(a)).To(Equal(want))
		},
		Entry("identical", mp.Discrim{Class: mp.ClassLocal, Bytes: []byte("abc")},
			mp.Discrim{Class: mp.ClassLocal, Bytes: []byte("abc")}, true),
		Entry("different class", mp.Discrim{Class: mp.ClassLocal, Bytes: []byte("abc")},
			mp.Discrim{Class: mp.ClassPSN, Bytes: []byte("abc")}, false),
		Entry("different bytes", mp.Discrim{Class: mp.ClassLocal, Bytes: []byte("abc")},
			mp.Discrim{Class: mp.ClassLocal, Bytes: []byte("abd")}, false),
		Entry("prefix", mp.Discrim{Class: mp.ClassLocal, Bytes: []byte("ab")},
			mp.Discrim{Class: mp.ClassLocal, Bytes: []byte("abc")}, false),
		Entry("both null", mp.Discrim{}, mp.Discrim{}, true),
	)

	It("generates a magic discriminator", func() {
		d := mp.MagicDiscrim()
		Expect(d.Class).To(Equal(mp.ClassMagic))
		Expect(d.Bytes).To(HaveLen(8))
		Expect(d.IsZero()).To(BeFalse())
	})

	It("always finds some self discriminator", func() {
		d := mp.SelfDiscrim()
		Expect(d.Class).To(BeElementOf(mp.Class8021, mp.ClassIPAddr, mp.ClassMagic))
		Expect(d.Bytes).NotTo(BeEmpty())
	})
})

var _ = Describe("Header", func() {
	DescribeTable("round trip",
		func(short bool, h mp.Header, wire []byte) {
			buf := mp.AppendHeader(nil, h, short)
			Expect(buf).To(Equal(wire))

			got, rest, err := mp.DecodeHeader(append(buf, 0xaa), short)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(Equal(h))
			Expect(rest).To(Equal([]byte{0xaa}))
		},
		Entry("short begin", true, mp.Header{Begin: true, Seq: 0x123}, []byte{0x81, 0x23}),
		Entry("short end", true, mp.Header{End: true, Seq: 0xfff}, []byte{0x4f, 0xff}),
		Entry("long both", false, mp.Header{Begin: true, End: true, Seq: 0x010203}, []byte{0xc0, 1, 2, 3}),
	)

	It("masks the sequence number", func() {
		Expect(mp.AppendHeader(nil, mp.Header{Seq: 0x1001}, true)).To(Equal([]byte{0x00, 0x01}))
	})

	It("rejects short frames", func() {
		_, _, err := mp.DecodeHeader([]byte{0x80, 0, 1}, false)
		Expect(err).To(MatchError(mp.ErrShortHeader))
	})

	It("wraps the sequencer", func() {
		s := mp.NewSequencer(true)
		for i := 0; i < 0x1000; i++ {
			s.Next()
		}
		Expect(s.Next()).To(BeZero())
	})

	It("splits payloads by link share", func() {
		s := mp.NewSequencer(true)
		frags := s.Split([]byte("abcdefghij"), []int{4, 0, 3, 3}, true)
		Expect(frags).To(HaveLen(3))
		Expect(frags[0]).To(Equal(append([]byte{0x80, 0x00}, "abcd"...)))
		Expect(frags[1]).To(Equal(append([]byte{0x00, 0x01}, "efg"...)))
		Expect(frags[2]).To(Equal(append([]byte{0x40, 0x02}, "hij"...)))
	})

	It("puts the remainder on the last share", func() {
		s := mp.NewSequencer(false)
		frags := s.Split([]byte("abcdef"), []int{2, 2}, false)
		Expect(frags).To(HaveLen(2))
		Expect(frags[1][4:]).To(Equal([]byte("cdef")))
		Expect(frags[1][0] & 0x40).NotTo(BeZero())
	})
})

var _ = Describe("Reassembler", func() {
	var (
		r   *mp.Reassembler
		now time.Time
	)

	frag := func(begin, end bool, seq uint32, data string) []byte {
		return append(mp.AppendHeader(nil, mp.Header{Begin: begin, End: end, Seq: seq}, true), data...)
	}

	BeforeEach(func() {
		r = mp.NewReassembler(true)
		now = time.Unix(1000, 0)
	})

	It("passes single fragment packets straight through", func() {
		pkt, err := r.Add(0, frag(true, true, 1, "whole"), now)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(pkt)).To(Equal("whole"))
		Expect(r.Pending()).To(BeZero())
	})

	It("reassembles in order", func() {
		pkt, _ := r.Add(0, frag(true, false, 10, "ab"), now)
		Expect(pkt).To(BeNil())
		pkt, _ = r.Add(0, frag(false, false, 11, "cd"), now)
		Expect(pkt).To(BeNil())
		pkt, _ = r.Add(0, frag(false, true, 12, "ef"), now)
		Expect(string(pkt)).To(Equal("abcdef"))
		Expect(r.Pending()).To(BeZero())
		Expect(r.Stats().Completed).To(Equal(uint64(1)))
	})

	It("reassembles out of order across the wrap", func() {
		r.Add(0, frag(false, true, 0, "ef"), now)
		r.Add(1, frag(true, false, 0xffe, "ab"), now)
		pkt, _ := r.Add(1, frag(false, false, 0xfff, "cd"), now)
		Expect(string(pkt)).To(Equal("abcdef"))
	})

	It("does not merge across packet boundaries", func() {
		r.Add(0, frag(false, true, 4, "old"), now)
		pkt, _ := r.Add(1, frag(false, true, 5, "x"), now)
		Expect(pkt).To(BeNil())
		Expect(r.Pending()).To(Equal(2))
	})

	It("counts duplicates", func() {
		r.Add(0, frag(true, false, 1, "a"), now)
		r.Add(1, frag(true, false, 1, "a"), now)
		Expect(r.Stats().Duplicates).To(Equal(uint64(1)))
	})

	It("expires stale fragments on every fragment", func() {
		for i := uint32(0); i < 3; i++ {
			r.Add(int(i), frag(true, false, i*2, "x"), now)
		}
		Expect(r.Pending()).To(Equal(3))
		r.Add(0, frag(true, false, 100, "y"), now.Add(10*time.Second))
		Expect(r.Pending()).To(Equal(1))
		Expect(r.Stats().Dropped).To(Equal(uint64(3)))
	})

	It("does not join a stale fragment to a packet after the sequence wraps", func() {
		pkt, _ := r.Add(0, frag(true, false, 5, "STALE"), now)
		Expect(pkt).To(BeNil())

		later := now.Add(time.Minute)
		pkt, _ = r.Add(0, frag(true, false, 5, "new-a"), later)
		Expect(pkt).To(BeNil())
		pkt, _ = r.Add(0, frag(false, true, 6, "new-b"), later)
		Expect(string(pkt)).To(Equal("new-anew-b"))
		Expect(r.Stats().Duplicates).To(BeZero())
		Expect(r.Stats().Dropped).To(Equal(uint64(1)))
	})

	It("drops packets with a hole below the minimum sequence", func() {
		r.Add(0, frag(true, false, 20, "a"), now)
		r.Add(1, frag(false, true, 22, "c"), now)
		m, ok := r.MinSeq()
		Expect(ok).To(BeTrue())
		Expect(m).To(Equal(uint32(20)))
		Expect(r.Pending()).To(Equal(2))

		// Both links moved past 21, so it is lost.
		pkt, _ := r.Add(0, frag(true, true, 23, "d"), now)
		Expect(string(pkt)).To(Equal("d"))
		m, _ = r.MinSeq()
		Expect(m).To(Equal(uint32(22)))
		Expect(r.Pending()).To(Equal(1))

		pkt, _ = r.Add(1, frag(true, true, 24, "e"), now)
		Expect(string(pkt)).To(Equal("e"))
		Expect(r.Pending()).To(BeZero())
		Expect(r.Stats().Dropped).To(Equal(uint64(2)))
	})

	It("keeps a packet whose missing fragment can still arrive", func() {
		r.Add(0, frag(true, false, 40, "a"), now)
		r.Add(1, frag(true, true, 42, "w"), now)
		Expect(r.Pending()).To(Equal(1))
		pkt, _ := r.Add(0, frag(false, true, 41, "b"), now)
		Expect(string(pkt)).To(Equal("ab"))
		Expect(r.Stats().Dropped).To(BeZero())
	})

	It("stops waiting for a forgotten link", func() {
		r.Add(0, frag(true, false, 50, "a"), now)
		r.Add(1, frag(true, true, 49, "x"), now)
		r.Add(0, frag(true, true, 52, "c"), now)
		Expect(r.Pending()).To(Equal(1))

		r.ForgetLink(1)
		Expect(r.Pending()).To(BeZero())
	})

	It("drops everything on reset", func() {
		r.Add(0, frag(true, false, 1, "a"), now)
		r.Reset()
		Expect(r.Pending()).To(BeZero())
		Expect(r.Stats().Dropped).To(Equal(uint64(1)))
		_, ok := r.MinSeq()
		Expect(ok).To(BeFalse())
	})
})
