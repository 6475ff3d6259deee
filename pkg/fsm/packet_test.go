package fsm_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/codelaboratoryltd/mpd/pkg/fsm"
)

var _ = Describe("Packet", func() {
	Describe("ParsePacket", func() {
		It("rejects runts", func() {
			_, err := fsm.ParsePacket([]byte{1, 2, 0})
			Expect(err).To(MatchError(fsm.ErrRunt))
		})

		It("rejects a length longer than the frame", func() {
			_, err := fsm.ParsePacket([]byte{1, 2, 0, 10, 0})
			Expect(err).To(MatchError(fsm.ErrBadLength))
		})

		It("rejects a length shorter than the header", func() {
			_, err := fsm.ParsePacket([]byte{1, 2, 0, 3})
			Expect(err).To(MatchError(fsm.ErrBadLength))
		})

		It("drops trailing padding", func() {
			pkt, err := fsm.ParsePacket([]byte{1, 9, 0, 6, 0xaa, 0xbb, 0, 0, 0})
			Expect(err).NotTo(HaveOccurred())
			Expect(pkt.Code).To(Equal(fsm.CodeConfigReq))
			Expect(pkt.Identifier).To(Equal(uint8(9)))
			Expect(pkt.Data).To(Equal([]byte{0xaa, 0xbb}))
		})

		It("recomputes the length on serialize", func() {
			p := &fsm.Packet{Code: fsm.CodeEchoReq, Identifier: 3, Length: 99, Data: []byte{1, 2, 3}}
			Expect(p.Serialize()).To(Equal([]byte{9, 3, 0, 7, 1, 2, 3}))
		})
	})

	Describe("ParseOptions", func() {
		It("parses consecutive options", func() {
			buf := fsm.AppendOption16(nil, 1, 1500)
			buf = fsm.AppendOption32(buf, 5, 0xcafebabe)
			buf = fsm.AppendOption(buf, 7, nil)

			opts, err := fsm.ParseOptions(buf)
			Expect(err).NotTo(HaveOccurred())
			Expect(opts).To(HaveLen(3))
			Expect(opts[0].Uint16()).To(Equal(uint16(1500)))
			Expect(opts[1].Uint32()).To(Equal(uint32(0xcafebabe)))
			Expect(opts[2].Len()).To(Equal(2))
			Expect(fsm.SerializeOptions(opts)).To(Equal(buf))
		})

		It("keeps options before a malformed one", func() {
			buf := fsm.AppendOption16(nil, 1, 1500)
			buf = append(buf, 3, 1, 0)

			opts, err := fsm.ParseOptions(buf)
			Expect(err).To(MatchError(fsm.ErrOptionGarbage))
			Expect(opts).To(HaveLen(1))
		})

		It("reports a dangling byte", func() {
			_, err := fsm.ParseOptions([]byte{1, 4, 5, 220, 9})
			Expect(err).To(MatchError(fsm.ErrOptionGarbage))
		})

		It("returns zero for short option values", func() {
			o := fsm.Option{Type: 1, Data: []byte{1}}
			Expect(o.Uint16()).To(BeZero())
			Expect(o.Uint32()).To(BeZero())
		})
	})

	Describe("Code", func() {
		It("names known codes and falls back for others", func() {
			Expect(fsm.CodeConfigReq.String()).NotTo(Equal("UNKNOWN"))
			Expect(fsm.Code(200).String()).To(Equal("UNKNOWN"))
		})

		It("builds bit masks", func() {
			Expect(fsm.CodeMask(fsm.CodeConfigReq, fsm.CodeConfigAck)).To(Equal(uint32(1<<1 | 1<<2)))
		})
	})
})
