package fsm_test

import (
	"encoding/binary"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/mpd/pkg/event"
	"github.com/codelaboratoryltd/mpd/pkg/fsm"
)

var _ = Describe("FSM", func() {
	var (
		loop  *event.Loop
		proto *testProtocol
		lower *testLower
		conf  fsm.Conf
		f     *fsm.FSM
	)

	newFSM := func() {
		f = fsm.New(proto, lower, loop, conf, zap.NewNop())
	}

	// open drives the automaton to Req-Sent with our first request out.
	open := func() {
		f.Open()
		f.Up()
		Expect(f.State()).To(Equal(fsm.StateReqSent))
	}

	// opened drives the automaton through a full exchange.
	opened := func() {
		open()
		f.Input(packet(fsm.CodeConfigReq, 7, fsm.AppendOption16(nil, optMRU, 1500)))
		f.Input(packet(fsm.CodeConfigAck, 1, fsm.AppendOption16(nil, optMRU, 1500)))
		Expect(f.State()).To(Equal(fsm.StateOpened))
	}

	BeforeEach(func() {
		loop = event.NewLoopWithClock(event.NewManualClock(time.Unix(0, 0)), zap.NewNop())
		proto = &testProtocol{selfMagic: 0x11111111, peerMagic: 0x22222222}
		lower = &testLower{hasBun: true}
		conf = fsm.DefaultConf()
		newFSM()
	})

	Describe("open state predicate", func() {
		DescribeTable("IsOpen",
			func(s fsm.State, want bool) {
				Expect(s.IsOpen()).To(Equal(want))
			},
			Entry("Initial", fsm.StateInitial, false),
			Entry("Starting", fsm.StateStarting, false),
			Entry("Closed", fsm.StateClosed, false),
			Entry("Stopped", fsm.StateStopped, false),
			Entry("Closing", fsm.StateClosing, false),
			Entry("Stopping", fsm.StateStopping, true),
			Entry("Req-Sent", fsm.StateReqSent, false),
			Entry("Ack-Rcvd", fsm.StateAckRcvd, true),
			Entry("Ack-Sent", fsm.StateAckSent, true),
			Entry("Opened", fsm.StateOpened, true),
		)

		It("keeps RFC numbering", func() {
			Expect(int(fsm.StateInitial)).To(Equal(0))
			Expect(int(fsm.StateReqSent)).To(Equal(6))
			Expect(int(fsm.StateOpened)).To(Equal(9))
			Expect(fsm.StateAckRcvd.String()).To(Equal("Ack-Rcvd"))
		})
	})

	Describe("administrative and lower layer events", func() {
		It("starts the layer on Open from Initial", func() {
			f.Open()
			Expect(f.State()).To(Equal(fsm.StateStarting))
			Expect(proto.called("LayerStart")).To(BeTrue())
			Expect(lower.sent).To(BeEmpty())
		})

		It("sends a Configure-Request on Up from Starting", func() {
			open()
			Expect(proto.called("Configure")).To(BeTrue())
			Expect(lower.sent).To(HaveLen(1))
			Expect(lower.last().Code).To(Equal(fsm.CodeConfigReq))
			Expect(lower.last().Identifier).To(Equal(uint8(1)))
			Expect(f.RestartTimerRunning()).To(BeTrue())
		})

		It("goes Closed on Up from Initial and Req-Sent on a later Open", func() {
			f.Up()
			Expect(f.State()).To(Equal(fsm.StateClosed))
			f.Open()
			Expect(f.State()).To(Equal(fsm.StateReqSent))
			Expect(proto.called("LayerStart")).To(BeTrue())
			Expect(lower.count(fsm.CodeConfigReq)).To(Equal(1))
		})

		It("returns to Starting on Down from Opened", func() {
			opened()
			proto.reset()
			f.Down()
			Expect(f.State()).To(Equal(fsm.StateStarting))
			Expect(proto.calls).To(Equal([]string{"LayerDown", "UnConfigure"}))
		})

		It("finishes the layer on Close from Starting", func() {
			f.Open()
			f.Close()
			Expect(f.State()).To(Equal(fsm.StateInitial))
			Expect(proto.called("LayerFinish")).To(BeTrue())
		})

		It("moves Closing to Stopping on Open", func() {
			opened()
			f.Close()
			Expect(f.State()).To(Equal(fsm.StateClosing))
			f.Open()
			Expect(f.State()).To(Equal(fsm.StateStopping))
		})
	})

	Describe("retransmission", func() {
		It("sends exactly MaxConfig requests before failing", func() {
			conf.MaxConfig = 4
			newFSM()
			open()

			for i := 0; i < 10; i++ {
				loop.Advance(2 * time.Second)
			}

			Expect(lower.count(fsm.CodeConfigReq)).To(Equal(4))
			Expect(proto.failures).To(Equal([]fsm.Reason{fsm.ReasonNegotiation}))
			Expect(f.State()).To(Equal(fsm.StateStopped))
			Expect(proto.called("LayerFinish")).To(BeTrue())
		})

		It("does not finish the layer on failure when passive", func() {
			conf.MaxConfig = 2
			newFSM()
			open()
			f.Conf.Passive = true

			loop.Advance(10 * time.Second)
			Expect(f.State()).To(Equal(fsm.StateStopped))
			Expect(proto.called("LayerFinish")).To(BeFalse())
		})

		It("sends MaxTerminate requests when closing then finishes", func() {
			opened()
			proto.reset()
			f.Close()
			Expect(f.State()).To(Equal(fsm.StateClosing))
			Expect(proto.calls).To(Equal([]string{"LayerDown", "UnConfigure"}))

			loop.Advance(10 * time.Second)
			Expect(lower.count(fsm.CodeTermReq)).To(Equal(fsm.DefaultMaxTerminate))
			Expect(f.State()).To(Equal(fsm.StateClosed))
			Expect(proto.called("LayerFinish")).To(BeTrue())
		})
	})

	Describe("Configure-Request handling", func() {
		BeforeEach(open)

		It("acks an acceptable request and moves to Ack-Sent", func() {
			f.Input(packet(fsm.CodeConfigReq, 7, fsm.AppendOption16(nil, optMRU, 1400)))
			Expect(lower.last().Code).To(Equal(fsm.CodeConfigAck))
			Expect(lower.last().Identifier).To(Equal(uint8(7)))
			Expect(f.State()).To(Equal(fsm.StateAckSent))
		})

		It("rejects in preference to nak", func() {
			opts := fsm.AppendOption16(nil, optNakMe, 1)
			opts = fsm.AppendOption(opts, optRejMe, nil)
			f.Input(packet(fsm.CodeConfigReq, 8, opts))

			Expect(lower.last().Code).To(Equal(fsm.CodeConfigRej))
			rej, err := fsm.ParseOptions(lower.last().Data)
			Expect(err).NotTo(HaveOccurred())
			Expect(rej).To(HaveLen(1))
			Expect(rej[0].Type).To(Equal(uint8(optRejMe)))
			Expect(f.State()).To(Equal(fsm.StateReqSent))
		})

		It("naks with the counter-offer", func() {
			f.Input(packet(fsm.CodeConfigReq, 9, fsm.AppendOption16(nil, optNakMe, 1)))
			Expect(lower.last().Code).To(Equal(fsm.CodeConfigNak))
			nak, _ := fsm.ParseOptions(lower.last().Data)
			Expect(nak[0].Uint16()).To(Equal(uint16(42)))
		})

		It("fails when the peer does not converge", func() {
			f.Conf.MaxFailure = 1
			f.Input(packet(fsm.CodeConfigAck, 1, nil))
			Expect(f.State()).To(Equal(fsm.StateAckRcvd))

			f.Input(packet(fsm.CodeConfigReq, 9, fsm.AppendOption16(nil, optNakMe, 1)))
			Expect(lower.last().Code).To(Equal(fsm.CodeConfigNak))
			f.Input(packet(fsm.CodeConfigReq, 10, fsm.AppendOption16(nil, optNakMe, 1)))
			Expect(proto.hasFailure(fsm.ReasonNegotiation)).To(BeTrue())
		})

		It("reaches Opened when the ack arrives after our ack", func() {
			f.Input(packet(fsm.CodeConfigReq, 7, nil))
			f.Input(packet(fsm.CodeConfigAck, 1, nil))
			Expect(f.State()).To(Equal(fsm.StateOpened))
			Expect(proto.called("LayerUp")).To(BeTrue())
			Expect(f.RestartTimerRunning()).To(BeFalse())
		})

		It("reaches Opened when the peer request follows its ack", func() {
			f.Input(packet(fsm.CodeConfigAck, 1, nil))
			Expect(f.State()).To(Equal(fsm.StateAckRcvd))
			f.Input(packet(fsm.CodeConfigReq, 7, nil))
			Expect(f.State()).To(Equal(fsm.StateOpened))
		})
	})

	Describe("replies to our request", func() {
		BeforeEach(open)

		It("ignores an ack with the wrong identifier", func() {
			f.Input(packet(fsm.CodeConfigAck, 5, nil))
			Expect(f.State()).To(Equal(fsm.StateReqSent))
		})

		It("resends after a nak and passes the options to the protocol", func() {
			f.Input(packet(fsm.CodeConfigNak, 1, fsm.AppendOption16(nil, optMRU, 1400)))
			Expect(proto.nakked).To(Equal([]uint16{1400}))
			Expect(lower.count(fsm.CodeConfigReq)).To(Equal(2))
			Expect(lower.last().Identifier).To(Equal(uint8(2)))
		})

		It("resends after a reject", func() {
			f.Input(packet(fsm.CodeConfigRej, 1, fsm.AppendOption16(nil, optMRU, 1500)))
			Expect(proto.rejected).To(Equal([]uint8{optMRU}))
			Expect(lower.count(fsm.CodeConfigReq)).To(Equal(2))
		})

		It("fails when naks exhaust the configure budget", func() {
			f.Conf.MaxConfig = 2
			f.Close()
			f.Open()
			f.Down()
			f.Up()
			for id := 1; id < 6 && f.State() == fsm.StateReqSent; id++ {
				last := lower.last().Identifier
				f.Input(packet(fsm.CodeConfigNak, last, fsm.AppendOption16(nil, optMRU, 1400)))
			}
			Expect(proto.hasFailure(fsm.ReasonNegotiation)).To(BeTrue())
		})
	})

	Describe("termination", func() {
		It("acks a Terminate-Request when Opened and stops", func() {
			opened()
			proto.reset()
			f.Input(packet(fsm.CodeTermReq, 3, nil))
			Expect(f.State()).To(Equal(fsm.StateStopping))
			Expect(lower.last().Code).To(Equal(fsm.CodeTermAck))
			Expect(proto.calls).To(Equal([]string{"LayerDown", "UnConfigure"}))

			loop.Advance(2 * time.Second)
			Expect(f.State()).To(Equal(fsm.StateStopped))
			Expect(proto.called("LayerFinish")).To(BeTrue())
		})

		It("finishes on Terminate-Ack while Closing", func() {
			opened()
			f.Close()
			f.Input(packet(fsm.CodeTermAck, 2, nil))
			Expect(f.State()).To(Equal(fsm.StateClosed))
		})

		It("renegotiates on Terminate-Ack while Opened", func() {
			opened()
			f.Input(packet(fsm.CodeTermAck, 2, nil))
			Expect(f.State()).To(Equal(fsm.StateReqSent))
			Expect(lower.last().Code).To(Equal(fsm.CodeConfigReq))
		})
	})

	Describe("rejects", func() {
		It("code-rejects unknown codes with the reject id", func() {
			open()
			f.Input(packet(fsm.CodeResetReq, 4, []byte{1, 2}))
			Expect(lower.last().Code).To(Equal(fsm.CodeCodeRej))
			Expect(lower.last().Identifier).To(Equal(uint8(1)))
			Expect(lower.last().Data[0]).To(Equal(uint8(fsm.CodeResetReq)))
		})

		It("fails on a fatal code reject", func() {
			open()
			f.Input(packet(fsm.CodeCodeRej, 1, []byte{uint8(fsm.CodeConfigReq)}))
			Expect(proto.hasFailure(fsm.ReasonCodeReject)).To(BeTrue())
		})

		It("treats a benign code reject as RXJ+", func() {
			open()
			f.Input(packet(fsm.CodeConfigAck, 1, nil))
			Expect(f.State()).To(Equal(fsm.StateAckRcvd))
			f.Input(packet(fsm.CodeCodeRej, 1, []byte{uint8(fsm.CodeIdent)}))
			Expect(f.State()).To(Equal(fsm.StateReqSent))
			Expect(proto.failures).To(BeEmpty())
		})
	})

	Describe("keepalive", func() {
		BeforeEach(func() {
			conf.EchoInterval = time.Second
			conf.EchoMax = 3 * time.Second
			newFSM()
			lower.frames = 10
		})

		It("arms the echo timer on Opened", func() {
			opened()
			Expect(f.EchoTimerRunning()).To(BeTrue())
		})

		It("fails after echo-max seconds of silence", func() {
			opened()
			loop.Advance(1 * time.Second) // traffic seen
			Expect(lower.count(fsm.CodeEchoReq)).To(Equal(0))
			loop.Advance(1 * time.Second) // quiet 1
			Expect(lower.count(fsm.CodeEchoReq)).To(Equal(1))
			loop.Advance(1 * time.Second) // quiet 2
			Expect(lower.count(fsm.CodeEchoReq)).To(Equal(2))
			loop.Advance(1 * time.Second) // quiet 3
			Expect(proto.hasFailure(fsm.ReasonEchoTimeout)).To(BeTrue())
			Expect(f.State()).To(Equal(fsm.StateStopping))
			Expect(f.EchoTimerRunning()).To(BeFalse())
		})

		It("resets the quiet count when frames arrive", func() {
			opened()
			for i := 0; i < 10; i++ {
				lower.frames++
				loop.Advance(1 * time.Second)
			}
			Expect(lower.count(fsm.CodeEchoReq)).To(Equal(0))
			Expect(proto.failures).To(BeEmpty())
		})

		It("does nothing without a frame counter", func() {
			lower.hasBun = false
			opened()
			loop.Advance(10 * time.Second)
			Expect(lower.count(fsm.CodeEchoReq)).To(Equal(0))
		})

		It("replies to echo requests with our magic", func() {
			opened()
			data := make([]byte, 8)
			binary.BigEndian.PutUint32(data, proto.peerMagic)
			copy(data[4:], "ping")
			f.Input(packet(fsm.CodeEchoReq, 33, data))

			rep := lower.last()
			Expect(rep.Code).To(Equal(fsm.CodeEchoRep))
			Expect(rep.Identifier).To(Equal(uint8(33)))
			Expect(binary.BigEndian.Uint32(rep.Data)).To(Equal(proto.selfMagic))
			Expect(string(rep.Data[4:])).To(Equal("ping"))
		})

		It("fails on a wrong magic number when checking", func() {
			f.Conf.CheckMagic = true
			opened()
			data := make([]byte, 4)
			binary.BigEndian.PutUint32(data, 0xdeadbeef)
			f.Input(packet(fsm.CodeEchoRep, 1, data))
			Expect(proto.hasFailure(fsm.ReasonBadMagic)).To(BeTrue())
		})
	})

	Describe("identification", func() {
		It("sends zero magic before Opened", func() {
			f.SendIdent("mpd")
			p := lower.last()
			Expect(p.Code).To(Equal(fsm.CodeIdent))
			Expect(binary.BigEndian.Uint32(p.Data)).To(BeZero())
			Expect(string(p.Data[4:])).To(Equal("mpd\x00"))
		})

		It("delivers received ident text", func() {
			opened()
			data := make([]byte, 4)
			binary.BigEndian.PutUint32(data, proto.peerMagic)
			data = append(data, "router\x00"...)
			f.Input(packet(fsm.CodeIdent, 2, data))
			Expect(proto.idents).To(Equal([]string{"router"}))
		})

		It("sends time remaining with our magic when Opened", func() {
			opened()
			f.SendTimeRemaining(3600)
			p := lower.last()
			Expect(p.Code).To(Equal(fsm.CodeTimeRemain))
			Expect(binary.BigEndian.Uint32(p.Data)).To(Equal(proto.selfMagic))
			Expect(binary.BigEndian.Uint32(p.Data[4:])).To(Equal(uint32(3600)))
		})
	})

	Describe("passive mode", func() {
		It("waits in Stopped for the peer", func() {
			conf.Passive = true
			newFSM()
			f.Open()
			f.Up()
			Expect(f.State()).To(Equal(fsm.StateStopped))
			Expect(lower.sent).To(BeEmpty())

			f.Input(packet(fsm.CodeConfigReq, 1, nil))
			Expect(lower.count(fsm.CodeConfigReq)).To(Equal(1))
			Expect(lower.count(fsm.CodeConfigAck)).To(Equal(1))
			Expect(f.State()).To(Equal(fsm.StateAckSent))
		})
	})
})
