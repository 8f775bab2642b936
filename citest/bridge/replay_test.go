package bridge_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/opencode-ai/sessionbridge/citest/testutil"
	"github.com/opencode-ai/sessionbridge/pkg/protocol"
)

var _ = Describe("Reconnect", func() {
	var sessionID string

	// seedTurn runs one complete turn, leaving seqs 1 to 5 in the replay
	// buffer and three messages in history.
	seedTurn := func(ts *testutil.TestServer) {
		config := testutil.DefaultMockAgentConfig()
		config.Settings.StreamDeltas = true

		obs := attachObserver(ts, sessionID)
		attachAgent(ts, sessionID, obs, config)
		frames := runTurn(obs, "2+2", "")
		Expect(frames[len(frames)-1].Seq).To(Equal(int64(5)))
	}

	BeforeEach(func() {
		sessionID = newSessionID("replay")
	})

	It("should send the durable history to a joining observer", func() {
		seedTurn(testServer)

		late, err := testServer.Observer(ctx, sessionID)
		Expect(err).NotTo(HaveOccurred())
		defer late.Close()

		f, err := late.ReadFrame(frameTimeout)
		Expect(err).NotTo(HaveOccurred())
		Expect(f.Type).To(Equal(protocol.TypeSessionInit))

		f, err = late.ReadFrame(frameTimeout)
		Expect(err).NotTo(HaveOccurred())
		Expect(f.Type).To(Equal(protocol.TypeMessageHistory))

		var types []string
		for _, m := range f.Message.(protocol.MessageHistory).Messages {
			types = append(types, m.MessageType())
		}
		Expect(types).To(Equal([]string{protocol.TypeUserMessage, protocol.TypeAssistant, protocol.TypeResult}))
	})

	It("should replay the buffered gap after the last seen seq", func() {
		seedTurn(testServer)

		late := attachObserver(testServer, sessionID)
		_, err := late.WaitFor(protocol.TypeMessageHistory, frameTimeout)
		Expect(err).NotTo(HaveOccurred())

		Expect(late.Subscribe(2)).To(Succeed())

		f, err := late.WaitFor(protocol.TypeEventReplay, frameTimeout)
		Expect(err).NotTo(HaveOccurred())

		var seqs []int64
		for _, ev := range f.Message.(protocol.EventReplay).Events {
			seqs = append(seqs, ev.Seq)
		}
		Expect(seqs).To(Equal([]int64{3, 4, 5}))

		f, err = late.ReadFrame(frameTimeout)
		Expect(err).NotTo(HaveOccurred())
		Expect(f.Type).To(Equal(protocol.TypeStatusChange))
		Expect(*f.Message.(protocol.StatusChange).Status).To(Equal("idle"))
	})

	It("should send nothing to an observer that is current", func() {
		seedTurn(testServer)

		late := attachObserver(testServer, sessionID)
		_, err := late.WaitFor(protocol.TypeMessageHistory, frameTimeout)
		Expect(err).NotTo(HaveOccurred())

		Expect(late.Subscribe(5)).To(Succeed())
		Consistently(late.Frames(), 300*time.Millisecond).ShouldNot(Receive())
	})

	It("should accept a float seq from a JavaScript client", func() {
		seedTurn(testServer)

		late := attachObserver(testServer, sessionID)
		_, err := late.WaitFor(protocol.TypeMessageHistory, frameTimeout)
		Expect(err).NotTo(HaveOccurred())

		Expect(late.SendRaw([]byte(`{"type":"session_subscribe","last_seq":4.0}`))).To(Succeed())

		f, err := late.WaitFor(protocol.TypeEventReplay, frameTimeout)
		Expect(err).NotTo(HaveOccurred())
		Expect(f.Message.(protocol.EventReplay).Events).To(HaveLen(1))
		Expect(f.Message.(protocol.EventReplay).Events[0].Seq).To(Equal(int64(5)))
	})

	It("should track acknowledgements without exceeding the highest seq", func() {
		seedTurn(testServer)

		late := attachObserver(testServer, sessionID)
		Expect(late.Ack(3)).To(Succeed())
		Eventually(func() int64 {
			detail, err := client.GetSession(ctx, sessionID)
			if err != nil {
				return -1
			}
			return detail.Info.LastAckSeq
		}, frameTimeout, 50*time.Millisecond).Should(Equal(int64(3)))

		Expect(late.Ack(100)).To(Succeed())
		Eventually(func() int64 {
			detail, err := client.GetSession(ctx, sessionID)
			if err != nil {
				return -1
			}
			return detail.Info.LastAckSeq
		}, frameTimeout, 50*time.Millisecond).Should(Equal(int64(5)))
	})

	Context("with a small replay buffer", func() {
		var small *testutil.TestServer

		BeforeEach(func() {
			var err error
			small, err = testutil.StartTestServer(testutil.WithReplayBufferSize(2))
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(func() { small.Stop() })
		})

		It("should fall back to the full history when the gap was evicted", func() {
			seedTurn(small)

			late := attachObserver(small, sessionID)
			_, err := late.WaitFor(protocol.TypeMessageHistory, frameTimeout)
			Expect(err).NotTo(HaveOccurred())

			Expect(late.Subscribe(1)).To(Succeed())

			f, err := late.ReadFrame(frameTimeout)
			Expect(err).NotTo(HaveOccurred())
			Expect(f.Type).To(Equal(protocol.TypeMessageHistory))
			Expect(f.Message.(protocol.MessageHistory).Messages).To(HaveLen(3))

			f, err = late.ReadFrame(frameTimeout)
			Expect(err).NotTo(HaveOccurred())
			Expect(f.Type).To(Equal(protocol.TypeStatusChange))
		})
	})
})
