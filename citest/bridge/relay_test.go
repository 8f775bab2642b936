package bridge_test

import (
	"encoding/json"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/opencode-ai/sessionbridge/citest/testutil"
	"github.com/opencode-ai/sessionbridge/pkg/protocol"
)

var _ = Describe("Relay", func() {
	var (
		sessionID string
		obs       *testutil.WSClient
	)

	BeforeEach(func() {
		sessionID = newSessionID("relay")
		obs = attachObserver(testServer, sessionID)
	})

	Describe("Attach", func() {
		It("should report a missing agent to a new observer", func() {
			f, err := obs.ReadFrame(frameTimeout)
			Expect(err).NotTo(HaveOccurred())
			Expect(f.Type).To(Equal(protocol.TypeCLIDisconnected))
			Expect(f.Seq).To(BeZero())
		})

		It("should announce the agent and its session state", func() {
			agent, err := testServer.Agent(ctx, sessionID, nil)
			Expect(err).NotTo(HaveOccurred())
			defer agent.Close()

			f, err := obs.WaitFor(protocol.TypeCLIConnected, frameTimeout)
			Expect(err).NotTo(HaveOccurred())
			Expect(f.Seq).To(BeZero())

			f, err = obs.WaitFor(protocol.TypeSessionInit, frameTimeout)
			Expect(err).NotTo(HaveOccurred())
			state := f.Message.(protocol.SessionInit).Session
			Expect(state.SessionID).To(Equal(sessionID))
			Expect(state.AgentSessionID).To(Equal("agent-session-1"))
			Expect(state.Model).To(Equal("claude-sonnet-4"))
			Expect(state.Tools).To(ConsistOf("Bash", "Read", "Edit"))
		})

		It("should tell observers when the agent leaves", func() {
			agent := attachAgent(testServer, sessionID, obs, nil)
			Expect(agent.Close()).To(Succeed())

			_, err := obs.WaitFor(protocol.TypeCLIDisconnected, frameTimeout)
			Expect(err).NotTo(HaveOccurred())
		})
	})

	Describe("Turns", func() {
		var agent *testutil.MockAgent

		BeforeEach(func() {
			config := testutil.DefaultMockAgentConfig()
			config.Settings.StreamDeltas = true
			agent = attachAgent(testServer, sessionID, obs, config)
		})

		It("should forward the user turn and relay the reply in order", func() {
			frames := runTurn(obs, "hello, world", "")

			Expect(testutil.FrameTypes(frames)).To(Equal([]string{
				protocol.TypeUserMessage,
				protocol.TypeStreamEvent,
				protocol.TypeAssistant,
				protocol.TypeResult,
				protocol.TypeSessionUpdate,
			}))
			Expect(testutil.FrameSeqs(frames)).To(Equal([]int64{1, 2, 3, 4, 5}))
			Expect(frames[0].Message.(protocol.UserMessage).Content).To(Equal("hello, world"))
			Expect(assistantText(frames[2])).To(Equal("Hello, World!"))

			user, err := agent.WaitForFrame("user", frameTimeout)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(user.Raw)).To(ContainSubstring(`"content":"hello, world"`))
			Expect(string(user.Raw)).To(ContainSubstring(`"role":"user"`))
		})

		It("should report turn totals in a session update", func() {
			frames := runTurn(obs, "2+2", "")

			update := frames[len(frames)-1].Message.(protocol.SessionUpdate)
			Expect(update.Session.NumTurns).NotTo(BeNil())
			Expect(*update.Session.NumTurns).To(Equal(1))
			Expect(update.Session.TotalCostUSD).NotTo(BeNil())
			Expect(*update.Session.TotalCostUSD).To(BeNumerically("~", 0.001, 1e-9))
			Expect(update.Session.ContextUsedPercent).NotTo(BeNil())
			Expect(*update.Session.ContextUsedPercent).To(Equal(30))
		})

		It("should publish an error before a failed result", func() {
			frames := runTurn(obs, "fail please", "")

			types := testutil.FrameTypes(frames)
			Expect(types).To(ContainElements(protocol.TypeError, protocol.TypeResult))

			var errIdx, resultIdx int
			for i, t := range types {
				switch t {
				case protocol.TypeError:
					errIdx = i
				case protocol.TypeResult:
					resultIdx = i
				}
			}
			Expect(errIdx).To(BeNumerically("<", resultIdx))
			Expect(frames[errIdx].Message.(protocol.ErrorMessage).Message).To(Equal("Something went wrong"))
		})

		It("should drop a resubmitted client message", func() {
			Expect(obs.SendUserMessage("2+2", "client-msg-1")).To(Succeed())
			Expect(obs.SendUserMessage("2+2", "client-msg-1")).To(Succeed())
			collectUntil(obs, protocol.TypeSessionUpdate)

			Consistently(func() int {
				n := 0
				for _, f := range agent.Received() {
					if f.Type == "user" {
						n++
					}
				}
				return n
			}, 300*time.Millisecond, 50*time.Millisecond).Should(Equal(1))

			history, err := client.GetHistory(ctx, sessionID)
			Expect(err).NotTo(HaveOccurred())
			Expect(history).To(HaveLen(3))
		})

		It("should broadcast to every observer", func() {
			second := attachObserver(testServer, sessionID)

			runTurn(obs, "hello there", "")

			f, err := second.WaitFor(protocol.TypeAssistant, frameTimeout)
			Expect(err).NotTo(HaveOccurred())
			Expect(assistantText(f)).To(Equal("Hello! How can I help you today?"))
		})

		It("should relay model changes to the agent and observers", func() {
			Expect(obs.Send(protocol.SetModelCommand{Model: "claude-opus-4"})).To(Succeed())

			f, err := agent.WaitForFrame("control_request", frameTimeout)
			Expect(err).NotTo(HaveOccurred())
			Expect(f.Subtype).To(Equal(protocol.ControlSetModel))

			var req struct {
				Request map[string]any `json:"request"`
			}
			Expect(json.Unmarshal(f.Raw, &req)).To(Succeed())
			Expect(req.Request).To(HaveKeyWithValue("model", "claude-opus-4"))

			update, err := obs.WaitFor(protocol.TypeSessionUpdate, frameTimeout)
			Expect(err).NotTo(HaveOccurred())
			Expect(*update.Message.(protocol.SessionUpdate).Session.Model).To(Equal("claude-opus-4"))
		})

		It("should relay agent status changes", func() {
			Expect(agent.SendStatus("compacting")).To(Succeed())

			f, err := obs.WaitFor(protocol.TypeStatusChange, frameTimeout)
			Expect(err).NotTo(HaveOccurred())
			Expect(*f.Message.(protocol.StatusChange).Status).To(Equal("compacting"))

			detail, err := client.GetSession(ctx, sessionID)
			Expect(err).NotTo(HaveOccurred())
			Expect(detail.State.IsCompacting).To(BeTrue())
		})
	})

	Describe("Queued input", func() {
		It("should deliver a turn sent before the agent connected", func() {
			_, err := obs.WaitFor(protocol.TypeCLIDisconnected, frameTimeout)
			Expect(err).NotTo(HaveOccurred())

			Expect(obs.SendUserMessage("2+2", "")).To(Succeed())
			_, err = obs.WaitFor(protocol.TypeUserMessage, frameTimeout)
			Expect(err).NotTo(HaveOccurred())

			Eventually(func() int {
				info, err := client.GetSession(ctx, sessionID)
				if err != nil {
					return -1
				}
				return info.Info.QueuedFrames
			}, frameTimeout, 50*time.Millisecond).Should(Equal(1))

			attachAgent(testServer, sessionID, obs, nil)

			f, err := obs.WaitFor(protocol.TypeAssistant, frameTimeout)
			Expect(err).NotTo(HaveOccurred())
			Expect(assistantText(f)).To(Equal("4"))
		})
	})
})
