package bridge_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/opencode-ai/sessionbridge/citest/testutil"
	"github.com/opencode-ai/sessionbridge/pkg/protocol"
)

var _ = Describe("Event stream", func() {
	var (
		sessionID string
		events    *testutil.EventStream
	)

	hasEvent := func(eventType string) func() bool {
		return func() bool { return events.Has(eventType) }
	}

	BeforeEach(func() {
		sessionID = newSessionID("events")

		var err error
		events, err = testServer.Events(ctx, sessionID)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(events.Close)

		_, err = events.Wait("server.connected", frameTimeout)
		Expect(err).NotTo(HaveOccurred())
	})

	It("should follow a session through its lifecycle", func() {
		obs := attachObserver(testServer, sessionID)
		Eventually(hasEvent("session.created"), frameTimeout).Should(BeTrue())

		attachAgent(testServer, sessionID, obs, nil)
		Eventually(hasEvent("agent.connected"), frameTimeout).Should(BeTrue())
		Eventually(hasEvent("agent.session_reported"), frameTimeout).Should(BeTrue())

		runTurn(obs, "2+2", "")
		Eventually(func() int {
			return events.Count("history.appended")
		}, frameTimeout).Should(Equal(3))

		Expect(client.DeleteSession(ctx, sessionID)).To(Succeed())
		Eventually(hasEvent("session.removed"), frameTimeout).Should(BeTrue())

		log := events.Log()
		Expect(log.ForSession(sessionID).OfType("session.created")).To(HaveLen(1))

		reported := log.OfType("agent.session_reported")
		Expect(reported).To(HaveLen(1))
		var props struct {
			AgentSessionID string `json:"agentSessionID"`
		}
		Expect(reported[0].ParseProperties(&props)).To(Succeed())
		Expect(props.AgentSessionID).To(Equal("agent-session-1"))
	})

	It("should report permission requests and their resolution", func() {
		obs := attachObserver(testServer, sessionID)
		attachAgent(testServer, sessionID, obs, nil)

		Expect(obs.SendUserMessage("echo hello world", "")).To(Succeed())
		f, err := obs.WaitFor(protocol.TypePermissionRequest, frameTimeout)
		Expect(err).NotTo(HaveOccurred())
		Eventually(hasEvent("permission.requested"), frameTimeout).Should(BeTrue())

		req := f.Message.(protocol.PermissionRequestMessage).Request
		Expect(obs.RespondPermission(req.RequestID, protocol.BehaviorAllow)).To(Succeed())
		Eventually(hasEvent("permission.resolved"), frameTimeout).Should(BeTrue())

		var props struct {
			RequestID string `json:"requestID"`
			Behavior  string `json:"behavior"`
		}
		resolved := events.Log().OfType("permission.resolved")
		Expect(resolved[0].ParseProperties(&props)).To(Succeed())
		Expect(props.RequestID).To(Equal(req.RequestID))
		Expect(props.Behavior).To(Equal(protocol.BehaviorAllow))
	})

	It("should only carry events of the requested session", func() {
		other := newSessionID("events-other")
		attachObserver(testServer, other)
		attachObserver(testServer, sessionID)

		Eventually(hasEvent("session.created"), frameTimeout).Should(BeTrue())
		Consistently(func() []string {
			return events.Log().ForSession(other).Types()
		}, 300*time.Millisecond, 50*time.Millisecond).Should(BeEmpty())
	})
})
