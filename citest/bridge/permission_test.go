package bridge_test

import (
	"encoding/json"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/opencode-ai/sessionbridge/citest/testutil"
	"github.com/opencode-ai/sessionbridge/pkg/protocol"
)

var _ = Describe("Permissions", func() {
	var (
		sessionID string
		obs       *testutil.WSClient
		agent     *testutil.MockAgent
	)

	// requestTool starts a turn that makes the agent ask to run Bash and
	// returns the announced request.
	requestTool := func() protocol.PermissionRequest {
		Expect(obs.SendUserMessage("please echo hello world", "")).To(Succeed())
		f, err := obs.WaitFor(protocol.TypePermissionRequest, frameTimeout)
		Expect(err).NotTo(HaveOccurred())
		return f.Message.(protocol.PermissionRequestMessage).Request
	}

	decision := func() protocol.PermissionDecision {
		f, err := agent.WaitForFrame("control_response", frameTimeout)
		Expect(err).NotTo(HaveOccurred())

		var frame protocol.ControlResponseFrame
		Expect(json.Unmarshal(f.Raw, &frame)).To(Succeed())
		Expect(frame.Response.OK()).To(BeTrue())

		var d protocol.PermissionDecision
		Expect(json.Unmarshal(frame.Response.Response, &d)).To(Succeed())
		return d
	}

	BeforeEach(func() {
		sessionID = newSessionID("perm")
		obs = attachObserver(testServer, sessionID)
		agent = attachAgent(testServer, sessionID, obs, nil)
	})

	It("should announce a tool request to observers", func() {
		req := requestTool()

		Expect(req.RequestID).To(Equal("perm-1"))
		Expect(req.ToolName).To(Equal("Bash"))
		Expect(string(req.Input)).To(MatchJSON(`{"command":"echo hello world"}`))
		Expect(req.Timestamp).To(BeNumerically(">", 0))

		detail, err := client.GetSession(ctx, sessionID)
		Expect(err).NotTo(HaveOccurred())
		Expect(detail.Info.PendingPermissions).To(Equal(1))
	})

	It("should forward an approval with the original input", func() {
		req := requestTool()
		Expect(obs.RespondPermission(req.RequestID, protocol.BehaviorAllow)).To(Succeed())

		d := decision()
		Expect(d.Behavior).To(Equal(protocol.BehaviorAllow))
		Expect(string(d.UpdatedInput)).To(MatchJSON(`{"command":"echo hello world"}`))

		f, err := obs.WaitFor(protocol.TypePermissionResolved, frameTimeout)
		Expect(err).NotTo(HaveOccurred())
		Expect(f.Message).To(Equal(protocol.PermissionResolved{RequestID: req.RequestID, Behavior: protocol.BehaviorAllow}))

		f, err = obs.WaitFor(protocol.TypeAssistant, frameTimeout)
		Expect(err).NotTo(HaveOccurred())
		Expect(assistantText(f)).To(Equal("hello world"))
	})

	It("should forward a denial with the default message", func() {
		req := requestTool()
		Expect(obs.RespondPermission(req.RequestID, protocol.BehaviorDeny)).To(Succeed())

		d := decision()
		Expect(d.Behavior).To(Equal(protocol.BehaviorDeny))
		Expect(d.Message).To(Equal("Denied by user"))

		f, err := obs.WaitFor(protocol.TypeAssistant, frameTimeout)
		Expect(err).NotTo(HaveOccurred())
		Expect(assistantText(f)).To(Equal("OK, I won't run it."))

		Eventually(func() int {
			detail, err := client.GetSession(ctx, sessionID)
			if err != nil {
				return -1
			}
			return detail.Info.PendingPermissions
		}, frameTimeout, 50*time.Millisecond).Should(BeZero())
	})

	It("should show pending requests to an observer that joins later", func() {
		req := requestTool()

		late, err := testServer.Observer(ctx, sessionID)
		Expect(err).NotTo(HaveOccurred())
		defer late.Close()

		f, err := late.WaitFor(protocol.TypePermissionRequest, frameTimeout)
		Expect(err).NotTo(HaveOccurred())
		Expect(f.Seq).To(BeZero())
		Expect(f.Message.(protocol.PermissionRequestMessage).Request.RequestID).To(Equal(req.RequestID))
	})

	It("should withdraw pending requests when the agent leaves", func() {
		req := requestTool()
		Expect(agent.Close()).To(Succeed())

		f, err := obs.WaitFor(protocol.TypePermissionCancelled, frameTimeout)
		Expect(err).NotTo(HaveOccurred())
		Expect(f.Message.(protocol.PermissionCancelled).RequestID).To(Equal(req.RequestID))

		detail, err := client.GetSession(ctx, sessionID)
		Expect(err).NotTo(HaveOccurred())
		Expect(detail.Info.PendingPermissions).To(BeZero())
	})

	It("should not announce resolution of an unknown request", func() {
		Expect(obs.RespondPermission("no-such-request", protocol.BehaviorAllow)).To(Succeed())

		f, err := agent.WaitForFrame("control_response", frameTimeout)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(f.Raw)).To(ContainSubstring(`"request_id":"no-such-request"`))

		Consistently(func() []string {
			return testutil.FrameTypes(obs.Seen())
		}, 300*time.Millisecond, 50*time.Millisecond).ShouldNot(ContainElement(protocol.TypePermissionResolved))
	})

	Context("in bypass mode", func() {
		BeforeEach(func() {
			Expect(obs.Send(protocol.SetPermissionModeCommand{Mode: protocol.PermissionModeBypass})).To(Succeed())
			_, err := obs.WaitFor(protocol.TypeSessionUpdate, frameTimeout)
			Expect(err).NotTo(HaveOccurred())
		})

		It("should approve without asking observers", func() {
			Expect(obs.SendUserMessage("please echo hello world", "")).To(Succeed())

			Expect(decision().Behavior).To(Equal(protocol.BehaviorAllow))

			f, err := obs.WaitFor(protocol.TypeAssistant, frameTimeout)
			Expect(err).NotTo(HaveOccurred())
			Expect(assistantText(f)).To(Equal("hello world"))
			Expect(testutil.FrameTypes(obs.Seen())).NotTo(ContainElement(protocol.TypePermissionRequest))
		})
	})
})
