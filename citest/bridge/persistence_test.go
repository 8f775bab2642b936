package bridge_test

import (
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/opencode-ai/sessionbridge/citest/testutil"
	"github.com/opencode-ai/sessionbridge/internal/persist"
	"github.com/opencode-ai/sessionbridge/pkg/protocol"
)

var _ = Describe("Persistence", func() {
	var (
		dataDir   string
		sessionID string
	)

	BeforeEach(func() {
		var err error
		dataDir, err = os.MkdirTemp("", "bridge-persist-*")
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { os.RemoveAll(dataDir) })

		sessionID = newSessionID("persist")
	})

	savedRecord := func(ts *testutil.TestServer) func() (persist.Record, bool) {
		return func() (persist.Record, bool) {
			records, err := ts.Store.List(ctx)
			if err != nil {
				return persist.Record{}, false
			}
			for _, rec := range records {
				if rec.SessionID == sessionID {
					return rec, true
				}
			}
			return persist.Record{}, false
		}
	}

	It("should restore history and the agent session across a restart", func() {
		first, err := testutil.StartTestServer(testutil.WithDataDir(dataDir))
		Expect(err).NotTo(HaveOccurred())

		obs, err := first.Observer(ctx, sessionID)
		Expect(err).NotTo(HaveOccurred())
		_, err = obs.WaitFor(protocol.TypeSessionInit, frameTimeout)
		Expect(err).NotTo(HaveOccurred())

		agent, err := first.Agent(ctx, sessionID, nil)
		Expect(err).NotTo(HaveOccurred())
		_, err = obs.WaitFor(protocol.TypeCLIConnected, frameTimeout)
		Expect(err).NotTo(HaveOccurred())
		_, err = obs.WaitFor(protocol.TypeSessionInit, frameTimeout)
		Expect(err).NotTo(HaveOccurred())

		runTurn(obs, "hello, world", "")

		Eventually(func() int {
			rec, ok := savedRecord(first)()
			if !ok {
				return -1
			}
			return rec.HistoryLength
		}, frameTimeout, 50*time.Millisecond).Should(Equal(3))

		agent.Close()
		obs.Close()
		Expect(first.Stop()).To(Succeed())

		second, err := testutil.StartTestServer(testutil.WithDataDir(dataDir))
		Expect(err).NotTo(HaveOccurred())
		defer second.Stop()

		rec, ok := savedRecord(second)()
		Expect(ok).To(BeTrue())
		Expect(rec.AgentResumeID).To(Equal("agent-session-1"))

		restored, err := second.Observer(ctx, sessionID)
		Expect(err).NotTo(HaveOccurred())
		defer restored.Close()

		f, err := restored.ReadFrame(frameTimeout)
		Expect(err).NotTo(HaveOccurred())
		Expect(f.Type).To(Equal(protocol.TypeSessionInit))
		Expect(f.Message.(protocol.SessionInit).Session.AgentSessionID).To(Equal("agent-session-1"))

		f, err = restored.ReadFrame(frameTimeout)
		Expect(err).NotTo(HaveOccurred())
		Expect(f.Type).To(Equal(protocol.TypeMessageHistory))
		messages := f.Message.(protocol.MessageHistory).Messages
		Expect(messages).To(HaveLen(3))
		Expect(messages[0].(protocol.UserMessage).Content).To(Equal("hello, world"))

		f, err = restored.ReadFrame(frameTimeout)
		Expect(err).NotTo(HaveOccurred())
		Expect(f.Type).To(Equal(protocol.TypeCLIDisconnected))
	})

	It("should keep the saved record when a session is deleted", func() {
		ts, err := testutil.StartTestServer(testutil.WithDataDir(dataDir))
		Expect(err).NotTo(HaveOccurred())
		defer ts.Stop()

		history := protocol.History{protocol.UserMessage{ID: "u1", Content: "remember me", Timestamp: 1}}
		Expect(ts.Client().LoadHistory(ctx, sessionID, history)).To(Succeed())
		Expect(ts.Client().DeleteSession(ctx, sessionID)).To(Succeed())

		rec, ok := savedRecord(ts)()
		Expect(ok).To(BeTrue())
		Expect(rec.HistoryLength).To(Equal(1))

		got, err := ts.Client().GetHistory(ctx, sessionID)
		Expect(err).To(HaveOccurred())
		Expect(got).To(BeNil())

		obs := attachObserver(ts, sessionID)
		f, err := obs.WaitFor(protocol.TypeMessageHistory, frameTimeout)
		Expect(err).NotTo(HaveOccurred())
		Expect(f.Message.(protocol.MessageHistory).Messages).To(HaveLen(1))
	})
})
