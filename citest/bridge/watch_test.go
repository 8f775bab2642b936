package bridge_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/opencode-ai/sessionbridge/citest/testutil"
	"github.com/opencode-ai/sessionbridge/pkg/protocol"
)

var _ = Describe("Workspace watch", func() {
	var (
		ts        *testutil.TestServer
		workspace *testutil.Workspace
		sessionID string
	)

	BeforeEach(func() {
		var err error
		workspace, err = testutil.NewWorkspace()
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(workspace.Cleanup)

		Expect(workspace.Mkdir("src")).To(Succeed())

		sessionID = newSessionID("watch")
		ts, err = testutil.StartTestServer(testutil.WithWatch(sessionID, workspace.Path))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { ts.Stop() })
	})

	It("should tell observers which files changed", func() {
		obs := attachObserver(ts, sessionID)

		Expect(workspace.WriteFile("src/main.go", "package main\n")).To(Succeed())

		f, err := obs.WaitFor(protocol.TypeContentChanged, frameTimeout)
		Expect(err).NotTo(HaveOccurred())
		Expect(f.Seq).To(BeNumerically(">", 0))
		Expect(f.Message.(protocol.ContentChanged).Paths).To(ContainElement("src/main.go"))
	})

	It("should list the watched session", func() {
		Expect(ts.Watcher.Sessions()).To(ConsistOf(sessionID))
	})
})
