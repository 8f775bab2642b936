package bridge_test

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/opencode-ai/sessionbridge/citest/testutil"
	"github.com/opencode-ai/sessionbridge/pkg/protocol"
)

var _ = Describe("HTTP API", func() {
	var sessionID string

	BeforeEach(func() {
		sessionID = newSessionID("http")
	})

	apiError := func(err error) *testutil.APIError {
		var apiErr *testutil.APIError
		Expect(errors.As(err, &apiErr)).To(BeTrue(), "not an API error: %v", err)
		return apiErr
	}

	Describe("GET /health", func() {
		It("should report the live session count", func() {
			resp, err := client.Get(ctx, "/health")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var body struct {
				Status   string `json:"status"`
				Sessions int    `json:"sessions"`
			}
			Expect(resp.JSON(&body)).To(Succeed())
			Expect(body.Status).To(Equal("ok"))
			Expect(body.Sessions).To(BeNumerically(">=", 0))
		})
	})

	Describe("Sessions", func() {
		It("should list a session once a client connected", func() {
			attachObserver(testServer, sessionID)

			infos, err := client.ListSessions(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(infos).To(ContainElement(And(
				HaveField("ID", sessionID),
				HaveField("Observers", 1),
				HaveField("AgentConnected", false),
			)))
		})

		It("should report counters and state", func() {
			obs := attachObserver(testServer, sessionID)
			attachAgent(testServer, sessionID, obs, nil)
			runTurn(obs, "2+2", "")

			detail, err := client.GetSession(ctx, sessionID)
			Expect(err).NotTo(HaveOccurred())
			Expect(detail.Info.ID).To(Equal(sessionID))
			Expect(detail.Info.AgentConnected).To(BeTrue())
			Expect(detail.Info.AgentSessionID).To(Equal("agent-session-1"))
			Expect(detail.Info.HistoryLength).To(Equal(3))
			Expect(detail.Info.NextEventSeq).To(Equal(int64(5)))
			Expect(detail.Info.CreatedAt).To(BeTemporally("~", time.Now(), time.Minute))
			Expect(detail.State.NumTurns).To(Equal(1))
		})

		It("should return 404 for an unknown session", func() {
			_, err := client.GetSession(ctx, sessionID)
			Expect(apiError(err).StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("History", func() {
		It("should load a history that joining observers receive", func() {
			history := protocol.History{
				protocol.UserMessage{ID: "u1", Content: "earlier question", Timestamp: 1},
				protocol.ResultMessage{Data: []byte(`{"type":"result","subtype":"success"}`)},
			}
			Expect(client.LoadHistory(ctx, sessionID, history)).To(Succeed())

			got, err := client.GetHistory(ctx, sessionID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(HaveLen(2))
			Expect(got[0]).To(Equal(protocol.UserMessage{ID: "u1", Content: "earlier question", Timestamp: 1}))

			obs, err := testServer.Observer(ctx, sessionID)
			Expect(err).NotTo(HaveOccurred())
			defer obs.Close()

			f, err := obs.WaitFor(protocol.TypeMessageHistory, frameTimeout)
			Expect(err).NotTo(HaveOccurred())
			Expect(f.Message.(protocol.MessageHistory).Messages).To(HaveLen(2))
		})

		It("should reject a malformed history", func() {
			resp, err := client.Raw(ctx, http.MethodPut, "/session/"+sessionID+"/history", []byte(`{"not":"a list"}`))
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("Content notifications", func() {
		It("should notify observers of changed paths", func() {
			obs := attachObserver(testServer, sessionID)

			Expect(client.NotifyContent(ctx, sessionID, "src/main.go", "README.md")).To(Succeed())

			f, err := obs.WaitFor(protocol.TypeContentChanged, frameTimeout)
			Expect(err).NotTo(HaveOccurred())
			Expect(f.Seq).To(Equal(int64(1)))
			Expect(f.Message.(protocol.ContentChanged).Paths).To(Equal([]string{"src/main.go", "README.md"}))
		})

		It("should reject an empty path list", func() {
			attachObserver(testServer, sessionID)

			err := client.NotifyContent(ctx, sessionID)
			Expect(apiError(err).StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("should return 404 for an unknown session", func() {
			err := client.NotifyContent(ctx, sessionID, "a.txt")
			Expect(apiError(err).StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("Interrupt", func() {
		It("should relay the agent's answer", func() {
			obs := attachObserver(testServer, sessionID)
			agent := attachAgent(testServer, sessionID, obs, nil)

			result, err := client.Interrupt(ctx, sessionID)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Success).To(BeTrue())

			f, err := agent.WaitForFrame("control_request", frameTimeout)
			Expect(err).NotTo(HaveOccurred())
			Expect(f.Subtype).To(Equal(protocol.ControlInterrupt))
		})

		It("should wait for an agent that connects late", func() {
			obs := attachObserver(testServer, sessionID)

			done := make(chan error, 1)
			go func() {
				_, err := client.Interrupt(ctx, sessionID)
				done <- err
			}()

			Eventually(func() int {
				detail, err := client.GetSession(ctx, sessionID)
				if err != nil {
					return -1
				}
				return detail.Info.QueuedFrames
			}, frameTimeout, 50*time.Millisecond).Should(Equal(1))

			attachAgent(testServer, sessionID, obs, nil)
			Eventually(done, frameTimeout).Should(Receive(BeNil()))
		})

		Context("when the agent never answers", func() {
			var slow *testutil.TestServer

			BeforeEach(func() {
				var err error
				slow, err = testutil.StartTestServer(testutil.WithControlTimeout(200 * time.Millisecond))
				Expect(err).NotTo(HaveOccurred())
				DeferCleanup(func() { slow.Stop() })
			})

			It("should time out with 504", func() {
				config := testutil.DefaultMockAgentConfig()
				config.Settings.IgnoreControls = true

				obs := attachObserver(slow, sessionID)
				attachAgent(slow, sessionID, obs, config)

				_, err := slow.Client().Interrupt(ctx, sessionID)
				apiErr := apiError(err)
				Expect(apiErr.StatusCode).To(Equal(http.StatusGatewayTimeout))
				Expect(apiErr.Code).To(Equal("TIMEOUT"))
			})
		})
	})

	Describe("DELETE /session/{id}", func() {
		It("should close the session's sockets and forget it", func() {
			obs := attachObserver(testServer, sessionID)
			agent := attachAgent(testServer, sessionID, obs, nil)

			Expect(client.DeleteSession(ctx, sessionID)).To(Succeed())

			Expect(websocket.IsCloseError(obs.WaitClosed(frameTimeout), websocket.CloseNormalClosure)).To(BeTrue())
			Eventually(agent.Done(), frameTimeout).Should(BeClosed())

			_, err := client.GetSession(ctx, sessionID)
			Expect(apiError(err).StatusCode).To(Equal(http.StatusNotFound))
		})

		It("should return 404 for an unknown session", func() {
			err := client.DeleteSession(ctx, sessionID)
			Expect(apiError(err).StatusCode).To(Equal(http.StatusNotFound))
		})
	})
})
