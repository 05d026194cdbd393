package server_test

import (
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/agentdesk/agentdesk/internal/event"
	"github.com/agentdesk/agentdesk/internal/permission"
	"github.com/agentdesk/agentdesk/internal/server"
	"github.com/agentdesk/agentdesk/pkg/types"
)

var _ = Describe("Session flow over HTTP", func() {
	var (
		sess *types.Session
		sse  *sseClient
	)

	AfterEach(func() {
		if sse != nil {
			sse.Close()
		}
		if sess != nil {
			call(http.MethodPost, "/session/"+sess.ID+"/abort", nil, nil)
			Eventually(sessionStatus(sess.ID)).WithTimeout(5 * time.Second).ShouldNot(Equal(types.StatusRunning))
			call(http.MethodDelete, "/session/"+sess.ID, nil, nil)
		}
	})

	Context("in secure mode", func() {
		BeforeEach(func() {
			sess = createSession(map[string]any{"directory": "/w/project", "mode": "secure"})
			sse = connectSSE("?sessionID=" + sess.ID)
		})

		It("asks before running a tool and streams events in order", func() {
			Expect(call(http.MethodPost, "/session/"+sess.ID+"/message", server.SendMessageRequest{Prompt: "please approve"}, nil)).
				To(Equal(http.StatusAccepted))

			Eventually(func() int { return len(sse.OfType(event.PermissionRequest)) }).
				WithTimeout(5 * time.Second).Should(Equal(1))
			req := sse.OfType(event.PermissionRequest)[0]
			Expect(req["toolName"]).To(Equal("Bash"))
			Expect(req["title"]).To(Equal("Bash: ls"))

			var pending []permission.Request
			Expect(call(http.MethodGet, "/session/"+sess.ID+"/permissions", nil, &pending)).To(Equal(http.StatusOK))
			Expect(pending).To(HaveLen(1))

			var out map[string]bool
			Expect(call(http.MethodPost, "/session/"+sess.ID+"/permissions/"+req["requestID"].(string),
				server.PermissionResponse{Behavior: permission.BehaviorAllow}, &out)).To(Equal(http.StatusOK))
			Expect(out["resolved"]).To(BeTrue())

			Eventually(sessionStatus(sess.ID)).WithTimeout(5 * time.Second).Should(Equal(types.StatusCompleted))
			Eventually(sse.Types).Should(Equal([]string{
				"status",
				"stream.message", // init
				"stream.message", // text
				"stream.message", // tool_use
				"permission.request",
				"permission.resolved",
				"stream.message", // tool_result
				"stream.message", // result
				"status",
			}))

			var stored types.Session
			call(http.MethodGet, "/session/"+sess.ID, nil, &stored)
			Expect(stored.ResumeToken).To(Equal("eng-approve"))
		})

		It("denies every pending request when the session is aborted", func() {
			Expect(call(http.MethodPost, "/session/"+sess.ID+"/message", server.SendMessageRequest{Prompt: "slow work"}, nil)).
				To(Equal(http.StatusAccepted))
			Eventually(func() int { return len(sse.OfType(event.PermissionRequest)) }).
				WithTimeout(5 * time.Second).Should(Equal(1))

			Expect(call(http.MethodPost, "/session/"+sess.ID+"/abort", nil, nil)).To(Equal(http.StatusOK))
			Eventually(sessionStatus(sess.ID)).WithTimeout(5 * time.Second).Should(Equal(types.StatusIdle))

			Eventually(func() int { return len(sse.OfType(event.PermissionResolved)) }).Should(Equal(1))
			Expect(sse.OfType(event.PermissionResolved)[0]["message"]).To(Equal(permission.ReasonAborted))

			var pending []permission.Request
			call(http.MethodGet, "/session/"+sess.ID+"/permissions", nil, &pending)
			Expect(pending).To(BeEmpty())
		})

		It("records engine failures on the session", func() {
			Expect(call(http.MethodPost, "/session/"+sess.ID+"/message", server.SendMessageRequest{Prompt: "crash now"}, nil)).
				To(Equal(http.StatusAccepted))
			Eventually(sessionStatus(sess.ID)).WithTimeout(5 * time.Second).Should(Equal(types.StatusError))

			var stored types.Session
			call(http.MethodGet, "/session/"+sess.ID, nil, &stored)
			Expect(stored.Error).To(ContainSubstring("engine exited"))
		})
	})

	Context("in free mode with an allow-list", func() {
		BeforeEach(func() {
			sess = createSession(map[string]any{"directory": "/w/project", "mode": "free", "allowedTools": []string{"Read"}})
			sse = connectSSE("?sessionID=" + sess.ID)
		})

		It("denies tools outside the list without asking", func() {
			Expect(call(http.MethodPost, "/session/"+sess.ID+"/message", server.SendMessageRequest{Prompt: "restricted cleanup"}, nil)).
				To(Equal(http.StatusAccepted))
			Eventually(sessionStatus(sess.ID)).WithTimeout(5 * time.Second).Should(Equal(types.StatusCompleted))

			Consistently(func() int { return len(sse.OfType(event.PermissionRequest)) }).
				WithTimeout(100 * time.Millisecond).Should(BeZero())

			toolResult := func() map[string]any {
				for _, m := range sse.OfType(event.StreamMessage) {
					msg := m["message"].(map[string]any)
					if msg["type"] == "user" {
						return msg["message"].(map[string]any)["content"].([]any)[0].(map[string]any)
					}
				}
				return nil
			}
			Eventually(toolResult).ShouldNot(BeNil())
			Expect(toolResult()["is_error"]).To(BeTrue())
			Expect(toolResult()["content"]).To(Equal(permission.ReasonRestricted))
		})
	})

	Context("unfiltered stream", func() {
		It("sees session lifecycle events", func() {
			sse = connectSSE("")
			sess = createSession(map[string]any{"directory": "/w/other"})

			Eventually(func() int { return len(sse.OfType(event.SessionCreated)) }).
				WithTimeout(5 * time.Second).Should(BeNumerically(">=", 1))
		})
	})
})
