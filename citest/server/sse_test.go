package server_test

import (
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/opencode-ai/lspmux/citest/testutil"
)

var _ = Describe("SSE Event Streaming", func() {
	Describe("GET /event", func() {
		It("should return SSE headers", func() {
			req, err := http.NewRequest("GET", testServer.BaseURL+"/event", nil)
			Expect(err).NotTo(HaveOccurred())
			req.Header.Set("Accept", "text/event-stream")

			httpClient := &http.Client{Timeout: 5 * time.Second}
			resp, err := httpClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()

			Expect(resp.Header.Get("Content-Type")).To(HavePrefix("text/event-stream"))
			Expect(resp.Header.Get("Cache-Control")).To(Equal("no-cache"))
		})

		It("should reject a malformed window filter", func() {
			resp, err := client.Get(ctx, "/event?window=abc")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("should announce the connection", func() {
			sseClient := testServer.SSEClient()
			Expect(sseClient.Connect(ctx, "/event")).To(Succeed())
			defer sseClient.Close()

			_, err := sseClient.WaitForEvent("server.connected", 5*time.Second)
			Expect(err).NotTo(HaveOccurred())
		})

		It("should deliver the lifecycle of a session", func() {
			sseClient := testServer.SSEClient()
			Expect(sseClient.Connect(ctx, "/event")).To(Succeed())
			defer sseClient.Close()
			_, err := sseClient.WaitForEvent("server.connected", 5*time.Second)
			Expect(err).NotTo(HaveOccurred())

			_, err = client.StartSession(ctx, 4, testutil.StartSessionRequest{Config: "pyls", ProjectPath: "/src/app"})
			Expect(err).NotTo(HaveOccurred())

			events, err := sseClient.WaitForEvents(5*time.Second, "session.starting", "session.ready")
			Expect(err).NotTo(HaveOccurred())

			starting := events["session.starting"]
			data, err := starting.ParseSessionEvent()
			Expect(err).NotTo(HaveOccurred())
			Expect(data.Window).To(Equal(4))
			Expect(data.Config).To(Equal("pyls"))
			Expect(data.State).To(Equal("starting"))

			ready := events["session.ready"]
			data, err = ready.ParseSessionEvent()
			Expect(err).NotTo(HaveOccurred())
			Expect(data.ProjectPath).To(Equal("/src/app"))

			Expect(client.StopSession(ctx, 4, "pyls", false)).To(Succeed())

			events, err = sseClient.WaitForEvents(5*time.Second, "session.stopping", "session.removed", "window.unloaded")
			Expect(err).NotTo(HaveOccurred())

			unloaded := events["window.unloaded"]
			window, err := unloaded.ParseWindowEvent()
			Expect(err).NotTo(HaveOccurred())
			Expect(window.Window).To(Equal(4))
		})

		It("should only deliver events of the requested window", func() {
			sseClient := testServer.SSEClient()
			Expect(sseClient.Connect(ctx, "/event?window=6")).To(Succeed())
			defer sseClient.Close()
			_, err := sseClient.WaitForEvent("server.connected", 5*time.Second)
			Expect(err).NotTo(HaveOccurred())

			_, err = client.StartSession(ctx, 5, testutil.StartSessionRequest{Config: "gopls"})
			Expect(err).NotTo(HaveOccurred())
			_, err = client.StartSession(ctx, 6, testutil.StartSessionRequest{Config: "gopls"})
			Expect(err).NotTo(HaveOccurred())

			evt, err := sseClient.WaitForEvent("session.ready", 5*time.Second)
			Expect(err).NotTo(HaveOccurred())
			data, err := evt.ParseSessionEvent()
			Expect(err).NotTo(HaveOccurred())
			Expect(data.Window).To(Equal(6))

			for _, e := range sseClient.GetAllEvents() {
				if e.Type == "session.starting" || e.Type == "session.ready" {
					d, err := e.ParseSessionEvent()
					Expect(err).NotTo(HaveOccurred())
					Expect(d.Window).To(Equal(6))
				}
			}
		})
	})
})
