package server_test

import (
	"encoding/json"
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/opencode-ai/lspmux/citest/testutil"
)

var _ = Describe("Session Endpoints", func() {
	Describe("GET /configs", func() {
		It("should list every configuration by name", func() {
			configs, err := client.ListConfigs(ctx)
			Expect(err).NotTo(HaveOccurred())

			var names []string
			for _, c := range configs {
				names = append(names, c.Name)
			}
			Expect(names).To(Equal([]string{"gopls", "pyls", "rust-analyzer"}))
			Expect(configs[2].Enabled).To(BeFalse())
		})
	})

	Describe("POST /windows/{window}/sessions", func() {
		It("should start a ready session", func() {
			s, err := client.StartSession(ctx, 1, testutil.StartSessionRequest{Config: "pyls", ProjectPath: "/src/app"})
			Expect(err).NotTo(HaveOccurred())
			Expect(s.State).To(Equal("ready"))
			Expect(s.Window).To(Equal(1))
			Expect(s.ProjectPath).To(Equal("/src/app"))
			Expect(s.ID).NotTo(BeEmpty())

			Expect(testServer.Spawner.Last().Args).To(Equal([]string{"pyls", "--root", "/src/app", "--window", "1"}))
			Expect(testServer.Spawner.Last().Received()).To(ContainElements("initialize", "initialized"))
		})

		It("should select the configuration from the active file", func() {
			s, err := client.StartSession(ctx, 2, testutil.StartSessionRequest{
				Folders:    []string{"/src/svc"},
				ActiveFile: "/src/svc/main.go",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(s.Config).To(Equal("gopls"))
			Expect(s.ProjectPath).To(Equal("/src/svc"))
		})

		It("should refuse a second session for the same pair", func() {
			_, err := client.StartSession(ctx, 1, testutil.StartSessionRequest{Config: "pyls"})
			Expect(err).NotTo(HaveOccurred())

			_, err = client.StartSession(ctx, 1, testutil.StartSessionRequest{Config: "pyls"})
			var apiErr *testutil.APIError
			Expect(err).To(BeAssignableToTypeOf(apiErr))
			Expect(err.(*testutil.APIError).Status).To(Equal(http.StatusConflict))
		})

		It("should allow the same configuration in another window", func() {
			_, err := client.StartSession(ctx, 1, testutil.StartSessionRequest{Config: "pyls"})
			Expect(err).NotTo(HaveOccurred())
			_, err = client.StartSession(ctx, 2, testutil.StartSessionRequest{Config: "pyls"})
			Expect(err).NotTo(HaveOccurred())

			sessions, err := client.ListSessions(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(sessions).To(HaveLen(2))
		})

		It("should refuse a disabled configuration", func() {
			_, err := client.StartSession(ctx, 1, testutil.StartSessionRequest{Config: "rust-analyzer"})
			Expect(err).To(HaveOccurred())
			apiErr := err.(*testutil.APIError)
			Expect(apiErr.Status).To(Equal(http.StatusConflict))
			Expect(apiErr.Code).To(Equal("DISABLED"))
		})

		It("should return 404 for an unknown configuration", func() {
			_, err := client.StartSession(ctx, 1, testutil.StartSessionRequest{Config: "clangd"})
			Expect(err).To(HaveOccurred())
			Expect(err.(*testutil.APIError).Status).To(Equal(http.StatusNotFound))
		})

		It("should reject a non numeric window", func() {
			resp, err := client.Post(ctx, "/windows/main/sessions", map[string]string{"config": "pyls"})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("DELETE /windows/{window}/sessions/{config}", func() {
		It("should shut the server down and remove the session", func() {
			_, err := client.StartSession(ctx, 1, testutil.StartSessionRequest{Config: "pyls"})
			Expect(err).NotTo(HaveOccurred())
			srv := testServer.Spawner.Last()

			Expect(client.StopSession(ctx, 1, "pyls", true)).To(Succeed())

			Eventually(srv.Exited()).Should(BeClosed())
			Expect(srv.Received()).To(ContainElements("shutdown", "exit"))

			_, err = client.GetSession(ctx, 1, "pyls")
			Expect(err.(*testutil.APIError).Status).To(Equal(http.StatusNotFound))
		})

		It("should return 404 for a missing session", func() {
			err := client.StopSession(ctx, 9, "pyls", false)
			Expect(err.(*testutil.APIError).Status).To(Equal(http.StatusNotFound))
		})
	})

	Describe("POST /windows/{window}/sessions/{config}/restart", func() {
		It("should replace the session with a new one", func() {
			first, err := client.StartSession(ctx, 1, testutil.StartSessionRequest{Config: "gopls", ProjectPath: "/src/svc"})
			Expect(err).NotTo(HaveOccurred())

			second, err := client.RestartSession(ctx, 1, "gopls")
			Expect(err).NotTo(HaveOccurred())
			Expect(second.ID).NotTo(Equal(first.ID))
			Expect(second.ProjectPath).To(Equal("/src/svc"))
			Expect(second.State).To(Equal("ready"))

			servers := testServer.Spawner.Servers()
			Eventually(servers[len(servers)-2].Exited()).Should(BeClosed())
		})
	})

	Describe("POST /windows/{window}/sessions/{config}/request", func() {
		BeforeEach(func() {
			_, err := client.StartSession(ctx, 1, testutil.StartSessionRequest{Config: "pyls"})
			Expect(err).NotTo(HaveOccurred())
		})

		It("should relay the result of the server", func() {
			result, err := client.Forward(ctx, 1, "pyls", "textDocument/hover", map[string]any{
				"textDocument": map[string]string{"uri": "file:///src/app/main.py"},
				"position":     map[string]int{"line": 1, "character": 2},
			})
			Expect(err).NotTo(HaveOccurred())

			var hover struct {
				Contents struct {
					Value string `json:"value"`
				} `json:"contents"`
			}
			Expect(json.Unmarshal(result, &hover)).To(Succeed())
			Expect(hover.Contents.Value).To(Equal("docs"))
		})

		It("should report server errors with their code", func() {
			_, err := client.Forward(ctx, 1, "pyls", "workspace/unknown", nil)
			Expect(err).To(HaveOccurred())
			apiErr := err.(*testutil.APIError)
			Expect(apiErr.Status).To(Equal(http.StatusBadGateway))
			Expect(apiErr.Details["code"]).To(BeNumerically("==", -32601))
		})

		It("should return 404 without a ready session", func() {
			_, err := client.Forward(ctx, 3, "pyls", "textDocument/hover", nil)
			Expect(err.(*testutil.APIError).Status).To(Equal(http.StatusNotFound))
		})
	})

	Describe("POST /windows/reconcile", func() {
		It("should stop the sessions of closed windows", func() {
			for _, w := range []int{1, 2, 3} {
				_, err := client.StartSession(ctx, w, testutil.StartSessionRequest{Config: "pyls"})
				Expect(err).NotTo(HaveOccurred())
			}

			Expect(client.Reconcile(ctx, 2)).To(Succeed())

			Eventually(func() []int {
				sessions, err := client.ListSessions(ctx)
				Expect(err).NotTo(HaveOccurred())
				var windows []int
				for _, s := range sessions {
					windows = append(windows, s.Window)
				}
				return windows
			}, 5*time.Second, 20*time.Millisecond).Should(Equal([]int{2}))
		})
	})

	Describe("POST /windows/{window}/project", func() {
		It("should stop sessions rooted elsewhere", func() {
			_, err := client.StartSession(ctx, 1, testutil.StartSessionRequest{Config: "pyls", ProjectPath: "/src/app"})
			Expect(err).NotTo(HaveOccurred())
			_, err = client.StartSession(ctx, 1, testutil.StartSessionRequest{Config: "gopls", ProjectPath: "/src/other"})
			Expect(err).NotTo(HaveOccurred())

			Expect(client.ChangeProject(ctx, 1, "/src/app")).To(Succeed())

			Eventually(func() []string {
				sessions, err := client.WindowSessions(ctx, 1)
				Expect(err).NotTo(HaveOccurred())
				var configs []string
				for _, s := range sessions {
					configs = append(configs, s.Config)
				}
				return configs
			}, 5*time.Second, 20*time.Millisecond).Should(Equal([]string{"pyls"}))
		})
	})

	Describe("server crash", func() {
		It("should remove the session of a crashed server", func() {
			_, err := client.StartSession(ctx, 1, testutil.StartSessionRequest{Config: "pyls"})
			Expect(err).NotTo(HaveOccurred())

			testServer.Spawner.Last().Crash()

			Eventually(func() int {
				sessions, err := client.ListSessions(ctx)
				Expect(err).NotTo(HaveOccurred())
				return len(sessions)
			}, 5*time.Second, 20*time.Millisecond).Should(BeZero())

			_, err = client.StartSession(ctx, 1, testutil.StartSessionRequest{Config: "pyls"})
			Expect(err).NotTo(HaveOccurred())
		})
	})
})
