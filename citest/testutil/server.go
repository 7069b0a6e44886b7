package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/opencode-ai/lspmux/internal/event"
	"github.com/opencode-ai/lspmux/internal/launcher"
	"github.com/opencode-ai/lspmux/internal/server"
	"github.com/opencode-ai/lspmux/internal/session"
	"github.com/opencode-ai/lspmux/pkg/types"
)

// TestServer wraps a running lspmux HTTP server backed by fake language
// servers.
type TestServer struct {
	Server   *server.Server
	Launcher *launcher.Launcher
	Manager  *session.Manager
	Bus      *event.Bus
	Spawner  *FakeSpawner
	Settings *types.Settings
	BaseURL  string
	TempDir  string
}

// TestServerOption configures TestServer
type TestServerOption func(*testServerConfig)

type testServerConfig struct {
	settings *types.Settings
	results  map[string]json.RawMessage
}

// WithSettings replaces the default client configurations.
func WithSettings(settings *types.Settings) TestServerOption {
	return func(c *testServerConfig) {
		c.settings = settings
	}
}

// WithResult makes every fake server answer method with result.
func WithResult(method string, result string) TestServerOption {
	return func(c *testServerConfig) {
		c.results[method] = json.RawMessage(result)
	}
}

// DefaultSettings configures pyls for Python files, gopls for Go files and
// a disabled rust-analyzer.
func DefaultSettings() *types.Settings {
	disabled := false
	return &types.Settings{
		Clients: map[string]types.ClientConfig{
			"pyls": {
				Name:    "pyls",
				Command: []string{"pyls", "--root", "$project_path", "--window", "$window"},
				Files:   []string{"**/*.py"},
			},
			"gopls": {
				Name:    "gopls",
				Command: []string{"gopls", "serve"},
				Files:   []string{"*.go"},
			},
			"rust-analyzer": {
				Name:    "rust-analyzer",
				Command: []string{"rust-analyzer"},
				Files:   []string{"**/*.rs"},
				Enabled: &disabled,
			},
		},
	}
}

// StartTestServer creates and starts a test server on a free local port.
func StartTestServer(opts ...TestServerOption) (*TestServer, error) {
	cfg := &testServerConfig{
		settings: DefaultSettings(),
		results:  make(map[string]json.RawMessage),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	tempDir, err := os.MkdirTemp("", "lspmux-test-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		os.RemoveAll(tempDir)
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	bus := event.NewBus()
	manager := session.NewManager(session.WithBus(bus))
	spawner := &FakeSpawner{Results: cfg.results}
	l := launcher.New(manager, cfg.settings, launcher.WithSpawner(spawner))

	serverConfig := server.DefaultConfig()
	serverConfig.Addr = ln.Addr().String()
	serverConfig.RequestTimeout = 5 * time.Second
	srv := server.New(serverConfig, l, bus)

	go func() {
		_ = srv.Serve(ln)
	}()

	baseURL := "http://" + ln.Addr().String()
	if err := waitForServer(baseURL, 10*time.Second); err != nil {
		srv.Shutdown(context.Background())
		os.RemoveAll(tempDir)
		return nil, fmt.Errorf("server failed to start: %w", err)
	}

	return &TestServer{
		Server:   srv,
		Launcher: l,
		Manager:  manager,
		Bus:      bus,
		Spawner:  spawner,
		Settings: cfg.settings,
		BaseURL:  baseURL,
		TempDir:  tempDir,
	}, nil
}

// Stop shuts down the sessions, the server and cleans up
func (ts *TestServer) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := ts.Manager.Shutdown(ctx); err != nil {
		return err
	}
	if err := ts.Server.Shutdown(ctx); err != nil {
		return err
	}
	ts.Bus.Close()

	if ts.TempDir != "" {
		os.RemoveAll(ts.TempDir)
	}
	return nil
}

// Reset stops every session and waits until none is left.
func (ts *TestServer) Reset() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return ts.Manager.Shutdown(ctx)
}

// Client returns a new test client for this server
func (ts *TestServer) Client() *TestClient {
	return NewTestClient(ts.BaseURL)
}

// SSEClient returns a new SSE client for this server
func (ts *TestServer) SSEClient() *SSEClient {
	return NewSSEClient(ts.BaseURL)
}

// waitForServer waits for the server to be ready
func waitForServer(baseURL string, timeout time.Duration) error {
	client := NewTestClient(baseURL)
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		resp, err := client.Get(context.Background(), "/configs")
		if err == nil && resp.IsSuccess() {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}

	return fmt.Errorf("server not ready after %v", timeout)
}
