package session_test

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/joho/godotenv"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/opencode-ai/lspmux/internal/logging"
	"github.com/opencode-ai/lspmux/internal/protocol"
	"github.com/opencode-ai/lspmux/internal/rpc"
)

func TestSession(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Session Suite")
}

var _ = BeforeSuite(func() {
	_ = godotenv.Load("../../.env")
	logging.Init(logging.Config{Level: logging.ParseLevel("error")})
})

// fakeClient records the lifecycle traffic the manager sends. Shutdown
// responses are held until respond is called unless autoRespond is set.
type fakeClient struct {
	mu          sync.Mutex
	methods     []string
	exits       int
	autoRespond bool
	sendErr     error
	onResult    []rpc.ResultHandler
	onError     []rpc.ErrorHandler
}

func (c *fakeClient) SendRequest(req *protocol.Request, onResult rpc.ResultHandler, onError rpc.ErrorHandler) (int64, error) {
	c.mu.Lock()
	if c.sendErr != nil {
		c.mu.Unlock()
		return 0, c.sendErr
	}
	c.methods = append(c.methods, req.Method)
	c.onResult = append(c.onResult, onResult)
	c.onError = append(c.onError, onError)
	id := int64(len(c.methods))
	auto := c.autoRespond
	c.mu.Unlock()

	if auto {
		onResult(json.RawMessage("null"))
	}
	return id, nil
}

func (c *fakeClient) Exit() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exits++
	return nil
}

func (c *fakeClient) respond() {
	c.mu.Lock()
	h := c.onResult[len(c.onResult)-1]
	c.mu.Unlock()
	h(json.RawMessage("null"))
}

func (c *fakeClient) respondError(message string) {
	c.mu.Lock()
	h := c.onError[len(c.onError)-1]
	c.mu.Unlock()
	h(&protocol.Error{Code: protocol.CodeInternalError, Message: message})
}

func (c *fakeClient) shutdowns() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, m := range c.methods {
		if m == protocol.MethodShutdown {
			n++
		}
	}
	return n
}

func (c *fakeClient) exitCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exits
}

var errBrokenPipe = errors.New("broken pipe")
