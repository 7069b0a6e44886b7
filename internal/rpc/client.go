// Package rpc implements the JSON-RPC dispatcher that talks to one language
// server: it assigns request ids, keeps track of outstanding requests and
// routes inbound requests, notifications and responses to their handlers.
//
// The transport read loop hands complete messages to the client over a
// channel. A single dispatch goroutine per client decodes them and invokes
// every handler, so handlers of one client never run concurrently. Handlers
// run on that goroutine, not on the caller's; hosts with a single UI thread
// must marshal results back themselves.
package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/opencode-ai/lspmux/internal/logging"
	"github.com/opencode-ai/lspmux/internal/protocol"
	"github.com/opencode-ai/lspmux/internal/transport"
)

var (
	// ErrClosed is returned by send operations once the transport is gone.
	ErrClosed = errors.New("client closed")

	// ErrInvalidHandler is returned when registering a handler without a
	// method name or with a nil handler.
	ErrInvalidHandler = errors.New("invalid handler registration")
)

// closedMessage is shown through the error display hook when a server goes
// away without being asked to.
const closedMessage = "communication to server closed, exiting"

// inboxSize bounds how far the read loop can run ahead of dispatch.
const inboxSize = 64

type lifecycle int32

const (
	stateActive lifecycle = iota
	stateExiting
	stateClosed
)

// Client is a connection to one language server.
type Client struct {
	transport   transport.Transport
	name        string
	projectPath string
	log         zerolog.Logger
	logPayloads bool

	nextID atomic.Int64
	state  atomic.Int32

	mu                   sync.Mutex
	pending              map[int64]responseHandlers
	requestHandlers      map[string]RequestHandler
	notificationHandlers map[string]NotificationHandler
	crashHandler         func()
	failureHandler       func()
	errorDisplay         func(message string)
	capabilities         json.RawMessage

	inbox       chan []byte
	closeReason error
	done        chan struct{}
}

// Option configures a Client.
type Option func(*Client)

// WithName sets the server name used in log output.
func WithName(name string) Option {
	return func(c *Client) {
		c.name = name
	}
}

// WithLogger sets the client logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) {
		c.log = log
	}
}

// WithPayloadLogging logs params and results of every message at debug level.
func WithPayloadLogging(enabled bool) Option {
	return func(c *Client) {
		c.logPayloads = enabled
	}
}

// WithProjectPath records the project root the server was started for.
func WithProjectPath(path string) Option {
	return func(c *Client) {
		c.projectPath = path
	}
}

// WithErrorDisplay sets the hook that surfaces errors to the user.
func WithErrorDisplay(fn func(message string)) Option {
	return func(c *Client) {
		c.errorDisplay = fn
	}
}

// NewClient wraps t and starts reading from it.
func NewClient(t transport.Transport, opts ...Option) *Client {
	c := &Client{
		transport:            t,
		log:                  logging.For("rpc"),
		pending:              make(map[int64]responseHandlers),
		requestHandlers:      make(map[string]RequestHandler),
		notificationHandlers: make(map[string]NotificationHandler),
		inbox:                make(chan []byte, inboxSize),
		done:                 make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.name != "" {
		c.log = c.log.With().Str("server", c.name).Logger()
	}
	if c.errorDisplay == nil {
		log := c.log
		c.errorDisplay = func(message string) {
			log.Error().Msg(message)
		}
	}

	go c.dispatchLoop()
	t.Start(c.enqueue, c.onTransportClosed)
	return c
}

// Name returns the server name.
func (c *Client) Name() string {
	return c.name
}

// ProjectPath returns the project root the server was started for.
func (c *Client) ProjectPath() string {
	return c.projectPath
}

// SendRequest sends req and registers the handlers for its response. The
// assigned id is returned. Exactly one of onResult and onError runs when the
// response arrives; without onError an error response goes to the error
// display hook.
func (c *Client) SendRequest(req *protocol.Request, onResult ResultHandler, onError ErrorHandler) (int64, error) {
	if c.isClosed() {
		return 0, ErrClosed
	}

	id := c.nextID.Add(1)

	c.mu.Lock()
	c.pending[id] = responseHandlers{method: req.Method, onResult: onResult, onError: onError}
	c.mu.Unlock()

	c.log.Debug().Int64("id", id).Msgf(" --> %s", req.Method)
	if c.logPayloads && req.Params != nil {
		c.log.Debug().Interface("params", req.Params).Msg("     request params")
	}

	if err := c.send(req.Payload(id)); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return 0, fmt.Errorf("send %s: %w", req.Method, err)
	}
	return id, nil
}

// SendNotification sends n without expecting a response.
func (c *Client) SendNotification(n *protocol.Notification) error {
	if c.isClosed() {
		return ErrClosed
	}
	c.log.Debug().Msgf(" --> %s", n.Method)
	if err := c.send(n.Payload()); err != nil {
		return fmt.Errorf("send %s: %w", n.Method, err)
	}
	return nil
}

// SendResponse answers a request the server sent.
func (c *Client) SendResponse(r *protocol.Response) error {
	if c.isClosed() {
		return ErrClosed
	}
	if err := c.send(r.Payload()); err != nil {
		return fmt.Errorf("send response %d: %w", r.ID, err)
	}
	return nil
}

// OnRequest registers the handler for server requests of method. A second
// registration replaces the first.
func (c *Client) OnRequest(method string, h RequestHandler) error {
	if method == "" || h == nil {
		return ErrInvalidHandler
	}
	c.mu.Lock()
	_, replaced := c.requestHandlers[method]
	c.requestHandlers[method] = h
	c.mu.Unlock()

	if replaced {
		c.log.Warn().Str("method", method).Msg("replacing request handler")
	}
	return nil
}

// OnNotification registers the handler for server notifications of method.
// A second registration replaces the first.
func (c *Client) OnNotification(method string, h NotificationHandler) error {
	if method == "" || h == nil {
		return ErrInvalidHandler
	}
	c.mu.Lock()
	_, replaced := c.notificationHandlers[method]
	c.notificationHandlers[method] = h
	c.mu.Unlock()

	if replaced {
		c.log.Warn().Str("method", method).Msg("replacing notification handler")
	}
	return nil
}

// SetCrashHandler sets the hook run after an unexpected transport closure.
func (c *Client) SetCrashHandler(fn func()) {
	c.mu.Lock()
	c.crashHandler = fn
	c.mu.Unlock()
}

// SetTransportFailureHandler sets the hook run before the crash hook after
// an unexpected transport closure. Owners use it to terminate the process.
func (c *Client) SetTransportFailureHandler(fn func()) {
	c.mu.Lock()
	c.failureHandler = fn
	c.mu.Unlock()
}

// SetErrorDisplayHandler replaces the error display hook.
func (c *Client) SetErrorDisplayHandler(fn func(message string)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.errorDisplay = fn
	c.mu.Unlock()
}

// Exit marks the client as exiting and sends the exit notification. The
// transport closure that follows is expected and runs no crash handling.
// Calling Exit again has no effect.
func (c *Client) Exit() error {
	if !c.state.CompareAndSwap(int32(stateActive), int32(stateExiting)) {
		return nil
	}
	return c.SendNotification(protocol.Exit())
}

// Close closes the transport without the exit handshake.
func (c *Client) Close() error {
	return c.transport.Close()
}

// Done is closed once the transport has closed and dispatch has stopped.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// IsExiting reports whether Exit was called.
func (c *Client) IsExiting() bool {
	return lifecycle(c.state.Load()) != stateActive
}

// PendingCount returns the number of outstanding requests.
func (c *Client) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// IsPending reports whether a request id still awaits its response.
func (c *Client) IsPending(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[id]
	return ok
}

// SetCapabilities stores the server capabilities returned by initialize.
func (c *Client) SetCapabilities(capabilities json.RawMessage) {
	c.mu.Lock()
	c.capabilities = capabilities
	c.mu.Unlock()
}

// HasCapability reports whether the server advertised capability, for
// example "definitionProvider". Absent, null and false count as missing.
func (c *Client) HasCapability(capability string) bool {
	c.mu.Lock()
	caps := c.capabilities
	c.mu.Unlock()

	if len(caps) == 0 {
		return false
	}
	v := gjson.GetBytes(caps, capability)
	return v.Exists() && v.Type != gjson.Null && v.Type != gjson.False
}

func (c *Client) isClosed() bool {
	return lifecycle(c.state.Load()) == stateClosed
}

func (c *Client) send(payload any) error {
	return c.transport.Send(protocol.MustEncode(payload))
}

// enqueue runs on the transport read loop.
func (c *Client) enqueue(body []byte) {
	c.inbox <- body
}

// onTransportClosed runs on the transport read loop after its last enqueue,
// so closing the inbox cannot race with a send on it.
func (c *Client) onTransportClosed(reason error) {
	c.closeReason = reason
	close(c.inbox)
}

func (c *Client) dispatchLoop() {
	for body := range c.inbox {
		c.receive(body)
	}
	c.handleClosed()
}

func (c *Client) receive(body []byte) {
	msg, err := protocol.Decode(body)
	if err != nil {
		c.log.Warn().Err(err).Str("payload", truncate(body, 200)).Msg("dropping undecodable payload")
		return
	}

	switch msg.Kind {
	case protocol.KindRequest:
		c.handleRequest(msg)
	case protocol.KindNotification:
		c.handleNotification(msg)
	case protocol.KindResponse:
		c.handleResponse(msg)
	default:
		c.log.Debug().Str("payload", truncate(body, 200)).Msg("unknown payload type")
	}
}

func (c *Client) handleResponse(msg *protocol.Message) {
	c.mu.Lock()
	h, ok := c.pending[msg.ID]
	if ok {
		delete(c.pending, msg.ID)
	}
	display := c.errorDisplay
	c.mu.Unlock()

	if c.logPayloads && msg.HasResult() {
		c.log.Debug().Int64("id", msg.ID).RawJSON("result", msg.Result).Msg("     response")
	}

	if !ok {
		c.log.Debug().Int64("id", msg.ID).Msg("no handler found for response")
		return
	}

	target := h.method + "#" + strconv.FormatInt(msg.ID, 10)
	switch {
	case msg.HasResult() && msg.Error == nil:
		if h.onResult != nil {
			c.invoke("response", target, func() error {
				h.onResult(msg.Result)
				return nil
			})
		}
	case msg.Error != nil && !msg.HasResult():
		if h.onError != nil {
			c.invoke("error response", target, func() error {
				h.onError(msg.Error)
				return nil
			})
			return
		}
		c.invoke("error display", target, func() error {
			display(msg.Error.Message)
			return nil
		})
	default:
		c.log.Warn().Int64("id", msg.ID).Str("payload", truncate(msg.Raw, 200)).Msg("invalid response payload")
	}
}

func (c *Client) handleRequest(msg *protocol.Message) {
	c.log.Debug().Int64("id", msg.ID).Msgf("<--  %s", msg.Method)
	if c.logPayloads && len(msg.Params) > 0 {
		c.log.Debug().RawJSON("params", msg.Params).Msg("     request params")
	}

	c.mu.Lock()
	h, ok := c.requestHandlers[msg.Method]
	c.mu.Unlock()

	if !ok {
		c.log.Debug().Str("method", msg.Method).Msg("unhandled request")
		return
	}
	c.invoke("request", msg.Method, func() error {
		return h.HandleRequest(msg.Params, msg.ID)
	})
}

func (c *Client) handleNotification(msg *protocol.Message) {
	c.log.Debug().Msgf("<--  %s", msg.Method)

	if msg.Method == protocol.MethodLogMessage {
		c.logServerMessage(msg.Params)
		return
	}

	if c.logPayloads && len(msg.Params) > 0 {
		c.log.Debug().RawJSON("params", msg.Params).Msg("     notification params")
	}

	c.mu.Lock()
	h, ok := c.notificationHandlers[msg.Method]
	c.mu.Unlock()

	if !ok {
		c.log.Debug().Str("method", msg.Method).Msg("unhandled notification")
		return
	}
	c.invoke("notification", msg.Method, func() error {
		return h.HandleNotification(msg.Params)
	})
}

func (c *Client) logServerMessage(params json.RawMessage) {
	message := "???"
	var p protocol.LogMessageParams
	if len(params) > 0 && json.Unmarshal(params, &p) == nil && p.Message != "" {
		message = p.Message
	}
	var e *zerolog.Event
	switch p.Type {
	case 1:
		e = c.log.Error()
	case 2:
		e = c.log.Warn()
	case 3:
		e = c.log.Info()
	default:
		e = c.log.Debug()
	}
	e.Int("type", p.Type).Msg(message)
}

func (c *Client) handleClosed() {
	prev := lifecycle(c.state.Swap(int32(stateClosed)))

	c.mu.Lock()
	abandoned := len(c.pending)
	c.pending = make(map[int64]responseHandlers)
	display, failure, crash := c.errorDisplay, c.failureHandler, c.crashHandler
	c.mu.Unlock()

	defer close(c.done)

	if prev == stateExiting {
		c.log.Debug().Int("abandoned", abandoned).Msg("server connection closed after exit")
		return
	}

	c.log.Warn().Err(c.closeReason).Int("abandoned", abandoned).Msg("server connection closed unexpectedly")
	c.invoke("error display", "transport", func() error {
		display(closedMessage)
		return nil
	})
	if failure != nil {
		c.invoke("transport failure", "transport", func() error {
			failure()
			return nil
		})
	}
	if crash != nil {
		c.invoke("crash", "transport", func() error {
			crash()
			return nil
		})
	}
}

func truncate(b []byte, limit int) string {
	if len(b) <= limit {
		return string(b)
	}
	return string(b[:limit]) + "..."
}
