package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/opencode-ai/lspmux/internal/protocol"
)

// ResultHandler receives the result of a successful request.
type ResultHandler func(result json.RawMessage)

// ErrorHandler receives the error of a failed request.
type ErrorHandler func(err *protocol.Error)

// RequestHandler serves a request sent by the server.
type RequestHandler interface {
	HandleRequest(params json.RawMessage, id int64) error
}

// RequestHandlerFunc adapts a function to RequestHandler.
type RequestHandlerFunc func(params json.RawMessage, id int64) error

// HandleRequest calls f.
func (f RequestHandlerFunc) HandleRequest(params json.RawMessage, id int64) error {
	return f(params, id)
}

// NotificationHandler serves a notification sent by the server.
type NotificationHandler interface {
	HandleNotification(params json.RawMessage) error
}

// NotificationHandlerFunc adapts a function to NotificationHandler.
type NotificationHandlerFunc func(params json.RawMessage) error

// HandleNotification calls f.
func (f NotificationHandlerFunc) HandleNotification(params json.RawMessage) error {
	return f(params)
}

// responseHandlers is the bookkeeping entry for one outstanding request.
type responseHandlers struct {
	method   string
	onResult ResultHandler
	onError  ErrorHandler
}

// invoke runs one handler. Returned errors and panics end up in the log
// and never reach the dispatch loop.
func (c *Client) invoke(kind, target string, fn func() error) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return fn()
	}()
	if err != nil {
		c.log.Error().Err(err).Str("kind", kind).Str("target", target).Msg("error handling server payload")
	}
}
