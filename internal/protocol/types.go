// Package protocol defines the JSON-RPC message shapes spoken with language
// servers and the Content-Length framing used on the wire.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Version is the JSON-RPC version stamped on every outgoing message.
const Version = "2.0"

// Lifecycle and special-cased methods.
const (
	MethodInitialize  = "initialize"
	MethodInitialized = "initialized"
	MethodShutdown    = "shutdown"
	MethodExit        = "exit"
	MethodLogMessage  = "window/logMessage"
)

// Request is a method call that expects a response. The id is assigned by
// the client at send time.
type Request struct {
	Method string
	Params any
}

// NewRequest creates a request for method with optional params.
func NewRequest(method string, params any) *Request {
	return &Request{Method: method, Params: params}
}

// Payload returns the wire form of the request for the given id.
func (r *Request) Payload(id int64) any {
	return wireRequest{
		JSONRPC: Version,
		ID:      id,
		Method:  r.Method,
		Params:  r.Params,
	}
}

// Notification is a method call without an id; no response is expected.
type Notification struct {
	Method string
	Params any
}

// NewNotification creates a notification for method with optional params.
func NewNotification(method string, params any) *Notification {
	return &Notification{Method: method, Params: params}
}

// Payload returns the wire form of the notification.
func (n *Notification) Payload() any {
	return wireNotification{
		JSONRPC: Version,
		Method:  n.Method,
		Params:  n.Params,
	}
}

// Response answers a request by id with either a result or an error.
type Response struct {
	ID     int64
	Result any
	Error  *Error
}

// NewResult creates a success response.
func NewResult(id int64, result any) *Response {
	return &Response{ID: id, Result: result}
}

// NewErrorResponse creates an error response.
func NewErrorResponse(id int64, err *Error) *Response {
	return &Response{ID: id, Error: err}
}

// Payload returns the wire form of the response. A success response always
// carries a result member, null included.
func (r *Response) Payload() any {
	if r.Error != nil {
		return wireErrorResponse{JSONRPC: Version, ID: r.ID, Error: r.Error}
	}
	return wireResultResponse{JSONRPC: Version, ID: r.ID, Result: r.Result}
}

// Error is the error member of a response.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("rpc error %d: %s (data: %s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeServerNotInitialized = -32002
	CodeUnknownErrorCode     = -32001
	CodeRequestCancelled     = -32800
)

type wireRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type wireNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type wireResultResponse struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Result  any    `json:"result"`
}

type wireErrorResponse struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Error   *Error `json:"error"`
}

// Shutdown returns the first half of the graceful termination handshake.
func Shutdown() *Request {
	return NewRequest(MethodShutdown, nil)
}

// Exit returns the notification that tells a server to terminate.
func Exit() *Notification {
	return NewNotification(MethodExit, nil)
}

// Initialize returns the initialize request for the given params.
func Initialize(params *InitializeParams) *Request {
	return NewRequest(MethodInitialize, params)
}

// Initialized returns the notification sent after a successful initialize.
func Initialized() *Notification {
	return NewNotification(MethodInitialized, struct{}{})
}

// InitializeParams are the parameters of the initialize request.
type InitializeParams struct {
	ProcessID             int                `json:"processId"`
	RootPath              string             `json:"rootPath,omitempty"`
	RootURI               string             `json:"rootUri"`
	Capabilities          ClientCapabilities `json:"capabilities"`
	InitializationOptions any                `json:"initializationOptions,omitempty"`
}

// InitializeResult is the part of the initialize response kept by the client.
type InitializeResult struct {
	Capabilities json.RawMessage `json:"capabilities"`
}

// ClientCapabilities advertises what the client understands.
type ClientCapabilities struct {
	TextDocument TextDocumentClientCapabilities `json:"textDocument"`
	Workspace    WorkspaceClientCapabilities    `json:"workspace"`
}

// TextDocumentClientCapabilities lists text document features.
type TextDocumentClientCapabilities struct {
	Synchronization *SynchronizationCapability `json:"synchronization,omitempty"`
	Hover           *HoverCapability           `json:"hover,omitempty"`
	Definition      *struct{}                  `json:"definition,omitempty"`
	References      *struct{}                  `json:"references,omitempty"`
}

// SynchronizationCapability describes document sync support.
type SynchronizationCapability struct {
	DidSave bool `json:"didSave"`
}

// HoverCapability represents hover capabilities.
type HoverCapability struct {
	ContentFormat []string `json:"contentFormat,omitempty"`
}

// WorkspaceClientCapabilities lists workspace features.
type WorkspaceClientCapabilities struct {
	ApplyEdit bool `json:"applyEdit"`
}

// DefaultClientCapabilities returns the capabilities sent by the launcher.
func DefaultClientCapabilities() ClientCapabilities {
	return ClientCapabilities{
		TextDocument: TextDocumentClientCapabilities{
			Synchronization: &SynchronizationCapability{DidSave: true},
			Hover:           &HoverCapability{ContentFormat: []string{"markdown", "plaintext"}},
			Definition:      &struct{}{},
			References:      &struct{}{},
		},
	}
}

// LogMessageParams are the params of window/logMessage.
type LogMessageParams struct {
	Type    int    `json:"type"`
	Message string `json:"message"`
}
