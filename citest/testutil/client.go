package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// TestClient provides HTTP client utilities for testing
type TestClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewTestClient creates a new test HTTP client
func NewTestClient(baseURL string) *TestClient {
	return &TestClient{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// RequestOption configures HTTP requests
type RequestOption func(*http.Request)

// WithHeader adds a header to the request
func WithHeader(key, value string) RequestOption {
	return func(r *http.Request) {
		r.Header.Set(key, value)
	}
}

// WithQuery adds query parameters
func WithQuery(params map[string]string) RequestOption {
	return func(r *http.Request) {
		q := r.URL.Query()
		for k, v := range params {
			q.Set(k, v)
		}
		r.URL.RawQuery = q.Encode()
	}
}

// Response wraps HTTP response with helpers
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// JSON unmarshals response body into v
func (r *Response) JSON(v any) error {
	return json.Unmarshal(r.Body, v)
}

// String returns response body as string
func (r *Response) String() string {
	return string(r.Body)
}

// IsSuccess returns true if status code is 2xx
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Get performs HTTP GET request
func (c *TestClient) Get(ctx context.Context, path string, opts ...RequestOption) (*Response, error) {
	return c.do(ctx, http.MethodGet, path, nil, opts...)
}

// Post performs HTTP POST request with JSON body
func (c *TestClient) Post(ctx context.Context, path string, body any, opts ...RequestOption) (*Response, error) {
	return c.do(ctx, http.MethodPost, path, body, opts...)
}

// Delete performs HTTP DELETE request
func (c *TestClient) Delete(ctx context.Context, path string, opts ...RequestOption) (*Response, error) {
	return c.do(ctx, http.MethodDelete, path, nil, opts...)
}

// do performs the actual HTTP request
func (c *TestClient) do(ctx context.Context, method, path string, body any, opts ...RequestOption) (*Response, error) {
	fullURL := c.BaseURL + path

	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	for _, opt := range opts {
		opt(req)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       respBody,
	}, nil
}

// ---- lspmux API helpers ----

// Session mirrors the JSON form of session.Session.
type Session struct {
	ID          string    `json:"id"`
	Window      int       `json:"window"`
	Config      string    `json:"config"`
	ProjectPath string    `json:"projectPath"`
	State       string    `json:"state"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ConfigInfo mirrors server.ConfigInfo.
type ConfigInfo struct {
	Name    string   `json:"name"`
	Enabled bool     `json:"enabled"`
	Files   []string `json:"files"`
}

// APIError is the error body of a failed call.
type APIError struct {
	Status  int            `json:"-"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
}

// StartSessionRequest is the body of POST /windows/{window}/sessions.
type StartSessionRequest struct {
	Config      string   `json:"config,omitempty"`
	ProjectPath string   `json:"projectPath,omitempty"`
	Folders     []string `json:"folders,omitempty"`
	ActiveFile  string   `json:"activeFile,omitempty"`
}

// StartSession starts a session in window.
func (c *TestClient) StartSession(ctx context.Context, window int, req StartSessionRequest) (*Session, error) {
	resp, err := c.Post(ctx, fmt.Sprintf("/windows/%d/sessions", window), req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusCreated {
		return nil, resp.apiError()
	}
	var s Session
	if err := resp.JSON(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetSession returns the session of (window, config).
func (c *TestClient) GetSession(ctx context.Context, window int, config string) (*Session, error) {
	resp, err := c.Get(ctx, fmt.Sprintf("/windows/%d/sessions/%s", window, config))
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, resp.apiError()
	}
	var s Session
	if err := resp.JSON(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

// StopSession stops the session of (window, config) and, with wait, blocks
// until it is gone.
func (c *TestClient) StopSession(ctx context.Context, window int, config string, wait bool) error {
	var opts []RequestOption
	if wait {
		opts = append(opts, WithQuery(map[string]string{"wait": "true"}))
	}
	resp, err := c.Delete(ctx, fmt.Sprintf("/windows/%d/sessions/%s", window, config), opts...)
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return resp.apiError()
	}
	return nil
}

// RestartSession restarts the session of (window, config).
func (c *TestClient) RestartSession(ctx context.Context, window int, config string) (*Session, error) {
	resp, err := c.Post(ctx, fmt.Sprintf("/windows/%d/sessions/%s/restart", window, config), nil)
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, resp.apiError()
	}
	var s Session
	if err := resp.JSON(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ListSessions returns every session.
func (c *TestClient) ListSessions(ctx context.Context) ([]Session, error) {
	return c.sessions(ctx, "/sessions")
}

// WindowSessions returns the sessions of window.
func (c *TestClient) WindowSessions(ctx context.Context, window int) ([]Session, error) {
	return c.sessions(ctx, fmt.Sprintf("/windows/%d/sessions", window))
}

func (c *TestClient) sessions(ctx context.Context, path string) ([]Session, error) {
	resp, err := c.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, resp.apiError()
	}
	var list []Session
	if err := resp.JSON(&list); err != nil {
		return nil, err
	}
	return list, nil
}

// ListConfigs returns the configured clients.
func (c *TestClient) ListConfigs(ctx context.Context) ([]ConfigInfo, error) {
	resp, err := c.Get(ctx, "/configs")
	if err != nil {
		return nil, err
	}
	var list []ConfigInfo
	if err := resp.JSON(&list); err != nil {
		return nil, err
	}
	return list, nil
}

// Forward relays a request to the server of (window, config) and returns
// its result.
func (c *TestClient) Forward(ctx context.Context, window int, config, method string, params any) (json.RawMessage, error) {
	body := map[string]any{"method": method}
	if params != nil {
		body["params"] = params
	}
	resp, err := c.Post(ctx, fmt.Sprintf("/windows/%d/sessions/%s/request", window, config), body)
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, resp.apiError()
	}
	return json.RawMessage(resp.Body), nil
}

// Reconcile reports the windows that are still open.
func (c *TestClient) Reconcile(ctx context.Context, open ...int) error {
	if open == nil {
		open = []int{}
	}
	resp, err := c.Post(ctx, "/windows/reconcile", map[string]any{"open": open})
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return resp.apiError()
	}
	return nil
}

// ChangeProject reports a new project path for window.
func (c *TestClient) ChangeProject(ctx context.Context, window int, projectPath string) error {
	resp, err := c.Post(ctx, fmt.Sprintf("/windows/%d/project", window), map[string]string{"projectPath": projectPath})
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return resp.apiError()
	}
	return nil
}

func (r *Response) apiError() error {
	var body struct {
		Error APIError `json:"error"`
	}
	if err := r.JSON(&body); err != nil {
		body.Error.Message = r.String()
	}
	body.Error.Status = r.StatusCode
	return &body.Error
}
