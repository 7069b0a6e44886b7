package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/opencode-ai/lspmux/internal/config"
	"github.com/opencode-ai/lspmux/internal/launcher"
	"github.com/opencode-ai/lspmux/internal/protocol"
	"github.com/opencode-ai/lspmux/internal/session"
	"github.com/opencode-ai/lspmux/internal/workspace"
)

// StartSessionRequest is the body of POST /windows/{window}/sessions. When
// Config is empty the configuration is selected from ActiveFile. When
// ProjectPath is empty it is derived from Folders and ActiveFile.
type StartSessionRequest struct {
	Config      string   `json:"config,omitempty"`
	ProjectPath string   `json:"projectPath,omitempty"`
	Folders     []string `json:"folders,omitempty"`
	ActiveFile  string   `json:"activeFile,omitempty"`
}

// ReconcileRequest lists the windows that are still open.
type ReconcileRequest struct {
	Open []int `json:"open"`
}

// ProjectChangeRequest is the body of POST /windows/{window}/project.
type ProjectChangeRequest struct {
	ProjectPath string `json:"projectPath"`
}

// ForwardRequest is a request relayed to the server of a session.
type ForwardRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ConfigInfo describes one configured client.
type ConfigInfo struct {
	Name    string   `json:"name"`
	Enabled bool     `json:"enabled"`
	Files   []string `json:"files,omitempty"`
	TCPPort int      `json:"tcpPort,omitempty"`
}

// listSessions handles GET /sessions
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Sessions())
}

// listConfigs handles GET /configs
func (s *Server) listConfigs(w http.ResponseWriter, r *http.Request) {
	settings := s.launcher.Settings()
	out := make([]ConfigInfo, 0, len(settings.Clients))
	for _, name := range config.ClientNames(settings) {
		c := settings.Clients[name]
		out = append(out, ConfigInfo{Name: name, Enabled: c.IsEnabled(), Files: c.Files, TCPPort: c.TCPPort})
	}
	writeJSON(w, http.StatusOK, out)
}

// windowSessions handles GET /windows/{window}/sessions
func (s *Server) windowSessions(w http.ResponseWriter, r *http.Request) {
	win, ok := windowParam(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.manager.Window(win))
}

// getSession handles GET /windows/{window}/sessions/{config}
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	win, ok := windowParam(w, r)
	if !ok {
		return
	}
	sess, found := s.manager.Get(win, chi.URLParam(r, "config"))
	if !found {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "no such session")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// startSession handles POST /windows/{window}/sessions
func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	win, ok := windowParam(w, r)
	if !ok {
		return
	}

	var req StartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}

	projectPath := req.ProjectPath
	if projectPath == "" {
		projectPath, _ = workspace.ProjectPath(req.Folders, req.ActiveFile)
	}

	name := req.Config
	if name == "" {
		if req.ActiveFile == "" {
			writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "config or activeFile required")
			return
		}
		cfg, found := config.NewSelector(s.launcher.Settings(), projectPath).Select(req.ActiveFile)
		if !found {
			writeError(w, http.StatusNotFound, ErrCodeNotFound, "no configuration for "+req.ActiveFile)
			return
		}
		name = cfg.Name
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
	defer cancel()

	if _, err := s.launcher.Start(ctx, win, name, projectPath); err != nil {
		writeLaunchError(w, err)
		return
	}

	sess, _ := s.manager.Get(win, name)
	writeJSON(w, http.StatusCreated, sess)
}

// stopSession handles DELETE /windows/{window}/sessions/{config}
func (s *Server) stopSession(w http.ResponseWriter, r *http.Request) {
	win, ok := windowParam(w, r)
	if !ok {
		return
	}
	name := chi.URLParam(r, "config")
	if _, found := s.manager.Get(win, name); !found {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "no such session")
		return
	}

	s.manager.Stop(win, name)

	if r.URL.Query().Get("wait") == "true" {
		ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
		defer cancel()
		if err := s.manager.WaitRemoved(ctx, win, name); err != nil {
			writeError(w, http.StatusGatewayTimeout, ErrCodeTimeout, err.Error())
			return
		}
	}
	writeSuccess(w)
}

// restartSession handles POST /windows/{window}/sessions/{config}/restart
func (s *Server) restartSession(w http.ResponseWriter, r *http.Request) {
	win, ok := windowParam(w, r)
	if !ok {
		return
	}
	name := chi.URLParam(r, "config")
	current, found := s.manager.Get(win, name)
	if !found {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "no such session")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
	defer cancel()

	if _, err := s.launcher.Restart(ctx, win, name, current.ProjectPath); err != nil {
		writeLaunchError(w, err)
		return
	}
	sess, _ := s.manager.Get(win, name)
	writeJSON(w, http.StatusOK, sess)
}

// forwardRequest handles POST /windows/{window}/sessions/{config}/request
func (s *Server) forwardRequest(w http.ResponseWriter, r *http.Request) {
	win, ok := windowParam(w, r)
	if !ok {
		return
	}

	var req ForwardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Method == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "method required")
		return
	}

	client := s.manager.Lookup(win, chi.URLParam(r, "config"))
	if client == nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "no ready session")
		return
	}

	var params any
	if len(req.Params) > 0 {
		params = req.Params
	}

	type outcome struct {
		result json.RawMessage
		err    *protocol.Error
	}
	done := make(chan outcome, 1)
	_, err := client.SendRequest(protocol.NewRequest(req.Method, params),
		func(result json.RawMessage) { done <- outcome{result: result} },
		func(e *protocol.Error) { done <- outcome{err: e} },
	)
	if err != nil {
		writeError(w, http.StatusBadGateway, ErrCodeServerError, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
	defer cancel()

	select {
	case o := <-done:
		if o.err != nil {
			writeErrorWithDetails(w, http.StatusBadGateway, ErrCodeServerError, o.err.Message, map[string]any{
				"code": o.err.Code,
				"data": o.err.Data,
			})
			return
		}
		writeJSON(w, http.StatusOK, o.result)
	case <-ctx.Done():
		writeError(w, http.StatusGatewayTimeout, ErrCodeTimeout, "no response from server")
	}
}

// reconcileWindows handles POST /windows/reconcile
func (s *Server) reconcileWindows(w http.ResponseWriter, r *http.Request) {
	var req ReconcileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}

	open := make([]session.WindowID, len(req.Open))
	for i, id := range req.Open {
		open[i] = session.WindowID(id)
	}
	s.manager.ReconcileClosedWindows(open)
	writeSuccess(w)
}

// changeProject handles POST /windows/{window}/project
func (s *Server) changeProject(w http.ResponseWriter, r *http.Request) {
	win, ok := windowParam(w, r)
	if !ok {
		return
	}
	var req ProjectChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ProjectPath == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "projectPath required")
		return
	}
	s.manager.ReconcileProjectChange(win, req.ProjectPath)
	writeSuccess(w)
}

func windowParam(w http.ResponseWriter, r *http.Request) (session.WindowID, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "window"))
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "window must be an integer")
		return 0, false
	}
	return session.WindowID(id), true
}

// writeLaunchError maps launcher errors to HTTP responses.
func writeLaunchError(w http.ResponseWriter, err error) {
	var launchErr *launcher.LaunchError
	switch {
	case errors.Is(err, launcher.ErrUnknownConfig):
		writeError(w, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case errors.Is(err, launcher.ErrDisabled):
		writeError(w, http.StatusConflict, ErrCodeDisabled, err.Error())
	case errors.Is(err, launcher.ErrAlreadyStarted):
		writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, ErrCodeTimeout, err.Error())
	case errors.As(err, &launchErr):
		writeErrorWithDetails(w, http.StatusBadGateway, ErrCodeLaunchFailed, err.Error(), map[string]any{
			"op":     launchErr.Op,
			"config": launchErr.Config,
		})
	default:
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
	}
}
