package session

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/opencode-ai/lspmux/internal/event"
	"github.com/opencode-ai/lspmux/internal/logging"
	"github.com/opencode-ai/lspmux/internal/protocol"
)

// Manager owns the registry of sessions, keyed by window and configuration
// name. It is safe for concurrent use. Every removal path checks that the
// entry still exists and is the same session, so racing stops, crash reports
// and window sweeps are harmless.
type Manager struct {
	mu      sync.Mutex
	windows map[WindowID]map[string]*Session

	// Windows found closed and waiting to be stopped.
	closedQueue []WindowID
	queued      map[WindowID]bool

	allUnloaded func(w WindowID)
	changed     chan struct{}

	bus *event.Bus
	log zerolog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(log zerolog.Logger) Option {
	return func(m *Manager) {
		m.log = log
	}
}

// WithBus publishes lifecycle events on bus.
func WithBus(bus *event.Bus) Option {
	return func(m *Manager) {
		m.bus = bus
	}
}

// NewManager creates an empty registry.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		windows: make(map[WindowID]map[string]*Session),
		queued:  make(map[WindowID]bool),
		changed: make(chan struct{}),
		log:     logging.For("session"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnAllUnloaded sets the hook run when the last session of a window has been
// removed.
func (m *Manager) OnAllUnloaded(hook func(w WindowID)) {
	m.mu.Lock()
	m.allUnloaded = hook
	m.mu.Unlock()
}

// CanStart reports whether no entry exists for (w, config).
func (m *Manager) CanStart(w WindowID, config string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.get(w, config) == nil
}

// BeginSession creates a Starting entry. The caller launches the server and
// then calls MarkReady, or Abort when the launch fails.
func (m *Manager) BeginSession(w WindowID, config, projectPath string) (Session, error) {
	m.mu.Lock()
	if m.get(w, config) != nil {
		m.mu.Unlock()
		return Session{}, fmt.Errorf("%w: window %d, config %q", ErrSessionExists, w, config)
	}
	s := newSession(w, config, projectPath)
	configs, ok := m.windows[w]
	if !ok {
		configs = make(map[string]*Session)
		m.windows[w] = configs
	}
	configs[config] = s
	snapshot := *s
	m.mu.Unlock()

	m.log.Debug().Int("window", int(w)).Str("config", config).Str("session", s.ID).Msg("session starting")
	m.publish(event.SessionStarting, snapshot)
	return snapshot, nil
}

// MarkReady attaches client to the Starting entry created by the
// BeginSession call that returned id and makes it visible to Lookup.
func (m *Manager) MarkReady(w WindowID, config, id string, client Client) error {
	m.mu.Lock()
	s := m.get(w, config)
	switch {
	case client == nil:
		m.mu.Unlock()
		return fmt.Errorf("%w: nil client for window %d, config %q", ErrInvalidState, w, config)
	case s == nil:
		m.mu.Unlock()
		m.log.Error().Int("window", int(w)).Str("config", config).Msg("mark ready without a session")
		return fmt.Errorf("%w: window %d, config %q", ErrNoSession, w, config)
	case s.ID != id:
		current := s.ID
		m.mu.Unlock()
		m.log.Warn().Int("window", int(w)).Str("config", config).Str("session", id).Str("current", current).Msg("mark ready on a replaced session")
		return fmt.Errorf("%w: window %d, config %q was replaced by session %s", ErrInvalidState, w, config, current)
	case s.State != Starting:
		state := s.State
		m.mu.Unlock()
		m.log.Error().Int("window", int(w)).Str("config", config).Stringer("state", state).Msg("mark ready on a session that is not starting")
		return fmt.Errorf("%w: window %d, config %q is %s", ErrInvalidState, w, config, state)
	}
	s.State = Ready
	s.Client = client
	snapshot := *s
	m.mu.Unlock()

	m.log.Info().Int("window", int(w)).Str("config", config).Str("session", s.ID).Msg("session ready")
	m.publish(event.SessionReady, snapshot)
	return nil
}

// Lookup returns the client of a Ready session, nil otherwise.
func (m *Manager) Lookup(w WindowID, config string) Client {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.get(w, config)
	if s == nil || s.State != Ready {
		return nil
	}
	return s.Client
}

// Get returns a snapshot of the entry for (w, config).
func (m *Manager) Get(w WindowID, config string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.get(w, config)
	if s == nil {
		return Session{}, false
	}
	return *s, true
}

// Stop shuts the session down. The entry is Stopping when Stop returns; it is
// removed once the server answers the shutdown request, after exit has been
// sent. Stopping a missing or already stopping session does nothing. A
// Starting session has no client yet and is removed at once.
func (m *Manager) Stop(w WindowID, config string) {
	m.mu.Lock()
	s := m.get(w, config)
	if s == nil || s.State == Stopping {
		m.mu.Unlock()
		return
	}
	if s.State == Starting {
		m.mu.Unlock()
		m.log.Debug().Int("window", int(w)).Str("config", config).Msg("stopping a session that never became ready")
		m.remove(s)
		return
	}
	s.State = Stopping
	client := s.Client
	snapshot := *s
	m.mu.Unlock()

	m.log.Info().Int("window", int(w)).Str("config", config).Str("session", s.ID).Msg("stopping session")
	m.publish(event.SessionStopping, snapshot)
	m.shutdown(s, client)
}

// shutdown runs the two phase termination: exit and removal follow the first
// response to shutdown, whatever it says.
func (m *Manager) shutdown(s *Session, client Client) {
	var once sync.Once
	finish := func() {
		once.Do(func() {
			if err := client.Exit(); err != nil {
				m.log.Debug().Err(err).Str("config", s.Config).Msg("exit not delivered")
			}
			m.remove(s)
		})
	}

	_, err := client.SendRequest(protocol.Shutdown(),
		func(json.RawMessage) { finish() },
		func(e *protocol.Error) {
			m.log.Warn().Err(e).Str("config", s.Config).Msg("server refused shutdown")
			finish()
		},
	)
	if err != nil {
		m.log.Warn().Err(err).Str("config", s.Config).Msg("shutdown not delivered")
		finish()
	}
}

// Abort removes the Starting entry with the given id after its launch
// failed. An entry created by a later BeginSession is left alone.
func (m *Manager) Abort(w WindowID, config, id string) {
	m.mu.Lock()
	s := m.get(w, config)
	if s == nil || s.ID != id || s.State != Starting {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.log.Debug().Int("window", int(w)).Str("config", config).Str("session", id).Msg("aborting session start")
	m.remove(s)
}

// HandleCrash removes the entry bound to client after its transport closed
// unexpectedly. A crash reported for a client that no longer owns the entry
// is ignored.
func (m *Manager) HandleCrash(w WindowID, config string, client Client) {
	m.mu.Lock()
	s := m.get(w, config)
	if s == nil || s.Client == nil || s.Client != client {
		m.mu.Unlock()
		return
	}
	snapshot := *s
	m.mu.Unlock()

	m.log.Warn().Int("window", int(w)).Str("config", config).Str("session", s.ID).Msg("server crashed")
	m.publish(event.SessionCrashed, snapshot)
	m.remove(s)
}

// ReconcileClosedWindows stops every session of the windows that are not in
// open. A window is queued at most once until it has been processed.
func (m *Manager) ReconcileClosedWindows(open []WindowID) {
	openSet := make(map[WindowID]bool, len(open))
	for _, w := range open {
		openSet[w] = true
	}

	m.mu.Lock()
	for w := range m.windows {
		if !openSet[w] && !m.queued[w] {
			m.queued[w] = true
			m.closedQueue = append(m.closedQueue, w)
		}
	}
	batch := m.closedQueue
	m.closedQueue = nil
	m.mu.Unlock()

	for _, w := range batch {
		m.log.Debug().Int("window", int(w)).Msg("window closed, stopping its sessions")
		for _, s := range m.Window(w) {
			m.Stop(w, s.Config)
		}
	}

	m.mu.Lock()
	for _, w := range batch {
		delete(m.queued, w)
	}
	m.mu.Unlock()
}

// ReconcileProjectChange stops Ready sessions of w that were started for a
// project other than projectPath, whatever their configuration.
func (m *Manager) ReconcileProjectChange(w WindowID, projectPath string) {
	current := filepath.Clean(projectPath)
	for _, s := range m.Window(w) {
		if s.State == Ready && filepath.Clean(s.ProjectPath) != current {
			m.log.Info().Int("window", int(w)).Str("config", s.Config).
				Str("from", s.ProjectPath).Str("to", projectPath).Msg("project changed, stopping session")
			m.Stop(w, s.Config)
		}
	}
}

// StopConfig stops config in every window.
func (m *Manager) StopConfig(config string) {
	for _, s := range m.Sessions() {
		if s.Config == config {
			m.Stop(s.Window, s.Config)
		}
	}
}

// UnloadAll stops every session regardless of its state.
func (m *Manager) UnloadAll() {
	for _, s := range m.Sessions() {
		m.Stop(s.Window, s.Config)
	}
}

// Shutdown unloads all sessions and waits until the registry is empty.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.UnloadAll()
	for {
		m.mu.Lock()
		n := m.countLocked()
		changed := m.changed
		m.mu.Unlock()

		if n == 0 {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return fmt.Errorf("%d sessions still stopping: %w", n, ctx.Err())
		}
	}
}

// WaitRemoved blocks until (w, config) has no entry.
func (m *Manager) WaitRemoved(ctx context.Context, w WindowID, config string) error {
	for {
		m.mu.Lock()
		present := m.get(w, config) != nil
		changed := m.changed
		m.mu.Unlock()

		if !present {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return fmt.Errorf("window %d, config %q still present: %w", w, config, ctx.Err())
		}
	}
}

// Sessions returns a snapshot of every entry, ordered by window and
// configuration name.
func (m *Manager) Sessions() []Session {
	m.mu.Lock()
	out := make([]Session, 0, m.countLocked())
	for _, configs := range m.windows {
		for _, s := range configs {
			out = append(out, *s)
		}
	}
	m.mu.Unlock()

	sortSessions(out)
	return out
}

// Window returns a snapshot of the entries of w, ordered by configuration
// name.
func (m *Manager) Window(w WindowID) []Session {
	m.mu.Lock()
	configs := m.windows[w]
	out := make([]Session, 0, len(configs))
	for _, s := range configs {
		out = append(out, *s)
	}
	m.mu.Unlock()

	sortSessions(out)
	return out
}

func (m *Manager) get(w WindowID, config string) *Session {
	return m.windows[w][config]
}

func (m *Manager) countLocked() int {
	n := 0
	for _, configs := range m.windows {
		n += len(configs)
	}
	return n
}

// remove deletes s if it still owns its slot. Emptying a window runs the
// all-unloaded hook.
func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	configs := m.windows[s.Window]
	if configs[s.Config] != s {
		m.mu.Unlock()
		return
	}
	delete(configs, s.Config)
	emptied := len(configs) == 0
	if emptied {
		delete(m.windows, s.Window)
	}
	hook := m.allUnloaded
	snapshot := *s
	close(m.changed)
	m.changed = make(chan struct{})
	m.mu.Unlock()

	m.log.Debug().Int("window", int(s.Window)).Str("config", s.Config).Str("session", s.ID).Msg("session removed")
	m.publish(event.SessionRemoved, snapshot)

	if !emptied {
		return
	}
	m.publishEvent(event.Event{Type: event.WindowUnloaded, Data: event.WindowUnloadedData{Window: int(s.Window)}})
	if hook != nil {
		hook(s.Window)
	}
}

func (m *Manager) publish(t event.EventType, s Session) {
	m.publishEvent(event.Event{
		Type: t,
		Data: event.SessionData{
			ID:          s.ID,
			Window:      int(s.Window),
			Config:      s.Config,
			State:       s.State.String(),
			ProjectPath: s.ProjectPath,
		},
	})
}

func (m *Manager) publishEvent(e event.Event) {
	if m.bus != nil {
		m.bus.Publish(e)
	}
}

func sortSessions(list []Session) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].Window != list[j].Window {
			return list[i].Window < list[j].Window
		}
		return list[i].Config < list[j].Config
	})
}
