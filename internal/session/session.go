// Package session tracks the language server sessions of every open window.
//
// A session is identified by (window, configuration name) and moves through
// Starting, Ready and Stopping before it is removed. The Manager is the only
// way to change that state.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/opencode-ai/lspmux/internal/protocol"
	"github.com/opencode-ai/lspmux/internal/rpc"
)

var (
	// ErrSessionExists is returned by BeginSession when the pair already has
	// an entry.
	ErrSessionExists = errors.New("session already exists")

	// ErrNoSession is returned when no entry exists for the pair.
	ErrNoSession = errors.New("no such session")

	// ErrInvalidState is returned when an entry is not in the state an
	// operation requires.
	ErrInvalidState = errors.New("invalid session state")
)

// WindowID identifies an editor window.
type WindowID int

// State is the lifecycle state of a session.
type State int

const (
	Starting State = iota
	Ready
	Stopping
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Ready:
		return "ready"
	case Stopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalJSON encodes the state by name.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a state name.
func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for _, st := range []State{Starting, Ready, Stopping} {
		if st.String() == name {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrInvalidState, name)
}

// Client is the part of rpc.Client the manager drives.
type Client interface {
	SendRequest(req *protocol.Request, onResult rpc.ResultHandler, onError rpc.ErrorHandler) (int64, error)
	Exit() error
}

var _ Client = (*rpc.Client)(nil)

// Session is one entry of the registry. Values returned by the manager are
// snapshots.
type Session struct {
	ID          string    `json:"id"`
	Window      WindowID  `json:"window"`
	Config      string    `json:"config"`
	State       State     `json:"state"`
	ProjectPath string    `json:"projectPath,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	Client      Client    `json:"-"`
}

func newSession(w WindowID, config, projectPath string) *Session {
	return &Session{
		ID:          ulid.Make().String(),
		Window:      w,
		Config:      config,
		State:       Starting,
		ProjectPath: projectPath,
		CreatedAt:   time.Now(),
	}
}
