package testutil

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/opencode-ai/lspmux/internal/environ"
	"github.com/opencode-ai/lspmux/internal/launcher"
	"github.com/opencode-ai/lspmux/internal/protocol"
)

// FakeLanguageServer is an in-memory server process. It answers the
// lifecycle requests itself and every other method from Results; methods
// without a result get a MethodNotFound error.
type FakeLanguageServer struct {
	Args []string

	stdinR, stdoutR, stderrR *io.PipeReader
	stdinW, stdoutW, stderrW *io.PipeWriter

	mu       sync.Mutex
	results  map[string]json.RawMessage
	received []string
	once     sync.Once
	exited   chan struct{}
}

func newFakeLanguageServer(args []string, results map[string]json.RawMessage) *FakeLanguageServer {
	s := &FakeLanguageServer{
		Args:    args,
		results: results,
		exited:  make(chan struct{}),
	}
	s.stdinR, s.stdinW = io.Pipe()
	s.stdoutR, s.stdoutW = io.Pipe()
	s.stderrR, s.stderrW = io.Pipe()
	go s.serve()
	return s
}

func (s *FakeLanguageServer) Stdin() io.WriteCloser { return s.stdinW }
func (s *FakeLanguageServer) Stdout() io.ReadCloser { return s.stdoutR }
func (s *FakeLanguageServer) Stderr() io.ReadCloser { return s.stderrR }
func (s *FakeLanguageServer) Pid() int              { return 4242 }
func (s *FakeLanguageServer) Terminate() error      { s.exit(); return nil }
func (s *FakeLanguageServer) Kill() error           { s.exit(); return nil }
func (s *FakeLanguageServer) Wait() error           { <-s.exited; return nil }

// Crash ends the process without the shutdown handshake.
func (s *FakeLanguageServer) Crash() {
	s.exit()
}

// Exited is closed once the process ended.
func (s *FakeLanguageServer) Exited() <-chan struct{} {
	return s.exited
}

// Received returns the methods of all messages read so far.
func (s *FakeLanguageServer) Received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.received...)
}

func (s *FakeLanguageServer) exit() {
	s.once.Do(func() {
		s.stdoutW.Close()
		s.stderrW.Close()
		s.stdinR.Close()
		close(s.exited)
	})
}

func (s *FakeLanguageServer) serve() {
	reader := bufio.NewReader(s.stdinR)
	for {
		body, err := protocol.ReadFrame(reader)
		if err != nil {
			return
		}
		msg, err := protocol.Decode(body)
		if err != nil {
			continue
		}

		s.mu.Lock()
		s.received = append(s.received, msg.Method)
		result, known := s.results[msg.Method]
		s.mu.Unlock()

		var resp *protocol.Response
		switch {
		case msg.Method == protocol.MethodExit:
			s.exit()
			return
		case msg.Kind != protocol.KindRequest:
			continue
		case msg.Method == protocol.MethodInitialize:
			resp = protocol.NewResult(msg.ID, json.RawMessage(`{"capabilities":{"hoverProvider":true,"definitionProvider":true}}`))
		case msg.Method == protocol.MethodShutdown:
			resp = protocol.NewResult(msg.ID, nil)
		case known:
			resp = protocol.NewResult(msg.ID, result)
		default:
			resp = protocol.NewErrorResponse(msg.ID, &protocol.Error{Code: protocol.CodeMethodNotFound, Message: "method not found: " + msg.Method})
		}
		if _, err := s.stdoutW.Write(protocol.MustEncode(resp.Payload())); err != nil {
			return
		}
	}
}

// FakeSpawner starts a FakeLanguageServer per launch and remembers them.
type FakeSpawner struct {
	// Results are shared by every server started.
	Results map[string]json.RawMessage

	mu      sync.Mutex
	servers []*FakeLanguageServer
}

// Spawn implements launcher.Spawner.
func (f *FakeSpawner) Spawn(ctx context.Context, launch *environ.Launch) (launcher.Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := newFakeLanguageServer(launch.Args, f.Results)
	f.mu.Lock()
	f.servers = append(f.servers, s)
	f.mu.Unlock()
	return s, nil
}

// Servers returns every server spawned so far, oldest first.
func (f *FakeSpawner) Servers() []*FakeLanguageServer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeLanguageServer(nil), f.servers...)
}

// Last returns the most recently spawned server, or nil.
func (f *FakeSpawner) Last() *FakeLanguageServer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.servers) == 0 {
		return nil
	}
	return f.servers[len(f.servers)-1]
}
