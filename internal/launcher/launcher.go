// Package launcher starts language servers for (window, configuration)
// pairs and registers them with a session.Manager.
package launcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/opencode-ai/lspmux/internal/environ"
	"github.com/opencode-ai/lspmux/internal/logging"
	"github.com/opencode-ai/lspmux/internal/protocol"
	"github.com/opencode-ai/lspmux/internal/rpc"
	"github.com/opencode-ai/lspmux/internal/session"
	"github.com/opencode-ai/lspmux/internal/transport"
	"github.com/opencode-ai/lspmux/internal/workspace"
	"github.com/opencode-ai/lspmux/pkg/types"
)

var (
	// ErrAlreadyStarted is returned when the pair already has a session.
	ErrAlreadyStarted = errors.New("session already started")

	// ErrDisabled is returned for a configuration switched off in settings.
	ErrDisabled = errors.New("configuration disabled")

	// ErrUnknownConfig is returned for a name missing from the settings.
	ErrUnknownConfig = errors.New("unknown configuration")
)

// exitGrace is how long a server may take to exit on its own after its
// connection closed before it is terminated.
const exitGrace = 2 * time.Second

// LaunchError describes the step at which starting a server failed.
type LaunchError struct {
	Window session.WindowID
	Config string
	Op     string
	Err    error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("start %s in window %d: %s: %v", e.Config, e.Window, e.Op, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// Option configures a Launcher.
type Option func(*Launcher)

// WithSpawner replaces the os/exec spawner.
func WithSpawner(s Spawner) Option {
	return func(l *Launcher) {
		l.spawner = s
	}
}

// WithLogger sets the launcher logger.
func WithLogger(log zerolog.Logger) Option {
	return func(l *Launcher) {
		l.log = log
	}
}

// WithPaths prepends dirs to PATH of every server.
func WithPaths(dirs ...string) Option {
	return func(l *Launcher) {
		l.paths = dirs
	}
}

// WithErrorDisplay routes user facing client errors to fn.
func WithErrorDisplay(fn func(message string)) Option {
	return func(l *Launcher) {
		l.errorDisplay = fn
	}
}

// WithDialer replaces the TCP connect step, for socket servers reached
// through something other than localhost.
func WithDialer(dial func(ctx context.Context, addr string, timeout time.Duration) (transport.Transport, error)) Option {
	return func(l *Launcher) {
		l.dial = dial
	}
}

// Launcher turns configurations into ready sessions.
type Launcher struct {
	manager      *session.Manager
	spawner      Spawner
	dial         func(ctx context.Context, addr string, timeout time.Duration) (transport.Transport, error)
	paths        []string
	errorDisplay func(message string)
	log          zerolog.Logger

	mu       sync.RWMutex
	settings *types.Settings
}

// New creates a launcher registering sessions with manager.
func New(manager *session.Manager, settings *types.Settings, opts ...Option) *Launcher {
	if settings == nil {
		settings = &types.Settings{}
	}
	l := &Launcher{
		manager:  manager,
		spawner:  ExecSpawner{},
		settings: settings,
		log:      logging.For("launcher"),
	}
	l.dial = func(ctx context.Context, addr string, timeout time.Duration) (transport.Transport, error) {
		return transport.DialTCP(ctx, addr, timeout, transport.WithLogger(l.log))
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Settings returns the settings new sessions are started with.
func (l *Launcher) Settings() *types.Settings {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.settings
}

// SetSettings replaces the settings used for later starts. Running sessions
// keep the configuration they were started with.
func (l *Launcher) SetSettings(settings *types.Settings) {
	if settings == nil {
		settings = &types.Settings{}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.settings = settings
}

// Manager returns the session registry.
func (l *Launcher) Manager() *session.Manager {
	return l.manager
}

// Start launches configuration name for window w and returns its client
// once the initialize handshake completed. On any failure the session entry
// is removed and the process, if spawned, terminated.
func (l *Launcher) Start(ctx context.Context, w session.WindowID, name, projectPath string) (*rpc.Client, error) {
	settings := l.Settings()
	cfg, ok := settings.Client(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownConfig, name)
	}
	if !cfg.IsEnabled() {
		return nil, fmt.Errorf("%w: %q", ErrDisabled, name)
	}
	if !l.manager.CanStart(w, name) {
		return nil, fmt.Errorf("%w: window %d, config %q", ErrAlreadyStarted, w, name)
	}

	s, err := l.manager.BeginSession(w, name, projectPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAlreadyStarted, err)
	}

	log := l.log.With().Int("window", int(w)).Str("config", name).Str("session", s.ID).Logger()
	fail := func(op string, err error) (*rpc.Client, error) {
		l.manager.Abort(w, name, s.ID)
		log.Error().Err(err).Str("op", op).Msg("failed to start server")
		return nil, &LaunchError{Window: w, Config: name, Op: op, Err: err}
	}

	vars, base, err := environ.FromHost(cfg, projectPath, map[string]string{
		"project_path": projectPath,
		"window":       strconv.Itoa(int(w)),
	})
	if err != nil {
		return fail("environment", err)
	}
	vars.Paths = l.paths
	launch, err := environ.Resolve(cfg, vars, base)
	if err != nil {
		return fail("environment", err)
	}

	proc, err := l.spawner.Spawn(ctx, launch)
	if err != nil {
		return fail("spawn", err)
	}
	log.Debug().Strs("args", launch.Args).Int("pid", proc.Pid()).Msg("server process started")

	var stderrLog *zerolog.Logger
	if settings.Stderr() {
		serverLog := logging.ForServer(name)
		stderrLog = &serverLog
	}
	go pumpStderr(proc.Stderr(), stderrLog)

	t, err := l.connect(ctx, cfg, proc)
	if err != nil {
		if killErr := proc.Kill(); killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
			log.Warn().Err(killErr).Msg("failed to kill server")
		}
		go func() { _ = proc.Wait() }()
		return fail("connect", err)
	}

	opts := []rpc.Option{
		rpc.WithName(name),
		rpc.WithProjectPath(projectPath),
		rpc.WithPayloadLogging(settings.Payloads()),
	}
	if l.errorDisplay != nil {
		opts = append(opts, rpc.WithErrorDisplay(l.errorDisplay))
	}
	client := rpc.NewClient(t, opts...)
	client.SetTransportFailureHandler(func() {
		if err := TryTerminate(proc); err != nil {
			log.Warn().Err(err).Msg("failed to terminate server")
		}
	})
	client.SetCrashHandler(func() {
		l.manager.HandleCrash(w, name, client)
	})
	go l.reap(client, proc, log)

	abandon := func(op string, err error) (*rpc.Client, error) {
		_ = client.Exit()
		_ = client.Close()
		return fail(op, err)
	}

	if err := initialize(ctx, client, cfg, projectPath); err != nil {
		return abandon("initialize", err)
	}
	if err := client.SendNotification(protocol.Initialized()); err != nil {
		return abandon("initialize", err)
	}
	if err := l.manager.MarkReady(w, name, s.ID, client); err != nil {
		// The session was stopped while starting.
		return abandon("register", err)
	}
	return client, nil
}

// Restart stops the session of (w, name), waits for its removal and starts
// it again.
func (l *Launcher) Restart(ctx context.Context, w session.WindowID, name, projectPath string) (*rpc.Client, error) {
	l.manager.Stop(w, name)
	if err := l.manager.WaitRemoved(ctx, w, name); err != nil {
		return nil, err
	}
	return l.Start(ctx, w, name, projectPath)
}

func (l *Launcher) connect(ctx context.Context, cfg types.ClientConfig, proc Process) (transport.Transport, error) {
	if cfg.TCPPort == 0 {
		return transport.NewStdio(proc.Stdin(), proc.Stdout(), transport.WithLogger(l.log)), nil
	}

	// Socket servers may still write to stdout.
	go func() { _, _ = io.Copy(io.Discard, proc.Stdout()) }()

	timeout := time.Duration(l.Settings().ConnectTimeout) * time.Millisecond
	addr := net.JoinHostPort("localhost", strconv.Itoa(cfg.TCPPort))
	return l.dial(ctx, addr, timeout)
}

// reap waits for the process once its connection is gone, terminating it if
// it lingers.
func (l *Launcher) reap(client *rpc.Client, proc Process, log zerolog.Logger) {
	<-client.Done()

	exited := make(chan error, 1)
	go func() { exited <- proc.Wait() }()

	select {
	case err := <-exited:
		log.Debug().AnErr("status", err).Msg("server process exited")
	case <-time.After(exitGrace):
		log.Warn().Msg("server did not exit, terminating")
		if err := TryTerminate(proc); err != nil {
			log.Warn().Err(err).Msg("failed to terminate server")
		}
		<-exited
	}
}

// initialize runs the initialize request and stores the server
// capabilities on client.
func initialize(ctx context.Context, client *rpc.Client, cfg types.ClientConfig, projectPath string) error {
	params := &protocol.InitializeParams{
		ProcessID:    os.Getpid(),
		Capabilities: protocol.DefaultClientCapabilities(),
	}
	if projectPath != "" {
		params.RootPath = projectPath
		params.RootURI = workspace.FileToURI(projectPath)
	}
	if len(cfg.InitializationOptions) > 0 {
		params.InitializationOptions = cfg.InitializationOptions
	}

	done := make(chan error, 1)
	_, err := client.SendRequest(protocol.Initialize(params),
		func(result json.RawMessage) {
			var res protocol.InitializeResult
			if err := json.Unmarshal(result, &res); err != nil {
				done <- fmt.Errorf("decode initialize result: %w", err)
				return
			}
			client.SetCapabilities(res.Capabilities)
			done <- nil
		},
		func(e *protocol.Error) {
			done <- e
		},
	)
	if err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-client.Done():
		return rpc.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}
