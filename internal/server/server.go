package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/opencode-ai/lspmux/internal/event"
	"github.com/opencode-ai/lspmux/internal/launcher"
	"github.com/opencode-ai/lspmux/internal/logging"
	"github.com/opencode-ai/lspmux/internal/session"
	"github.com/opencode-ai/lspmux/pkg/types"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = "127.0.0.1:7420"

// Config holds server configuration.
type Config struct {
	Addr         string
	CORSOrigins  []string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// RequestTimeout bounds starting a session and forwarding a request.
	RequestTimeout time.Duration
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Addr:           DefaultAddr,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   0, // No write timeout for SSE
		RequestTimeout: 30 * time.Second,
	}
}

// ConfigFromSettings applies the server section of settings to the
// defaults.
func ConfigFromSettings(settings *types.ServerConfig) *Config {
	cfg := DefaultConfig()
	if settings == nil {
		return cfg
	}
	if settings.Addr != "" {
		cfg.Addr = settings.Addr
	}
	cfg.CORSOrigins = settings.CORSOrigins
	return cfg
}

// Server is the HTTP status and control server.
type Server struct {
	config   *Config
	router   *chi.Mux
	httpSrv  *http.Server
	launcher *launcher.Launcher
	manager  *session.Manager
	bus      *event.Bus
	log      zerolog.Logger
}

// New creates a server driving the sessions of l. bus may be nil, in which
// case /event is not served.
func New(cfg *Config, l *launcher.Launcher, bus *event.Bus) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	s := &Server{
		config:   cfg,
		router:   chi.NewRouter(),
		launcher: l,
		manager:  l.Manager(),
		bus:      bus,
		log:      logging.For("server"),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// setupMiddleware configures middleware for the server.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RealIP)

	if len(s.config.CORSOrigins) > 0 {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.config.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
			ExposedHeaders: []string{"X-Request-ID"},
			MaxAge:         300,
		}))
	}
}

// requestLogger logs each request through zerolog.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.httpSrv = &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	s.log.Info().Str("addr", ln.Addr().String()).Msg("status server listening")

	err := s.httpSrv.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}
