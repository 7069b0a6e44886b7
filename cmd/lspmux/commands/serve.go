package commands

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"os/signal"
	"reflect"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/opencode-ai/lspmux/internal/config"
	"github.com/opencode-ai/lspmux/internal/event"
	"github.com/opencode-ai/lspmux/internal/launcher"
	"github.com/opencode-ai/lspmux/internal/logging"
	"github.com/opencode-ai/lspmux/internal/server"
	"github.com/opencode-ai/lspmux/internal/session"
	"github.com/opencode-ai/lspmux/pkg/types"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the session server",
	Long: `Start lspmux as a long running server that exposes its sessions over
HTTP.

Editors start and stop sessions per window, report closed windows with
POST /windows/reconcile and follow session events on /event. Sessions of
configurations changed in the settings files are stopped so the next start
picks up the new settings.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Address to listen on (default: server.addr or "+server.DefaultAddr+")")
}

func runServe(cmd *cobra.Command, args []string) error {
	dir, settings, err := loadSettings()
	if err != nil {
		return err
	}
	log := logging.For("serve")

	cfg := server.ConfigFromSettings(settings.Server)
	if serveAddr != "" {
		cfg.Addr = serveAddr
	}

	bus := event.NewBus()
	manager := session.NewManager(session.WithBus(bus))
	l := launcher.New(manager, settings, launcher.WithErrorDisplay(func(message string) {
		log.Warn().Msg(message)
	}))
	srv := server.New(cfg, l, bus)

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return err
	}
	log.Info().Str("addr", ln.Addr().String()).Str("version", Version).Str("directory", dir).Msg("server listening")
	printHeader(cmd.ErrOrStderr(), "lspmux listening on", "http://"+ln.Addr().String())

	var extra []string
	if p := os.Getenv(config.EnvConfig); p != "" {
		extra = append(extra, p)
	}
	watcher, err := config.NewWatcher(dir, extra, func(path string) {
		reloadSettings(dir, path, l, bus)
	})
	if err != nil {
		ln.Close()
		return err
	}
	watcher.Start()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(ln)
	})
	g.Go(func() error {
		return logEvents(gctx, bus)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("http shutdown")
		}
		if err := manager.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("sessions did not shut down")
		}
		if err := watcher.Stop(); err != nil {
			log.Warn().Err(err).Msg("settings watcher")
		}
		return bus.Close()
	})

	return g.Wait()
}

// reloadSettings reloads the settings after a write to path and stops the
// sessions of every configuration that changed.
func reloadSettings(dir, path string, l *launcher.Launcher, bus *event.Bus) {
	log := logging.For("serve")

	next, err := config.Load(dir)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("failed to reload settings")
		return
	}
	prev := l.Settings()
	l.SetSettings(next)
	bus.Publish(event.Event{Type: event.ConfigChanged, Data: event.ConfigChangedData{Path: path}})

	for _, name := range changedClients(prev, next) {
		log.Info().Str("config", name).Msg("configuration changed, stopping its sessions")
		l.Manager().StopConfig(name)
	}
}

// changedClients returns the names of configurations added, removed or
// modified between prev and next, sorted.
func changedClients(prev, next *types.Settings) []string {
	seen := make(map[string]bool)
	var out []string
	for _, name := range config.ClientNames(prev) {
		seen[name] = true
		a := prev.Clients[name]
		b, ok := next.Clients[name]
		if !ok || !reflect.DeepEqual(a, b) {
			out = append(out, name)
		}
	}
	for _, name := range config.ClientNames(next) {
		if !seen[name] {
			out = append(out, name)
		}
	}
	return out
}

// logEvents writes every bus event to the log until ctx is done.
func logEvents(ctx context.Context, bus *event.Bus) error {
	events, err := bus.Stream(ctx)
	if err != nil {
		return err
	}
	log := logging.For("event")
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			data, _ := json.Marshal(e.Data)
			log.Debug().Str("type", string(e.Type)).RawJSON("data", data).Msg("event")
		}
	}
}
