package commands

import (
	"context"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/sessionbridge/internal/bridge"
	"github.com/opencode-ai/sessionbridge/internal/config"
	"github.com/opencode-ai/sessionbridge/internal/event"
	"github.com/opencode-ai/sessionbridge/internal/logging"
	"github.com/opencode-ai/sessionbridge/internal/persist"
	"github.com/opencode-ai/sessionbridge/internal/server"
	"github.com/opencode-ai/sessionbridge/internal/storage"
	"github.com/opencode-ai/sessionbridge/internal/watch"
)

var (
	servePort      int
	serveHostname  string
	serveNoPersist bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the session bridge",
	Long: `Start the bridge HTTP server.

Agents connect to ws://HOST:PORT/ws/agent/{sessionID} and observers to
ws://HOST:PORT/ws/browser/{sessionID}. Sessions are created on first
reference and restored from the storage directory when persistence is
enabled.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", config.DefaultPort, "Port to listen on")
	serveCmd.Flags().StringVar(&serveHostname, "hostname", config.DefaultHostname, "Hostname to listen on")
	serveCmd.Flags().BoolVar(&serveNoPersist, "no-persist", false, "Keep sessions in memory only")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, dir, err := loadConfig()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = servePort
	}
	if cmd.Flags().Changed("hostname") {
		cfg.Server.Hostname = serveHostname
	}
	setupLogging(cfg, true)
	defer logging.Close()

	logging.Info().Str("version", Version).Str("directory", dir).Msg("starting session bridge")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := event.NewBus()
	defer bus.Close()

	opts := bridge.Options{
		ReplayBufferSize: cfg.Bridge.ReplayBufferSize,
		DedupeLimit:      cfg.Bridge.DedupeLimit,
		Bus:              bus,
		OnAgentSession: func(sessionID, agentSessionID string) {
			logging.Info().Str("sessionID", sessionID).Str("agentSessionID", agentSessionID).Msg("agent session reported")
		},
	}

	var store *persist.Store
	if cfg.Persist.IsEnabled() && !serveNoPersist {
		store = persist.NewStore(storage.New(cfg.Persist.Dir))
		opts.Loader = store.Loader(ctx)
		logging.Info().Str("dir", cfg.Persist.Dir).Msg("session persistence enabled")
	}

	registry := bridge.NewRegistry(opts)
	defer registry.Close()

	serverOpts := []server.Option{server.WithBus(bus)}

	persistCtx, stopPersist := context.WithCancel(context.Background())
	defer stopPersist()
	var persister *persist.Persister
	if store != nil {
		persister = persist.NewPersister(store, registry, bus, persist.WithInterval(cfg.Persist.AutosaveInterval.Std()))
		if err := persister.Start(persistCtx); err != nil {
			return err
		}
		serverOpts = append(serverOpts, server.WithSaver(persister))
	}

	watcher := watch.NewManager(watch.Options{
		Ignore:   cfg.Watch.Ignore,
		Debounce: cfg.Watch.Debounce.Std(),
	}, func(sessionID string, paths []string) {
		sess := registry.GetOrCreate(sessionID)
		if sess == nil {
			return
		}
		if err := sess.NotifyContentChanged(paths); err != nil {
			logging.Debug().Err(err).Str("sessionID", sessionID).Msg("content change not delivered")
		}
	})
	defer watcher.Close()
	for sessionID, watched := range cfg.Watch.Directories {
		if !filepath.IsAbs(watched) {
			watched = filepath.Join(dir, watched)
		}
		if err := watcher.Watch(sessionID, watched); err != nil {
			logging.Warn().Err(err).Str("sessionID", sessionID).Msg("cannot watch directory")
		}
	}

	srv := server.New(server.FromConfig(cfg), registry, serverOpts...)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	logging.Info().Str("addr", cfg.Server.Addr()).Msg("bridge ready")

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	logging.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Warn().Err(err).Msg("server shutdown error")
	}

	watcher.Close()
	if persister != nil {
		stopPersist()
		select {
		case <-persister.Done():
		case <-shutdownCtx.Done():
			logging.Warn().Msg("final save did not finish")
		}
	}
	registry.Close()

	logging.Info().Msg("bridge stopped")
	return nil
}
