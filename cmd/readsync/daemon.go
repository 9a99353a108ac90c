package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/readerkit/readsync/internal/config"
	"github.com/readerkit/readsync/internal/metrics"
	"github.com/readerkit/readsync/internal/remote"
	"github.com/readerkit/readsync/internal/schema"
	"github.com/readerkit/readsync/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run background sync until interrupted",
	Long: `Run the sync engine in the foreground:

  1. Subscribe to remote changes and merge them as they arrive
  2. Drain the outbox on start and then periodically (sync.periodic_interval)
  3. Serve Prometheus metrics on metrics.addr, if set

Drains wait for a network connection and skip while the battery is critical.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
			cfg.Metrics.Addr = addr
		}

		e, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()
		logger := e.Logger("daemon")

		fmt.Printf("%s Starting sync daemon...\n", ui.RenderAccent("🚀"))
		fmt.Printf("   Device: %s\n", e.DeviceID)
		fmt.Printf("   Database: %s\n", e.DB.Path())
		fmt.Printf("   Drain interval: %v\n", cfg.Sync.PeriodicInterval)

		if cfg.Metrics.Addr != "" {
			srv := metrics.SetupMetricsEndpoint(cfg.Metrics.Addr, logger)
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("   Metrics: http://%s/metrics\n", cfg.Metrics.Addr)
		}

		if loader.ConfigFile() != "" {
			loader.Watch(func(next *config.Config, err error) {
				if err != nil {
					logger.Printf("Warning: ignoring invalid config change: %v", err)
					return
				}
				logger.Printf("Config %s changed; restart the daemon to apply it", loader.ConfigFile())
			})
		}

		events, unsubscribe := e.Events.Subscribe()
		defer unsubscribe()

		e.Start(ctx)
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		for {
			select {
			case <-ctx.Done():
				fmt.Println("\nShutting down sync daemon...")
				e.Stop()
				return nil
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				logger.Print(describeEvent(ev))
			}
		}
	},
}

func describeEvent(ev schema.Event) string {
	switch {
	case ev.Conflict != nil:
		return fmt.Sprintf("%s %s: local %.1f%% vs remote %.1f%% from %s", ev.Kind, ev.BookID,
			ev.Conflict.Local.Percentage*100, ev.Conflict.Remote.Percentage*100, ev.Conflict.Remote.DeviceID)
	case ev.Position != nil:
		return fmt.Sprintf("%s %s: %.1f%% from %s", ev.Kind, ev.BookID, ev.Position.Percentage*100, ev.Position.DeviceID)
	case ev.Annotation != nil:
		return fmt.Sprintf("%s %s %s", ev.Kind, ev.Annotation.Kind, ev.Annotation.CloudID)
	default:
		return fmt.Sprintf("%s %s", ev.Kind, ev.BookID)
	}
}

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "sync",
	Short:   "Run a readsync server for other devices",
	Long: `Serve the sync API over HTTP with change events on a websocket.

--store selects the backend: "memory" keeps everything in process, a
postgres:// DSN stores it in PostgreSQL and relays changes with
LISTEN/NOTIFY so several servers can share one database.

Clients authenticate with a bearer token that doubles as their user id.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.Server.Addr = addr
		}
		if st, _ := cmd.Flags().GetString("store"); st != "" {
			cfg.Server.Store = st
		}

		backend, err := openBackend(cfg)
		if err != nil {
			return err
		}
		defer backend.Close()

		srvCfg := remote.DefaultServerConfig()
		srvCfg.Addr = cfg.Server.Addr
		srvCfg.Logger = newCLILogger("server")
		server := remote.NewServer(backend, srvCfg)
		if err := server.Start(); err != nil {
			return err
		}

		fmt.Printf("%s Sync server started on http://%s\n", ui.RenderAccent("🚀"), server.GetAddr())
		fmt.Printf("   Changes: ws://%s/v1/changes\n", server.GetAddr())
		fmt.Printf("   Health check: http://%s/health\n", server.GetAddr())
		fmt.Println("\nPress Ctrl+C to stop...")

		<-ctx.Done()

		fmt.Println("\nShutting down sync server...")
		if err := server.Stop(); err != nil {
			return fmt.Errorf("error during shutdown: %w", err)
		}
		fmt.Println("Sync server stopped")
		return nil
	},
}

// serverBackend is a Backend that holds resources.
type serverBackend interface {
	remote.Backend
	Close() error
}

func openBackend(c *config.Config) (serverBackend, error) {
	store := strings.TrimSpace(c.Server.Store)
	logger := newCLILogger("backend")
	switch {
	case store == "" || store == "memory":
		return remote.NewMemoryBackend(c.Sync.ConflictWindow, logger), nil
	case strings.HasPrefix(store, "postgres://") || strings.HasPrefix(store, "postgresql://"):
		return remote.NewPostgresBackend(store, c.Sync.ConflictWindow, logger)
	default:
		return nil, fmt.Errorf("unsupported server store %q (want memory or a postgres:// DSN)", store)
	}
}

func init() {
	daemonCmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address")
	serveCmd.Flags().String("addr", "", "listen address (default from server.addr)")
	serveCmd.Flags().String("store", "", "backend: memory or a postgres:// DSN")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(serveCmd)
}
