// Command readsync keeps reading positions, highlights, bookmarks and
// preferences in sync across devices.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/readerkit/readsync/internal/config"
	"github.com/readerkit/readsync/internal/engine"
)

var (
	configFile string
	loader     = config.NewLoader()
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "readsync",
	Short: "Offline-first sync of reading state",
	Long: `readsync keeps reading positions, highlights, bookmarks and preferences
consistent across devices that are only sometimes online.

Every change is written to a local SQLite store and an outbox first, then
pushed to the remote after a short debounce. Changes made on other devices
arrive through a live subscription ('readsync daemon') or a full sync.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := loader.Load(configFile)
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "reading", Title: "Reading:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "setup", Title: "Setup:"},
	)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "config file (default <data-dir>/readsync.yaml)")
	pf.String("data-dir", "", "data directory (default ~/.readsync)")
	pf.String("remote", "", "remote: memory, http(s)://host, or postgres://dsn")
	pf.String("user", "", "user id on the remote")
	pf.BoolP("verbose", "v", false, "enable debug logging")

	for key, flag := range map[string]string{
		"data_dir":    "data-dir",
		"remote.url":  "remote",
		"user_id":     "user",
		"log.verbose": "verbose",
	} {
		_ = loader.Viper().BindPFlag(key, pf.Lookup(flag))
	}
}

// openEngine opens the sync engine for the loaded configuration.
func openEngine(ctx context.Context) (*engine.Engine, error) {
	e, err := engine.Open(ctx, cfg, engine.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open sync engine: %w", err)
	}
	return e, nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		cancel()
		os.Exit(1)
	}
}
