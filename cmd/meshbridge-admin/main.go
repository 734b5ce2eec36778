package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aminovpavel/meshbridge-go/internal/app"
	"github.com/aminovpavel/meshbridge-go/internal/config"
	"github.com/aminovpavel/meshbridge-go/internal/observability"
	"github.com/aminovpavel/meshbridge-go/internal/storage"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "meshbridge-admin",
	Short: "Inspect and maintain a meshbridge database",
	Long: `Offline administration for the meshbridge SQLite store.

Commands that queue traffic (send, traceroute) only insert outbox entries;
the running meshbridge daemon transmits them.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config.yaml (defaults to config.yaml in cwd)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log at debug level")

	rootCmd.AddCommand(statsCmd, nodesAtCmd, contextCmd, sendCmd, tracerouteCmd,
		purgeOutboxCmd, vacuumCmd, clearCmd, replayCmd, diffCmd, factCmd, globalCmd)
	factCmd.AddCommand(factAddCmd)
	globalCmd.AddCommand(globalAddCmd)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// env is what every command runs against.
type env struct {
	cfg    *config.App
	store  *storage.Store
	logger *slog.Logger
	out    io.Writer
}

// withStore loads the configuration, opens the store for the duration of fn
// and closes it afterwards.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, e *env) error) error {
	cfg, err := config.New(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	level := "WARN"
	if verbose {
		level = "DEBUG"
	}
	logger := observability.NewLogger(level, observability.WithWriter(cmd.ErrOrStderr()))

	ctx := cmd.Context()
	store, err := app.OpenStore(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	e := &env{cfg: cfg, store: store, logger: logger, out: cmd.OutOrStdout()}
	runErr := fn(ctx, e)
	if err := store.Close(); err != nil && runErr == nil {
		runErr = fmt.Errorf("close store: %w", err)
	}
	return runErr
}

func (e *env) printJSON(v any) error {
	enc := json.NewEncoder(e.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
