// Package cmd provides the CLI commands for semkb.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/semkb/semkb/internal/config"
	"github.com/semkb/semkb/internal/logging"
	"github.com/semkb/semkb/internal/manager"
	"github.com/semkb/semkb/pkg/version"
)

var (
	configPath     string
	debugMode      bool
	loggingCleanup func()
)

// NewRootCmd creates the root command for the semkb CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "semkb",
		Short: "Vector-indexed QA knowledge base",
		Long: `semkb stores question/answer pairs in per-category vector indexes
and retrieves them by semantic similarity.

Everything runs locally: embeddings come from Ollama (or an
OpenAI-compatible endpoint), storage is plain files under the base path.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.SetVersionTemplate("semkb version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file path (default ~/.semkb/config.yaml)")
	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging to ~/.semkb/logs/")

	cmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		cleanup, err := logging.SetupDefault(debugMode)
		if err != nil {
			return fmt.Errorf("setup logging: %w", err)
		}
		loggingCleanup = cleanup
		return nil
	}
	cmd.PersistentPostRun = func(_ *cobra.Command, _ []string) {
		if loggingCleanup != nil {
			loggingCleanup()
		}
	}

	cmd.AddCommand(newAddCmd())
	cmd.AddCommand(newQueryCmd())
	cmd.AddCommand(newListCmd())
	cmd.AddCommand(newDeleteCmd())
	cmd.AddCommand(newStatsCmd())
	cmd.AddCommand(newDoctorCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return NewRootCmd().ExecuteContext(ctx)
}

// openManager loads configuration and initializes the knowledge base.
// Callers must invoke the returned cleanup.
func openManager(ctx context.Context) (*manager.Manager, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if debugMode {
		cfg.Log.Level = "debug"
	}

	mgr := manager.New(cfg)
	if err := mgr.Initialize(ctx); err != nil {
		return nil, nil, err
	}
	return mgr, func() { _ = mgr.Cleanup() }, nil
}
