package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/quasiuslikecautious/lockrs-sub001/instrumentation"
	"github.com/quasiuslikecautious/lockrs-sub001/internal/config"
)

// shutdownTimeout bounds telemetry flushing on exit
const shutdownTimeout = 5 * time.Second

// app carries what every subcommand needs once the configuration is loaded
type app struct {
	configPath string
	envFile    string

	cfg    *config.Config
	logger *slog.Logger
	inst   *instrumentation.Instrumentation
}

func newRootCommand() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "lockrsctl",
		Short:         "Operator tool for the lockrs authorization server",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.close()
		},
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "YAML configuration file (optional)")
	root.PersistentFlags().StringVar(&a.envFile, "env-file", ".env", "dotenv file loaded before the environment is read")

	root.AddCommand(
		newMigrateCommand(a),
		newKeysCommand(a),
		newClientsCommand(a),
		newSweepCommand(a),
	)
	return root
}

func (a *app) load() error {
	cfg, err := config.Load(a.configPath, a.envFile)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = cfg.NewLogger()

	inst, err := instrumentation.New(cfg.InstrumentationConfig(version))
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}
	a.inst = inst
	return nil
}

func (a *app) close() error {
	if a.inst == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.inst.Shutdown(ctx); err != nil {
		a.logger.Warn("Telemetry shutdown failed", "error", err)
	}
	return nil
}
