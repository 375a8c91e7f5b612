// Package main is the entry point for the checkin server and CLI.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/szaher/checkin/internal/config"
	"github.com/szaher/checkin/internal/runtime"
	"github.com/szaher/checkin/internal/telemetry"
)

// Version information set at build time.
var version = "0.1.0"

// Global flags.
var (
	configFile    string
	logLevel      string
	correlationID string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "checkin",
		Short: "Conversational patient check-in orchestrator",
		Long: `checkin walks a patient through a fixed sequence of intake stages,
one conversational turn at a time, persisting every turn so a session can
be resumed from any node.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&configFile, "config", "c", os.Getenv("CHECKIN_CONFIG"), "Path to the YAML configuration file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override logging.level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&correlationID, "correlation-id", "", "Set explicit correlation ID")

	root.AddCommand(newServeCmd())
	root.AddCommand(newTurnCmd())
	root.AddCommand(newResumeCmd())
	root.AddCommand(newStagesCmd())
	root.AddCommand(newVersionCmd())
	return root
}

// loadConfig reads the configuration. Commands that do not serve HTTP skip
// the API key requirement.
func loadConfig(ctx context.Context, serving bool) (*config.Config, error) {
	cfg, err := config.Load(ctx, configFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if !serving {
		cfg.Server.NoAuth = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger builds the process logger. Logs go to w so command output on
// stdout stays machine-readable.
func newLogger(cfg *config.Config, w io.Writer) (*slog.Logger, *telemetry.RedactHandler) {
	level, _ := config.ParseLevel(cfg.Logging.Level)
	return telemetry.NewLogger(w, level)
}

// openRuntime loads configuration and builds the runtime.
func openRuntime(ctx context.Context, serving bool) (*runtime.Runtime, *config.Config, *slog.Logger, error) {
	cfg, err := loadConfig(ctx, serving)
	if err != nil {
		return nil, nil, nil, err
	}
	logger, redactor := newLogger(cfg, os.Stderr)
	rt, err := runtime.New(ctx, cfg, runtime.Options{Logger: logger, Redactor: redactor, Version: version})
	if err != nil {
		return nil, nil, nil, err
	}
	return rt, cfg, logger, nil
}

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
