package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/szaher/checkin/internal/config"
	"github.com/szaher/checkin/internal/runtime"
)

func newServeCmd() *cobra.Command {
	var (
		addr   string
		noAuth bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the check-in HTTP server",
		Long:  "Serves the check-in API until SIGINT or SIGTERM, then drains in-flight turns and exits.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			cfg, err := config.Load(ctx, configFile)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if noAuth {
				cfg.Server.NoAuth = true
			}
			if logLevel != "" {
				cfg.Logging.Level = logLevel
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger, redactor := newLogger(cfg, cmd.ErrOrStderr())
			rt, err := runtime.New(ctx, cfg, runtime.Options{Logger: logger, Redactor: redactor, Version: version})
			if err != nil {
				return err
			}
			defer func() {
				if err := rt.Close(); err != nil {
					logger.Warn("closing runtime", "error", err)
				}
			}()
			return rt.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	cmd.Flags().BoolVar(&noAuth, "no-auth", false, "Disable API key authentication")
	return cmd
}

