package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/LerianStudio/lib-relay/internal/bootstrap"
	"github.com/LerianStudio/lib-relay/internal/config"
	"github.com/LerianStudio/lib-relay/relay/log"
	"github.com/spf13/cobra"
)

var errUnhealthy = errors.New("one or more dependencies are unhealthy")

func loadWithLogger(opts *rootOptions) (*config.Config, log.Logger, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, nil, err
	}

	if cfg.Service.Version == "" || cfg.Service.Version == "dev" {
		cfg.Service.Version = version
	}

	logger, err := bootstrap.NewLogger(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}

	return cfg, logger.With(log.String("service", cfg.Service.Name)), nil
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the outbox dispatcher and the consumer until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadWithLogger(opts)
			if err != nil {
				return err
			}

			defer func() { _ = logger.Sync(context.Background()) }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runWorker(ctx, cfg, logger)
		},
	}
}

func runWorker(ctx context.Context, cfg *config.Config, logger log.Logger) error {
	worker, err := bootstrap.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}

	logger.Log(ctx, log.LevelInfo, "relay worker starting",
		log.String("version", cfg.Service.Version),
		log.String("messaging_provider", cfg.Messaging.Provider),
		log.String("persistence_provider", cfg.Persistence.Provider),
		log.Any("apps", worker.Apps()),
	)

	runErr := worker.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Service.ShutdownTimeout)
	defer cancel()

	closeErr := worker.Close(shutdownCtx)

	logger.Log(shutdownCtx, log.LevelInfo, "relay worker stopped")

	return errors.Join(runErr, closeErr)
}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the outbox table or collection indexes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadWithLogger(opts)
			if err != nil {
				return err
			}

			defer func() { _ = logger.Sync(context.Background()) }()

			return bootstrap.Migrate(cmd.Context(), cfg, logger)
		},
	}
}

func newHealthCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Probe the configured database, cache and broker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadWithLogger(opts)
			if err != nil {
				return err
			}

			defer func() { _ = logger.Sync(context.Background()) }()

			return printHealth(cmd.OutOrStdout(), bootstrap.Health(cmd.Context(), cfg, logger))
		},
	}
}

func printHealth(out io.Writer, results []bootstrap.CheckResult) error {
	if len(results) == 0 {
		fmt.Fprintln(out, "no dependencies configured")

		return nil
	}

	healthy := true

	for _, result := range results {
		if result.Healthy() {
			fmt.Fprintf(out, "%-10s ok    %s\n", result.Name, result.Duration.Round(time.Millisecond))

			continue
		}

		healthy = false

		fmt.Fprintf(out, "%-10s FAIL  %v\n", result.Name, result.Err)
	}

	if !healthy {
		return errUnhealthy
	}

	return nil
}
