// Package main is the entry point for the mqbroker binary.
// It runs the mutual-TLS queue broker front door.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/polisai/polis-mq/internal/broker"
	mqtls "github.com/polisai/polis-mq/internal/tls"
	"github.com/polisai/polis-mq/pkg/config"
	"github.com/polisai/polis-mq/pkg/logging"
	"github.com/polisai/polis-mq/pkg/telemetry"
)

var version = "dev"

func main() {
	// Load .env file if present; values feed the environment overrides.
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", describeError(err))
		os.Exit(1)
	}
}

// describeError expands listener errors with their remediation hints.
func describeError(err error) string {
	var tlsErr *mqtls.TLSError
	if errors.As(err, &tlsErr) {
		return tlsErr.GetDetailedMessage()
	}
	return err.Error()
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "mqbroker",
		Short:         "Mutual-TLS front door for the polis-mq queue broker",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	rootCmd.AddCommand(newServeCmd())
	return rootCmd
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the broker listener",
		Long: `Start the broker listener.

Every client must present a certificate chaining to the configured trust
store and pass the authorization policy before queue operations are served.
SIGHUP reloads the key store, trust store and authorization policy.

Example:
  mqbroker serve --config broker.yaml`,
		RunE: runServe,
	}

	cmd.Flags().StringP("config", "c", "", "Path to configuration file (YAML)")
	cmd.Flags().StringP("log-level", "l", "", "Log level override (debug, info, warn, error)")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return fmt.Errorf("failed to get config flag: %w", err)
	}
	logLevel, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return fmt.Errorf("failed to get log-level flag: %w", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	logger := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("Telemetry shutdown failed", "error", err)
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	b, err := broker.New(ctx, cfg, broker.Options{Registry: registry, Logger: logger})
	if err != nil {
		logger.Error("Failed to initialise broker", "error", err)
		return err
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	go func() {
		for {
			select {
			case <-hup:
				logger.Info("Received SIGHUP, reloading credentials and policy")
				if err := b.Reload(ctx); err != nil {
					logger.Error("Reload failed", "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	logger.Info("Starting mqbroker",
		"version", version,
		"broker_url", cfg.BrokerURL,
		"backend", cfg.Backend.Type,
		"admin_address", cfg.Admin.Address)

	if err := b.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Broker error", "error", err)
		return err
	}

	logger.Info("Broker stopped")
	return nil
}
