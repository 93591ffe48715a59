// Package main is the entry point for the mqctl binary, a command line
// producer and consumer for the polis-mq broker.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/polisai/polis-mq/internal/keystore"
	"github.com/polisai/polis-mq/pkg/client"
	"github.com/polisai/polis-mq/pkg/config"
	"github.com/polisai/polis-mq/pkg/logging"
)

func main() {
	// Load .env file if present; values feed the environment overrides.
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "mqctl",
		Short:         "Send and receive messages through the polis-mq broker",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().String("broker-url", "", "Broker URL override (ssl://host:port or tcp://host:port)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "warn", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(newSendCmd(), newReceiveCmd())
	return rootCmd
}

func newSendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send --queue NAME [--message TEXT]",
		Short: "Enqueue one message; the payload is read from stdin without --message",
		Args:  cobra.NoArgs,
		RunE:  runSend,
	}
	cmd.Flags().StringP("queue", "q", "", "Destination queue")
	cmd.Flags().StringP("message", "m", "", "Message payload")
	cmd.Flags().StringArrayP("header", "H", nil, "Message header as key=value (repeatable)")
	_ = cmd.MarkFlagRequired("queue")
	return cmd
}

func newReceiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "receive --queue NAME",
		Short: "Wait for one message and print it",
		Args:  cobra.NoArgs,
		RunE:  runReceive,
	}
	cmd.Flags().StringP("queue", "q", "", "Destination queue")
	cmd.Flags().Duration("timeout", 0, "Receive wait; defaults to client.receiveTimeoutMs")
	cmd.Flags().Bool("json", false, "Print the message as JSON")
	_ = cmd.MarkFlagRequired("queue")
	return cmd
}

func runSend(cmd *cobra.Command, _ []string) error {
	queue, _ := cmd.Flags().GetString("queue")
	message, _ := cmd.Flags().GetString("message")
	rawHeaders, _ := cmd.Flags().GetStringArray("header")

	headers, err := parseHeaders(rawHeaders)
	if err != nil {
		return err
	}

	payload := []byte(message)
	if !cmd.Flags().Changed("message") {
		payload, err = io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("failed to read payload: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, _, err := connect(ctx, cmd)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	id, err := c.Enqueue(ctx, queue, payload, headers)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), id)
	return nil
}

func runReceive(cmd *cobra.Command, _ []string) error {
	queue, _ := cmd.Flags().GetString("queue")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	asJSON, _ := cmd.Flags().GetBool("json")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, cfg, err := connect(ctx, cmd)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	if timeout <= 0 {
		timeout = cfg.Client.ReceiveTimeout()
	}

	msg, err := c.Receive(ctx, queue, timeout)
	if err != nil {
		return err
	}
	if msg == nil {
		return fmt.Errorf("no message on %s within %s", queue, timeout)
	}

	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			ID          string            `json:"id"`
			Destination string            `json:"destination"`
			Headers     map[string]string `json:"headers,omitempty"`
			Payload     string            `json:"payload"`
		}{msg.ID, msg.Destination, msg.Headers, string(msg.Payload)})
	}
	_, err = out.Write(msg.Payload)
	if err == nil && len(msg.Payload) > 0 && msg.Payload[len(msg.Payload)-1] != '\n' {
		_, err = io.WriteString(out, "\n")
	}
	return err
}

// connect loads configuration, applies flag overrides and dials the broker.
func connect(ctx context.Context, cmd *cobra.Command) (*client.Client, *config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")
	brokerURL, _ := cmd.Flags().GetString("broker-url")
	logLevel, _ := cmd.Flags().GetString("log-level")

	logger := logging.NewLogger(logging.Config{
		Level:  logLevel,
		Pretty: true,
		Output: cmd.ErrOrStderr(),
	})
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if brokerURL != "" {
		transport, err := config.ParseBrokerURL(brokerURL)
		if err != nil {
			return nil, nil, err
		}
		cfg.Client.BrokerURL = brokerURL
		cfg.Client.Transport = transport
	}

	dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	c, err := client.DialConfig(dialCtx, &cfg.Client, keystore.DirLoader{Root: cfg.ResourceDir}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to %s: %w", cfg.Client.BrokerURL, err)
	}
	return c, cfg, nil
}

func parseHeaders(values []string) (map[string]string, error) {
	if len(values) == 0 {
		return nil, nil
	}

	headers := make(map[string]string, len(values))
	for _, kv := range values {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("invalid header %q (want key=value)", kv)
		}
		headers[strings.TrimSpace(key)] = value
	}
	return headers, nil
}
