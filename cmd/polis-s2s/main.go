// Package main is the entry point for the polis-s2s binary.
// It serves XMPP server-to-server streams authenticated with dialback.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	tlspkg "github.com/polisai/polis-s2s/internal/tls"
	"github.com/polisai/polis-s2s/pkg/config"
	"github.com/polisai/polis-s2s/pkg/dialback"
	"github.com/polisai/polis-s2s/pkg/logging"
	"github.com/polisai/polis-s2s/pkg/secret"
	"github.com/polisai/polis-s2s/pkg/server"
	"github.com/polisai/polis-s2s/pkg/storage"
	"github.com/polisai/polis-s2s/pkg/telemetry"
)

const (
	gracefulShutdownTimeout  = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	err := newRootCmd().Execute()
	// Wipe locked secret memory before exit.
	memguard.Purge()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", describeError(err))
		os.Exit(1)
	}
}

// describeError adds the remediation hints carried by TLS and
// configuration errors.
func describeError(err error) string {
	var tlsErr *tlspkg.TLSError
	if errors.As(err, &tlsErr) {
		return tlsErr.GetDetailedMessage()
	}
	msg := err.Error()
	var cfgErr *config.ConfigError
	if errors.As(err, &cfgErr) && len(cfgErr.Suggestions) > 0 {
		msg += "\n\nSuggestions:"
		for i, suggestion := range cfgErr.Suggestions {
			msg += fmt.Sprintf("\n  %d. %s", i+1, suggestion)
		}
	}
	return msg
}

// newRootCmd creates the root command for polis-s2s
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "polis-s2s",
		Short: "XMPP server-to-server endpoint with dialback authentication",
		Long: `polis-s2s accepts and opens XMPP server-to-server streams and proves domain
ownership with Server Dialback (XEP-0220).

Example:
  polis-s2s serve --config s2s.yaml
  polis-s2s connect --config s2s.yaml example.net`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "Log level override (debug, info, warn, error)")

	rootCmd.AddCommand(
		newServeCmd(),
		newConnectCmd(),
		newDigestCmd(),
		newGencertCmd(),
		newCertinfoCmd(),
	)
	return rootCmd
}

// loadConfig reads the configuration named by the persistent flags and
// installs the process-wide logger.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	level, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get log-level flag: %w", err)
	}

	// S2S_* variables may come from a .env file next to the binary.
	_ = godotenv.Load()

	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	if level != "" {
		cfg.Logging.Level = level
	}

	logger := logging.SetupLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
		Output: cmd.ErrOrStderr(),
	})
	return cfg, logger, nil
}

func setupTelemetry(ctx context.Context, cfg *config.Config, logger *slog.Logger) func() {
	shutdown, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		LocalDomain: cfg.Server.Domain,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Environment: cfg.Telemetry.Environment,
		Insecure:    cfg.Telemetry.Insecure,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
		return func() {}
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Accept and originate server-to-server streams",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry := setupTelemetry(ctx, cfg, logger)
	defer shutdownTelemetry()

	srv, err := server.New(cfg, logger)
	if err != nil {
		return err
	}
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown error", "error", err)
		return err
	}
	return nil
}

func newConnectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connect <remote-domain>",
		Short: "Authenticate a local domain to a remote server and report the outcome",
		Long: `connect starts the listeners (the remote server verifies the key by calling
back), opens an outgoing stream to the remote domain and runs dialback.`,
		Args: cobra.ExactArgs(1),
		RunE: runConnect,
	}
	cmd.Flags().String("from", "", "Local domain to assert (defaults to server.domain)")
	cmd.Flags().Int("port", 0, "Remote port; zero resolves SRV records")
	cmd.Flags().Duration("timeout", 30*time.Second, "Overall timeout")
	return cmd
}

func runConnect(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	from, _ := cmd.Flags().GetString("from")
	port, _ := cmd.Flags().GetInt("port")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	shutdownTelemetry := setupTelemetry(ctx, cfg, logger)
	defer shutdownTelemetry()

	srv, err := server.New(cfg, logger)
	if err != nil {
		return err
	}
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	defer func() { _ = srv.Close() }()

	out, err := srv.Connect(ctx, from, args[0], port)
	if err != nil {
		return fmt.Errorf("dialback to %s failed: %w", args[0], err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "authenticated %v on stream %s\n", out.Pairs(), out.StreamID)
	return nil
}

func newDigestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "digest <stream-id>",
		Short: "Print the dialback key for a stream ID",
		Long: `digest computes the key this server would assert for a stream ID. Without
--secret the shared secret is read from the configured secret cache.`,
		Args: cobra.ExactArgs(1),
		RunE: runDigest,
	}
	cmd.Flags().String("secret", "", "Secret to key the digest with")
	return cmd
}

func runDigest(cmd *cobra.Command, args []string) error {
	streamID := args[0]
	if streamID == "" {
		return errors.New("stream id must not be empty")
	}

	if value, _ := cmd.Flags().GetString("secret"); value != "" {
		fmt.Fprintln(cmd.OutOrStdout(), dialback.Digest(streamID, value))
		return nil
	}

	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cache, err := storage.Open(storage.Options{
		Backend:       cfg.SecretCache.Backend,
		BoltPath:      cfg.SecretCache.BoltPath,
		RedisAddrs:    cfg.SecretCache.RedisAddrs,
		RedisPassword: cfg.SecretCache.RedisPassword,
		RedisDB:       cfg.SecretCache.RedisDB,
		KeyPrefix:     cfg.SecretCache.KeyPrefix,
		LockTTL:       cfg.SecretCache.LockTTL,
	})
	if err != nil {
		return fmt.Errorf("open secret cache: %w", err)
	}
	defer cache.Close()

	key, err := secret.NewProvider(cache, logger).Key(cmd.Context(), streamID)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), key)
	return nil
}

func newGencertCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gencert <domain>...",
		Short: "Generate a development CA and one certificate per domain",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("output-dir")
			validFor, _ := cmd.Flags().GetDuration("valid-for")
			if err := tlspkg.GenerateDomainCertificates(dir, args, validFor); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote ca.crt and %d domain certificates to %s\n", len(args), dir)
			return nil
		},
	}
	cmd.Flags().String("output-dir", "certs", "Output directory for certificates")
	cmd.Flags().Duration("valid-for", 365*24*time.Hour, "Certificate validity duration")
	return cmd
}

func newCertinfoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "certinfo <cert-file>",
		Short: "Check that a certificate can serve a domain on server-to-server streams",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			domainName, _ := cmd.Flags().GetString("domain")
			asJSON, _ := cmd.Flags().GetBool("json")

			report, err := tlspkg.NewCertificateInspector().InspectCertificateFile(args[0], domainName)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
			} else {
				printReport(out, report)
			}
			if !report.Usable() {
				return fmt.Errorf("certificate %s has %d problem(s)", args[0], len(report.Errors))
			}
			return nil
		},
	}
	cmd.Flags().String("domain", "", "Domain the certificate must name")
	cmd.Flags().Bool("json", false, "Print the report as JSON")
	return cmd
}

func printReport(w io.Writer, r *tlspkg.CertificateReport) {
	fmt.Fprintf(w, "Subject:     %s\n", r.Subject)
	fmt.Fprintf(w, "Issuer:      %s\n", r.Issuer)
	fmt.Fprintf(w, "Valid:       %s to %s\n", r.NotBefore.Format(time.RFC3339), r.NotAfter.Format(time.RFC3339))
	fmt.Fprintf(w, "DNS names:   %v\n", r.DNSNames)
	fmt.Fprintf(w, "Key:         %s %d\n", r.KeyAlgorithm, r.KeySize)
	fmt.Fprintf(w, "Chain:       %d certificate(s), self-signed=%t\n", r.ChainLength, r.SelfSigned)
	fmt.Fprintf(w, "S2S usable:  %t\n", r.ServerToServer)
	if r.Domain != "" {
		fmt.Fprintf(w, "Covers %s: %t\n", r.Domain, r.CoversDomain)
	}
	for _, warning := range r.Warnings {
		fmt.Fprintf(w, "WARNING: %s\n", warning)
	}
	for _, problem := range r.Errors {
		fmt.Fprintf(w, "ERROR: %s\n", problem)
	}
}
