// ABOUTME: Entry point for the quill-gateway collaborative editing server
// ABOUTME: Cobra commands for serving, config bootstrap, health checks and tokens

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/phsym/zeroslog"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/2389/quill-gateway/internal/auth"
	"github.com/2389/quill-gateway/internal/config"
	"github.com/2389/quill-gateway/internal/gateway"
	"github.com/2389/quill-gateway/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
              _ _ _                        _
  __ _ _   _(_) | |       __ _  __ _| |_ _____      ____ _ _   _
 / _' | | | | | | |_____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
| (_| | |_| | | | |_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
 \__, |\__,_|_|_|_|      \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
    |_|                  |___/                             |___/
`

func main() {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "quill-gateway",
		Short:         "Collaborative document editing server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $QUILL_CONFIG or ~/.config/quill/gateway.yaml)")

	path := func() string {
		if configPath != "" {
			return configPath
		}
		return config.DefaultPath()
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Start the gateway server",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runServe(cmd.Context(), path())
			},
		},
		newInitCmd(path),
		&cobra.Command{
			Use:   "health",
			Short: "Check a running gateway's readiness",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runHealth(cmd.Context(), path())
			},
		},
		newTokenCmd(path),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), version)
			},
		},
	)
	return root
}

func runServe(ctx context.Context, configPath string) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	line := func(label, value string) {
		green.Print("    ▶ ")
		fmt.Printf("%-10s %s\n", label, value)
	}
	line("Config:", configPath)
	line("Database:", cfg.Database.Path)
	if cfg.Tailscale.Enabled {
		line("Tailscale:", cfg.Tailscale.Hostname)
	} else {
		line("HTTP:", cfg.Server.HTTPAddr)
		if cfg.Server.GRPCAddr != "" {
			line("gRPC:", cfg.Server.GRPCAddr)
		}
	}
	if cfg.Relay.NATSURL != "" {
		line("Relay:", cfg.Relay.NATSURL+" ("+cfg.Relay.SubjectPrefix+".*)")
	}
	if cfg.Revocation.RedisURL != "" {
		line("Denylist:", "redis")
	}
	fmt.Println()

	logger.Info("starting quill-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.Run(ctx)
}

// setupLogger builds the process logger. "console" renders through
// zerolog's console writer, "json" and "text" use slog's handlers.
func setupLogger(cfg config.LoggingConfig, out io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	switch strings.ToLower(cfg.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level}))
	case "text":
		return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
	default:
		zl := zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.TimeOnly}).With().Timestamp().Logger()
		return slog.New(zeroslog.NewHandler(zl, &zeroslog.HandlerOptions{Level: level}))
	}
}

func newInitCmd(path func() string) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config file with a fresh JWT secret",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runInit(cmd.OutOrStdout(), path(), force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

func runInit(out io.Writer, configPath string, force bool) error {
	if _, err := os.Stat(configPath); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", configPath)
	}

	secret := make([]byte, 48)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("generating secret: %w", err)
	}

	dataDir := filepath.Join(filepath.Dir(configPath), "data")
	contents := fmt.Sprintf(`server:
  http_addr: %q
  grpc_addr: ""

database:
  path: %q

auth:
  jwt_secret: %q
  token_ttl: "168h"

broker:
  request_timeout: "30s"
  poll_interval: "100ms"

events:
  history_size: %d

# revocation:
#   redis_url: "redis://localhost:6379/0"

# relay:
#   nats_url: "nats://localhost:4222"
#   subject_prefix: "quill.events"

logging:
  level: "info"
  format: "console"
`, config.DefaultHTTPAddr, filepath.Join(dataDir, "quill.db"), base64.StdEncoding.EncodeToString(secret), config.DefaultHistorySize)

	if err := os.MkdirAll(filepath.Dir(configPath), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(contents), 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	color.New(color.FgGreen).Fprint(out, "✓ ")
	fmt.Fprintf(out, "wrote %s\n", configPath)
	return nil
}

func runHealth(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health/ready", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("not ready: status %d", resp.StatusCode)
	}
	fmt.Println("ready")
	return nil
}

func newTokenCmd(path func() string) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <username|email>",
		Short: "Issue an access token for an existing account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(cmd.Context(), cmd.OutOrStdout(), path(), args[0], ttl)
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to auth.token_ttl)")
	return cmd
}

func runToken(ctx context.Context, out io.Writer, configPath, login string, ttl time.Duration) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if ttl <= 0 {
		ttl = cfg.Auth.TokenTTL
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	acct, err := s.GetAccountByLogin(ctx, login)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("no account %q", login)
	}
	if err != nil {
		return fmt.Errorf("finding account: %w", err)
	}
	if !acct.IsActive {
		return fmt.Errorf("account %q is deactivated", login)
	}

	token, claims, err := auth.NewJWTIssuer([]byte(cfg.Auth.JWTSecret), ttl).Issue(acct.ID, acct.Username)
	if err != nil {
		return fmt.Errorf("issuing token: %w", err)
	}

	fmt.Fprintln(out, token)
	color.New(color.FgHiBlack).Fprintf(os.Stderr, "user %s, expires %s\n", acct.Username, claims.ExpiresAt.Format(time.RFC3339))
	return nil
}
