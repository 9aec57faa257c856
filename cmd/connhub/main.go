package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/connhub/internal/config"
	"github.com/user/connhub/internal/gateway"
	"github.com/user/connhub/internal/state"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "connhub",
	Short:         "Browse and manage resources across connected services",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config",
		filepath.Join(os.Getenv("HOME"), ".connhub", "config.json"), "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func loadConfig() *config.Config {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func setupLogging(cfg *config.Config) {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// client bundles the pieces every backend-facing command needs.
type client struct {
	cfg     *config.Config
	backend *state.FileBackend
	store   *state.AuthStore
	gw      *gateway.Gateway
}

func newClient() (*client, error) {
	cfg := loadConfig()
	setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	backend := state.NewFileBackend(cfg.DataDir, cfg.SessionPollInterval())
	store := state.NewAuthStore(backend)
	store.Hydrate()

	gw := gateway.New(gateway.Config{
		BaseURL:        cfg.Backend.BaseURL,
		Timeout:        cfg.BackendTimeout(),
		MaxConcurrent:  int64(cfg.Backend.MaxConcurrent),
		SendAuthHeader: cfg.Backend.SendAuthHeader,
	}, store)

	slog.Debug("client ready",
		"base_url", cfg.Backend.BaseURL,
		"data_dir", cfg.DataDir,
		"max_concurrent", cfg.Backend.MaxConcurrent,
	)
	return &client{cfg: cfg, backend: backend, store: store, gw: gw}, nil
}

func (c *client) Close() {
	c.store.Close()
}

// retryPolicy builds the status retry policy from config.
func (c *client) retryPolicy() *gateway.RetryPolicy {
	p := gateway.DefaultRetryPolicy()
	if c.cfg.Status.RetryAttempts > 0 {
		p.MaxAttempts = c.cfg.Status.RetryAttempts
	}
	return p
}
