package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	"github.com/user/connhub/internal/devserver"
	"github.com/user/connhub/internal/metrics"
	"github.com/user/connhub/internal/types"
)

func init() {
	rootCmd.AddCommand(devserverCmd)
	devserverCmd.Flags().String("listen", "", "listen address (overrides devserver.listen)")
	devserverCmd.Flags().Bool("connect-all", false, "mark every connector as authorized for the seed user")
}

var devserverCmd = &cobra.Command{
	Use:   "devserver",
	Short: "Run an in-memory backend for local development",
	Args:  cobra.NoArgs,
	RunE:  runDevserver,
}

func runDevserver(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	listen := cfg.Devserver.Listen
	if v, _ := cmd.Flags().GetString("listen"); v != "" {
		listen = v
	}
	connectAll, _ := cmd.Flags().GetBool("connect-all")

	srv := devserver.NewServer(devserver.Options{PublicURL: "http://" + listen})
	if u := cfg.Devserver.SeedUser; u != "" {
		if err := srv.AddUser(u, cfg.Devserver.SeedPassword); err != nil {
			return fmt.Errorf("seed user: %w", err)
		}
		if connectAll {
			for _, c := range types.AllConnectors {
				srv.SetConnected(u, c, true)
			}
		}
		slog.Info("seeded user", "username", u, "connect_all", connectAll)
	}

	r := chi.NewRouter()
	r.Mount("/", srv)
	if cfg.Metrics.Listen == "" {
		r.Handle("/metrics", metrics.Handler())
	}

	httpServer := &http.Server{
		Addr:              listen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("devserver started", "listen", listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("devserver error", "error", err)
		}
	}()

	if cfg.Metrics.Listen != "" {
		metricsServer := &http.Server{Addr: cfg.Metrics.Listen, Handler: metrics.Handler()}
		go func() {
			slog.Info("metrics server started", "listen", cfg.Metrics.Listen)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("metrics server error", "error", err)
			}
		}()
		defer metricsServer.Close()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("shutting down", "signal", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(ctx)
}
