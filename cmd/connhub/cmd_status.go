package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/connhub/internal/connector"
	"github.com/user/connhub/internal/gateway"
	"github.com/user/connhub/internal/metrics"
	"github.com/user/connhub/internal/status"
	"github.com/user/connhub/internal/types"
)

func init() {
	rootCmd.AddCommand(statusCmd, connectCmd, disconnectCmd)
	statusCmd.Flags().Bool("watch", false, "keep polling and print changes")
}

var errNotLoggedIn = fmt.Errorf("%w: run 'connhub login' first", gateway.ErrNoSession)

func parseConnector(arg string) (types.ConnectorID, error) {
	id, ok := types.ParseConnector(arg)
	if !ok {
		return "", fmt.Errorf("%w: %s", connector.ErrUnknownConnector, arg)
	}
	return id, nil
}

func (c *client) tracker() *status.Tracker {
	return status.New(c.gw, c.store, status.Options{
		Schedule: c.cfg.Status.PollSchedule,
		Retry:    c.retryPolicy(),
	})
}

func statusLabel(s status.Status) string {
	switch {
	case !s.Known:
		return "unknown"
	case s.Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connection status for every connector",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		if _, ok := c.store.GetSession(); !ok {
			return errNotLoggedIn
		}
		tr := c.tracker()
		refreshErr := tr.Refresh(context.Background())

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "CONNECTOR\tSTATUS\tCHECKED")
		for _, s := range tr.All() {
			checked := "-"
			if !s.CheckedAt.IsZero() {
				checked = s.CheckedAt.Format("2006-01-02 15:04:05")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", s.Connector, statusLabel(s), checked)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		if refreshErr != nil {
			slog.Warn("some connectors could not be checked", "error", refreshErr)
		}

		watch, _ := cmd.Flags().GetBool("watch")
		if !watch {
			return nil
		}
		return watchStatus(c, tr)
	},
}

// watchStatus polls on the configured schedule until interrupted,
// printing each change. When metrics.listen is set the Prometheus
// handler is served alongside.
func watchStatus(c *client, tr *status.Tracker) error {
	last := make(map[types.ConnectorID]string)
	for _, s := range tr.All() {
		last[s.Connector] = statusLabel(s)
	}
	unsubscribe := tr.Subscribe(func(s status.Status) {
		label := statusLabel(s)
		if s.Err != nil {
			slog.Warn("status check failed", "connector", s.Connector, "error", s.Err)
			return
		}
		if last[s.Connector] == label {
			return
		}
		last[s.Connector] = label
		fmt.Fprintf(os.Stdout, "%s %s is now %s\n", time.Now().Format("15:04:05"), s.Connector, label)
	})
	defer unsubscribe()

	if err := tr.Start(); err != nil {
		return err
	}
	defer tr.Stop()

	if c.cfg.Metrics.Listen != "" {
		srv := &http.Server{Addr: c.cfg.Metrics.Listen, Handler: metrics.Handler()}
		go func() {
			slog.Info("metrics server started", "listen", c.cfg.Metrics.Listen)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("metrics server error", "error", err)
			}
		}()
		defer srv.Close()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("stopping watch", "signal", sig)
	return nil
}

var connectCmd = &cobra.Command{
	Use:   "connect <connector>",
	Short: "Print the authorization URL for a connector",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseConnector(args[0])
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		u, err := c.tracker().Connect(context.Background(), id)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Open this URL to authorize %s:\n%s\n", id, u)
		return nil
	},
}

var disconnectCmd = &cobra.Command{
	Use:   "disconnect <connector>",
	Short: "Revoke a connector's authorization",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseConnector(args[0])
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		tr := c.tracker()
		// A disconnected connector starts browsing from its root again.
		tr.OnDisconnect(id, func() {
			if err := saveNavigation(c.backend, id, navigation{}); err != nil {
				slog.Warn("failed to reset navigation", "connector", id, "error", err)
			}
		})
		if err := tr.Disconnect(context.Background(), id); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "%s disconnected.\n", id)
		return nil
	},
}
