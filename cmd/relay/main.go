package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"cipherfan/internal/app"
	"cipherfan/internal/relay"
	"cipherfan/internal/telemetry/metric"
)

const shutdownTimeout = 10 * time.Second

func main() {
	var (
		addr     string
		logLevel string
		logJSON  bool
		window   time.Duration
	)
	cmd := &cobra.Command{
		Use:          "relay",
		Short:        "In-memory store-and-forward relay for cipherfan",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := app.NewLogger(app.LogConfig{Level: logLevel, JSON: logJSON}, cmd.ErrOrStderr()).Named("relay")
			hub := relay.NewHub(logger)
			hub.SetOnlineWindow(window)
			return serve(cmd.Context(), addr, relay.NewServer(hub, logger, metric.NewRegistry()), logger)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level")
	cmd.Flags().BoolVar(&logJSON, "log-json", false, "emit logs as JSON")
	cmd.Flags().DurationVar(&window, "online-window", relay.DefaultOnlineWindow, "how recently a device must have polled to count as online")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func serve(ctx context.Context, addr string, h http.Handler, logger hclog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
