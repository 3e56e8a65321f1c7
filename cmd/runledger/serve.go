package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/nadmax/runledger/internal/api"
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only HTTP API and Prometheus metrics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := a.store(ctx)
			if err != nil {
				return err
			}

			opts := api.Options{
				ReporterStaleAfter: a.cfg.Reporter.StaleAfter,
				Logger:             a.logger,
			}
			if cache := a.liveCache(ctx); cache != nil {
				opts.Live = cache
			}

			go startMetricsCollector(ctx, store, 10*time.Second, a.logger)

			server := &http.Server{
				Addr:              a.cfg.HTTP.Addr,
				Handler:           api.NewAPI(store, opts),
				ReadHeaderTimeout: 10 * time.Second,
			}

			return listenAndServe(ctx, server, a)
		},
	}

	cmd.Flags().String("addr", "", "Listen address (default :8080)")
	return cmd
}

// listenAndServe runs server until ctx is cancelled, then shuts it down.
func listenAndServe(ctx context.Context, server *http.Server, a *app) error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server starting", "addr", server.Addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}

	a.logger.Info("http server stopped")
	return nil
}
