// Command worker runs job queue consumers and the view refresh scheduler
// against the shared Redis backend, next to the Encore service.
//
// It exposes a small admin surface on HTTP_ADDR:
//
//	GET  /healthz                 backend and queue health
//	GET  /metrics                 Prometheus exposition
//	GET  /views/stats             refresh health per view
//	POST /views/{name}/refresh    synchronous refresh (rate limited)
//	GET  /jobs/{class}/{id}       job status
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"distribution.app/pkg/config"
	"distribution.app/pkg/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	shutdownTracing, err := setupTracing(ctx, "distribution-worker", cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}

	rt, cleanup, err := initRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()
	logger := rt.Logger.Named("worker")

	if err := rt.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           logging.RequestLogger(logger, newAdminRouter(rt)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("admin server listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", zap.Duration("timeout", cfg.ShutdownTimeout))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("admin server shutdown: %w", err))
		}
		if err := rt.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		if err := shutdownTracing(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("flush traces: %w", err))
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}
