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

	"github.com/spf13/cobra"

	"github.com/warp/promo-engine/api"
	"github.com/warp/promo-engine/internal/config"
	"github.com/warp/promo-engine/scheduler"
)

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the weekly scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serveRun(cmd)
		},
	}
}

func serveRun(cmd *cobra.Command) error {
	cfg := config.FromContext(cmd.Context())
	if cfg == nil {
		return errors.New("no config found in context")
	}

	logger := commonRun(cfg)
	sched := scheduler.New(logger, cfg.CheckInterval)
	d, err := newDeps(cfg, logger, sched)
	if err != nil {
		return err
	}
	defer d.store.Close()

	jobs := scheduler.PeriodJobs{Engine: d.engine, Lead: cfg.ConfirmLead, Logger: d.logger}
	if err := jobs.Register(sched, time.Now()); err != nil {
		return fmt.Errorf("failed to register period jobs: %w", err)
	}
	sched.Start()

	handler := api.NewHandler(d.engine, cfg.IsAdmin, d.logger)
	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      api.NewRouter(handler, d.registry),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		d.logger.Info("server starting", "addr", server.Addr, "period", d.engine.CurrentPeriod())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		sched.Stop()
		return fmt.Errorf("server failed: %w", err)
	}

	d.logger.Info("shutting down")
	sched.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	d.logger.Info("server stopped")
	return nil
}
