package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/easeaico/code-review-agent/internal/memory"
	"github.com/easeaico/code-review-agent/internal/metrics"
	"github.com/easeaico/code-review-agent/internal/protocol"
	"github.com/easeaico/code-review-agent/internal/server"
	"github.com/easeaico/code-review-agent/internal/service"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve agents over WebSocket and HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	cfg := a.cfg

	store, err := memory.Open(ctx, cfg.Database.Type, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer store.Close()

	gen, err := a.newGenerator(ctx, cfg)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	agents := service.NewRegistry(store, gen, service.Options{
		MaxOutputTokens:  cfg.Inference.MaxOutputTokens,
		InferenceTimeout: cfg.Inference.Timeout,
		Logger:           a.logger,
		Metrics:          m,
	})
	defer agents.Close()

	dispatcher := protocol.NewDispatcher(agents, a.logger, m)
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.New(dispatcher, reg, a.logger).Handler(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("Listening",
			zap.String("addr", cfg.Server.Addr),
			zap.String("database", cfg.Database.Type),
			zap.String("model", cfg.Inference.Model))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
