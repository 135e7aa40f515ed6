package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	apiserver "github.com/kubev2v/crate-validator/internal/api_server"
	"github.com/kubev2v/crate-validator/internal/config"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the API server and the validation workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.New()
		if err != nil {
			return err
		}

		undo := initLogging(cfg)
		defer undo()

		zap.S().Info("Starting crate validator")
		defer zap.S().Info("crate validator stopped")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT)
		defer cancel()

		c, err := setup(ctx, cfg)
		if err != nil {
			zap.S().Errorw("failed to initialize", "error", err)
			return err
		}
		defer c.shutdown()

		if err := c.startWorkers(ctx, cfg); err != nil {
			return err
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			defer cancel()
			listener, err := newListener(cfg.Service.Address)
			if err != nil {
				return err
			}
			return apiserver.New(cfg, c.service, listener).Run(gctx)
		})
		g.Go(func() error {
			defer cancel()
			listener, err := newListener(cfg.Service.MetricsAddress)
			if err != nil {
				return err
			}
			return apiserver.NewMetricServer(listener, c.service.Health).Run(gctx)
		})

		if err := g.Wait(); err != nil {
			zap.S().Errorw("server stopped", "error", err)
			return err
		}
		return nil
	},
}
