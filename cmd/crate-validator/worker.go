package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	apiserver "github.com/kubev2v/crate-validator/internal/api_server"
	"github.com/kubev2v/crate-validator/internal/config"
	"github.com/kubev2v/crate-validator/internal/queue"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the validation workers only",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.New()
		if err != nil {
			return err
		}

		undo := initLogging(cfg)
		defer undo()

		if cfg.Queue.Type == queue.TypeLocal || cfg.Queue.Type == "" {
			return fmt.Errorf("the %s queue lives in the API process; use a shared queue to run standalone workers", queue.TypeLocal)
		}

		zap.S().Info("Starting validation workers")
		defer zap.S().Info("validation workers stopped")

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

		listener, err := newListener(cfg.Service.MetricsAddress)
		if err != nil {
			return err
		}
		return apiserver.NewMetricServer(listener, c.store.Ping).Run(ctx)
	},
}
