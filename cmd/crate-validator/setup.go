package main

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/kubev2v/crate-validator/internal/config"
	"github.com/kubev2v/crate-validator/internal/engine"
	"github.com/kubev2v/crate-validator/internal/events"
	"github.com/kubev2v/crate-validator/internal/queue"
	"github.com/kubev2v/crate-validator/internal/service"
	"github.com/kubev2v/crate-validator/internal/store"
	"github.com/kubev2v/crate-validator/internal/store/model"
	"github.com/kubev2v/crate-validator/internal/webhook"
	"github.com/kubev2v/crate-validator/pkg/log"
)

// initLogging replaces the global zap logger. The returned func restores it.
func initLogging(cfg *config.Config) func() {
	logger := log.InitLog(log.ParseLevel(cfg.Service.LogLevel), cfg.Service.LogFormat)
	undo := zap.ReplaceGlobals(logger)
	return func() {
		_ = logger.Sync()
		undo()
	}
}

// newPgxPool opens the pool used by river. It is nil for sqlite.
func newPgxPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if cfg.Database.Type != "pgsql" {
		return nil, nil
	}

	poolCfg, err := pgxpool.ParseConfig(store.PostgresDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to parse pgx config: %w", err)
	}

	// Configure connection pool for River's needs (including LISTEN/NOTIFY)
	poolCfg.MaxConns = 20
	poolCfg.MinConns = 5
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pgx pool: %w", err)
	}
	return pool, nil
}

// components is everything a process running workers needs.
type components struct {
	store      store.Store
	pool       *pgxpool.Pool
	queue      queue.Queue
	producer   *events.EventProducer
	dispatcher *webhook.Dispatcher
	service    *service.ValidationService
}

func setup(ctx context.Context, cfg *config.Config) (*components, error) {
	zap.S().Info("Initializing data store")
	db, err := store.InitDB(cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing data store: %w", err)
	}
	s := store.NewStore(db)

	if cfg.Database.Type != "pgsql" {
		// sqlite has no migration step of its own
		if err := s.InitialMigration(ctx); err != nil {
			return nil, fmt.Errorf("running initial migration: %w", err)
		}
	}

	pool, err := newPgxPool(ctx, cfg)
	if err != nil {
		return nil, err
	}

	severity, ok := model.ParseSeverity(cfg.Validation.Severity)
	if !ok {
		return nil, fmt.Errorf("unknown requirement severity %q", cfg.Validation.Severity)
	}

	validator, err := engine.New(ctx,
		engine.WithProfilesDir(cfg.Validation.ProfilesDir),
		engine.WithDefaultProfile(cfg.Validation.DefaultProfile),
		engine.WithSeverity(severity),
	)
	if err != nil {
		return nil, fmt.Errorf("initializing validation engine: %w", err)
	}

	q, err := queue.New(ctx, cfg, pool)
	if err != nil {
		return nil, fmt.Errorf("initializing queue: %w", err)
	}

	producer, err := events.NewProducer(cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing events producer: %w", err)
	}

	dispatcher := webhook.NewDispatcher(
		webhook.WithMaxAttempts(cfg.Webhook.MaxAttempts),
		webhook.WithBackoff(cfg.Webhook.MinBackoff, cfg.Webhook.MaxBackoff),
		webhook.WithAttemptTimeout(cfg.Webhook.AttemptTimeout),
	)

	opts := []service.ValidationServiceOpts{
		service.WithJobTimeout(cfg.Validation.JobTimeout),
		service.WithPublishReports(cfg.Validation.PublishReports),
		service.WithNotifier(dispatcher),
	}
	if producer != nil {
		opts = append(opts, service.WithEvents(producer))
	}

	vs := service.NewValidationService(s, service.NewObjectStoreFactory(cfg.Validation.MaxArchiveBytes), validator, q, opts...)

	return &components{
		store:      s,
		pool:       pool,
		queue:      q,
		producer:   producer,
		dispatcher: dispatcher,
		service:    vs,
	}, nil
}

// startWorkers starts the queue and the stale job sweeper.
func (c *components) startWorkers(ctx context.Context, cfg *config.Config) error {
	if err := c.queue.Start(ctx, queue.ExecutorFunc(c.service.Execute)); err != nil {
		return fmt.Errorf("starting queue: %w", err)
	}
	go service.NewReaper(c.service, cfg.Validation.SweepInterval, cfg.Validation.SweepGrace).Run(ctx)
	zap.S().Named("worker").Infof("%d workers started on %s queue", cfg.Queue.Workers, cfg.Queue.Type)
	return nil
}

// shutdown stops the workers, waits for pending webhooks and closes the
// connections.
func (c *components) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := c.queue.Stop(ctx); err != nil {
		zap.S().Warnw("failed to stop queue", "error", err)
	}
	if err := c.dispatcher.Wait(ctx); err != nil {
		zap.S().Warnw("pending webhook deliveries abandoned", "error", err)
	}
	if err := c.producer.Close(); err != nil {
		zap.S().Warnw("failed to close events producer", "error", err)
	}
	if c.pool != nil {
		c.pool.Close()
	}
	_ = c.store.Close()
}

func newListener(address string) (net.Listener, error) {
	if address == "" {
		address = "localhost:0"
	}
	return net.Listen("tcp", address)
}
