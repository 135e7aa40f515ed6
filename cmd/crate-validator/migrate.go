package main

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kubev2v/crate-validator/internal/config"
	"github.com/kubev2v/crate-validator/internal/store"
	"github.com/kubev2v/crate-validator/pkg/migrations"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Migrate the db",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.New()
		if err != nil {
			return err
		}

		undo := initLogging(cfg)
		defer undo()

		zap.S().Info("Starting migration")
		defer zap.S().Info("Db migrated")

		ctx := context.Background()

		db, err := store.InitDB(cfg)
		if err != nil {
			zap.S().Errorw("initializing data store", "error", err)
			return err
		}
		s := store.NewStore(db)
		defer s.Close()

		pool, err := newPgxPool(ctx, cfg)
		if err != nil {
			return err
		}
		if pool != nil {
			defer pool.Close()
		}

		return migrations.MigrateStore(ctx, db, cfg.Service.MigrationFolder, pool)
	},
}
