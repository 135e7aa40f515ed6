package migrations

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pressly/goose/v3"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed sql/*.sql
var embedded embed.FS

// MigrateStore brings the jobs schema up to date. The SQL files are read from
// migrationFolder, or from the copy built into the binary when it is empty.
// When pgxPool is set the river queue tables are migrated as well.
func MigrateStore(ctx context.Context, db *gorm.DB, migrationFolder string, pgxPool *pgxpool.Pool) error {
	source, err := sources(migrationFolder)
	if err != nil {
		return err
	}

	goose.SetLogger(gooseLogger{zap.S().Named("goose")})
	goose.SetBaseFS(source)
	if err := goose.SetDialect(dialect(db)); err != nil {
		return err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	if err := goose.UpContext(ctx, sqlDB, "."); err != nil {
		return fmt.Errorf("jobs migrations: %w", err)
	}

	version, err := goose.GetDBVersionContext(ctx, sqlDB)
	if err != nil {
		return err
	}
	zap.S().Named("migrations").Infow("jobs schema migrated", "version", version)

	if pgxPool == nil {
		return nil
	}
	if err := migrateRiver(ctx, pgxPool); err != nil {
		return fmt.Errorf("river migrations: %w", err)
	}
	return nil
}

func sources(folder string) (fs.FS, error) {
	if folder == "" {
		return fs.Sub(embedded, "sql")
	}

	fi, err := os.Stat(folder)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("migration folder %s is not a directory", folder)
	}
	return os.DirFS(folder), nil
}

func dialect(db *gorm.DB) string {
	if db.Dialector.Name() == "sqlite" {
		return "sqlite3"
	}
	return "postgres"
}

func migrateRiver(ctx context.Context, pool *pgxpool.Pool) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return err
	}
	res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil)
	if err != nil {
		return err
	}
	for _, v := range res.Versions {
		zap.S().Named("migrations").Infow("river migration applied", "version", v.Version)
	}
	return nil
}

// gooseLogger adapts a sugared logger to goose. Fatalf is promoted.
type gooseLogger struct {
	*zap.SugaredLogger
}

func (l gooseLogger) Printf(format string, v ...interface{}) { l.Infof(format, v...) }
