package store

import (
	"context"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/kubev2v/crate-validator/internal/store/model"
)

type Store interface {
	NewTransactionContext(ctx context.Context) (context.Context, error)
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
	Job() Job
	InitialMigration(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

type DataStore struct {
	db  *gorm.DB
	job Job
	log logrus.FieldLogger
}

func NewStore(db *gorm.DB) Store {
	return &DataStore{
		db:  db,
		job: NewJobStore(db),
		log: logrus.StandardLogger().WithField("pkg", "store"),
	}
}

func (s *DataStore) NewTransactionContext(ctx context.Context) (context.Context, error) {
	return newTransactionContext(ctx, s.db, s.log)
}

func (s *DataStore) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return withTransaction(ctx, s.db, s.log, fn)
}

func (s *DataStore) Job() Job {
	return s.job
}

// InitialMigration creates the schema from the models. Deployments on postgres
// use the SQL migrations instead.
func (s *DataStore) InitialMigration(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&model.Job{})
}

func (s *DataStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *DataStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
