package store

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type txKey struct{}

var errNoTransaction = errors.New("no transaction in progress")

// Tx is a database transaction carried by a context. Store calls made with
// that context run inside it.
type Tx struct {
	db  *gorm.DB
	log logrus.FieldLogger
}

func txFrom(ctx context.Context) *Tx {
	tx, _ := ctx.Value(txKey{}).(*Tx)
	return tx
}

// FromContext returns the open transaction of ctx, or nil.
func FromContext(ctx context.Context) *gorm.DB {
	if tx := txFrom(ctx); tx != nil {
		return tx.db
	}
	return nil
}

// Commit commits the transaction of ctx and returns a context without it.
// A context without a transaction is returned as is.
func Commit(ctx context.Context) (context.Context, error) {
	return finish(ctx, "commit", func(db *gorm.DB) error { return db.Commit().Error })
}

// Rollback aborts the transaction of ctx and returns a context without it.
func Rollback(ctx context.Context) (context.Context, error) {
	return finish(ctx, "rollback", func(db *gorm.DB) error { return db.Rollback().Error })
}

func finish(ctx context.Context, action string, fn func(db *gorm.DB) error) (context.Context, error) {
	tx := txFrom(ctx)
	if tx == nil {
		return ctx, nil
	}

	stripped := context.WithValue(ctx, txKey{}, (*Tx)(nil))
	if tx.db == nil {
		return stripped, errNoTransaction
	}

	if err := fn(tx.db); err != nil {
		tx.log.WithError(err).WithField("action", action).Error("transaction failed to finish")
		return stripped, err
	}
	tx.db = nil
	tx.log.WithField("action", action).Debug("transaction finished")
	return stripped, nil
}

// newTransactionContext opens a transaction unless ctx already carries one.
func newTransactionContext(ctx context.Context, db *gorm.DB, log logrus.FieldLogger) (context.Context, error) {
	if tx := txFrom(ctx); tx != nil {
		return ctx, nil
	}

	begun := db.Session(&gorm.Session{Context: ctx}).Begin()
	if begun.Error != nil {
		return ctx, begun.Error
	}
	return context.WithValue(ctx, txKey{}, &Tx{db: begun, log: log}), nil
}

// withTransaction runs fn in a transaction. The transaction is committed when
// fn returns nil and rolled back otherwise. A transaction already carried by
// ctx is joined and left for its owner to finish.
func withTransaction(ctx context.Context, db *gorm.DB, log logrus.FieldLogger, fn func(ctx context.Context) error) error {
	if txFrom(ctx) != nil {
		return fn(ctx)
	}

	txCtx, err := newTransactionContext(ctx, db, log)
	if err != nil {
		return err
	}

	if err := fn(txCtx); err != nil {
		if _, rbErr := Rollback(txCtx); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}

	_, err = Commit(txCtx)
	return err
}
