// Package gormtx lets gorm based handlers append outbox records inside their gorm transaction.
package gormtx

import (
	"context"
	"errors"

	"github.com/idmesh/outbox"
	"gorm.io/gorm"
)

// ErrNotInTransaction is returned when a record would be appended outside of a transaction.
var ErrNotInTransaction = errors.New("gormtx: gorm handle is not in a transaction")

// WorkFunc runs the business queries of a transaction and appends its records through recWriter.
type WorkFunc func(tx *gorm.DB, recWriter outbox.RecordWriter) error

// Queryer returns the transaction behind tx as an outbox.TxQueryer.
func Queryer(tx *gorm.DB) (outbox.TxQueryer, error) {
	pool := tx.Statement.ConnPool
	if _, ok := pool.(gorm.TxCommitter); !ok {
		return nil, ErrNotInTransaction
	}
	return pool, nil
}

// Append appends rec within the gorm transaction tx.
func Append(ctx context.Context, store *outbox.Store, tx *gorm.DB, rec *outbox.Record) error {
	q, err := Queryer(tx)
	if err != nil {
		return err
	}
	return store.Append(ctx, q, rec)
}

// Write runs fn in a new gorm transaction and commits it, with every appended record,
// only if fn returns nil.
func Write(ctx context.Context, db *gorm.DB, store *outbox.Store, fn WorkFunc) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q, err := Queryer(tx)
		if err != nil {
			return err
		}
		return fn(tx, &recordWriter{store: store, q: q})
	})
}

type recordWriter struct {
	store *outbox.Store
	q     outbox.TxQueryer
}

func (w *recordWriter) Append(ctx context.Context, rec *outbox.Record) error {
	return w.store.Append(ctx, w.q, rec)
}
