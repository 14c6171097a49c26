package outbox

import (
	"context"
	"fmt"
)

// Writer appends outbox records as part of user-defined queries within a database transaction.
//
// Records written through a Writer become visible to the Relay only when the
// transaction commits. If the transaction rolls back, none of them persist.
type Writer struct {
	store *Store
}

// TxWorkFunc is the user supplied callback for [Writer.WriteOne].
// It executes user defined queries within the same transaction that appends the given record.
// The Writer commits or rolls back the transaction once the callback completes.
type TxWorkFunc func(ctx context.Context, tx TxQueryer) error

// OutboxWorkFunc is the user supplied callback for [Writer.Write].
// It executes user defined queries and appends records to the outbox table within the same transaction.
// The Writer commits or rolls back the transaction once the callback completes.
type OutboxWorkFunc func(ctx context.Context, tx TxQueryer, recWriter RecordWriter) error

// RecordWriter allows appending records within a managed transaction.
type RecordWriter interface {
	// Append persists a record in the outbox table.
	// The record is committed when the enclosing transaction commits.
	Append(ctx context.Context, rec *Record) error
}

// NewWriter creates a new outbox Writer backed by the given store.
func NewWriter(store *Store) *Writer {
	return &Writer{store: store}
}

// Write executes user defined queries and appends records to the outbox table within the same managed transaction.
//
// This is the recommended approach when you need to:
//   - Conditionally raise events based on business logic
//   - Raise multiple events per transaction
//
// The transaction commits if the callback returns nil, or rolls back if it
// returns an error or panics.
//
// Example:
//
//	err := writer.Write(ctx, func(ctx context.Context, tx outbox.TxQueryer, recWriter outbox.RecordWriter) error {
//	    _, err := tx.ExecContext(ctx,
//	        "UPDATE users SET mfa_enabled = TRUE WHERE id = $1 AND mfa_enabled = FALSE", userID)
//	    if err != nil {
//	        return err
//	    }
//
//	    rec, err := events.NewRecord(events.MFAEnabled{UserID: userID, Method: "totp"})
//	    if err != nil {
//	        return err
//	    }
//	    return recWriter.Append(ctx, rec)
//	})
func (w *Writer) Write(ctx context.Context, fn OutboxWorkFunc) error {
	tx, err := w.store.beginTx(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	var txCommitted bool
	defer func() {
		if !txCommitted {
			_ = tx.Rollback()
		}
	}()

	err = fn(ctx, tx, &recordWriter{store: w.store, tx: tx})
	if err != nil {
		return err
	}

	err = tx.Commit()
	txCommitted = err == nil
	if err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

// WriteOne executes the provided callback and appends a record to the outbox table
// as part of a managed transaction.
//
// The transaction commits if the callback returns nil, or rolls back if it returns an error or
// panics.
//
// For conditional or multiple records use [Writer.Write] instead.
func (w *Writer) WriteOne(ctx context.Context, rec *Record, fn TxWorkFunc) error {
	return w.Write(ctx, func(ctx context.Context, tx TxQueryer, recWriter RecordWriter) error {
		err := fn(ctx, tx)
		if err != nil {
			return err
		}

		return recWriter.Append(ctx, rec)
	})
}

type recordWriter struct {
	store *Store
	tx    TxQueryer
}

func (w *recordWriter) Append(ctx context.Context, rec *Record) error {
	return w.store.Append(ctx, w.tx, rec)
}
