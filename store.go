package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const maxErrorLen = 1024

// Store persists outbox records.
//
// Mutations that belong to a relay cycle take the cycle's transaction so that
// a store failure rolls back every outcome of the batch together.
type Store struct {
	dbCtx *DBContext
	clock Clock
}

// StoreOption is a function that configures a Store instance.
type StoreOption func(*Store)

// WithStoreClock sets the clock used for processed timestamps and retention cutoffs.
// Default is SystemClock.
func WithStoreClock(clock Clock) StoreOption {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewStore creates a Store over the given database context.
func NewStore(dbCtx *DBContext, opts ...StoreOption) *Store {
	s := &Store{
		dbCtx: dbCtx,
		clock: SystemClock{},
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// DBContext returns the database context of the store.
func (s *Store) DBContext() *DBContext {
	return s.dbCtx
}

func (s *Store) beginTx(ctx context.Context) (Tx, error) {
	return s.dbCtx.db.BeginTx(ctx, nil)
}

// Append inserts a pending record using the caller's transaction.
// It never commits or rolls back tx: the record persists only if the caller commits.
func (s *Store) Append(ctx context.Context, tx TxQueryer, rec *Record) error {
	if err := rec.validate(); err != nil {
		return storeErr("append", rec.ID, err)
	}

	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = s.clock.Now().UTC()
	}

	c := s.dbCtx
	// nolint:gosec
	query := fmt.Sprintf("INSERT INTO %s (id, event_tag, topic, payload, occurred_at, attempt_count, status) VALUES (%s, %s, %s, %s, %s, %s, %s)",
		c.tableName,
		c.getSQLPlaceholder(1),
		c.getSQLPlaceholder(2),
		c.getSQLPlaceholder(3),
		c.getSQLPlaceholder(4),
		c.getSQLPlaceholder(5),
		c.getSQLPlaceholder(6),
		c.getSQLPlaceholder(7))
	_, err := tx.ExecContext(ctx, query,
		c.formatIDForDB(rec.ID), rec.EventTag, rec.Topic, rec.Payload, rec.OccurredAt.UTC(), 0, int16(StatusPending))
	if err != nil {
		return storeErr("append", rec.ID, err)
	}

	rec.ProcessedAt = nil
	rec.AttemptCount = 0
	rec.LastError = ""
	rec.Status = StatusPending
	return nil
}

// FetchPendingBatch returns up to limit pending records ordered by occurrence, oldest first.
// Returned rows stay claimed by tx until it ends, concurrent relays skip them.
func (s *Store) FetchPendingBatch(ctx context.Context, tx TxQueryer, limit int) ([]*Record, error) {
	if limit <= 0 {
		return nil, storeErr("fetch pending", uuid.Nil, ErrInvalidBatchSize)
	}

	rows, err := tx.QueryContext(ctx, s.dbCtx.buildFetchPendingQuery(), limit)
	if err != nil {
		return nil, storeErr("fetch pending", uuid.Nil, err)
	}

	recs, err := scanRecords(rows)
	if err != nil {
		return nil, storeErr("fetch pending", uuid.Nil, err)
	}
	return recs, nil
}

// MarkProcessed marks a pending record as delivered.
// Marking a terminal record again is a no-op.
func (s *Store) MarkProcessed(ctx context.Context, tx TxQueryer, id uuid.UUID) error {
	c := s.dbCtx
	// nolint:gosec
	query := fmt.Sprintf("UPDATE %s SET processed_at = %s, status = %s WHERE id = %s AND processed_at IS NULL",
		c.tableName, c.getSQLPlaceholder(1), c.getSQLPlaceholder(2), c.getSQLPlaceholder(3))
	_, err := tx.ExecContext(ctx, query, s.clock.Now().UTC(), int16(StatusProcessed), c.formatIDForDB(id))
	if err != nil {
		return storeErr("mark processed", id, err)
	}
	return nil
}

// RecordFailedAttempt increments the attempt counter of a pending record and stores the failure.
// The record stays pending.
func (s *Store) RecordFailedAttempt(ctx context.Context, tx TxQueryer, id uuid.UUID, errText string) error {
	c := s.dbCtx
	// nolint:gosec
	query := fmt.Sprintf("UPDATE %s SET attempt_count = attempt_count + 1, last_error = %s WHERE id = %s AND processed_at IS NULL",
		c.tableName, c.getSQLPlaceholder(1), c.getSQLPlaceholder(2))
	_, err := tx.ExecContext(ctx, query, sanitizeError(errText), c.formatIDForDB(id))
	if err != nil {
		return storeErr("record failed attempt", id, err)
	}
	return nil
}

// GetAttemptCount returns the number of failed delivery attempts of a record.
func (s *Store) GetAttemptCount(ctx context.Context, tx TxQueryer, id uuid.UUID) (int, error) {
	c := s.dbCtx
	// nolint:gosec
	query := fmt.Sprintf("SELECT attempt_count FROM %s WHERE id = %s", c.tableName, c.getSQLPlaceholder(1))

	var count int
	err := tx.QueryRowContext(ctx, query, c.formatIDForDB(id)).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, storeErr("get attempt count", id, ErrRecordNotFound)
	}
	if err != nil {
		return 0, storeErr("get attempt count", id, err)
	}
	return count, nil
}

// MoveToDeadLetter makes a pending record terminal without delivering it.
// The error text is kept for operators; the attempt counter is left as is.
func (s *Store) MoveToDeadLetter(ctx context.Context, tx TxQueryer, id uuid.UUID, errText string) error {
	c := s.dbCtx
	// nolint:gosec
	query := fmt.Sprintf("UPDATE %s SET last_error = %s, processed_at = %s, status = %s WHERE id = %s AND processed_at IS NULL",
		c.tableName, c.getSQLPlaceholder(1), c.getSQLPlaceholder(2), c.getSQLPlaceholder(3), c.getSQLPlaceholder(4))
	_, err := tx.ExecContext(ctx, query, sanitizeError(errText), s.clock.Now().UTC(), int16(StatusDeadLettered), c.formatIDForDB(id))
	if err != nil {
		return storeErr("move to dead letter", id, err)
	}
	return nil
}

// PurgeOlderThan deletes terminal records processed more than retentionDays ago
// and returns how many were deleted. Pending records are never deleted.
func (s *Store) PurgeOlderThan(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, storeErr("purge", uuid.Nil, ErrInvalidRetention)
	}

	cutoff := s.clock.Now().UTC().AddDate(0, 0, -retentionDays)

	c := s.dbCtx
	// nolint:gosec
	query := fmt.Sprintf("DELETE FROM %s WHERE processed_at IS NOT NULL AND processed_at < %s",
		c.tableName, c.getSQLPlaceholder(1))
	res, err := c.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, storeErr("purge", uuid.Nil, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr("purge", uuid.Nil, err)
	}
	return n, nil
}

// Get returns the record with the given ID.
func (s *Store) Get(ctx context.Context, q TxQueryer, id uuid.UUID) (*Record, error) {
	c := s.dbCtx
	// nolint:gosec
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = %s", recordColumns, c.tableName, c.getSQLPlaceholder(1))

	rec, err := scanRecord(q.QueryRowContext(ctx, query, c.formatIDForDB(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeErr("get", id, ErrRecordNotFound)
	}
	if err != nil {
		return nil, storeErr("get", id, err)
	}
	return rec, nil
}

// PendingCount returns the number of records waiting for delivery.
func (s *Store) PendingCount(ctx context.Context) (int64, error) {
	// nolint:gosec
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE processed_at IS NULL", s.dbCtx.tableName)

	var n int64
	if err := s.dbCtx.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, storeErr("pending count", uuid.Nil, err)
	}
	return n, nil
}

// ListDeadLetters returns up to limit dead-lettered records, most recent first.
func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		return nil, storeErr("list dead letters", uuid.Nil, ErrInvalidBatchSize)
	}

	rows, err := s.dbCtx.db.QueryContext(ctx, s.dbCtx.buildListDeadLettersQuery(), int16(StatusDeadLettered), limit)
	if err != nil {
		return nil, storeErr("list dead letters", uuid.Nil, err)
	}

	recs, err := scanRecords(rows)
	if err != nil {
		return nil, storeErr("list dead letters", uuid.Nil, err)
	}
	return recs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec         Record
		processedAt sql.NullTime
		lastError   sql.NullString
	)

	err := row.Scan(&rec.ID, &rec.EventTag, &rec.Topic, &rec.Payload, &rec.OccurredAt,
		&processedAt, &rec.AttemptCount, &lastError, &rec.Status)
	if err != nil {
		return nil, err
	}

	rec.OccurredAt = rec.OccurredAt.UTC()
	if processedAt.Valid {
		t := processedAt.Time.UTC()
		rec.ProcessedAt = &t
	}
	rec.LastError = lastError.String

	return &rec, nil
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	defer func() {
		_ = rows.Close()
	}()

	var recs []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning outbox record: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating outbox records: %w", err)
	}
	return recs, nil
}

// sanitizeError makes error text storable in any text column: valid UTF-8,
// no NUL bytes, at most maxErrorLen runes.
func sanitizeError(text string) string {
	text = strings.ToValidUTF8(text, "\uFFFD")
	text = strings.ReplaceAll(text, "\x00", "")

	runes := []rune(text)
	if len(runes) <= maxErrorLen {
		return text
	}
	return string(runes[:maxErrorLen])
}
