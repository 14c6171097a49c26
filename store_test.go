package outbox

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now.UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now.UTC()
}

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "outbox.db"))
	require.NoError(t, err)
	// a single connection keeps sqlite from reporting busy between tx and db statements
	db.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = db.Close()
	})

	return db
}

func newTestStore(t *testing.T, opts ...StoreOption) *Store {
	t.Helper()

	dbCtx := NewDBContext(newTestDB(t), SQLDialectSQLite)
	require.NoError(t, dbCtx.CreateSchema(context.Background()))

	return NewStore(dbCtx, opts...)
}

func inTx(t *testing.T, s *Store, fn func(tx Tx)) {
	t.Helper()

	tx, err := s.beginTx(context.Background())
	require.NoError(t, err)
	fn(tx)
	require.NoError(t, tx.Commit())
}

func appendRecords(t *testing.T, s *Store, recs ...*Record) {
	t.Helper()

	inTx(t, s, func(tx Tx) {
		for _, rec := range recs {
			require.NoError(t, s.Append(context.Background(), tx, rec))
		}
	})
}

func getRecord(t *testing.T, s *Store, id uuid.UUID) *Record {
	t.Helper()

	rec, err := s.Get(context.Background(), s.dbCtx.db, id)
	require.NoError(t, err)
	return rec
}

func TestStoreAppend(t *testing.T) {
	s := newTestStore(t)
	occurredAt := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	rec := NewRecord("identity.user_registered", "user-registered", []byte(`{"user_id":"u1"}`), WithOccurredAt(occurredAt))

	appendRecords(t, s, rec)

	got := getRecord(t, s, rec.ID)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, "identity.user_registered", got.EventTag)
	assert.Equal(t, "user-registered", got.Topic)
	assert.Equal(t, []byte(`{"user_id":"u1"}`), got.Payload)
	assert.True(t, occurredAt.Equal(got.OccurredAt))
	assert.Nil(t, got.ProcessedAt)
	assert.Zero(t, got.AttemptCount)
	assert.Empty(t, got.LastError)
	assert.Equal(t, StatusPending, got.Status)
}

func TestStoreAppendValidatesRecord(t *testing.T) {
	s := newTestStore(t)

	inTx(t, s, func(tx Tx) {
		err := s.Append(context.Background(), tx, NewRecord("tag", "", []byte("{}")))

		var storeErr *StoreError
		require.ErrorAs(t, err, &storeErr)
		assert.Equal(t, "append", storeErr.Op)
		assert.ErrorIs(t, err, ErrTopicRequired)
	})
}

func TestStoreAppendIsDiscardedOnRollback(t *testing.T) {
	s := newTestStore(t)
	rec := NewRecord("tag", "topic", []byte("{}"))

	tx, err := s.beginTx(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.Append(context.Background(), tx, rec))
	require.NoError(t, tx.Rollback())

	_, err = s.Get(context.Background(), s.dbCtx.db, rec.ID)
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestFetchPendingBatch(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	third := NewRecord("tag", "topic", []byte("3"), WithOccurredAt(base.Add(3*time.Minute)))
	first := NewRecord("tag", "topic", []byte("1"), WithOccurredAt(base.Add(1*time.Minute)))
	done := NewRecord("tag", "topic", []byte("0"), WithOccurredAt(base))
	second := NewRecord("tag", "topic", []byte("2"), WithOccurredAt(base.Add(2*time.Minute)))
	appendRecords(t, s, third, first, done, second)

	inTx(t, s, func(tx Tx) {
		require.NoError(t, s.MarkProcessed(context.Background(), tx, done.ID))
	})

	t.Run("returns pending records oldest first", func(t *testing.T) {
		inTx(t, s, func(tx Tx) {
			recs, err := s.FetchPendingBatch(context.Background(), tx, 10)
			require.NoError(t, err)
			require.Len(t, recs, 3)
			assert.Equal(t, first.ID, recs[0].ID)
			assert.Equal(t, second.ID, recs[1].ID)
			assert.Equal(t, third.ID, recs[2].ID)
		})
	})

	t.Run("honors the limit", func(t *testing.T) {
		inTx(t, s, func(tx Tx) {
			recs, err := s.FetchPendingBatch(context.Background(), tx, 2)
			require.NoError(t, err)
			require.Len(t, recs, 2)
			assert.Equal(t, first.ID, recs[0].ID)
		})
	})

	t.Run("rejects a non positive limit", func(t *testing.T) {
		inTx(t, s, func(tx Tx) {
			_, err := s.FetchPendingBatch(context.Background(), tx, 0)
			assert.ErrorIs(t, err, ErrInvalidBatchSize)
		})
	})
}

func TestMarkProcessedIsIdempotent(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))
	s := newTestStore(t, WithStoreClock(clock))
	rec := NewRecord("tag", "topic", []byte("{}"))
	appendRecords(t, s, rec)

	inTx(t, s, func(tx Tx) {
		require.NoError(t, s.MarkProcessed(context.Background(), tx, rec.ID))
	})

	clock.Set(clock.Now().Add(time.Hour))
	inTx(t, s, func(tx Tx) {
		require.NoError(t, s.MarkProcessed(context.Background(), tx, rec.ID))
	})

	got := getRecord(t, s, rec.ID)
	require.NotNil(t, got.ProcessedAt)
	assert.True(t, time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC).Equal(*got.ProcessedAt))
	assert.Equal(t, StatusProcessed, got.Status)
}

func TestRecordFailedAttempt(t *testing.T) {
	s := newTestStore(t)
	rec := NewRecord("tag", "topic", []byte("{}"))
	appendRecords(t, s, rec)

	inTx(t, s, func(tx Tx) {
		ctx := context.Background()
		require.NoError(t, s.RecordFailedAttempt(ctx, tx, rec.ID, "broker unavailable"))
		require.NoError(t, s.RecordFailedAttempt(ctx, tx, rec.ID, "broker timeout"))

		count, err := s.GetAttemptCount(ctx, tx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, count)
	})

	got := getRecord(t, s, rec.ID)
	assert.Equal(t, "broker timeout", got.LastError)
	assert.Nil(t, got.ProcessedAt)
	assert.Equal(t, StatusPending, got.Status)
}

func TestGetAttemptCountUnknownRecord(t *testing.T) {
	s := newTestStore(t)

	inTx(t, s, func(tx Tx) {
		_, err := s.GetAttemptCount(context.Background(), tx, uuid.New())
		assert.ErrorIs(t, err, ErrRecordNotFound)
	})
}

func TestMoveToDeadLetter(t *testing.T) {
	s := newTestStore(t)
	rec := NewRecord("tag", "topic", []byte("{}"))
	appendRecords(t, s, rec)

	inTx(t, s, func(tx Tx) {
		ctx := context.Background()
		require.NoError(t, s.RecordFailedAttempt(ctx, tx, rec.ID, "first"))
		require.NoError(t, s.MoveToDeadLetter(ctx, tx, rec.ID, "gave up"))
	})

	got := getRecord(t, s, rec.ID)
	require.NotNil(t, got.ProcessedAt)
	assert.Equal(t, StatusDeadLettered, got.Status)
	assert.Equal(t, "gave up", got.LastError)
	assert.Equal(t, 1, got.AttemptCount)

	t.Run("terminal record is never mutated again", func(t *testing.T) {
		inTx(t, s, func(tx Tx) {
			ctx := context.Background()
			require.NoError(t, s.RecordFailedAttempt(ctx, tx, rec.ID, "late failure"))
			require.NoError(t, s.MarkProcessed(ctx, tx, rec.ID))
			require.NoError(t, s.MoveToDeadLetter(ctx, tx, rec.ID, "again"))
		})

		again := getRecord(t, s, rec.ID)
		assert.Equal(t, got, again)
	})

	t.Run("is excluded from pending batches", func(t *testing.T) {
		inTx(t, s, func(tx Tx) {
			recs, err := s.FetchPendingBatch(context.Background(), tx, 10)
			require.NoError(t, err)
			assert.Empty(t, recs)
		})
	})
}

func TestStoreTruncatesErrorText(t *testing.T) {
	s := newTestStore(t)
	rec := NewRecord("tag", "topic", []byte("{}"))
	appendRecords(t, s, rec)

	long := strings.Repeat("é", maxErrorLen+10)
	inTx(t, s, func(tx Tx) {
		require.NoError(t, s.RecordFailedAttempt(context.Background(), tx, rec.ID, long))
	})

	got := getRecord(t, s, rec.ID)
	assert.Equal(t, maxErrorLen, len([]rune(got.LastError)))
}

func TestStoreSanitizesErrorText(t *testing.T) {
	s := newTestStore(t)
	failed := NewRecord("tag", "topic", []byte("{}"))
	dead := NewRecord("tag", "topic", []byte("{}"))
	appendRecords(t, s, failed, dead)

	inTx(t, s, func(tx Tx) {
		require.NoError(t, s.RecordFailedAttempt(context.Background(), tx, failed.ID, "broker said \xff\xfe"))
		require.NoError(t, s.MoveToDeadLetter(context.Background(), tx, dead.ID, "nul\x00 in reply"))
	})

	got := getRecord(t, s, failed.ID)
	assert.True(t, utf8.ValidString(got.LastError))
	assert.Equal(t, "broker said \uFFFD", got.LastError)

	got = getRecord(t, s, dead.ID)
	assert.Equal(t, "nul in reply", got.LastError)
}

func TestPurgeOlderThan(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := newFakeClock(now)
	s := newTestStore(t, WithStoreClock(clock))

	oldProcessed := NewRecord("tag", "topic", []byte("{}"))
	recentProcessed := NewRecord("tag", "topic", []byte("{}"))
	oldDeadLettered := NewRecord("tag", "topic", []byte("{}"))
	oldPending := NewRecord("tag", "topic", []byte("{}"), WithOccurredAt(now.AddDate(0, 0, -400)))
	appendRecords(t, s, oldProcessed, recentProcessed, oldDeadLettered, oldPending)

	clock.Set(now.AddDate(0, 0, -40))
	inTx(t, s, func(tx Tx) {
		require.NoError(t, s.MarkProcessed(context.Background(), tx, oldProcessed.ID))
		require.NoError(t, s.MoveToDeadLetter(context.Background(), tx, oldDeadLettered.ID, "poison"))
	})

	clock.Set(now.AddDate(0, 0, -10))
	inTx(t, s, func(tx Tx) {
		require.NoError(t, s.MarkProcessed(context.Background(), tx, recentProcessed.ID))
	})

	clock.Set(now)
	deleted, err := s.PurgeOlderThan(context.Background(), 30)
	require.NoError(t, err)
	assert.EqualValues(t, 2, deleted)

	_, err = s.Get(context.Background(), s.dbCtx.db, oldProcessed.ID)
	assert.ErrorIs(t, err, ErrRecordNotFound)
	_, err = s.Get(context.Background(), s.dbCtx.db, oldDeadLettered.ID)
	assert.ErrorIs(t, err, ErrRecordNotFound)

	assert.NotNil(t, getRecord(t, s, recentProcessed.ID))
	assert.True(t, getRecord(t, s, oldPending.ID).IsPending())
}

func TestPurgeOlderThanRejectsInvalidRetention(t *testing.T) {
	s := newTestStore(t)

	for _, days := range []int{0, -1} {
		_, err := s.PurgeOlderThan(context.Background(), days)
		assert.ErrorIs(t, err, ErrInvalidRetention)
	}
}

func TestStoreOperatorQueries(t *testing.T) {
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := newFakeClock(base)
	s := newTestStore(t, WithStoreClock(clock))

	pending := NewRecord("tag", "topic", []byte("{}"))
	older := NewRecord("tag", "topic", []byte("{}"))
	newer := NewRecord("tag", "topic", []byte("{}"))
	appendRecords(t, s, pending, older, newer)

	inTx(t, s, func(tx Tx) {
		require.NoError(t, s.MoveToDeadLetter(context.Background(), tx, older.ID, "older"))
	})
	clock.Set(base.Add(time.Minute))
	inTx(t, s, func(tx Tx) {
		require.NoError(t, s.MoveToDeadLetter(context.Background(), tx, newer.ID, "newer"))
	})

	count, err := s.PendingCount(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	dead, err := s.ListDeadLetters(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, dead, 2)
	assert.Equal(t, newer.ID, dead[0].ID)
	assert.Equal(t, older.ID, dead[1].ID)

	dead, err = s.ListDeadLetters(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, dead, 1)

	_, err = s.ListDeadLetters(context.Background(), 0)
	assert.True(t, errors.Is(err, ErrInvalidBatchSize))
}
