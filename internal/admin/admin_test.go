package admin

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/idmesh/outbox"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInspector struct {
	pending   int64
	dead      []*outbox.Record
	err       error
	lastLimit int
}

func (f *fakeInspector) PendingCount(context.Context) (int64, error) {
	return f.pending, f.err
}

func (f *fakeInspector) ListDeadLetters(_ context.Context, limit int) ([]*outbox.Record, error) {
	f.lastLimit = limit
	return f.dead, f.err
}

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) PingContext(ctx context.Context) error { return f(ctx) }

func newTestRouter(inspector Inspector, pinger Pinger) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "outbox_test_total", Help: "test"}))
	return NewRouter(inspector, pinger, reg, slog.New(slog.DiscardHandler))
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestHealth(t *testing.T) {
	resp := get(t, newTestRouter(&fakeInspector{}, nil), "/healthz")
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"status":"ok"}`, resp.Body.String())

	down := pingerFunc(func(context.Context) error { return errors.New("connection refused") })
	resp = get(t, newTestRouter(&fakeInspector{}, down), "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)
}

func TestMetrics(t *testing.T) {
	resp := get(t, newTestRouter(&fakeInspector{}, nil), "/metrics")
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), "outbox_test_total")
}

func TestPendingCount(t *testing.T) {
	resp := get(t, newTestRouter(&fakeInspector{pending: 42}, nil), "/outbox/pending/count")
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"pending":42}`, resp.Body.String())

	resp = get(t, newTestRouter(&fakeInspector{err: errors.New("db down")}, nil), "/outbox/pending/count")
	assert.Equal(t, http.StatusInternalServerError, resp.Code)
}

func TestDeadLetters(t *testing.T) {
	processedAt := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	rec := outbox.NewRecord("identity.user_registered", "user-registered", []byte(`{"email":"ada@example.com"}`),
		outbox.WithOccurredAt(processedAt.Add(-time.Minute)))
	rec.ProcessedAt = &processedAt
	rec.AttemptCount = 5
	rec.LastError = "broker unavailable"
	rec.Status = outbox.StatusDeadLettered

	inspector := &fakeInspector{dead: []*outbox.Record{rec}}
	router := newTestRouter(inspector, nil)

	resp := get(t, router, "/outbox/dead-letters?limit=10")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, 10, inspector.lastLimit)
	assert.NotContains(t, resp.Body.String(), "ada@example.com")

	var got []deadLetter
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, rec.ID, got[0].ID)
	assert.Equal(t, 5, got[0].AttemptCount)
	assert.Equal(t, "broker unavailable", got[0].LastError)

	resp = get(t, router, "/outbox/dead-letters")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, defaultDeadLetterLimit, inspector.lastLimit)
}

func TestDeadLettersRejectsBadLimit(t *testing.T) {
	router := newTestRouter(&fakeInspector{}, nil)

	for _, limit := range []string{"abc", "0", "-1", "1001"} {
		resp := get(t, router, "/outbox/dead-letters?limit="+limit)
		assert.Equal(t, http.StatusBadRequest, resp.Code, "limit %s", limit)
	}
}

func TestDeadLettersEmpty(t *testing.T) {
	resp := get(t, newTestRouter(&fakeInspector{}, nil), "/outbox/dead-letters")
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `[]`, resp.Body.String())
}
