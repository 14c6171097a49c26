package prommetrics

import (
	"errors"
	"testing"
	"time"

	"github.com/idmesh/outbox"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveCycle(outbox.CycleResult{Fetched: 3, Processed: 1, Retried: 1, DeadLettered: 1}, 20*time.Millisecond, nil)
	m.ObserveCycle(outbox.CycleResult{Fetched: 2}, time.Millisecond, errors.New("connection reset"))
	m.IncPublished("user-registered")
	m.IncPublishFailed("user-security")
	m.IncPublishFailed("user-security")
	m.IncDeadLettered(outbox.DeadLetterReasonMalformed)
	m.ObservePurge(12, nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.cycles.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cycles.WithLabelValues("error")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.recordsFetched))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.recordsRetried))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.published.WithLabelValues("user-registered")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.publishFailures.WithLabelValues("user-security")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deadLettered.WithLabelValues(outbox.DeadLetterReasonMalformed)))
	assert.Equal(t, 12.0, testutil.ToFloat64(m.purged))

	count, err := testutil.GatherAndCount(reg, "outbox_relay_cycle_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestNewPanicsOnDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)

	assert.Panics(t, func() { New(reg) })
}
