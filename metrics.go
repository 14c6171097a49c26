package outbox

import "time"

// Metrics receives relay and sweep measurements.
// The prommetrics package provides a Prometheus implementation.
type Metrics interface {
	ObserveCycle(result CycleResult, duration time.Duration, err error)
	IncPublished(topic string)
	IncPublishFailed(topic string)
	IncDeadLettered(reason string)
	ObservePurge(deleted int64, err error)
}

// Dead-letter reasons reported to Metrics.
const (
	DeadLetterReasonMalformed         = "malformed_payload"
	DeadLetterReasonAttemptsExhausted = "attempts_exhausted"
)

// NopMetrics discards every measurement.
type NopMetrics struct{}

func (NopMetrics) ObserveCycle(CycleResult, time.Duration, error) {}
func (NopMetrics) IncPublished(string)                            {}
func (NopMetrics) IncPublishFailed(string)                        {}
func (NopMetrics) IncDeadLettered(string)                         {}
func (NopMetrics) ObservePurge(int64, error)                      {}
