package outbox

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Publisher defines an interface for publishing events to an external system.
type Publisher interface {
	// Publish sends an event to the given topic of an external system (e.g., a message broker).
	// This function may be called multiple times for the same event.
	// Consumers must be idempotent and handle duplicate events.
	// Return nil on success.
	// Return error on failure. In this case the event is retried according to the
	// configured attempts and backoff, and dead-lettered once attempts are exhausted.
	Publish(ctx context.Context, topic string, event *Event) error
}

// PublisherFunc adapts an ordinary function to the Publisher interface.
type PublisherFunc func(ctx context.Context, topic string, event *Event) error

// Publish calls f(ctx, topic, event).
func (f PublisherFunc) Publish(ctx context.Context, topic string, event *Event) error {
	return f(ctx, topic, event)
}

// Event is a decoded outbox record handed to a Publisher.
type Event struct {
	ID         uuid.UUID
	Tag        string
	OccurredAt time.Time
	// Payload is the serialized body as stored in the outbox.
	Payload []byte
	// Data is the value returned by the decoder registered for Tag.
	Data any
}

// CycleResult summarizes one relay cycle.
type CycleResult struct {
	Fetched      int
	Processed    int
	Retried      int
	DeadLettered int
}

// Relay periodically reads pending records from the outbox table
// and delivers them to an external system.
type Relay struct {
	store     *Store
	registry  *Registry
	publisher Publisher

	batchSize       int
	pollingInterval time.Duration
	maxAttempts     int
	backoff         Backoff
	publishTimeout  time.Duration
	storeTimeout    time.Duration
	logger          *slog.Logger
	metrics         Metrics

	started  int32
	closed   int32
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	chMu     sync.RWMutex
	chClosed bool
	errCh    chan error
	deadCh   chan Record
}

// RelayOption is a function that configures a Relay instance.
type RelayOption func(*Relay)

// WithBatchSize sets the maximum number of records processed in a single cycle.
// Default is 100 records. Must be positive.
func WithBatchSize(batchSize int) RelayOption {
	return func(r *Relay) {
		if batchSize > 0 {
			r.batchSize = batchSize
		}
	}
}

// WithPollingInterval sets the pause between two relay cycles.
// Default is 10 seconds.
func WithPollingInterval(interval time.Duration) RelayOption {
	return func(r *Relay) {
		if interval > 0 {
			r.pollingInterval = interval
		}
	}
}

// WithMaxAttempts sets the number of failed delivery attempts after which a record is dead-lettered.
// It also bounds the publish tries made for one record within a single cycle.
// Default is 5. Must be positive.
func WithMaxAttempts(maxAttempts int) RelayOption {
	return func(r *Relay) {
		if maxAttempts > 0 {
			r.maxAttempts = maxAttempts
		}
	}
}

// WithRetryInterval sets a fixed delay between publish tries within a cycle.
// Default is 200 milliseconds.
func WithRetryInterval(interval time.Duration) RelayOption {
	return WithRetryBackoff(Fixed(interval))
}

// WithRetryBackoff sets the delay function applied between publish tries within a cycle.
//
// For example, to double the delay after every try:
//
//	outbox.WithRetryBackoff(outbox.Exponential(100*time.Millisecond, 2*time.Second))
func WithRetryBackoff(backoff Backoff) RelayOption {
	return func(r *Relay) {
		if backoff != nil {
			r.backoff = backoff
		}
	}
}

// WithPublishTimeout sets the timeout of a single publish try.
// Default is 5 seconds. Must be positive.
func WithPublishTimeout(timeout time.Duration) RelayOption {
	return func(r *Relay) {
		if timeout > 0 {
			r.publishTimeout = timeout
		}
	}
}

// WithStoreTimeout sets the timeout of every store statement issued by a cycle.
// Default is 5 seconds. Must be positive.
func WithStoreTimeout(timeout time.Duration) RelayOption {
	return func(r *Relay) {
		if timeout > 0 {
			r.storeTimeout = timeout
		}
	}
}

// WithLogger sets the structured logger of the relay.
// By default nothing is logged.
func WithLogger(logger *slog.Logger) RelayOption {
	return func(r *Relay) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink of the relay.
func WithMetrics(metrics Metrics) RelayOption {
	return func(r *Relay) {
		if metrics != nil {
			r.metrics = metrics
		}
	}
}

// WithErrorChannelSize sets the size of the error channel.
// Default is 128. Size must be positive.
func WithErrorChannelSize(size int) RelayOption {
	return func(r *Relay) {
		if size > 0 {
			r.errCh = make(chan error, size)
		}
	}
}

// WithDeadLetterChannelSize sets the size of the dead-lettered records channel.
// Default is 128. Size must be positive.
func WithDeadLetterChannelSize(size int) RelayOption {
	return func(r *Relay) {
		if size > 0 {
			r.deadCh = make(chan Record, size)
		}
	}
}

// NewRelay creates a new outbox Relay delivering records of store through publisher.
// Payloads are decoded with the decoders of registry before being published.
func NewRelay(store *Store, registry *Registry, publisher Publisher, opts ...RelayOption) *Relay {
	ctx, cancel := context.WithCancel(context.Background())

	r := &Relay{
		store:           store,
		registry:        registry,
		publisher:       publisher,
		ctx:             ctx,
		cancel:          cancel,
		batchSize:       100,
		pollingInterval: 10 * time.Second,
		maxAttempts:     5,
		backoff:         Fixed(200 * time.Millisecond),
		publishTimeout:  5 * time.Second,
		storeTimeout:    5 * time.Second,
		logger:          slog.New(slog.DiscardHandler),
		metrics:         NopMetrics{},
	}

	for _, opt := range opts {
		opt(r)
	}

	if r.errCh == nil {
		r.errCh = make(chan error, 128)
	}

	if r.deadCh == nil {
		r.deadCh = make(chan Record, 128)
	}

	return r
}

// Start begins the background relay loop.
// A cycle runs immediately and then again after every polling interval,
// also when the previous cycle failed. Cycles never overlap.
// If Start is called multiple times, only the first call has an effect.
func (r *Relay) Start() {
	if !atomic.CompareAndSwapInt32(&r.started, 0, 1) {
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.closeChannels()

		for {
			if r.ctx.Err() != nil {
				return
			}

			res, err := r.RunCycle(r.ctx)
			switch {
			case err != nil && !errors.Is(err, context.Canceled):
				r.logger.Error("outbox relay cycle failed", "error", err)
			case res.Fetched > 0:
				r.logger.Info("outbox relay cycle completed",
					"fetched", res.Fetched,
					"processed", res.Processed,
					"retried", res.Retried,
					"dead_lettered", res.DeadLettered)
			}

			if !sleep(r.ctx, r.pollingInterval) {
				return
			}
		}
	}()
}

// Stop gracefully shuts down the relay loop.
// It prevents new cycles from starting and waits for the ongoing cycle to
// commit the outcomes it already decided. The provided context controls how long to wait
// for graceful shutdown before giving up.
//
// If the context expires before the cycle completes, Stop returns the context's
// error. If shutdown completes successfully, it returns nil.
// Calling Stop multiple times is safe and only the first call has an effect.
func (r *Relay) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&r.closed, 0, 1) {
		return nil
	}

	r.cancel() // signal stop

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
		r.closeChannels()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Errors returns a channel that receives errors from the relay.
// The channel is buffered to prevent blocking the relay. If the buffer becomes
// full, subsequent errors will be dropped to maintain relay throughput.
// The channel is closed when the relay is stopped.
//
// The returned error will be one of the following types:
//   - *PublishError: A record could not be published within a cycle.
//   - *DecodeError:  A record payload could not be decoded, it was dead-lettered.
//   - *StoreError:   A store operation failed, the whole cycle was rolled back.
//
// Example of error handling:
//
//	for err := range relay.Errors() {
//		var storeErr *outbox.StoreError
//		if errors.As(err, &storeErr) {
//			log.Printf("outbox store failure | Op: %s | Error: %v", storeErr.Op, storeErr.Err)
//			continue
//		}
//		log.Printf("outbox record failure | Error: %v", err)
//	}
func (r *Relay) Errors() <-chan error {
	return r.errCh
}

// DeadLettered returns a channel that receives records once their move to the dead letter
// state has been committed. The channel is closed when the relay is stopped.
//
// Consumers should drain this channel promptly to avoid missing records.
func (r *Relay) DeadLettered() <-chan Record {
	return r.deadCh
}

func (r *Relay) sendError(err error) {
	r.chMu.RLock()
	defer r.chMu.RUnlock()

	if r.chClosed {
		return
	}

	select {
	case r.errCh <- err:
	default:
		// Channel buffer full, drop the error to prevent blocking
	}
}

func (r *Relay) sendDeadLettered(rec Record) {
	r.chMu.RLock()
	defer r.chMu.RUnlock()

	if r.chClosed {
		return
	}

	select {
	case r.deadCh <- rec:
	default:
		// Channel buffer full, drop the record to prevent blocking
	}
}

func (r *Relay) closeChannels() {
	r.chMu.Lock()
	defer r.chMu.Unlock()

	if r.chClosed {
		return
	}
	r.chClosed = true
	close(r.errCh)
	close(r.deadCh)
}

type outcome int

const (
	outcomeProcessed outcome = iota
	outcomeRetried
	outcomeDeadLettered
	outcomeInterrupted
)

// RunCycle processes one batch of pending records.
//
// Publish and decode failures are handled per record and never returned.
// A store failure rolls back the whole batch and is returned as *StoreError,
// so every record of the batch is picked up again by a later cycle.
//
// Cancelling ctx aborts the ongoing publish: that record is left pending,
// the rest of the batch is skipped and the outcomes already decided are committed.
func (r *Relay) RunCycle(ctx context.Context) (CycleResult, error) {
	start := time.Now()
	res, dead, err := r.runCycle(ctx)
	r.metrics.ObserveCycle(res, time.Since(start), err)

	if err != nil {
		if !errors.Is(err, context.Canceled) {
			r.sendError(err)
		}
		return res, err
	}

	for _, d := range dead {
		r.metrics.IncDeadLettered(d.reason)
		r.sendDeadLettered(d.rec)
	}
	return res, nil
}

type deadLetter struct {
	rec    Record
	reason string
}

func (r *Relay) runCycle(ctx context.Context) (CycleResult, []deadLetter, error) {
	var res CycleResult

	if err := ctx.Err(); err != nil {
		return res, nil, err
	}

	// Store writes must not be torn by shutdown, they only honor their own timeout.
	storeCtx := context.WithoutCancel(ctx)

	tx, err := r.store.beginTx(storeCtx)
	if err != nil {
		return res, nil, storeErr("begin", uuid.Nil, err)
	}

	rollback := func(err error) (CycleResult, []deadLetter, error) {
		if rbErr := tx.Rollback(); rbErr != nil {
			err = errors.Join(err, storeErr("rollback", uuid.Nil, rbErr))
		}
		return CycleResult{Fetched: res.Fetched}, nil, err
	}

	recs, err := withTimeout(storeCtx, r.storeTimeout, func(ctx context.Context) ([]*Record, error) {
		return r.store.FetchPendingBatch(ctx, tx, r.batchSize)
	})
	if err != nil {
		return rollback(err)
	}
	res.Fetched = len(recs)

	var dead []deadLetter

loop:
	for i, rec := range recs {
		out, reason, err := r.processRecord(ctx, storeCtx, tx, rec)
		if err != nil {
			return rollback(err)
		}

		switch out {
		case outcomeProcessed:
			res.Processed++
		case outcomeRetried:
			res.Retried++
		case outcomeDeadLettered:
			res.DeadLettered++
			dead = append(dead, deadLetter{rec: *rec, reason: reason})
		case outcomeInterrupted:
			r.logger.Info("outbox relay cycle interrupted", "id", rec.ID, "skipped", len(recs)-i)
			break loop
		}
	}

	if err := tx.Commit(); err != nil {
		return CycleResult{Fetched: res.Fetched}, nil, storeErr("commit", uuid.Nil, err)
	}

	return res, dead, nil
}

func (r *Relay) processRecord(ctx, storeCtx context.Context, tx Tx, rec *Record) (outcome, string, error) {
	data, err := r.registry.Decode(rec)
	if err != nil {
		r.sendError(err)
		r.logger.Warn("outbox record cannot be decoded",
			"id", rec.ID,
			"event_tag", rec.EventTag,
			"error", err)

		// a malformed payload consumes a single attempt
		if err := r.recordFailure(storeCtx, tx, rec, err.Error()); err != nil {
			return 0, "", err
		}
		if err := r.moveToDeadLetter(storeCtx, tx, rec, err.Error()); err != nil {
			return 0, "", err
		}
		return outcomeDeadLettered, DeadLetterReasonMalformed, nil
	}

	event := &Event{
		ID:         rec.ID,
		Tag:        rec.EventTag,
		OccurredAt: rec.OccurredAt,
		Payload:    rec.Payload,
		Data:       data,
	}

	err = r.publishWithRetry(ctx, rec, event)
	if err == nil {
		_, err = withTimeout(storeCtx, r.storeTimeout, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, r.store.MarkProcessed(ctx, tx, rec.ID)
		})
		if err != nil {
			return 0, "", err
		}
		return outcomeProcessed, "", nil
	}

	if ctx.Err() != nil {
		return outcomeInterrupted, "", nil
	}

	r.sendError(&PublishError{Record: *rec, Err: err})

	if err := r.recordFailure(storeCtx, tx, rec, err.Error()); err != nil {
		return 0, "", err
	}

	if rec.AttemptCount < r.maxAttempts {
		r.logger.Warn("outbox record publish failed, will retry",
			"id", rec.ID,
			"topic", rec.Topic,
			"attempt", rec.AttemptCount,
			"error", err)
		return outcomeRetried, "", nil
	}

	r.logger.Error("outbox record dead-lettered",
		"id", rec.ID,
		"topic", rec.Topic,
		"attempts", rec.AttemptCount,
		"error", err)

	if err := r.moveToDeadLetter(storeCtx, tx, rec, err.Error()); err != nil {
		return 0, "", err
	}
	return outcomeDeadLettered, DeadLetterReasonAttemptsExhausted, nil
}

// recordFailure increments the attempt counter and refreshes rec with the stored count.
func (r *Relay) recordFailure(storeCtx context.Context, tx Tx, rec *Record, errText string) error {
	count, err := withTimeout(storeCtx, r.storeTimeout, func(ctx context.Context) (int, error) {
		if err := r.store.RecordFailedAttempt(ctx, tx, rec.ID, errText); err != nil {
			return 0, err
		}
		return r.store.GetAttemptCount(ctx, tx, rec.ID)
	})
	if err != nil {
		return err
	}

	rec.AttemptCount = count
	rec.LastError = sanitizeError(errText)
	return nil
}

func (r *Relay) moveToDeadLetter(storeCtx context.Context, tx Tx, rec *Record, errText string) error {
	_, err := withTimeout(storeCtx, r.storeTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.store.MoveToDeadLetter(ctx, tx, rec.ID, errText)
	})
	if err != nil {
		return err
	}

	now := r.store.clock.Now().UTC()
	rec.ProcessedAt = &now
	rec.LastError = sanitizeError(errText)
	rec.Status = StatusDeadLettered
	return nil
}

// publishWithRetry tries to publish up to maxAttempts times, waiting the backoff in between.
// It returns the last publish error, or nil on the first success.
func (r *Relay) publishWithRetry(ctx context.Context, rec *Record, event *Event) error {
	var err error
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		if attempt > 0 && !sleep(ctx, r.backoff(attempt-1)) {
			return err
		}

		err = r.publish(ctx, rec.Topic, event)
		if err == nil {
			r.metrics.IncPublished(rec.Topic)
			return nil
		}
		r.metrics.IncPublishFailed(rec.Topic)

		if ctx.Err() != nil {
			return err
		}
	}
	return err
}

func (r *Relay) publish(ctx context.Context, topic string, event *Event) error {
	ctx, cancel := context.WithTimeout(ctx, r.publishTimeout)
	defer cancel()

	return r.publisher.Publish(ctx, topic, event)
}

func withTimeout[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return fn(ctx)
}
