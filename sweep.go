package outbox

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Sweeper periodically deletes terminal records older than the retention window.
type Sweeper struct {
	store *Store

	retentionDays int
	cleanupPause  time.Duration
	sweepTimeout  time.Duration
	logger        *slog.Logger
	metrics       Metrics

	started int32
	closed  int32
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// SweeperOption is a function that configures a Sweeper instance.
type SweeperOption func(*Sweeper)

// WithRetentionDays sets how many days processed and dead-lettered records are kept.
// Default is 7 days. Must be positive.
func WithRetentionDays(days int) SweeperOption {
	return func(s *Sweeper) {
		if days > 0 {
			s.retentionDays = days
		}
	}
}

// WithCleanupPause sets the pause between two sweeps.
// Default is 1 hour.
func WithCleanupPause(pause time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if pause > 0 {
			s.cleanupPause = pause
		}
	}
}

// WithSweepTimeout sets the timeout of a single purge.
// Default is 1 minute. Must be positive.
func WithSweepTimeout(timeout time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if timeout > 0 {
			s.sweepTimeout = timeout
		}
	}
}

// WithSweepLogger sets the structured logger of the sweeper.
func WithSweepLogger(logger *slog.Logger) SweeperOption {
	return func(s *Sweeper) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSweepMetrics sets the metrics sink of the sweeper.
func WithSweepMetrics(metrics Metrics) SweeperOption {
	return func(s *Sweeper) {
		if metrics != nil {
			s.metrics = metrics
		}
	}
}

// NewSweeper creates a new Sweeper purging records of store.
func NewSweeper(store *Store, opts ...SweeperOption) *Sweeper {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Sweeper{
		store:         store,
		retentionDays: 7,
		cleanupPause:  time.Hour,
		sweepTimeout:  time.Minute,
		logger:        slog.New(slog.DiscardHandler),
		metrics:       NopMetrics{},
		ctx:           ctx,
		cancel:        cancel,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// SweepOnce purges expired terminal records once and returns how many were deleted.
// The purge itself is not interrupted by ctx cancellation, only by the sweep timeout.
func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	purgeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.sweepTimeout)
	defer cancel()

	n, err := s.store.PurgeOlderThan(purgeCtx, s.retentionDays)
	s.metrics.ObservePurge(n, err)
	return n, err
}

// Start begins the background sweep loop. A sweep runs immediately
// and then again after every cleanup pause.
// If Start is called multiple times, only the first call has an effect.
func (s *Sweeper) Start() {
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		for {
			if s.ctx.Err() != nil {
				return
			}

			n, err := s.SweepOnce(s.ctx)
			switch {
			case errors.Is(err, context.Canceled):
			case err != nil:
				s.logger.Error("outbox retention sweep failed", "error", err)
			default:
				s.logger.Info("outbox retention sweep completed",
					"deleted", n,
					"retention_days", s.retentionDays)
			}

			if !sleep(s.ctx, s.cleanupPause) {
				return
			}
		}
	}()
}

// Stop shuts down the sweep loop, waiting for an ongoing purge to finish
// or for ctx to expire, whichever happens first.
// Calling Stop multiple times is safe and only the first call has an effect.
func (s *Sweeper) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}

	s.cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
