package recovery

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/folio-storage/internal/config"
	"github.com/prn-tf/folio-storage/internal/metrics"
)

// Default retry settings.
const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 100 * time.Millisecond
	DefaultMaxDelay   = 5 * time.Second
)

// Retrier retries retryable failures with exponential backoff.
// Attempt counts are kept per logical operation id.
type Retrier struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	metrics    *metrics.Metrics
	logger     zerolog.Logger

	// wait blocks for d or until ctx is done.
	wait func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	attempts map[string]int
}

// NewRetrier creates a retrier from the recovery configuration.
func NewRetrier(cfg config.RecoveryConfig, m *metrics.Metrics, logger zerolog.Logger) *Retrier {
	r := &Retrier{
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.BaseDelay,
		maxDelay:   cfg.MaxDelay,
		metrics:    m,
		logger:     logger.With().Str("component", "retry").Logger(),
		wait:       sleep,
		attempts:   make(map[string]int),
	}
	if r.maxRetries < 0 {
		r.maxRetries = 0
	}
	if r.baseDelay <= 0 {
		r.baseDelay = DefaultBaseDelay
	}
	if r.maxDelay <= 0 {
		r.maxDelay = DefaultMaxDelay
	}
	if r.maxDelay < r.baseDelay {
		r.maxDelay = r.baseDelay
	}
	return r
}

// Delay returns the backoff before retry number attempt (zero based).
func (r *Retrier) Delay(attempt int) time.Duration {
	d := r.baseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= r.maxDelay || d <= 0 {
			return r.maxDelay
		}
	}
	if d > r.maxDelay {
		return r.maxDelay
	}
	return d
}

// Attempts returns the number of retries recorded for opID.
func (r *Retrier) Attempts(opID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts[opID]
}

// Do runs fn until it succeeds, fails with a non-retryable error, or the retry
// budget is spent. The attempt counter for opID is reset on success and
// discarded once the budget is exhausted. The last error is returned.
func (r *Retrier) Do(ctx context.Context, opID string, fn func(ctx context.Context) error) error {
	for {
		err := fn(ctx)
		if err == nil {
			r.forget(opID)
			return nil
		}

		se := Classify(err)
		if !Retryable(se.Kind) {
			r.forget(opID)
			return err
		}

		attempt, ok := r.next(opID)
		if !ok {
			r.logger.Warn().
				Err(err).
				Str("operation", opID).
				Int("retries", r.maxRetries).
				Msg("retries exhausted")
			return err
		}

		delay := r.Delay(attempt)
		r.metrics.RecordRetry(string(se.Kind))
		r.logger.Debug().
			Err(err).
			Str("operation", opID).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("retrying storage operation")

		if werr := r.wait(ctx, delay); werr != nil {
			r.forget(opID)
			return err
		}
	}
}

// next records another retry for opID. It reports false and drops the counter
// when the budget is spent.
func (r *Retrier) next(opID string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	attempt := r.attempts[opID]
	if attempt >= r.maxRetries {
		delete(r.attempts, opID)
		return 0, false
	}
	r.attempts[opID] = attempt + 1
	return attempt, true
}

func (r *Retrier) forget(opID string) {
	r.mu.Lock()
	delete(r.attempts, opID)
	r.mu.Unlock()
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
