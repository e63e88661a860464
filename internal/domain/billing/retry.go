package billing

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/ehr/practice/internal/platform/db"
)

const maxRetryBackoff = 500 * time.Millisecond

func retryable(err error) bool {
	return errors.Is(err, ErrVersionConflict) || db.IsRetryable(err)
}

// inTx runs fn in a transaction, rerunning it from scratch when it loses an
// optimistic or serialization race. fn must reload what it mutates.
func (s *Service) inTx(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := s.tx.InTx(ctx, fn)
		if err == nil || !retryable(err) {
			return err
		}
		s.metrics.retry(op)
		if attempt >= s.opts.MaxRetries {
			s.logger.Warn().Err(err).Str("op", op).Int("attempts", attempt).Msg("optimistic retries exhausted")
			return fmt.Errorf("%s: %w", op, ErrConcurrentUpdate)
		}
		s.logger.Debug().Err(err).Str("op", op).Int("attempt", attempt).Msg("retrying after conflict")

		t := time.NewTimer(s.backoff(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// backoff is exponential with full jitter.
func (s *Service) backoff(attempt int) time.Duration {
	d := s.opts.RetryBackoff << (attempt - 1)
	if d <= 0 || d > maxRetryBackoff {
		d = maxRetryBackoff
	}
	return time.Duration(rand.Int64N(int64(d))) + time.Millisecond
}
