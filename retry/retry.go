package retry

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Policy describes how a network call site retries transient failures.
// Each call site is handed its own policy; nothing is retried implicitly.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration

	// Retryable reports whether an error is worth another attempt.
	// A nil Retryable treats every error as transient.
	Retryable func(error) bool
}

// DefaultPolicy suits RPC and storage round-trips: a handful of attempts
// with exponential backoff capped at one minute.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  5,
		InitialDelay: 2 * time.Second,
		MaxDelay:     time.Minute,
	}
}

// Do runs fn until it succeeds, the policy is exhausted, or ctx is canceled.
// The last error is returned wrapped with the operation name.
func (p Policy) Do(ctx context.Context, operation string, fn func() error) error {

	delay := p.InitialDelay
	if delay <= 0 {
		delay = time.Second
	}

	var lastErr error

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {

		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, operation)
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if p.Retryable != nil && !p.Retryable(lastErr) {
			return errors.Wrap(lastErr, operation)
		}

		if attempt == p.MaxAttempts {
			break
		}

		log.WithError(lastErr).WithFields(log.Fields{
			"Operation": operation, "Attempt": attempt, "Delay": delay,
		}).Warn("Retrying after transient failure")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), operation)
		}

		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}

	return errors.Wrapf(lastErr, "%s: giving up after %d attempts", operation, p.MaxAttempts)
}
