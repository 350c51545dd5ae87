package command

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/kmassidik/walletledger/internal/eventlog"
)

// retryOnConcurrencyConflict retries fn while it returns
// *eventlog.ConcurrencyConflict, per spec.md §7: initial delay 1ms,
// factor 1.3, cap 100ms, up to 15 attempts, with jitter. Any other
// error — or running out of attempts — is returned immediately.
func retryOnConcurrencyConflict(ctx context.Context, fn func() error) error {
	const (
		maxAttempts  = 15
		initialDelay = 1 * time.Millisecond
		maxDelay     = 100 * time.Millisecond
		factor       = 1.3
	)

	delay := initialDelay
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if _, ok := err.(*eventlog.ConcurrencyConflict); !ok {
			return err
		}
		lastErr = err

		sleep := delay
		if sleep > maxDelay {
			sleep = maxDelay
		}
		jitter := time.Duration(rand.Float64() * float64(sleep) / 2)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep + jitter):
		}

		delay = time.Duration(float64(delay) * factor)
	}

	return lastErr
}
