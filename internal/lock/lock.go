// Package lock implements C2: a distributed, per-aggregate mutual
// exclusion lock backed by Redis, grounded on the teacher's
// redis.Client.AcquireLock/ReleaseLock calls in internal/wallet/service.go
// (generalized there into an ad-hoc lockKey/defer-release pair per
// handler) and hardened per spec.md §4.2: token-checked release and a
// withLock helper that retries with exponential backoff plus jitter.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	mrand "math/rand/v2"
	"time"

	"github.com/kmassidik/walletledger/internal/common/logger"
)

// ErrLockAcquisitionTimeout is returned by WithLock when maxRetries is
// exhausted without acquiring the lock.
var ErrLockAcquisitionTimeout = errors.New("lock acquisition timeout")

// Store is the subset of the Redis wrapper the lock needs. Defined here so
// tests can substitute an in-memory fake without touching a real Redis.
type Store interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	CompareAndDelete(ctx context.Context, key, token string) (bool, error)
}

type Lock struct {
	store  Store
	logger *logger.Logger
}

func New(store Store, log *logger.Logger) *Lock {
	return &Lock{store: store, logger: log}
}

// Acquire sets the lock only if absent, with a server-side expiry.
// Returns ("", false, nil) on contention, a unique token on success.
func (l *Lock) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token, err := newToken()
	if err != nil {
		return "", false, fmt.Errorf("failed to generate lock token: %w", err)
	}

	ok, err := l.store.SetNX(ctx, key, token, ttl)
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release is atomic and token-checked: only the holder that presents the
// matching token actually deletes the key.
func (l *Lock) Release(ctx context.Context, key, token string) (bool, error) {
	return l.store.CompareAndDelete(ctx, key, token)
}

// Options configures WithLock's retry behavior.
type Options struct {
	TTL           time.Duration
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultOptions matches spec.md §4.2: backoff min(initial*1.5^attempt, 500ms)
// plus uniform jitter in [0, delay/2), up to 100 retries.
func DefaultOptions(ttl time.Duration) Options {
	return Options{
		TTL:           ttl,
		MaxRetries:    100,
		InitialDelay:  5 * time.Millisecond,
		MaxDelay:      500 * time.Millisecond,
		BackoffFactor: 1.5,
	}
}

// WithLock acquires key, runs body, and releases the lock afterward
// regardless of body's outcome. body MUST complete well within ttl — locks
// are advisory, and a lapsed TTL is silently reclaimable by anyone else
// waiting on the same key.
func (l *Lock) WithLock(ctx context.Context, key string, opts Options, body func(ctx context.Context) error) error {
	var token string
	var acquired bool
	var err error

	delay := opts.InitialDelay
	for attempt := 0; attempt < opts.MaxRetries; attempt++ {
		token, acquired, err = l.Acquire(ctx, key, opts.TTL)
		if err != nil {
			return err
		}
		if acquired {
			break
		}

		sleep := delay
		if sleep > opts.MaxDelay {
			sleep = opts.MaxDelay
		}
		jitter := time.Duration(mrand.Float64() * float64(sleep) / 2)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep + jitter):
		}

		delay = time.Duration(float64(delay) * opts.BackoffFactor)
	}

	if !acquired {
		return ErrLockAcquisitionTimeout
	}

	defer func() {
		released, relErr := l.Release(ctx, key, token)
		if relErr != nil {
			l.logger.Warnf("failed to release lock %s: %v", key, relErr)
			return
		}
		if !released {
			l.logger.Warnf("lock %s was not released by this holder (ttl likely lapsed and was reclaimed)", key)
		}
	}()

	return body(ctx)
}

// OrderedKeys returns keys sorted into a total order, for multi-resource
// operations (transfers) that must acquire more than one lock without
// risking deadlock.
func OrderedKeys(keys ...string) []string {
	sorted := append([]string(nil), keys...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j] < sorted[j-1]; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	return sorted
}

func newToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
