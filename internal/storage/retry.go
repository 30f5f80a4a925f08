package storage

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

// MaxPersistFailures is how many consecutive exponential-backoff retries a
// caller attempts before giving up. The entity store then logs an error and
// carries on in memory only; no alarm is raised.
const MaxPersistFailures = 5

// WithRetry retries fn with exponential backoff, giving up after
// MaxPersistFailures retries (MaxPersistFailures+1 attempts in all). It
// reports (via the returned bool) whether fn ultimately succeeded, so
// callers can decide to degrade to in-memory-only mode.
func WithRetry(fn func() error) (succeeded bool) {
	attempts := 0
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), MaxPersistFailures)
	err := backoff.Retry(func() error {
		attempts++
		if err := fn(); err != nil {
			log.Warn().Err(err).Int("attempt", attempts).Msg("storage: persistence I/O failed, retrying")
			return err
		}
		return nil
	}, policy)
	return err == nil
}

// Backoff exposes the default exponential backoff policy tuned for
// persistence retries: small initial interval, capped at a few seconds.
func Backoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0 // bounded by MaxPersistFailures via WithMaxRetries, not elapsed time
	return backoff.WithMaxRetries(b, MaxPersistFailures)
}
