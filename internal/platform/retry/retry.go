// Package retry provides bounded polling with exponential backoff. Every
// wait in the system goes through it so nothing blocks forever on a fixed
// sleep.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

type Config struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxTries        uint
	MaxElapsed      time.Duration
}

func (c Config) withDefaults() Config {
	if c.InitialInterval <= 0 {
		c.InitialInterval = 500 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 15 * time.Second
	}
	if c.MaxTries == 0 && c.MaxElapsed <= 0 {
		c.MaxElapsed = 2 * time.Minute
	}
	return c
}

// Do retries op until it succeeds, returns a permanent error, or the
// configured bound (tries or elapsed time) is exhausted.
func Do[T any](ctx context.Context, cfg Config, op func(ctx context.Context) (T, error)) (T, error) {
	cfg = cfg.withDefaults()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval
	b.MaxInterval = cfg.MaxInterval

	opts := []backoff.RetryOption{backoff.WithBackOff(b)}
	if cfg.MaxTries > 0 {
		opts = append(opts, backoff.WithMaxTries(cfg.MaxTries))
	}
	if cfg.MaxElapsed > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(cfg.MaxElapsed))
	}

	return backoff.Retry(ctx, func() (T, error) {
		return op(ctx)
	}, opts...)
}

// Permanent marks err as non-retryable so Do gives up immediately.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
