package workflow

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/normanking/conductor/internal/config"
)

// newBackOff builds the exponential schedule for in-place node retries.
// Jitter is off so retry timing is reproducible in tests and logs.
func newBackOff(ctx context.Context, cfg config.RetryConfig) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if cfg.BaseDelay > 0 {
		b.InitialInterval = cfg.BaseDelay
	}
	if cfg.Multiplier >= 1 {
		b.Multiplier = cfg.Multiplier
	}
	if cfg.MaxDelay > 0 {
		b.MaxInterval = cfg.MaxDelay
	}
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	var bo backoff.BackOff = b
	if cfg.MaxAttempts > 0 {
		bo = backoff.WithMaxRetries(bo, uint64(cfg.MaxAttempts-1))
	}
	return backoff.WithContext(bo, ctx)
}

// retryNode runs op until it succeeds, returns a permanent error, or the
// attempts in cfg are used up. notify is called before each retry.
func retryNode(ctx context.Context, cfg config.RetryConfig, op func() error, notify func(error, time.Duration)) error {
	return backoff.RetryNotify(op, newBackOff(ctx, cfg), notify)
}

// permanent marks err as not worth retrying.
func permanent(err error) error {
	return backoff.Permanent(err)
}

// Delays returns the wait before each retry under cfg, for display.
func Delays(cfg config.RetryConfig) []time.Duration {
	if cfg.MaxAttempts <= 1 {
		return nil
	}
	b := newBackOff(context.Background(), cfg)
	out := make([]time.Duration, 0, cfg.MaxAttempts-1)
	for d := b.NextBackOff(); d != backoff.Stop; d = b.NextBackOff() {
		out = append(out, d)
	}
	return out
}
