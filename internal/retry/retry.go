// Package retry decorates an inference.Invoker with bounded exponential backoff.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/kiranshivaraju/wardrobe/internal/inference"
	"github.com/kiranshivaraju/wardrobe/pkg/models"
)

const (
	jitterPercent     = 30
	multiplier        = 2
	maxIntervalFactor = 16
)

// Invoker retries transient inference failures before giving up.
// Only errors inference.Retryable accepts are retried; everything else returns at once.
type Invoker struct {
	inner       inference.Invoker
	maxAttempts int
	baseDelay   time.Duration
	logger      *slog.Logger
}

// NewInvoker wraps inner. maxAttempts counts the first call, so 1 disables retrying.
// baseDelay is the delay before the first retry, doubled on each subsequent one with ±30% jitter.
func NewInvoker(inner inference.Invoker, maxAttempts int, baseDelay time.Duration, logger *slog.Logger) *Invoker {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Invoker{
		inner:       inner,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		logger:      logger,
	}
}

func (r *Invoker) Invoke(ctx context.Context, taskType models.TaskType, payload any) (*inference.Result, error) {
	if r.maxAttempts == 1 {
		return r.inner.Invoke(ctx, taskType, payload)
	}

	var (
		res     *inference.Result
		lastErr error
		attempt int
	)
	op := func() error {
		attempt++
		var err error
		res, err = r.inner.Invoke(ctx, taskType, payload)
		if err == nil {
			return nil
		}
		lastErr = err
		if !inference.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, delay time.Duration) {
		r.logger.Warn("retrying inference after transient error",
			"task_type", taskType,
			"attempt", attempt,
			"max_attempts", r.maxAttempts,
			"delay", delay,
			"error", err,
		)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(r.policy(), uint64(r.maxAttempts-1)), ctx)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		if ctx.Err() != nil && lastErr != nil && err == ctx.Err() {
			return nil, fmt.Errorf("retry cancelled: %w (last error: %v)", err, lastErr)
		}
		return nil, err
	}
	return res, nil
}

func (r *Invoker) policy() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.baseDelay
	b.RandomizationFactor = float64(jitterPercent) / 100
	b.Multiplier = multiplier
	b.MaxInterval = maxIntervalFactor * r.baseDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// WorstCaseDelay is the longest Invoke can sleep between maxAttempts attempts,
// with every delay at the top of its jitter range.
func WorstCaseDelay(maxAttempts int, baseDelay time.Duration) time.Duration {
	var total time.Duration
	interval := baseDelay
	for i := 1; i < maxAttempts; i++ {
		total += interval + interval*jitterPercent/100
		interval = min(interval*multiplier, maxIntervalFactor*baseDelay)
	}
	return total
}

var _ inference.Invoker = (*Invoker)(nil)
