package tools

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Iron-Ham/ragents/internal/errors"
)

// RetryPolicy bounds retries of retryable tool failures.
type RetryPolicy struct {
	Attempts int // total attempts, at least 1
	Initial  time.Duration
	Max      time.Duration
}

// schedule returns the exponential schedule for p, capped at
// p.Attempts-1 retries.
func (p RetryPolicy) schedule() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if p.Initial > 0 {
		eb.InitialInterval = p.Initial
	}
	if p.Max > 0 {
		eb.MaxInterval = p.Max
	}
	eb.MaxElapsedTime = 0
	retries := max(p.Attempts-1, 0)
	return backoff.WithMaxRetries(eb, uint64(retries))
}

// hintedBackOff waits at least as long as the last error's backoff hint.
type hintedBackOff struct {
	backoff.BackOff
	last *error
}

func (b hintedBackOff) NextBackOff() time.Duration {
	d := b.BackOff.NextBackOff()
	if d == backoff.Stop || *b.last == nil {
		return d
	}
	return max(d, errors.BackoffHint(*b.last))
}

// ExecuteWithRetry runs one tool call under p. Fatal errors stop at once;
// the last retryable error is returned when attempts run out. A retry waits
// at least the error's backoff hint. onRetry may be nil.
func ExecuteWithRetry(ctx context.Context, exec Executor, tool string, req Request, p RetryPolicy,
	onRetry func(err error, delay time.Duration)) (Result, error) {
	var (
		res  Result
		last error
	)
	op := func() error {
		r, err := exec.Execute(ctx, tool, req)
		last = err
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			if !errors.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		res = r
		return nil
	}
	b := backoff.WithContext(hintedBackOff{BackOff: p.schedule(), last: &last}, ctx)
	if err := backoff.RetryNotify(op, b, onRetry); err != nil {
		return Result{}, err
	}
	return res, nil
}
