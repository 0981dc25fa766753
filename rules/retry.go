package rules

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const maxRetryInterval = 10 * time.Minute

// backOff builds a jitter-free exponential schedule: the first retry waits
// DelayMs and each following wait is multiplied by BackoffMultiplier (never below 1).
// The total number of attempts is capped at MaxAttempts.
func (p *RetryPolicy) backOff() backoff.BackOff {
	if p == nil || p.MaxAttempts <= 1 {
		return &backoff.StopBackOff{}
	}
	multiplier := p.BackoffMultiplier
	if multiplier < 1 {
		multiplier = 1
	}
	delay := time.Duration(p.DelayMs) * time.Millisecond
	if delay < 0 {
		delay = 0
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = delay
	eb.Multiplier = multiplier
	eb.RandomizationFactor = 0
	eb.MaxInterval = maxRetryInterval
	eb.MaxElapsedTime = 0
	eb.Reset()

	return backoff.WithMaxRetries(eb, uint64(p.MaxAttempts-1))
}

// permanent marks an error that must not be retried
func permanent(err error) error {
	return backoff.Permanent(err)
}

// runWithRetry runs op once, or under the policy's backoff when one is set
func runWithRetry(ctx context.Context, policy *RetryPolicy, op func() error) error {
	return backoff.Retry(op, backoff.WithContext(policy.backOff(), ctx))
}
