// Package retry provides a single backoff combinator for transient
// infrastructure failures. Only explicitly whitelisted error codes are
// retried; security-relevant failures (replay, integrity, decryption)
// must never appear in a whitelist.
package retry

import (
	"context"
	"time"

	"github.com/hpungsan/keep/internal/errors"
)

// Policy controls retry behavior.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy retries up to 3 times with exponential backoff.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    2 * time.Second,
	}
}

// WithBackoff runs op, retrying with exponential backoff while the
// returned error's code is in retryable. The final error is returned
// unchanged once attempts are exhausted or the code is not retryable.
func WithBackoff(ctx context.Context, policy Policy, op func() error, retryable []errors.ErrorCode) error {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	delay := policy.BaseDelay
	var err error
	for attempt := 1; ; attempt++ {
		err = op()
		if err == nil {
			return nil
		}
		if attempt >= policy.MaxAttempts || !codeIn(errors.CodeOf(err), retryable) {
			return err
		}

		select {
		case <-ctx.Done():
			return errors.NewCancelled("retry")
		case <-time.After(delay):
		}
		delay *= 2
		if policy.MaxDelay > 0 && delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}
}

func codeIn(code errors.ErrorCode, codes []errors.ErrorCode) bool {
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}
