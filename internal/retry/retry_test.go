package retry

import (
	"context"
	"testing"
	"time"

	"github.com/hpungsan/keep/internal/errors"
)

func fastPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestWithBackoff_RetriesWhitelistedCode(t *testing.T) {
	attempts := 0
	err := WithBackoff(context.Background(), fastPolicy(), func() error {
		attempts++
		if attempts < 3 {
			return errors.NewTransaction(nil)
		}
		return nil
	}, []errors.ErrorCode{errors.ErrTransaction})

	if err != nil {
		t.Errorf("err = %v, want nil after retries", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestWithBackoff_NeverRetriesSecurityErrors(t *testing.T) {
	for _, makeErr := range []func() error{
		func() error { return errors.NewReplayNonce("t") },
		func() error { return errors.NewIntegrity("id", "bad checksum") },
		func() error { return errors.NewDecryption("tag failure") },
	} {
		attempts := 0
		err := WithBackoff(context.Background(), fastPolicy(), func() error {
			attempts++
			return makeErr()
		}, []errors.ErrorCode{errors.ErrTransaction})

		if err == nil {
			t.Fatal("security error must surface")
		}
		if attempts != 1 {
			t.Errorf("attempts = %d, want 1 (no retry for %v)", attempts, err)
		}
	}
}

func TestWithBackoff_ExhaustsAttempts(t *testing.T) {
	attempts := 0
	err := WithBackoff(context.Background(), fastPolicy(), func() error {
		attempts++
		return errors.NewTransaction(nil)
	}, []errors.ErrorCode{errors.ErrTransaction})

	if !errors.Is(err, errors.ErrTransaction) {
		t.Errorf("err = %v, want TRANSACTION_FAILED", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestWithBackoff_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := WithBackoff(ctx, fastPolicy(), func() error {
		return errors.NewTransaction(nil)
	}, []errors.ErrorCode{errors.ErrTransaction})

	if !errors.Is(err, errors.ErrCancelled) {
		t.Errorf("err = %v, want CANCELLED", err)
	}
}
