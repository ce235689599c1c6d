package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type codedErr struct {
	code      string
	retryable bool
}

func (e *codedErr) Error() string         { return e.code }
func (e *codedErr) CodeValue() string     { return e.code }
func (e *codedErr) RetryableStatus() bool { return e.retryable }

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, Multiplier: 2}
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	attempts, err := Do(context.Background(), fastPolicy(3), func(ctx context.Context, attempt int) Outcome {
		calls++
		if attempt < 3 {
			return Retriable(errors.New("503"))
		}
		return Success()
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, calls)
}

func TestDo_AttemptsExceeded(t *testing.T) {
	calls := 0
	attempts, err := Do(context.Background(), fastPolicy(3), func(ctx context.Context, attempt int) Outcome {
		calls++
		return Retriable(fmt.Errorf("timeout on attempt %d", attempt))
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAttemptsExceeded)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, calls)

	var exceeded *AttemptsExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, 3, exceeded.Attempts)
	assert.Contains(t, exceeded.Last.Error(), "attempt 3")
}

func TestDo_FatalIsNotRetried(t *testing.T) {
	calls := 0
	fatal := errors.New("401 unauthorized")
	attempts, err := Do(context.Background(), fastPolicy(5), func(ctx context.Context, attempt int) Outcome {
		calls++
		return Fatal(fatal)
	})
	assert.ErrorIs(t, err, fatal)
	assert.NotErrorIs(t, err, ErrAttemptsExceeded)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, calls)
}

func TestDo_ZeroAttemptsMeansOne(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), Policy{}, func(ctx context.Context, attempt int) Outcome {
		calls++
		return Retriable(errors.New("boom"))
	})
	assert.ErrorIs(t, err, ErrAttemptsExceeded)
	assert.Equal(t, 1, calls)
}

func TestDo_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 10, InitialBackoff: time.Hour}
	calls := 0
	done := make(chan error, 1)
	go func() {
		_, err := Do(ctx, p, func(ctx context.Context, attempt int) Outcome {
			calls++
			return Retriable(errors.New("again"))
		})
		done <- err
	}()
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Do did not observe cancellation")
	}
	assert.LessOrEqual(t, calls, 1)
}

func TestDo_AttemptTimeoutIsRetriable(t *testing.T) {
	p := Policy{MaxAttempts: 2, AttemptTimeout: 10 * time.Millisecond}
	attempts, err := Do(context.Background(), p, func(ctx context.Context, attempt int) Outcome {
		if attempt == 1 {
			<-ctx.Done()
			return Classify(ctx.Err())
		}
		return Success()
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestPolicy_Backoff(t *testing.T) {
	p := Policy{InitialBackoff: 100 * time.Millisecond, Multiplier: 5, MaxBackoff: 2 * time.Second}
	assert.Equal(t, 100*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 500*time.Millisecond, p.Backoff(2))
	assert.Equal(t, 2*time.Second, p.Backoff(3))
	assert.Equal(t, time.Duration(0), p.Backoff(0))
}

func TestPolicy_Budget(t *testing.T) {
	p := Policy{MaxAttempts: 3, InitialBackoff: time.Second, Multiplier: 2, AttemptTimeout: 10 * time.Second}
	assert.Equal(t, 30*time.Second+time.Second+2*time.Second, p.Budget())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindSuccess},
		{"retryable coded", &codedErr{code: "E_TIMEOUT", retryable: true}, KindRetriable},
		{"fatal coded", &codedErr{code: "E_AUTH_INVALID"}, KindFatal},
		{"wrapped coded", fmt.Errorf("upload: %w", &codedErr{code: "E_HTTP_5XX", retryable: true}), KindRetriable},
		{"deadline", context.DeadlineExceeded, KindRetriable},
		{"canceled", context.Canceled, KindFatal},
		{"plain", errors.New("malformed"), KindFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err).Kind)
		})
	}
}
