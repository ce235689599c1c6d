// Package retry runs control-plane and storage operations under a bounded
// attempt budget with exponential backoff.
//
// Operations report an Outcome instead of returning a bare error so the loop
// can tell transient failures (retried) from fatal ones (returned at once)
// without inspecting error hierarchies.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"time"
)

// Kind discriminates the result of a single attempt.
type Kind int

const (
	KindSuccess Kind = iota
	KindRetriable
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindRetriable:
		return "retriable"
	case KindFatal:
		return "fatal"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Outcome is the result of one attempt.
type Outcome struct {
	Kind Kind
	Err  error
}

// Success reports a completed attempt.
func Success() Outcome { return Outcome{Kind: KindSuccess} }

// Retriable reports a transient failure that may succeed on a later attempt.
func Retriable(err error) Outcome { return Outcome{Kind: KindRetriable, Err: err} }

// Fatal reports a failure that must not be retried.
func Fatal(err error) Outcome { return Outcome{Kind: KindFatal, Err: err} }

// CodedError carries an error code and a retryability hint.
type CodedError interface {
	error
	CodeValue() string
	RetryableStatus() bool
}

// Classify maps an error returned by a lower layer onto an Outcome.
// Coded errors decide for themselves; timeouts are transient; everything
// else is fatal.
func Classify(err error) Outcome {
	if err == nil {
		return Success()
	}
	var coded CodedError
	if errors.As(err, &coded) {
		if coded.RetryableStatus() {
			return Retriable(err)
		}
		return Fatal(err)
	}
	if errors.Is(err, context.Canceled) {
		return Fatal(err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Retriable(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Retriable(err)
	}
	return Fatal(err)
}

// ErrAttemptsExceeded matches any *AttemptsExceededError via errors.Is.
var ErrAttemptsExceeded = errors.New("attempts exceeded")

// AttemptsExceededError is returned when every attempt failed transiently.
type AttemptsExceededError struct {
	Attempts int
	Last     error
}

func (e *AttemptsExceededError) Error() string {
	return fmt.Sprintf("attempts exceeded after %d attempt(s): %v", e.Attempts, e.Last)
}

func (e *AttemptsExceededError) Unwrap() error { return e.Last }

func (e *AttemptsExceededError) Is(target error) bool { return target == ErrAttemptsExceeded }

// Policy bounds the retry loop.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first (min 1).
	MaxAttempts int
	// InitialBackoff is the wait after the first failed attempt.
	InitialBackoff time.Duration
	// Multiplier scales the wait after each further failure (default 2).
	Multiplier float64
	// MaxBackoff caps a single wait; zero means uncapped.
	MaxBackoff time.Duration
	// AttemptTimeout bounds a single attempt; zero means no per-attempt deadline.
	AttemptTimeout time.Duration
}

// DefaultPolicy returns a single-attempt policy with one second base backoff.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    1,
		InitialBackoff: time.Second,
		Multiplier:     5,
		MaxBackoff:     time.Minute,
		AttemptTimeout: time.Minute,
	}
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Backoff returns the wait after the given failed attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	if p.InitialBackoff <= 0 || attempt < 1 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 2
	}
	wait := float64(p.InitialBackoff) * math.Pow(mult, float64(attempt-1))
	if p.MaxBackoff > 0 && wait > float64(p.MaxBackoff) {
		return p.MaxBackoff
	}
	if wait > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(wait)
}

// Budget is the worst-case time spent in the loop: every attempt running to
// its timeout plus every backoff wait.
func (p Policy) Budget() time.Duration {
	n := p.attempts()
	total := time.Duration(n) * p.AttemptTimeout
	for i := 1; i < n; i++ {
		total += p.Backoff(i)
	}
	return total
}

// Op is a single attempt. attempt is 1-based.
type Op func(ctx context.Context, attempt int) Outcome

// Do runs op until it succeeds, fails fatally, or the attempt budget is spent.
// It returns the number of attempts made.
func Do(ctx context.Context, p Policy, op Op) (int, error) {
	max := p.attempts()
	var last error
	for attempt := 1; attempt <= max; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}

		out := runAttempt(ctx, p, op, attempt)
		switch out.Kind {
		case KindSuccess:
			return attempt, nil
		case KindFatal:
			return attempt, out.Err
		}

		last = out.Err
		if ctx.Err() != nil {
			return attempt, ctx.Err()
		}
		if attempt == max {
			break
		}

		wait := p.Backoff(attempt)
		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		case <-timer.C:
		}
	}
	return max, &AttemptsExceededError{Attempts: max, Last: last}
}

func runAttempt(ctx context.Context, p Policy, op Op, attempt int) Outcome {
	if p.AttemptTimeout <= 0 {
		return op(ctx, attempt)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, p.AttemptTimeout)
	defer cancel()
	return op(attemptCtx, attempt)
}
