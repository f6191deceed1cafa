package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Class buckets request failures for retry decisions and metrics.
type Class string

// Failure classes.
const (
	ClassOK        Class = "ok"
	ClassTransient Class = "transient"
	ClassMalformed Class = "malformed"
	ClassPermanent Class = "permanent"
	ClassCanceled  Class = "canceled"
)

// Classify maps an error from a catalog request to its Class.
func Classify(err error) Class {
	if err == nil {
		return ClassOK
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassCanceled
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.Permanent() {
		return ClassPermanent
	}
	var syntaxErr *json.SyntaxError
	if errors.Is(err, ErrMalformed) || errors.As(err, &syntaxErr) {
		return ClassMalformed
	}
	return ClassTransient
}

// Sleeper pauses between requests; tests substitute a recorder.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sleep interrupted: %w", ctx.Err())
	}
}

// FixedRetryPolicy retries transient failures with a constant pause and a
// fixed attempt budget.
type FixedRetryPolicy struct {
	maxAttempts int
	interval    time.Duration
}

// NewFixedRetryPolicy builds a policy. A non-positive attempt budget means 10
// and a negative interval means 1.5s.
func NewFixedRetryPolicy(maxAttempts int, interval time.Duration) *FixedRetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	if interval < 0 {
		interval = 1500 * time.Millisecond
	}
	return &FixedRetryPolicy{maxAttempts: maxAttempts, interval: interval}
}

// MaxAttempts returns the attempt budget.
func (p *FixedRetryPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// ShouldRetry decides whether another attempt may follow attempt (1-based).
func (p *FixedRetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.maxAttempts {
		return false
	}
	return Classify(err) == ClassTransient
}

// Backoff returns the rate-limit pause.
func (p *FixedRetryPolicy) Backoff() time.Duration {
	return p.interval
}
