package client

import (
	"context"
	"time"
)

// RetryDecision is the outcome of [RetryController.ShouldRetry].
type RetryDecision struct {
	Retry bool
	Delay time.Duration
}

// RetryController decides whether and when a classified failure is retried. Backoff is
// linear: BaseDelay * (attempt + 1), with attempt counting the retries already made.
// MaxDelay, when set, caps a single delay.
type RetryController struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Policy      func(*ClassifiedError) bool
}

// NewRetryController returns a controller using [DefaultRetryPolicy].
func NewRetryController(maxAttempts int, baseDelay time.Duration) *RetryController {
	return &RetryController{
		MaxAttempts: maxAttempts,
		BaseDelay:   baseDelay,
		Policy:      DefaultRetryPolicy,
	}
}

// ShouldRetry reports whether err should be retried after attempt previous retries.
func (rc *RetryController) ShouldRetry(err *ClassifiedError, attempt int) RetryDecision {
	if err == nil || !err.Kind.Transient() {
		return RetryDecision{}
	}

	if attempt < 0 {
		attempt = 0
	}
	if attempt >= rc.MaxAttempts {
		return RetryDecision{}
	}

	policy := rc.Policy
	if policy == nil {
		policy = DefaultRetryPolicy
	}
	if !policy(err) {
		return RetryDecision{}
	}

	delay := rc.BaseDelay * time.Duration(attempt+1)
	if rc.MaxDelay > 0 && delay > rc.MaxDelay {
		delay = rc.MaxDelay
	}

	return RetryDecision{Retry: true, Delay: delay}
}

// wait blocks for d or until ctx is done.
func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
