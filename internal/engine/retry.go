package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rendis/flowgate/pkg/schema"
)

// AttemptResult is the outcome of one dispatch attempt.
// ExitCode is TimeoutExitCode when the attempt hit its deadline.
type AttemptResult struct {
	ExitCode int
	Output   string
	Err      error
}

// Succeeded reports a clean exit.
func (r AttemptResult) Succeeded() bool {
	return r.Err == nil && r.ExitCode == 0
}

// Aborted reports whether the attempt was cut short by an abort.
func (r AttemptResult) Aborted() bool {
	return errors.Is(r.Err, schema.ErrAborted)
}

// RetryPolicy configures ExecuteWithRetry.
type RetryPolicy struct {
	MaxRetries     int
	BackoffBaseMs  int64
	RetryableCodes []int
}

// RetryPolicyFor derives the policy of an agent node.
func RetryPolicyFor(node *schema.AgentNode, defaultBaseMs int64) RetryPolicy {
	base := node.Config.BackoffBaseMs
	if base == 0 {
		base = defaultBaseMs
	}
	return RetryPolicy{
		MaxRetries:     max(node.Config.MaxRetries, 0),
		BackoffBaseMs:  base,
		RetryableCodes: node.Config.RetryableCodes,
	}
}

// RetryCallbacks observe ExecuteWithRetry. All fields are optional.
type RetryCallbacks struct {
	// OnRetry fires before sleeping ahead of retry number `retry` (1-based).
	OnRetry func(retry int, delay time.Duration, last AttemptResult)
	// OnExhausted fires once when the last permitted attempt still failed retryably.
	OnExhausted func(attempts int, last AttemptResult)
	// Aborted is polled before each attempt and after each sleep.
	Aborted func() bool
}

// RetryResult is the final outcome of ExecuteWithRetry.
type RetryResult struct {
	Last     AttemptResult
	Attempts int
}

// Retries is the number of attempts beyond the first.
func (r RetryResult) Retries() int {
	return max(r.Attempts-1, 0)
}

// ExecuteWithRetry runs attempt up to policy.MaxRetries+1 times. It stops on
// success, on a non-retryable failure, or on abort, sleeping the computed
// backoff between attempts.
func ExecuteWithRetry(ctx context.Context, attempt func(ctx context.Context, n int) AttemptResult, policy RetryPolicy, cb RetryCallbacks) RetryResult {
	aborted := func() bool {
		if cb.Aborted != nil && cb.Aborted() {
			return true
		}
		return errors.Is(ctx.Err(), context.Canceled)
	}
	abortResult := func(attempts int) RetryResult {
		return RetryResult{Last: AttemptResult{ExitCode: TimeoutExitCode, Err: schema.ErrAborted}, Attempts: attempts}
	}

	var last AttemptResult
	for n := 0; n <= policy.MaxRetries; n++ {
		if aborted() {
			return abortResult(n)
		}

		last = attempt(ctx, n)
		if last.Succeeded() || last.Aborted() {
			return RetryResult{Last: last, Attempts: n + 1}
		}
		if !IsRetryable(last.ExitCode, policy.RetryableCodes) {
			return RetryResult{Last: last, Attempts: n + 1}
		}
		if n == policy.MaxRetries {
			if policy.MaxRetries > 0 && cb.OnExhausted != nil {
				cb.OnExhausted(n+1, last)
			}
			return RetryResult{Last: last, Attempts: n + 1}
		}

		delay := ComputeBackoff(n, policy.BackoffBaseMs)
		if cb.OnRetry != nil {
			cb.OnRetry(n+1, delay, last)
		}
		if err := WaitForBackoff(ctx, delay); err != nil {
			if errors.Is(err, context.Canceled) {
				return abortResult(n + 1)
			}
			return RetryResult{Last: AttemptResult{
				ExitCode: TimeoutExitCode,
				Err:      schema.NewError(schema.ErrCodeTimeout, "execution deadline exceeded during backoff").WithCause(err),
			}, Attempts: n + 1}
		}
		if aborted() {
			return abortResult(n + 1)
		}
	}
	return RetryResult{Last: last, Attempts: policy.MaxRetries + 1}
}
