package engine

import (
	"context"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/rendis/flowgate/pkg/schema"
)

const (
	// MaxBackoffMs caps every computed retry delay.
	MaxBackoffMs int64 = 60_000

	// TimeoutExitCode is the exit code recorded when an attempt hits its deadline.
	TimeoutExitCode = -1

	// DefaultMaxIterations bounds forEach nodes that set no limit.
	DefaultMaxIterations = 100
)

// jitterMs returns a random delay in [0, base]. Replaced in tests.
var jitterMs = func(base int64) int64 {
	return rand.Int64N(base + 1)
}

// ComputeBackoffMs returns min(base·2^attempt + rand(0, base), MaxBackoffMs).
// A non-positive base always yields 0.
func ComputeBackoffMs(attempt int, baseMs int64) int64 {
	if baseMs <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}

	delay := baseMs
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= MaxBackoffMs {
			return MaxBackoffMs
		}
	}

	return min(delay+jitterMs(baseMs), MaxBackoffMs)
}

// ComputeBackoff is ComputeBackoffMs as a duration.
func ComputeBackoff(attempt int, baseMs int64) time.Duration {
	return time.Duration(ComputeBackoffMs(attempt, baseMs)) * time.Millisecond
}

// ComputeProgressiveTimeout grows a deadline by 50% per prior attempt, capped at double.
func ComputeProgressiveTimeout(base time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	factor := min(1+0.5*float64(attempt), 2)
	return time.Duration(float64(base) * factor)
}

// AggregateTimeout bounds a whole workflow: every agent node contributes the
// sum of its progressive per-attempt deadlines, forEach bodies are counted once
// per permitted iteration, and sub-workflow nodes reserve one default deadline
// per nesting level.
func AggregateTimeout(def *schema.WorkflowDefinition, defaultTimeout time.Duration) time.Duration {
	multiplier := make(map[string]int)
	for _, n := range def.Nodes {
		if n.Config.ForEach == nil {
			continue
		}
		iters := n.Config.ForEach.MaxIterations
		if iters <= 0 {
			iters = DefaultMaxIterations
		}
		for _, body := range n.Config.ForEach.Body {
			multiplier[body] = iters
		}
	}

	var total time.Duration
	for _, n := range def.Nodes {
		if n.IsControl() {
			if n.Type == schema.ControlSubWorkflow {
				total += defaultTimeout * schema.MaxSubWorkflowDepth
			}
			continue
		}
		base := n.Config.TimeoutDuration(defaultTimeout)
		var perRun time.Duration
		for attempt := 0; attempt <= n.Config.MaxRetries; attempt++ {
			perRun += ComputeProgressiveTimeout(base, attempt)
		}
		if m, ok := multiplier[n.ID]; ok {
			perRun *= time.Duration(m)
		}
		total += perRun
	}
	return total
}

// IsRetryable reports whether an attempt outcome may be retried: a timeout
// always is, exit code 0 never is, anything else only when listed.
func IsRetryable(exitCode int, retryable []int) bool {
	switch exitCode {
	case TimeoutExitCode:
		return true
	case 0:
		return false
	}
	return slices.Contains(retryable, exitCode)
}

// WaitForBackoff sleeps for the computed backoff duration or returns early if the context is cancelled.
// Returns an error if the context was cancelled during the wait.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
