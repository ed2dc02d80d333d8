package machine

import (
	"time"

	"github.com/rendis/stepmachine/pkg/schema"
)

// ComputeBackoff calculates the delay before retry number attempt (0-based).
// Supports none, constant, linear, and exponential backoff with optional max_delay cap.
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.Delay == "" {
		return 0
	}

	base, err := time.ParseDuration(policy.Delay)
	if err != nil {
		return 0
	}

	var delay time.Duration
	switch policy.Backoff {
	case schema.BackoffExponential:
		// 2^attempt * base, stopping early once max_delay would be exceeded.
		delay = base
		for i := 0; i < attempt && delay < maxBackoff; i++ {
			delay *= 2
		}
	case schema.BackoffLinear:
		delay = base * time.Duration(attempt+1)
	default: // none, constant, or empty
		delay = base
	}

	if policy.MaxDelay != "" {
		maxDelay, parseErr := time.ParseDuration(policy.MaxDelay)
		if parseErr == nil && delay > maxDelay {
			delay = maxDelay
		}
	}
	if delay > maxBackoff {
		delay = maxBackoff
	}

	return delay
}

// maxBackoff bounds exponential growth so the doubling cannot overflow.
const maxBackoff = 24 * time.Hour

func validateRetryPolicy(p *schema.RetryPolicy) *schema.MachineError {
	if p == nil {
		return nil
	}
	if p.MaxAttempts < 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "retry max_attempts must be >= 0, got %d", p.MaxAttempts)
	}
	switch p.Backoff {
	case "", schema.BackoffNone, schema.BackoffConstant, schema.BackoffLinear, schema.BackoffExponential:
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown backoff %q", p.Backoff)
	}
	for field, value := range map[string]string{"delay": p.Delay, "max_delay": p.MaxDelay} {
		if value == "" {
			continue
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "retry %s %q is not a duration", field, value).WithCause(err)
		}
		if d < 0 {
			return schema.NewErrorf(schema.ErrCodeValidation, "retry %s must not be negative", field)
		}
	}
	for _, tag := range p.RetryOn {
		if tag == "" {
			return schema.NewError(schema.ErrCodeValidation, "retry_on contains an empty outcome tag")
		}
	}
	return nil
}

// retryBudgetLeft reports whether another attempt fits in the policy after
// attemptCount retries have been consumed.
func retryBudgetLeft(p *schema.RetryPolicy, attemptCount int) bool {
	return p != nil && attemptCount+1 < p.MaxAttempts
}
