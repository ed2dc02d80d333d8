package schema

import (
	"strconv"
	"strings"
)

// Reserved transition targets.
const (
	TargetComplete = "COMPLETE"
	TargetFail     = "FAIL"
)

// Well-known outcome tags.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	// OutcomeAny matches any tag without an explicit transition on the same step.
	OutcomeAny = "*"
)

// IsTerminalTarget reports whether target is a reserved terminal marker.
func IsTerminalTarget(target string) bool {
	return target == TargetComplete || target == TargetFail
}

// Backoff shapes for RetryPolicy.Backoff.
const (
	BackoffNone        = "none"
	BackoffConstant    = "constant"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

// RetryPolicy configures retry behavior for a step.
type RetryPolicy struct {
	MaxAttempts int      `json:"max_attempts" yaml:"max_attempts"`
	Backoff     string   `json:"backoff,omitempty" yaml:"backoff,omitempty"`
	Delay       string   `json:"delay,omitempty" yaml:"delay,omitempty"`
	MaxDelay    string   `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
	RetryOn     []string `json:"retry_on,omitempty" yaml:"retry_on,omitempty"`
}

// Retryable reports whether the policy retries the given outcome tag.
// An empty RetryOn list retries only the failure tag.
func (p *RetryPolicy) Retryable(outcome string) bool {
	if p == nil {
		return false
	}
	if len(p.RetryOn) == 0 {
		return outcome == OutcomeFailure
	}
	for _, tag := range p.RetryOn {
		if tag == outcome || tag == OutcomeAny {
			return true
		}
	}
	return false
}

// Document format version written by this module.
const (
	DocumentVersion      = "1.0"
	DocumentMajorVersion = 1
)

// MajorVersion extracts the major component of a "MAJOR[.MINOR]" version tag.
func MajorVersion(version string) (int, bool) {
	major, _, _ := strings.Cut(strings.TrimSpace(version), ".")
	if major == "" {
		return 0, false
	}
	n, err := strconv.Atoi(major)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// ChainDocument is the portable form of a chain definition.
type ChainDocument struct {
	Version string         `json:"version" yaml:"version"`
	ID      string         `json:"id,omitempty" yaml:"id,omitempty"`
	EntryID string         `json:"entry_id" yaml:"entry_id"`
	Default string         `json:"default,omitempty" yaml:"default,omitempty"`
	Steps   []StepDocument `json:"steps" yaml:"steps"`
}

// StepDocument is the portable form of a single step.
type StepDocument struct {
	ID           string            `json:"id" yaml:"id"`
	ProcedureRef string            `json:"procedure_ref" yaml:"procedure_ref"`
	Params       map[string]any    `json:"params,omitempty" yaml:"params,omitempty"`
	Transitions  map[string]string `json:"transitions" yaml:"transitions"`
	RetryPolicy  *RetryPolicy      `json:"retry_policy,omitempty" yaml:"retry_policy,omitempty"`
}
