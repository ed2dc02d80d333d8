package machine

import (
	"context"
	"errors"
	"time"

	"github.com/rendis/stepmachine/pkg/schema"
)

// Procedure is the host-supplied unit of work a step executes.
type Procedure interface {
	Invoke(ctx context.Context, call Call) (Result, error)
}

// ProcedureFunc adapts a plain function to the Procedure interface.
type ProcedureFunc func(ctx context.Context, call Call) (Result, error)

// Invoke calls f.
func (f ProcedureFunc) Invoke(ctx context.Context, call Call) (Result, error) {
	return f(ctx, call)
}

// ProcedureResolver maps a step's procedure reference to a Procedure.
type ProcedureResolver interface {
	Resolve(ref string) (Procedure, error)
}

// Call is the input handed to a procedure.
// Payload is a private copy; mutating it does not affect the execution.
type Call struct {
	ExecutionID string
	ChainID     string
	StepID      string
	Attempt     int
	Payload     map[string]any
	Params      map[string]any
}

// Disposition tells the engine whether to keep going after a step.
type Disposition string

const (
	DispositionContinue Disposition = "continue"
	DispositionSuspend  Disposition = "suspend"
)

// Result is what a procedure reports back.
type Result struct {
	// Outcome selects the transition. Empty means success.
	Outcome string
	// Payload replaces the execution payload. Nil leaves it unchanged.
	Payload map[string]any
	// Disposition set to suspend stops the execution after the transition
	// is applied, until the host resumes it.
	Disposition Disposition
	// ResumeAfter, when positive with a suspend disposition, records the
	// earliest time the host should resume.
	ResumeAfter time.Duration
	// Reason is recorded on the suspension. Defaults to "awaiting".
	Reason string
}

// OutcomeError is a procedure error that selects a named outcome tag,
// e.g. "STATE.TIMEOUT", instead of the generic failure tag.
type OutcomeError struct {
	Tag string
	Err error
}

func (e *OutcomeError) Error() string {
	if e.Err == nil {
		return e.Tag
	}
	return e.Tag + ": " + e.Err.Error()
}

func (e *OutcomeError) Unwrap() error {
	return e.Err
}

// Outcome wraps err so that the step resolves with the given tag.
func Outcome(tag string, err error) error {
	return &OutcomeError{Tag: tag, Err: err}
}

// outcomeOf derives the outcome tag for a procedure invocation.
func outcomeOf(res Result, err error) string {
	if err != nil {
		var oe *OutcomeError
		if errors.As(err, &oe) && oe.Tag != "" {
			return oe.Tag
		}
		return schema.OutcomeFailure
	}
	if res.Outcome == "" {
		return schema.OutcomeSuccess
	}
	return res.Outcome
}

// Step is the atomic unit of a chain.
type Step struct {
	ID string
	// ProcedureRef names the procedure for hosts that resolve procedures
	// through a registry. Ignored when Procedure is set.
	ProcedureRef string
	Procedure    Procedure
	Params       map[string]any
	// Transitions maps outcome tags to step IDs or terminal markers.
	Transitions map[string]string
	Retry       *schema.RetryPolicy
}

func (s *Step) clone() *Step {
	cp := *s
	cp.Params = clonePayload(s.Params)
	cp.Transitions = make(map[string]string, len(s.Transitions))
	for k, v := range s.Transitions {
		cp.Transitions[k] = v
	}
	if s.Retry != nil {
		r := *s.Retry
		r.RetryOn = append([]string(nil), s.Retry.RetryOn...)
		cp.Retry = &r
	}
	return &cp
}

// allowsSelfTransition reports whether the step may transition to itself.
func (s *Step) allowsSelfTransition() bool {
	return s.Retry != nil && s.Retry.MaxAttempts > 0
}
