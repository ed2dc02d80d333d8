package machine

import (
	"fmt"

	"github.com/rendis/stepmachine/pkg/schema"
)

// NextKind classifies a resolution.
type NextKind int

const (
	NextGoto NextKind = iota
	NextComplete
	NextFail
)

func (k NextKind) String() string {
	switch k {
	case NextGoto:
		return "goto"
	case NextComplete:
		return "complete"
	case NextFail:
		return "fail"
	default:
		return fmt.Sprintf("NextKind(%d)", int(k))
	}
}

// Next is the result of resolving an outcome.
type Next struct {
	Kind NextKind
	// StepID is set for NextGoto.
	StepID string
	// Code and Reason are set for NextFail.
	Code   string
	Reason string
	// Matched is the transition key that produced the result: the outcome
	// itself, "*", or "" for the chain default or an unresolved outcome.
	Matched string
}

// Resolve maps an outcome of step to the next position. Lookup order is the
// exact outcome tag, then the step's "*" catch-all, then fallback (the chain
// default, may be empty). It is pure: equal inputs give equal results.
func Resolve(step *Step, outcome, fallback string) Next {
	if target, ok := step.Transitions[outcome]; ok {
		return targetNext(step.ID, outcome, target, outcome)
	}
	if target, ok := step.Transitions[schema.OutcomeAny]; ok {
		return targetNext(step.ID, outcome, target, schema.OutcomeAny)
	}
	if fallback != "" {
		return targetNext(step.ID, outcome, fallback, "")
	}
	return Next{
		Kind:   NextFail,
		Code:   schema.ErrCodeUnresolvedTransition,
		Reason: fmt.Sprintf("step %q has no transition for outcome %q", step.ID, outcome),
	}
}

func targetNext(stepID, outcome, target, matched string) Next {
	switch target {
	case schema.TargetComplete:
		return Next{Kind: NextComplete, Matched: matched}
	case schema.TargetFail:
		return Next{
			Kind:    NextFail,
			Code:    schema.ErrCodeStepFailed,
			Reason:  fmt.Sprintf("step %q failed with outcome %q", stepID, outcome),
			Matched: matched,
		}
	default:
		return Next{Kind: NextGoto, StepID: target, Matched: matched}
	}
}

// Resolve resolves outcome for the step with the given ID using the chain's
// default fallback.
func (c *Chain) Resolve(stepID, outcome string) (Next, error) {
	s, ok := c.step(stepID)
	if !ok {
		return Next{}, unknownStepError(stepID)
	}
	return Resolve(s, outcome, c.Default()), nil
}
