package machine

import (
	"github.com/rendis/stepmachine/pkg/schema"
)

// Builder appends steps in order and links them into a sequence: each step
// without an explicit success transition continues to the next appended
// step, and the last one completes the chain. Errors are deferred to Build.
type Builder struct {
	id       string
	steps    []*StepBuilder
	entry    string
	fallback string
}

// StepBuilder configures the most recently appended step.
type StepBuilder struct {
	b    *Builder
	step Step
}

// NewBuilder starts a chain definition.
func NewBuilder(id string) *Builder {
	return &Builder{id: id}
}

// Task appends a step backed by an inline procedure.
func (b *Builder) Task(id string, proc Procedure) *StepBuilder {
	return b.add(Step{ID: id, Procedure: proc})
}

// Ref appends a step whose procedure is resolved by reference when an
// engine binds to the chain.
func (b *Builder) Ref(id, ref string) *StepBuilder {
	return b.add(Step{ID: id, ProcedureRef: ref})
}

func (b *Builder) add(step Step) *StepBuilder {
	step.Transitions = make(map[string]string)
	sb := &StepBuilder{b: b, step: step}
	b.steps = append(b.steps, sb)
	return sb
}

// Entry overrides the entry step, which defaults to the first appended step.
func (b *Builder) Entry(id string) *Builder {
	b.entry = id
	return b
}

// Default sets the chain-wide fallback target.
func (b *Builder) Default(target string) *Builder {
	b.fallback = target
	return b
}

// On routes outcome to target, overriding the sequential link for success.
func (sb *StepBuilder) On(outcome, target string) *StepBuilder {
	sb.step.Transitions[outcome] = target
	return sb
}

// Retry attaches a retry policy.
func (sb *StepBuilder) Retry(policy schema.RetryPolicy) *StepBuilder {
	sb.step.Retry = &policy
	return sb
}

// Params sets static parameters passed to the procedure on every call.
func (sb *StepBuilder) Params(params map[string]any) *StepBuilder {
	sb.step.Params = params
	return sb
}

// Ref sets the procedure reference, which is kept in snapshots even when an
// inline procedure is also set.
func (sb *StepBuilder) Ref(ref string) *StepBuilder {
	sb.step.ProcedureRef = ref
	return sb
}

// Builder returns the parent builder.
func (sb *StepBuilder) Builder() *Builder {
	return sb.b
}

// Build assembles and validates the chain. The chain is not frozen.
func (b *Builder) Build() (*Chain, error) {
	c := NewChain(b.id)
	for i, sb := range b.steps {
		step := sb.step
		step.Transitions = make(map[string]string, len(sb.step.Transitions)+1)
		for outcome, target := range sb.step.Transitions {
			step.Transitions[outcome] = target
		}
		if _, ok := step.Transitions[schema.OutcomeSuccess]; !ok {
			next := schema.TargetComplete
			if i+1 < len(b.steps) {
				next = b.steps[i+1].step.ID
			}
			step.Transitions[schema.OutcomeSuccess] = next
		}
		if err := c.AddStep(step); err != nil {
			return nil, err
		}
	}
	if b.entry != "" {
		if err := c.SetEntry(b.entry); err != nil {
			return nil, err
		}
	}
	if err := c.SetDefault(b.fallback); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
