package machine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"

	"github.com/rendis/stepmachine/pkg/schema"
)

// Chain is an arena of steps addressed by ID and connected by outcome-keyed
// transitions. A chain is mutable until Freeze, which is called implicitly
// when an Engine binds to it; afterwards every mutation fails with CHAIN_FROZEN.
// A frozen chain is safe for concurrent use by many engines.
type Chain struct {
	mu            sync.RWMutex
	id            string
	entryID       string
	defaultTarget string
	steps         map[string]*Step
	order         []string
	frozen        bool
	version       string
}

// NewChain creates an empty chain.
func NewChain(id string) *Chain {
	return &Chain{
		id:    id,
		steps: make(map[string]*Step),
	}
}

// ID returns the chain identifier.
func (c *Chain) ID() string {
	return c.id
}

// AddStep appends a step. The first step added becomes the entry unless
// SetEntry is called. Transition targets are checked by Validate, so steps
// may reference steps added later.
func (c *Chain) AddStep(step Step) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.frozen {
		return frozenError("add step " + step.ID)
	}
	if step.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "step id is required")
	}
	if schema.IsTerminalTarget(step.ID) {
		return schema.NewErrorf(schema.ErrCodeValidation, "step id %q is a reserved terminal marker", step.ID)
	}
	if _, exists := c.steps[step.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeDuplicateID, "step %q already exists", step.ID).WithStep(step.ID)
	}
	if step.Procedure == nil && step.ProcedureRef == "" {
		return schema.NewError(schema.ErrCodeValidation, "step needs a procedure or a procedure reference").WithStep(step.ID)
	}
	if err := validateRetryPolicy(step.Retry); err != nil {
		return err.WithStep(step.ID)
	}

	s := step.clone()
	for tag, target := range s.Transitions {
		if tag == "" {
			return schema.NewError(schema.ErrCodeValidation, "transition outcome tag is required").WithStep(s.ID)
		}
		if target == s.ID && !s.allowsSelfTransition() {
			return selfTransitionError(s.ID, tag)
		}
	}

	c.steps[s.ID] = s
	c.order = append(c.order, s.ID)
	if c.entryID == "" {
		c.entryID = s.ID
	}
	return nil
}

// Link declares that outcome on step from leads to to, which is a step ID or
// a terminal marker. Linking an already linked outcome replaces its target.
func (c *Chain) Link(from, outcome, to string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.frozen {
		return frozenError("link " + from)
	}
	if outcome == "" {
		return schema.NewError(schema.ErrCodeValidation, "transition outcome tag is required").WithStep(from)
	}
	step, ok := c.steps[from]
	if !ok {
		return unknownStepError(from).WithDetails(map[string]any{"role": "from"})
	}
	if !schema.IsTerminalTarget(to) {
		if _, ok := c.steps[to]; !ok {
			return unknownStepError(to).WithDetails(map[string]any{"role": "to", "from": from, "outcome": outcome})
		}
	}
	if to == from && !step.allowsSelfTransition() {
		return selfTransitionError(from, outcome)
	}
	step.Transitions[outcome] = to
	return nil
}

// SetEntry designates the starting step.
func (c *Chain) SetEntry(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.frozen {
		return frozenError("set entry")
	}
	if _, ok := c.steps[id]; !ok {
		return unknownStepError(id)
	}
	c.entryID = id
	return nil
}

// SetDefault declares a chain-wide fallback target used when a step has no
// transition for an outcome. An empty target removes the fallback.
func (c *Chain) SetDefault(target string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.frozen {
		return frozenError("set default")
	}
	if target != "" && !schema.IsTerminalTarget(target) {
		if _, ok := c.steps[target]; !ok {
			return unknownStepError(target)
		}
	}
	c.defaultTarget = target
	return nil
}

// Freeze validates the chain and makes it immutable. Freezing a frozen chain
// is a no-op.
func (c *Chain) Freeze() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.frozen {
		return nil
	}
	if err := c.analyzeLocked().Err(); err != nil {
		return err
	}
	version, err := c.fingerprintLocked()
	if err != nil {
		return err
	}
	c.version = version
	c.frozen = true
	return nil
}

// Frozen reports whether the chain has been frozen.
func (c *Chain) Frozen() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.frozen
}

// Version returns the content fingerprint computed at Freeze, or "" before.
func (c *Chain) Version() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// EntryID returns the starting step.
func (c *Chain) EntryID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entryID
}

// Default returns the chain-wide fallback target, if any.
func (c *Chain) Default() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.defaultTarget
}

// StepIDs lists step IDs in the order they were added.
func (c *Chain) StepIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.order...)
}

// Len returns the number of steps.
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.order)
}

// Step returns a copy of the step with the given ID.
func (c *Chain) Step(id string) (Step, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.steps[id]
	if !ok {
		return Step{}, false
	}
	return *s.clone(), true
}

// Steps returns copies of all steps in insertion order.
func (c *Chain) Steps() []Step {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Step, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, *c.steps[id].clone())
	}
	return out
}

// step returns the internal step pointer. Only used on frozen chains.
func (c *Chain) step(id string) (*Step, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.steps[id]
	return s, ok
}

// Document converts the chain to its portable form.
func (c *Chain) Document() schema.ChainDocument {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.documentLocked()
}

func (c *Chain) documentLocked() schema.ChainDocument {
	doc := schema.ChainDocument{
		Version: schema.DocumentVersion,
		ID:      c.id,
		EntryID: c.entryID,
		Default: c.defaultTarget,
		Steps:   make([]schema.StepDocument, 0, len(c.order)),
	}
	for _, id := range c.order {
		s := c.steps[id].clone()
		doc.Steps = append(doc.Steps, schema.StepDocument{
			ID:           s.ID,
			ProcedureRef: s.ProcedureRef,
			Params:       s.Params,
			Transitions:  s.Transitions,
			RetryPolicy:  s.Retry,
		})
	}
	return doc
}

// fingerprintLocked hashes the canonical JSON form of the chain. Map keys are
// sorted by encoding/json, so equal chains hash equally.
func (c *Chain) fingerprintLocked() (string, error) {
	data, err := json.Marshal(c.documentLocked())
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "chain is not serializable: %s", err.Error()).WithCause(err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8]), nil
}

// ChainFromDocument rebuilds an unfrozen chain from its portable form and
// validates it. Steps carry procedure references only.
func ChainFromDocument(doc schema.ChainDocument) (*Chain, error) {
	c := NewChain(doc.ID)
	for _, sd := range doc.Steps {
		step := Step{
			ID:           sd.ID,
			ProcedureRef: sd.ProcedureRef,
			Params:       sd.Params,
			Transitions:  sd.Transitions,
			Retry:        sd.RetryPolicy,
		}
		if err := c.AddStep(step); err != nil {
			return nil, err
		}
	}
	if doc.EntryID != "" {
		if err := c.SetEntry(doc.EntryID); err != nil {
			return nil, err
		}
	}
	if err := c.SetDefault(doc.Default); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func frozenError(op string) *schema.MachineError {
	return schema.NewErrorf(schema.ErrCodeChainFrozen, "chain is frozen: cannot %s", op)
}

func unknownStepError(id string) *schema.MachineError {
	return schema.NewErrorf(schema.ErrCodeUnknownStep, "step %q does not exist", id).WithStep(id)
}

func selfTransitionError(id, outcome string) *schema.MachineError {
	return schema.NewErrorf(schema.ErrCodeSelfTransition,
		"step %q transitions to itself on %q without a retry policy", id, outcome).
		WithStep(id).
		WithDetails(map[string]any{"outcome": outcome})
}
