package procedures

import (
	"context"
	"sync"
	"time"

	"github.com/rendis/stepmachine/pkg/machine"
	"github.com/rendis/stepmachine/pkg/schema"
)

// OutcomeCircuitOpen is the outcome tag of a call rejected by an open breaker.
// Chains can route it like any other tag or list it in retry_on.
const OutcomeCircuitOpen = "circuit_open"

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting calls
	CircuitHalfOpen                     // Testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures per-procedure circuit breakers.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failed calls that opens the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before one test call is let through.
	Cooldown time.Duration
}

// DefaultBreakerConfig returns the configuration used when none is given.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
	}
}

type breaker struct {
	mu          sync.Mutex
	state       CircuitState
	failures    int
	lastFailure time.Time
	probing     bool
}

// Breakers guards procedures resolved through an inner resolver with one
// circuit breaker per procedure reference. A call counts as failed when the
// procedure returns an error. Breaker state is shared by every engine that
// resolves through the same Breakers.
type Breakers struct {
	inner  machine.ProcedureResolver
	config BreakerConfig
	now    func() time.Time

	mu       sync.Mutex
	breakers map[string]*breaker
}

// NewBreakers wraps inner. Zero config fields take DefaultBreakerConfig values.
func NewBreakers(inner machine.ProcedureResolver, config BreakerConfig, clock machine.Clock) *Breakers {
	def := DefaultBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = def.Cooldown
	}
	if clock == nil {
		clock = machine.SystemClock{}
	}
	return &Breakers{
		inner:    inner,
		config:   config,
		now:      clock.Now,
		breakers: make(map[string]*breaker),
	}
}

// Resolve implements machine.ProcedureResolver.
func (b *Breakers) Resolve(ref string) (machine.Procedure, error) {
	proc, err := b.inner.Resolve(ref)
	if err != nil {
		return nil, err
	}
	return &guarded{ref: ref, proc: proc, breakers: b}, nil
}

// State returns the current state of the breaker for ref.
func (b *Breakers) State(ref string) CircuitState {
	cb := b.get(ref)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && b.now().Sub(cb.lastFailure) >= b.config.Cooldown {
		return CircuitHalfOpen
	}
	return cb.state
}

// Stats returns diagnostic information about the breaker for ref.
func (b *Breakers) Stats(ref string) map[string]any {
	state := b.State(ref)
	cb := b.get(ref)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return map[string]any{
		"procedure":            ref,
		"state":                state.String(),
		"consecutive_failures": cb.failures,
		"failure_threshold":    b.config.FailureThreshold,
		"cooldown":             b.config.Cooldown.String(),
	}
}

func (b *Breakers) get(ref string) *breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.breakers[ref]
	if !ok {
		cb = &breaker{}
		b.breakers[ref] = cb
	}
	return cb
}

// allow admits a call or returns a CIRCUIT_OPEN error.
func (b *Breakers) allow(ref string) error {
	cb := b.get(ref)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if elapsed := b.now().Sub(cb.lastFailure); elapsed < b.config.Cooldown {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit open for procedure %q after %d consecutive failures", ref, cb.failures).
				WithDetails(map[string]any{
					"procedure":          ref,
					"cooldown_remaining": (b.config.Cooldown - elapsed).String(),
				})
		}
		cb.state = CircuitHalfOpen
		cb.probing = true
		return nil
	case CircuitHalfOpen:
		if cb.probing {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit half-open for procedure %q: test call in flight", ref)
		}
		cb.probing = true
		return nil
	}
	return nil
}

func (b *Breakers) record(ref string, failed bool) {
	cb := b.get(ref)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.probing = false
	if !failed {
		cb.failures = 0
		cb.state = CircuitClosed
		return
	}
	cb.failures++
	cb.lastFailure = b.now()
	if cb.state == CircuitHalfOpen || cb.failures >= b.config.FailureThreshold {
		cb.state = CircuitOpen
	}
}

// release ends a test call without judging it.
func (b *Breakers) release(ref string) {
	cb := b.get(ref)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.probing = false
}

type guarded struct {
	ref      string
	proc     machine.Procedure
	breakers *Breakers
}

func (g *guarded) Invoke(ctx context.Context, call machine.Call) (machine.Result, error) {
	if err := g.breakers.allow(g.ref); err != nil {
		return machine.Result{}, machine.Outcome(OutcomeCircuitOpen, err)
	}
	res, err := g.proc.Invoke(ctx, call)
	// A call cut short by the host says nothing about the procedure.
	if err != nil && ctx.Err() != nil {
		g.breakers.release(g.ref)
		return res, err
	}
	g.breakers.record(g.ref, err != nil)
	return res, err
}

// CheckParams forwards to the wrapped procedure when it checks params.
func (g *guarded) CheckParams(params map[string]any) error {
	if checker, ok := g.proc.(ParamChecker); ok {
		return checker.CheckParams(params)
	}
	return nil
}

var _ machine.ProcedureResolver = (*Breakers)(nil)
