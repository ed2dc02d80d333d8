package machine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rendis/stepmachine/pkg/schema"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// seqIDs yields exec-1, exec-2, ...
type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("exec-%d", s.n)
}

// always returns the same outcome on every call.
func always(outcome string) Procedure {
	return ProcedureFunc(func(_ context.Context, _ Call) (Result, error) {
		return Result{Outcome: outcome}, nil
	})
}

// failing returns a plain error on every call.
func failing(msg string) Procedure {
	return ProcedureFunc(func(_ context.Context, _ Call) (Result, error) {
		return Result{}, errors.New(msg)
	})
}

// scripted returns the given outcomes in order, repeating the last one.
type scripted struct {
	mu       sync.Mutex
	outcomes []string
	calls    int
}

func script(outcomes ...string) *scripted {
	return &scripted{outcomes: outcomes}
}

func (s *scripted) Invoke(_ context.Context, _ Call) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	if i >= len(s.outcomes) {
		i = len(s.outcomes) - 1
	}
	s.calls++
	return Result{Outcome: s.outcomes[i]}, nil
}

func (s *scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// recordingSink collects emitted events.
type recordingSink struct {
	mu     sync.Mutex
	events []schema.Event
}

func (r *recordingSink) AppendEvent(_ context.Context, event *schema.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *event)
	return nil
}

func (r *recordingSink) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

// failSink always fails.
type failSink struct{}

func (failSink) AppendEvent(_ context.Context, _ *schema.Event) error {
	return errors.New("sink unavailable")
}

// twoStepChain builds A -> (success: B, failure: FAIL), B -> (success: COMPLETE).
func twoStepChain(a, b Procedure) *Chain {
	c := NewChain("two-step")
	if err := c.AddStep(Step{ID: "A", Procedure: a, Transitions: map[string]string{
		schema.OutcomeSuccess: "B",
		schema.OutcomeFailure: schema.TargetFail,
	}}); err != nil {
		panic(err)
	}
	if err := c.AddStep(Step{ID: "B", Procedure: b, Transitions: map[string]string{
		schema.OutcomeSuccess: schema.TargetComplete,
	}}); err != nil {
		panic(err)
	}
	return c
}

func historySteps(h []schema.HistoryEntry) []string {
	out := make([]string, len(h))
	for i, e := range h {
		out[i] = fmt.Sprintf("%s:%s:%d", e.StepID, e.Outcome, e.Attempt)
	}
	return out
}
