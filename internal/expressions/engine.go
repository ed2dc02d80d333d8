package expressions

import (
	"context"
	"sync"

	"github.com/rendis/stepmachine/pkg/schema"
)

// Engine evaluates expressions for the built-in procedures: CEL routes
// choice steps, jq reshapes payloads in transform steps, expr computes
// values in eval steps.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// programs is a concurrency-safe cache of compiled expressions keyed by
// source text.
type programs[P any] struct {
	mu    sync.RWMutex
	bySrc map[string]P
}

func newPrograms[P any]() *programs[P] {
	return &programs[P]{bySrc: make(map[string]P)}
}

// get returns the cached program for src, compiling and storing it on a miss.
func (c *programs[P]) get(src string, compile func(string) (P, error)) (P, error) {
	c.mu.RLock()
	p, ok := c.bySrc[src]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.bySrc[src]; ok {
		return p, nil
	}
	p, err := compile(src)
	if err != nil {
		return p, err
	}
	c.bySrc[src] = p
	return p, nil
}

func (c *programs[P]) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.bySrc)
}

// compileError reports an expression that does not parse or type-check.
func compileError(engine, phase, expression string, err error) error {
	return schema.NewErrorf(schema.ErrCodeValidation, "%s %s error in %q: %s", engine, phase, expression, err).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}

// evalError reports an expression that compiled but failed at run time.
func evalError(engine, expression string, err error) error {
	return schema.NewErrorf(schema.ErrCodeExecution, "%s evaluation failed for %q: %s", engine, expression, err).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}

func emptyExpression(engine string) error {
	return schema.NewErrorf(schema.ErrCodeValidation, "empty %s expression", engine)
}
