package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
)

var celNamespaces = []string{NamespacePayload, NamespaceParams, NamespaceStep}

// CELEngine evaluates choice-step conditions. Each Scope namespace is a
// map(string, dyn) variable; a namespace missing from the data is bound to
// an empty map so conditions on it fail cleanly instead of erroring.
type CELEngine struct {
	env      *cel.Env
	programs *programs[cel.Program]
}

func NewCELEngine() (*CELEngine, error) {
	opts := make([]cel.EnvOption, 0, len(celNamespaces))
	for _, ns := range celNamespaces {
		opts = append(opts, cel.Variable(ns, cel.MapType(cel.StringType, cel.DynType)))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &CELEngine{env: env, programs: newPrograms[cel.Program]()}, nil
}

func (e *CELEngine) Name() string { return "cel" }

func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptyExpression("CEL")
	}
	prg, err := e.programs.get(expression, e.compile)
	if err != nil {
		return nil, err
	}

	activation := make(map[string]any, len(celNamespaces))
	for _, ns := range celNamespaces {
		if v := data[ns]; v != nil {
			activation[ns] = v
		} else {
			activation[ns] = map[string]any{}
		}
	}
	out, _, err := prg.ContextEval(ctx, activation)
	if err != nil {
		return nil, evalError("CEL", expression, err)
	}
	return out.Value(), nil
}

// Compile checks an expression without evaluating it.
func (e *CELEngine) Compile(expression string) error {
	_, err := e.programs.get(expression, e.compile)
	return err
}

func (e *CELEngine) compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if err := issues.Err(); err != nil {
		return nil, compileError("CEL", "compile", expression, err)
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, compileError("CEL", "program", expression, err)
	}
	return prg, nil
}

var _ Engine = (*CELEngine)(nil)
