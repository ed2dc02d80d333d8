package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExprEngine computes values for eval steps with expr-lang: arithmetic,
// string helpers, nil coalescing (??), optional chaining (?.) and the
// array builtins (filter, map, sum, any, all). The keys of the data map
// are top-level variables.
type ExprEngine struct {
	programs *programs[*vm.Program]
}

func NewExprEngine() *ExprEngine {
	return &ExprEngine{programs: newPrograms[*vm.Program]()}
}

func (e *ExprEngine) Name() string { return "expr" }

func (e *ExprEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptyExpression("expr")
	}
	env := data
	if env == nil {
		env = map[string]any{}
	}

	// Undefined variables compile to nil, so one program serves any payload shape.
	prg, err := e.programs.get(expression, func(src string) (*vm.Program, error) {
		p, err := expr.Compile(src, expr.Env(env), expr.AllowUndefinedVariables())
		if err != nil {
			return nil, compileError("expr", "compile", src, err)
		}
		return p, nil
	})
	if err != nil {
		return nil, err
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, evalError("expr", expression, err)
	}
	return out, nil
}

var _ Engine = (*ExprEngine)(nil)
