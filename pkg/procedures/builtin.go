package procedures

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rendis/stepmachine/internal/expressions"
	"github.com/rendis/stepmachine/pkg/machine"
	"github.com/rendis/stepmachine/pkg/schema"
)

// Built-in procedure names.
const (
	Pass      = "pass"
	Fail      = "fail"
	Wait      = "wait"
	Choice    = "choice"
	Transform = "transform"
	Eval      = "eval"
)

// builtin is a procedure with a static params check. Params are interpolated
// against the payload before invoke sees them.
type builtin struct {
	name   string
	desc   string
	check  func(params map[string]any) error
	invoke func(ctx context.Context, call machine.Call, params map[string]any, scope expressions.Scope) (machine.Result, error)
}

func (b *builtin) Invoke(ctx context.Context, call machine.Call) (machine.Result, error) {
	scope := expressions.Scope{
		Payload: call.Payload,
		Params:  call.Params,
		Step: expressions.StepInfo{
			ID:          call.StepID,
			ExecutionID: call.ExecutionID,
			ChainID:     call.ChainID,
			Attempt:     call.Attempt,
		},
	}
	params, err := expressions.InterpolateMap(call.Params, scope.Vars())
	if err != nil {
		return machine.Result{}, err
	}
	if params == nil {
		params = map[string]any{}
	}
	return b.invoke(ctx, call, params, scope)
}

func (b *builtin) CheckParams(params map[string]any) error {
	if b.check == nil {
		return nil
	}
	return b.check(params)
}

// RegisterBuiltins registers every built-in procedure.
func RegisterBuiltins(reg *Registry) error {
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return fmt.Errorf("create CEL engine: %w", err)
	}
	jq := expressions.NewGoJQEngine()
	ex := expressions.NewExprEngine()

	all := []*builtin{
		passProcedure(),
		failProcedure(),
		waitProcedure(),
		choiceProcedure(cel),
		transformProcedure(jq),
		evalProcedure(ex),
		assertProcedure(),
		httpProcedure(HTTPConfig{}),
	}
	for _, b := range all {
		if err := reg.Register(b.name, b.desc, b); err != nil {
			return err
		}
	}
	return nil
}

// NewBuiltinRegistry returns a registry holding only the built-ins.
func NewBuiltinRegistry() (*Registry, error) {
	reg := NewRegistry()
	if err := RegisterBuiltins(reg); err != nil {
		return nil, err
	}
	return reg, nil
}

// pass merges params.result into the payload and reports params.outcome
// (default success).
func passProcedure() *builtin {
	return &builtin{
		name: Pass,
		desc: "Merges params.result into the payload; outcome is params.outcome or success",
		check: func(params map[string]any) error {
			if v, ok := params["result"]; ok {
				if _, isMap := v.(map[string]any); !isMap {
					return paramError("result", "must be an object")
				}
			}
			_, err := optionalString(params, "outcome")
			return err
		},
		invoke: func(_ context.Context, call machine.Call, params map[string]any, _ expressions.Scope) (machine.Result, error) {
			outcome, err := optionalString(params, "outcome")
			if err != nil {
				return machine.Result{}, err
			}
			res := machine.Result{Outcome: outcome}
			if result, ok := params["result"].(map[string]any); ok {
				payload := call.Payload
				for k, v := range result {
					payload[k] = v
				}
				res.Payload = payload
			}
			return res, nil
		},
	}
}

// fail ends the step with outcome params.error (default failure) and an
// error carrying params.cause.
func failProcedure() *builtin {
	return &builtin{
		name: Fail,
		desc: "Fails with outcome params.error (default failure) and message params.cause",
		check: func(params map[string]any) error {
			if _, err := optionalString(params, "error"); err != nil {
				return err
			}
			_, err := optionalString(params, "cause")
			return err
		},
		invoke: func(_ context.Context, call machine.Call, params map[string]any, _ expressions.Scope) (machine.Result, error) {
			tag, err := optionalString(params, "error")
			if err != nil {
				return machine.Result{}, err
			}
			if tag == "" {
				tag = schema.OutcomeFailure
			}
			cause, err := optionalString(params, "cause")
			if err != nil {
				return machine.Result{}, err
			}
			if cause == "" {
				cause = fmt.Sprintf("step %s failed", call.StepID)
			}
			return machine.Result{}, machine.Outcome(tag, errors.New(cause))
		},
	}
}

// wait succeeds and suspends the execution before the next step, for
// params.duration if given, otherwise until the host resumes it.
func waitProcedure() *builtin {
	return &builtin{
		name: Wait,
		desc: "Suspends before the next step for params.duration, or until resumed",
		check: func(params map[string]any) error {
			if s, _ := params["duration"].(string); expressions.HasInterpolation(s) {
				return nil
			}
			_, err := durationParam(params, "duration")
			if err != nil {
				return err
			}
			_, err = optionalString(params, "reason")
			return err
		},
		invoke: func(_ context.Context, _ machine.Call, params map[string]any, _ expressions.Scope) (machine.Result, error) {
			d, err := durationParam(params, "duration")
			if err != nil {
				return machine.Result{}, err
			}
			reason, err := optionalString(params, "reason")
			if err != nil {
				return machine.Result{}, err
			}
			return machine.Result{
				Disposition: machine.DispositionSuspend,
				ResumeAfter: d,
				Reason:      reason,
			}, nil
		},
	}
}

// choice evaluates the CEL expression params.expr. A string result is the
// outcome tag; a boolean becomes "true" or "false".
func choiceProcedure(cel *expressions.CELEngine) *builtin {
	return &builtin{
		name: Choice,
		desc: "Routes on a CEL expression: string result is the outcome, booleans map to true/false",
		check: func(params map[string]any) error {
			expr, err := requiredString(params, "expr")
			if err != nil {
				return err
			}
			return cel.Compile(expr)
		},
		invoke: func(ctx context.Context, _ machine.Call, params map[string]any, scope expressions.Scope) (machine.Result, error) {
			expr, err := requiredString(params, "expr")
			if err != nil {
				return machine.Result{}, err
			}
			out, err := cel.Evaluate(ctx, expr, scope.Vars())
			if err != nil {
				return machine.Result{}, err
			}
			switch v := out.(type) {
			case bool:
				if v {
					return machine.Result{Outcome: "true"}, nil
				}
				return machine.Result{Outcome: "false"}, nil
			case string:
				if v == "" {
					return machine.Result{}, schema.NewErrorf(schema.ErrCodeExecution, "choice expression %q returned an empty tag", expr)
				}
				return machine.Result{Outcome: v}, nil
			default:
				return machine.Result{}, schema.NewErrorf(schema.ErrCodeExecution,
					"choice expression %q returned %T, want bool or string", expr, out)
			}
		},
	}
}

// transform runs the jq query params.query over the payload. The result
// replaces the payload, or is stored under params.into when set.
func transformProcedure(jq *expressions.GoJQEngine) *builtin {
	return &builtin{
		name: Transform,
		desc: "Reshapes the payload with a jq query; stores the result under params.into or replaces the payload",
		check: func(params map[string]any) error {
			if _, err := requiredString(params, "query"); err != nil {
				return err
			}
			_, err := optionalString(params, "into")
			return err
		},
		invoke: func(ctx context.Context, call machine.Call, params map[string]any, _ expressions.Scope) (machine.Result, error) {
			query, err := requiredString(params, "query")
			if err != nil {
				return machine.Result{}, err
			}
			into, err := optionalString(params, "into")
			if err != nil {
				return machine.Result{}, err
			}
			out, err := jq.Evaluate(ctx, query, call.Payload)
			if err != nil {
				return machine.Result{}, err
			}
			if into != "" {
				payload := call.Payload
				payload[into] = out
				return machine.Result{Payload: payload}, nil
			}
			replaced, ok := out.(map[string]any)
			if !ok {
				return machine.Result{}, schema.NewErrorf(schema.ErrCodeExecution,
					"transform query %q returned %T; set params.into to keep a non-object result", query, out)
			}
			return machine.Result{Payload: replaced}, nil
		},
	}
}

// eval computes params.expr with expr-lang and stores it under params.into.
func evalProcedure(ex *expressions.ExprEngine) *builtin {
	return &builtin{
		name: Eval,
		desc: "Computes an expr-lang expression and stores it under params.into",
		check: func(params map[string]any) error {
			if _, err := requiredString(params, "expr"); err != nil {
				return err
			}
			_, err := requiredString(params, "into")
			return err
		},
		invoke: func(ctx context.Context, call machine.Call, params map[string]any, scope expressions.Scope) (machine.Result, error) {
			expr, err := requiredString(params, "expr")
			if err != nil {
				return machine.Result{}, err
			}
			into, err := requiredString(params, "into")
			if err != nil {
				return machine.Result{}, err
			}
			out, err := ex.Evaluate(ctx, expr, scope.Vars())
			if err != nil {
				return machine.Result{}, err
			}
			payload := call.Payload
			payload[into] = out
			return machine.Result{Payload: payload}, nil
		},
	}
}

func paramError(name, problem string) *schema.MachineError {
	return schema.NewErrorf(schema.ErrCodeValidation, "param %q %s", name, problem).
		WithDetails(map[string]any{"param": name})
}

func requiredString(params map[string]any, name string) (string, error) {
	s, err := optionalString(params, name)
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", paramError(name, "is required")
	}
	return s, nil
}

func optionalString(params map[string]any, name string) (string, error) {
	v, ok := params[name]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", paramError(name, fmt.Sprintf("must be a string, got %T", v))
	}
	return s, nil
}

func durationParam(params map[string]any, name string) (time.Duration, error) {
	s, err := optionalString(params, name)
	if err != nil || s == "" {
		return 0, err
	}
	d, perr := time.ParseDuration(s)
	if perr != nil {
		return 0, paramError(name, fmt.Sprintf("is not a duration: %q", s))
	}
	if d < 0 {
		return 0, paramError(name, "must not be negative")
	}
	return d, nil
}
