package procedures

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/stepmachine/internal/expressions"
	"github.com/rendis/stepmachine/pkg/machine"
	"github.com/rendis/stepmachine/pkg/schema"
)

// Assert is the name of the built-in JSON Schema assertion procedure.
const Assert = "assert"

// OutcomeInvalid is the default tag assert reports for a failed check.
const OutcomeInvalid = "invalid"

// schemaCache compiles each distinct schema document once.
type schemaCache struct {
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

func newSchemaCache() *schemaCache {
	return &schemaCache{cache: make(map[string]*jsonschema.Schema)}
}

func (c *schemaCache) compile(doc any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, paramError("schema", "is not JSON-serializable")
	}
	key := string(raw)

	c.mu.RLock()
	if cached, ok := c.cache[key]; ok {
		c.mu.RUnlock()
		return cached, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if cached, ok := c.cache[key]; ok {
		return cached, nil
	}

	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, paramError("schema", err.Error())
	}
	url := fmt.Sprintf("stepmachine://assert/%d", len(c.cache))
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat()
	if err := compiler.AddResource(url, parsed); err != nil {
		return nil, paramError("schema", err.Error())
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, paramError("schema", fmt.Sprintf("does not compile: %s", err.Error()))
	}
	c.cache[key] = compiled
	return compiled, nil
}

// assertProcedure checks params.value (default: the whole payload) against
// the JSON Schema params.schema. A violation selects params.outcome (default
// invalid) and, with params.into set, stores the violations in the payload.
func assertProcedure() *builtin {
	schemas := newSchemaCache()
	return &builtin{
		name: Assert,
		desc: "Checks the payload, or params.value, against the JSON Schema params.schema; violations select params.outcome (default invalid)",
		check: func(params map[string]any) error {
			doc, ok := params["schema"].(map[string]any)
			if !ok {
				return paramError("schema", "must be an object")
			}
			for _, name := range []string{"outcome", "into"} {
				if _, err := optionalString(params, name); err != nil {
					return err
				}
			}
			_, err := schemas.compile(doc)
			return err
		},
		invoke: func(_ context.Context, call machine.Call, params map[string]any, _ expressions.Scope) (machine.Result, error) {
			doc, ok := params["schema"].(map[string]any)
			if !ok {
				return machine.Result{}, paramError("schema", "must be an object")
			}
			compiled, err := schemas.compile(doc)
			if err != nil {
				return machine.Result{}, err
			}

			var subject any = call.Payload
			if v, ok := params["value"]; ok {
				subject = v
			}
			instance, err := toJSONValue(subject)
			if err != nil {
				return machine.Result{}, schema.NewErrorf(schema.ErrCodeExecution, "assert: value is not JSON-serializable: %s", err.Error()).WithCause(err)
			}

			verr := compiled.Validate(instance)
			if verr == nil {
				return machine.Result{}, nil
			}
			violations := []string{verr.Error()}
			if ve, ok := verr.(*jsonschema.ValidationError); ok {
				violations = leafViolations(ve)
			}

			tag, _ := optionalString(params, "outcome")
			if tag == "" {
				tag = OutcomeInvalid
			}
			res := machine.Result{Outcome: tag}
			if into, _ := optionalString(params, "into"); into != "" {
				payload := call.Payload
				list := make([]any, len(violations))
				for i, v := range violations {
					list[i] = v
				}
				payload[into] = list
				res.Payload = payload
			}
			return res, nil
		},
	}
}

// toJSONValue round-trips v through JSON so numbers become json.Number, as
// the validator expects.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

func leafViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/" + strings.Join(verr.InstanceLocation, "/")
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var out []string
	for _, cause := range verr.Causes {
		out = append(out, leafViolations(cause)...)
	}
	return out
}
