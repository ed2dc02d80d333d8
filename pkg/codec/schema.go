package codec

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/stepmachine/pkg/schema"
)

const (
	chainSchemaURL     = "https://stepmachine.dev/schemas/chain.json"
	executionSchemaURL = "https://stepmachine.dev/schemas/execution.json"
)

// chainSchemaJSON describes a chain definition document.
const chainSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://stepmachine.dev/schemas/chain.json",
  "type": "object",
  "required": ["version", "entry_id", "steps"],
  "properties": {
    "version": { "type": "string", "minLength": 1 },
    "id": { "type": "string" },
    "entry_id": { "type": "string", "minLength": 1 },
    "default": { "type": "string" },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["id", "procedure_ref", "transitions"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "procedure_ref": { "type": "string", "minLength": 1 },
        "params": { "type": "object" },
        "transitions": {
          "type": "object",
          "propertyNames": { "minLength": 1 },
          "additionalProperties": { "type": "string", "minLength": 1 }
        },
        "retry_policy": { "$ref": "#/$defs/retry" }
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "required": ["max_attempts"],
      "properties": {
        "max_attempts": { "type": "integer", "minimum": 0 },
        "backoff": {
          "type": "string",
          "enum": ["none", "constant", "linear", "exponential"]
        },
        "delay": { "$ref": "#/$defs/duration" },
        "max_delay": { "$ref": "#/$defs/duration" },
        "retry_on": {
          "type": "array",
          "items": { "type": "string", "minLength": 1 }
        }
      },
      "additionalProperties": false
    },
    "duration": {
      "type": "string",
      "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"
    }
  }
}`

// executionSchemaJSON describes an execution snapshot document. Running
// executions are not representable.
const executionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://stepmachine.dev/schemas/execution.json",
  "type": "object",
  "required": ["version", "id", "chain_version", "current_step_id", "attempt_count", "status", "payload", "history"],
  "properties": {
    "version": { "type": "string", "minLength": 1 },
    "id": { "type": "string", "minLength": 1 },
    "chain_id": { "type": "string" },
    "chain_version": { "type": "string" },
    "current_step_id": { "type": "string", "minLength": 1 },
    "attempt_count": { "type": "integer", "minimum": 0 },
    "status": { "type": "string", "enum": ["suspended", "completed", "failed"] },
    "payload": { "type": "object" },
    "history": {
      "type": "array",
      "items": { "$ref": "#/$defs/entry" }
    },
    "suspension": {
      "type": "object",
      "required": ["reason"],
      "properties": {
        "reason": { "type": "string" },
        "resume_at": { "type": "string", "format": "date-time" }
      },
      "additionalProperties": false
    },
    "error": {
      "type": "object",
      "required": ["code", "message"],
      "properties": {
        "code": { "type": "string", "minLength": 1 },
        "message": { "type": "string" },
        "details": { "type": "object" },
        "step_id": { "type": "string" }
      },
      "additionalProperties": false
    }
  },
  "additionalProperties": false,
  "$defs": {
    "entry": {
      "type": "object",
      "required": ["step_id", "outcome", "attempt", "timestamp"],
      "properties": {
        "step_id": { "type": "string", "minLength": 1 },
        "outcome": { "type": "string" },
        "attempt": { "type": "integer", "minimum": 1 },
        "timestamp": { "type": "string", "format": "date-time" },
        "error": { "type": "string" }
      },
      "additionalProperties": false
    }
  }
}`

type documentSchemas struct {
	chain     *jsonschema.Schema
	execution *jsonschema.Schema
}

// compiledSchemas compiles both document schemas once per process.
var compiledSchemas = sync.OnceValues(func() (*documentSchemas, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	for url, text := range map[string]string{
		chainSchemaURL:     chainSchemaJSON,
		executionSchemaURL: executionSchemaJSON,
	} {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(text))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema %s: %w", url, err)
		}
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", url, err)
		}
	}

	chain, err := c.Compile(chainSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile chain schema: %w", err)
	}
	execution, err := c.Compile(executionSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile execution schema: %w", err)
	}
	return &documentSchemas{chain: chain, execution: execution}, nil
})

// parseJSON decodes data into the generic form the validator expects
// (numbers as json.Number).
func parseJSON(data []byte) (any, error) {
	v, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeMalformedData, "document is not valid JSON: %s", err.Error()).WithCause(err)
	}
	return v, nil
}

func validateAgainst(sch *jsonschema.Schema, doc any, kind string) error {
	if err := sch.Validate(doc); err != nil {
		return toMalformedError(err, kind)
	}
	return nil
}

// toMalformedError flattens a jsonschema.ValidationError into a single
// MALFORMED_DATA error listing every leaf violation.
func toMalformedError(err error, kind string) *schema.MachineError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeMalformedData, "%s document: %s", kind, err.Error()).WithCause(err)
	}

	violations := collectViolations(verr)
	switch len(violations) {
	case 0:
		return schema.NewErrorf(schema.ErrCodeMalformedData, "%s document: %s", kind, verr.Error())
	case 1:
		return schema.NewErrorf(schema.ErrCodeMalformedData, "%s document: %s", kind, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	default:
		return schema.NewErrorf(schema.ErrCodeMalformedData, "%s document failed validation with %d errors", kind, len(violations)).
			WithDetails(map[string]any{"violations": violations})
	}
}

// collectViolations walks a ValidationError tree and returns its leaf
// messages prefixed with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
