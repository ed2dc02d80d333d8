package procedures

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepmachine/pkg/machine"
	"github.com/rendis/stepmachine/pkg/schema"
)

var orderSchema = map[string]any{
	"type":     "object",
	"required": []any{"order_id", "qty"},
	"properties": map[string]any{
		"order_id": map[string]any{"type": "string", "minLength": 1},
		"qty":      map[string]any{"type": "integer", "minimum": 1},
	},
}

func TestAssert_PayloadValid(t *testing.T) {
	b := machine.NewBuilder("assert-ok")
	b.Ref("check", Assert).Params(map[string]any{"schema": orderSchema})

	e, res := runChain(t, b, map[string]any{"order_id": "o-1", "qty": 3})
	assert.Equal(t, schema.ExecutionStatusCompleted, res.Status)
	assert.Equal(t, schema.OutcomeSuccess, e.State().History[0].Outcome)
}

func TestAssert_ViolationRoutes(t *testing.T) {
	b := machine.NewBuilder("assert-bad")
	b.Ref("check", Assert).Params(map[string]any{
		"schema": orderSchema,
		"into":   "violations",
	}).On(OutcomeInvalid, "reject")
	b.Ref("accept", Pass).On(schema.OutcomeSuccess, schema.TargetComplete)
	b.Ref("reject", Pass).Params(map[string]any{"result": map[string]any{"rejected": true}})

	e, res := runChain(t, b, map[string]any{"qty": 0})
	assert.Equal(t, schema.ExecutionStatusCompleted, res.Status)

	state := e.State()
	assert.Equal(t, OutcomeInvalid, state.History[0].Outcome)
	assert.Equal(t, true, state.Payload["rejected"])

	violations, ok := state.Payload["violations"].([]any)
	require.True(t, ok)
	require.NotEmpty(t, violations)
	var joined string
	for _, v := range violations {
		joined += v.(string) + "\n"
	}
	assert.Contains(t, joined, "order_id")
	assert.Contains(t, joined, "/qty")
}

func TestAssert_ValueAndCustomOutcome(t *testing.T) {
	proc := assertProcedure()
	call := machine.Call{
		StepID: "check",
		Params: map[string]any{
			"schema":  map[string]any{"type": "string", "pattern": "^[A-Z]+$"},
			"value":   "${{payload.code}}",
			"outcome": "bad_code",
		},
		Payload: map[string]any{"code": "abc"},
	}

	res, err := proc.Invoke(context.Background(), call)
	require.NoError(t, err)
	assert.Equal(t, "bad_code", res.Outcome)
	assert.Nil(t, res.Payload, "payload unchanged without params.into")

	call.Payload = map[string]any{"code": "ABC"}
	res, err = proc.Invoke(context.Background(), call)
	require.NoError(t, err)
	assert.Empty(t, res.Outcome)
}

func TestSchemaCache_ReusesCompiled(t *testing.T) {
	cache := newSchemaCache()
	first, err := cache.compile(orderSchema)
	require.NoError(t, err)
	second, err := cache.compile(orderSchema)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Len(t, cache.cache, 1)

	_, err = cache.compile(map[string]any{"type": "nonsense"})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}
