package codec

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepmachine/pkg/machine"
	"github.com/rendis/stepmachine/pkg/schema"
)

// --- fixtures ---

type fixedClock struct{ now time.Time }

func (c *fixedClock) Now() time.Time          { return c.now }
func (c *fixedClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newClock() *fixedClock {
	return &fixedClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

// outcomes returns a procedure that yields the given outcome tags in order,
// repeating the last one, and stamps the payload with the step it ran.
func outcomes(tags ...string) machine.Procedure {
	n := 0
	return machine.ProcedureFunc(func(_ context.Context, call machine.Call) (machine.Result, error) {
		tag := tags[min(n, len(tags)-1)]
		n++
		call.Payload["last"] = call.StepID
		return machine.Result{Outcome: tag, Payload: call.Payload}, nil
	})
}

type registry map[string]machine.Procedure

func (r registry) Resolve(ref string) (machine.Procedure, error) {
	if p, ok := r[ref]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("no procedure %q", ref)
}

func orderChain(t *testing.T) *machine.Chain {
	t.Helper()
	b := machine.NewBuilder("orders")
	b.Ref("reserve", "inventory.reserve").
		Params(map[string]any{"warehouse": "eu-1", "ratio": 2.5, "tags": []any{"a", "b"}})
	b.Ref("charge", "payments.charge").
		Retry(schema.RetryPolicy{MaxAttempts: 3, Backoff: schema.BackoffExponential, Delay: "1s", MaxDelay: "1m"}).
		On("declined", schema.TargetFail)
	b.Ref("ship", "shipping.create")
	c, err := b.Build()
	require.NoError(t, err)
	return c
}

func orderProcedures() registry {
	return registry{
		"inventory.reserve": outcomes(schema.OutcomeSuccess),
		"payments.charge":   outcomes(schema.OutcomeFailure, schema.OutcomeSuccess),
		"shipping.create":   outcomes(schema.OutcomeSuccess),
	}
}

func newCodec(t *testing.T, opts ...Option) *Codec {
	t.Helper()
	c, err := New(opts...)
	require.NoError(t, err)
	return c
}

// --- chains ---

func TestCodec_ChainRoundTrip(t *testing.T) {
	for _, format := range []Format{FormatJSON, FormatYAML} {
		t.Run(string(format), func(t *testing.T) {
			cdc := newCodec(t, WithFormat(format))
			original := orderChain(t)

			data, err := cdc.EncodeChain(original)
			require.NoError(t, err)

			decoded, err := cdc.DecodeChain(data)
			require.NoError(t, err)
			assert.Equal(t, original.Document(), decoded.Document())

			require.NoError(t, original.Freeze())
			require.NoError(t, decoded.Freeze())
			assert.Equal(t, original.Version(), decoded.Version())
		})
	}
}

func TestCodec_ChainWithDefaultAndCatchAll(t *testing.T) {
	cdc := newCodec(t, WithIndent())
	c := machine.NewChain("routing")
	require.NoError(t, c.AddStep(machine.Step{ID: "a", ProcedureRef: "x", Transitions: map[string]string{
		schema.OutcomeSuccess: schema.TargetComplete,
		schema.OutcomeAny:     "b",
	}}))
	require.NoError(t, c.AddStep(machine.Step{ID: "b", ProcedureRef: "y", Transitions: map[string]string{}}))
	require.NoError(t, c.AddStep(machine.Step{ID: "cleanup", ProcedureRef: "z", Transitions: map[string]string{
		schema.OutcomeAny: schema.TargetFail,
	}}))
	require.NoError(t, c.SetDefault("cleanup"))

	data, err := cdc.EncodeChain(c)
	require.NoError(t, err)
	assert.Contains(t, string(data), "\n  \"entry_id\": \"a\"")

	decoded, err := cdc.DecodeChain(data)
	require.NoError(t, err)
	assert.Equal(t, "cleanup", decoded.Default())
	assert.Equal(t, []string{"a", "b", "cleanup"}, decoded.StepIDs())
}

func TestCodec_EncodeChainRequiresReferences(t *testing.T) {
	cdc := newCodec(t)
	b := machine.NewBuilder("inline")
	b.Task("only", outcomes(schema.OutcomeSuccess))
	c, err := b.Build()
	require.NoError(t, err)

	_, err = cdc.EncodeChain(c)
	assert.True(t, schema.IsCode(err, schema.ErrCodeMalformedData))
}

func TestCodec_DecodeChainVersionGate(t *testing.T) {
	cdc := newCodec(t)
	tests := map[string]string{
		"future major": `{"version":"2.0","entry_id":"a","steps":[{"id":"a","procedure_ref":"x","transitions":{"success":"COMPLETE"}}]}`,
		"missing":      `{"entry_id":"a","steps":[{"id":"a","procedure_ref":"x","transitions":{"success":"COMPLETE"}}]}`,
		"garbage":      `{"version":"v1","entry_id":"a","steps":[]}`,
		"not a string": `{"version":1,"entry_id":"a","steps":[]}`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := cdc.DecodeChain([]byte(doc))
			assert.True(t, schema.IsCode(err, schema.ErrCodeSchemaVersion), "got %v", err)
		})
	}
}

func TestCodec_DecodeChainAcceptsMinorVersions(t *testing.T) {
	cdc := newCodec(t)
	doc := `{"version":"1.7","entry_id":"a","steps":[{"id":"a","procedure_ref":"x","transitions":{"success":"COMPLETE"}}]}`
	c, err := cdc.DecodeChain([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "a", c.EntryID())
}

func TestCodec_DecodeChainMalformed(t *testing.T) {
	cdc := newCodec(t)
	tests := []struct {
		name  string
		doc   string
		cause string
	}{
		{name: "empty", doc: "  "},
		{name: "not json", doc: `{"version":`},
		{name: "not an object", doc: `["version"]`},
		{name: "no steps", doc: `{"version":"1.0","entry_id":"a","steps":[]}`},
		{name: "missing procedure_ref", doc: `{"version":"1.0","entry_id":"a","steps":[{"id":"a","transitions":{}}]}`},
		{name: "unknown field", doc: `{"version":"1.0","entry_id":"a","extra":true,"steps":[{"id":"a","procedure_ref":"x","transitions":{"success":"COMPLETE"}}]}`},
		{name: "bad duration", doc: `{"version":"1.0","entry_id":"a","steps":[{"id":"a","procedure_ref":"x","transitions":{"success":"COMPLETE"},"retry_policy":{"max_attempts":2,"delay":"soon"}}]}`},
		{
			name:  "unknown step reference",
			doc:   `{"version":"1.0","entry_id":"a","steps":[{"id":"a","procedure_ref":"x","transitions":{"success":"ghost"}}]}`,
			cause: schema.ErrCodeUnknownStep,
		},
		{
			name:  "unknown entry",
			doc:   `{"version":"1.0","entry_id":"ghost","steps":[{"id":"a","procedure_ref":"x","transitions":{"success":"COMPLETE"}}]}`,
			cause: schema.ErrCodeUnknownStep,
		},
		{
			name:  "duplicate id",
			doc:   `{"version":"1.0","entry_id":"a","steps":[{"id":"a","procedure_ref":"x","transitions":{"success":"COMPLETE"}},{"id":"a","procedure_ref":"y","transitions":{"success":"COMPLETE"}}]}`,
			cause: schema.ErrCodeDuplicateID,
		},
		{
			name:  "no way out",
			doc:   `{"version":"1.0","entry_id":"a","steps":[{"id":"a","procedure_ref":"x","transitions":{"again":"b"}},{"id":"b","procedure_ref":"x","transitions":{"again":"a"}}]}`,
			cause: schema.ErrCodeUnreachableTerminal,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := cdc.DecodeChain([]byte(tt.doc))
			assert.Nil(t, c)
			assert.True(t, schema.IsCode(err, schema.ErrCodeMalformedData), "got %v", err)
			if tt.cause != "" {
				assert.True(t, schema.IsCode(err, tt.cause), "cause %s missing from %v", tt.cause, err)
			}
		})
	}
}

func TestCodec_DecodeChainYAML(t *testing.T) {
	cdc := newCodec(t, WithFormat(FormatYAML))
	doc := `
version: "1.0"
id: approvals
entry_id: request
steps:
  - id: request
    procedure_ref: wait
    params:
      duration: 1h
    transitions:
      success: review
  - id: review
    procedure_ref: choice
    params:
      expr: 'payload.approved ? "approved" : "rejected"'
    transitions:
      approved: COMPLETE
      rejected: FAIL
    retry_policy:
      max_attempts: 2
      retry_on: [STATE.TIMEOUT]
`
	c, err := cdc.DecodeChain([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "approvals", c.ID())

	review, ok := c.Step("review")
	require.True(t, ok)
	assert.Equal(t, "choice", review.ProcedureRef)
	assert.Equal(t, []string{"STATE.TIMEOUT"}, review.Retry.RetryOn)
	assert.Equal(t, schema.TargetFail, review.Transitions["rejected"])
}

// --- executions ---

func runUntilSuspended(t *testing.T) (*machine.Engine, *fixedClock) {
	t.Helper()
	clock := newClock()
	e, err := machine.NewEngine(orderChain(t), map[string]any{"order": "o-1"},
		machine.WithProcedures(orderProcedures()),
		machine.WithClock(clock),
		machine.WithExecutionID("exec-1"))
	require.NoError(t, err)

	res, err := e.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionStatusSuspended, res.Status)
	require.Equal(t, schema.SuspendBackoff, res.Reason)
	return e, clock
}

func TestCodec_ExecutionRoundTrip(t *testing.T) {
	for _, format := range []Format{FormatJSON, FormatYAML} {
		t.Run(string(format), func(t *testing.T) {
			cdc := newCodec(t, WithFormat(format))
			e, _ := runUntilSuspended(t)
			state := e.State()

			data, err := cdc.EncodeExecution(state)
			require.NoError(t, err)

			decoded, err := cdc.DecodeExecution(data)
			require.NoError(t, err)
			assert.Equal(t, state, decoded)
		})
	}
}

func TestCodec_FailedExecutionRoundTrip(t *testing.T) {
	cdc := newCodec(t)
	e, err := machine.NewEngine(orderChain(t), nil, machine.WithProcedures(registry{
		"inventory.reserve": outcomes("declined-by-warehouse"),
		"payments.charge":   outcomes(schema.OutcomeSuccess),
		"shipping.create":   outcomes(schema.OutcomeSuccess),
	}))
	require.NoError(t, err)
	_, err = e.Run(context.Background())
	require.NoError(t, err)

	data, err := cdc.EncodeExecution(e.State())
	require.NoError(t, err)
	decoded, err := cdc.DecodeExecution(data)
	require.NoError(t, err)

	assert.Equal(t, schema.ExecutionStatusFailed, decoded.Status)
	require.NotNil(t, decoded.Error)
	assert.Equal(t, schema.ErrCodeUnresolvedTransition, decoded.Error.Code)
	assert.Equal(t, "reserve", decoded.Error.StepID)
	require.Len(t, decoded.History, 1)
	assert.NotEmpty(t, decoded.History[0].Error)
}

func TestCodec_EncodeRunningExecutionRejected(t *testing.T) {
	cdc := newCodec(t)
	e, err := machine.NewEngine(orderChain(t), nil, machine.WithProcedures(orderProcedures()))
	require.NoError(t, err)

	_, err = cdc.EncodeExecution(e.State())
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	_, err = cdc.EncodeExecution(nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestCodec_ResumeFromBytesMatchesUninterruptedRun(t *testing.T) {
	cdc := newCodec(t, WithFormat(FormatYAML))

	// Reference run: resume in-process each time the engine backs off.
	ref, refClock := runUntilSuspended(t)
	for ref.State().Status == schema.ExecutionStatusSuspended {
		at, _ := ref.State().ResumeAt()
		refClock.now = at
		_, err := ref.Resume(context.Background())
		require.NoError(t, err)
	}
	require.Equal(t, schema.ExecutionStatusCompleted, ref.State().Status)

	// Portable run: chain and snapshot both go through bytes, then a fresh
	// process resumes with freshly registered procedures.
	first, clock := runUntilSuspended(t)
	chainBytes, err := cdc.EncodeChain(first.Chain())
	require.NoError(t, err)
	snapshot, err := cdc.EncodeExecution(first.State())
	require.NoError(t, err)

	chain, err := cdc.DecodeChain(chainBytes)
	require.NoError(t, err)
	procs := orderProcedures()
	// The fresh charge procedure has not seen the first failure.
	procs["payments.charge"] = outcomes(schema.OutcomeSuccess)

	at, _ := first.State().ResumeAt()
	clock.now = at
	second, err := cdc.RestoreEngine(chain, snapshot, machine.WithProcedures(procs), machine.WithClock(clock))
	require.NoError(t, err)
	res, err := second.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, res.Status)

	want, got := ref.State(), second.State()
	require.Len(t, got.History, len(want.History))
	for i := range want.History {
		assert.Equal(t, want.History[i].StepID, got.History[i].StepID)
		assert.Equal(t, want.History[i].Outcome, got.History[i].Outcome)
		assert.Equal(t, want.History[i].Attempt, got.History[i].Attempt)
		assert.True(t, want.History[i].Timestamp.Equal(got.History[i].Timestamp))
	}
	assert.Equal(t, want.Payload, got.Payload)
}

func TestCodec_RestoreAgainstWrongChain(t *testing.T) {
	cdc := newCodec(t)
	e, _ := runUntilSuspended(t)
	snapshot, err := cdc.EncodeExecution(e.State())
	require.NoError(t, err)

	b := machine.NewBuilder("orders")
	b.Ref("reserve", "inventory.reserve")
	other, err := b.Build()
	require.NoError(t, err)

	_, err = cdc.RestoreEngine(other, snapshot, machine.WithProcedures(orderProcedures()))
	assert.True(t, schema.IsCode(err, schema.ErrCodeChainMismatch))
}

func TestCodec_DecodeExecutionErrors(t *testing.T) {
	cdc := newCodec(t)
	base := `"id":"e1","chain_version":"v","current_step_id":"a","attempt_count":0,"payload":{},"history":[]`
	tests := []struct {
		name string
		doc  string
		code string
	}{
		{"unknown major", `{"version":"3.1",` + base + `,"status":"completed"}`, schema.ErrCodeSchemaVersion},
		{"running", `{"version":"1.0",` + base + `,"status":"running"}`, schema.ErrCodeMalformedData},
		{"missing payload", `{"version":"1.0","id":"e1","chain_version":"v","current_step_id":"a","attempt_count":0,"status":"completed","history":[]}`, schema.ErrCodeMalformedData},
		{"suspended without record", `{"version":"1.0",` + base + `,"status":"suspended"}`, schema.ErrCodeMalformedData},
		{"failed without error", `{"version":"1.0",` + base + `,"status":"failed"}`, schema.ErrCodeMalformedData},
		{"bad timestamp", `{"version":"1.0","id":"e1","chain_version":"v","current_step_id":"a","attempt_count":0,"payload":{},"status":"completed",` +
			`"history":[{"step_id":"a","outcome":"success","attempt":1,"timestamp":"yesterday"}]}`, schema.ErrCodeMalformedData},
		{"zero attempt", `{"version":"1.0","id":"e1","chain_version":"v","current_step_id":"a","attempt_count":0,"payload":{},"status":"completed",` +
			`"history":[{"step_id":"a","outcome":"success","attempt":0,"timestamp":"2026-03-01T12:00:00Z"}]}`, schema.ErrCodeMalformedData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, err := cdc.DecodeExecution([]byte(tt.doc))
			assert.Nil(t, st)
			assert.True(t, schema.IsCode(err, tt.code), "got %v", err)
		})
	}
}

func TestCodec_ViolationsInDetails(t *testing.T) {
	cdc := newCodec(t)
	_, err := cdc.DecodeChain([]byte(`{"version":"1.0","entry_id":"","steps":[{"id":"","procedure_ref":"","transitions":{}}]}`))
	require.Error(t, err)

	var me *schema.MachineError
	require.True(t, errors.As(err, &me))
	assert.Equal(t, schema.ErrCodeMalformedData, me.Code)
	violations, ok := me.Details["violations"].([]string)
	require.True(t, ok)
	assert.GreaterOrEqual(t, len(violations), 3)
}

func TestNew_UnsupportedFormat(t *testing.T) {
	_, err := New(WithFormat("toml"))
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestFormatFromPath(t *testing.T) {
	assert.Equal(t, FormatYAML, FormatFromPath("chain.yaml"))
	assert.Equal(t, FormatYAML, FormatFromPath("/tmp/CHAIN.YML"))
	assert.Equal(t, FormatJSON, FormatFromPath("chain.json"))
	assert.Equal(t, FormatJSON, FormatFromPath("chain"))
}

func TestCodec_ExecutionKeepsNumberTypes(t *testing.T) {
	const big int64 = 9007199254740993 // 2^53 + 1

	for _, format := range []Format{FormatJSON, FormatYAML} {
		t.Run(string(format), func(t *testing.T) {
			cdc := newCodec(t, WithFormat(format))
			clock := newClock()
			input := map[string]any{
				"qty":    3,
				"id":     big,
				"ratio":  0.25,
				"nested": map[string]any{"items": []any{1, 2.5}},
			}
			e, err := machine.NewEngine(orderChain(t), input,
				machine.WithProcedures(orderProcedures()),
				machine.WithClock(clock))
			require.NoError(t, err)
			_, err = e.Run(context.Background())
			require.NoError(t, err)

			data, err := cdc.EncodeExecution(e.State())
			require.NoError(t, err)
			decoded, err := cdc.DecodeExecution(data)
			require.NoError(t, err)

			assert.Equal(t, int64(3), decoded.Payload["qty"])
			assert.Equal(t, big, decoded.Payload["id"])
			assert.Equal(t, 0.25, decoded.Payload["ratio"])
			assert.Equal(t, map[string]any{"items": []any{int64(1), 2.5}}, decoded.Payload["nested"])
		})
	}
}

func TestCodec_ChainParamsKeepNumberTypes(t *testing.T) {
	cdc := newCodec(t)
	b := machine.NewBuilder("limits")
	b.Ref("fetch", "http.get").Params(map[string]any{"limit": 50, "ratio": 2.5})
	chain, err := b.Build()
	require.NoError(t, err)

	data, err := cdc.EncodeChain(chain)
	require.NoError(t, err)
	decoded, err := cdc.DecodeChain(data)
	require.NoError(t, err)

	fetch, ok := decoded.Step("fetch")
	require.True(t, ok)
	assert.Equal(t, int64(50), fetch.Params["limit"])
	assert.Equal(t, 2.5, fetch.Params["ratio"])
}

func TestCodec_ResumedProcedureSeesIntegers(t *testing.T) {
	cdc := newCodec(t)
	clock := newClock()
	var seen any
	procs := registry{
		"inventory.reserve": outcomes(schema.OutcomeSuccess),
		"payments.charge":   outcomes(schema.OutcomeFailure),
		"shipping.create":   outcomes(schema.OutcomeSuccess),
	}
	e, err := machine.NewEngine(orderChain(t), map[string]any{"amount": int64(1250)},
		machine.WithProcedures(procs), machine.WithClock(clock))
	require.NoError(t, err)
	_, err = e.Run(context.Background())
	require.NoError(t, err)
	snapshot, err := cdc.EncodeExecution(e.State())
	require.NoError(t, err)

	procs["payments.charge"] = machine.ProcedureFunc(func(_ context.Context, call machine.Call) (machine.Result, error) {
		seen = call.Payload["amount"]
		return machine.Result{}, nil
	})
	at, _ := e.State().ResumeAt()
	clock.now = at
	restored, err := cdc.RestoreEngine(e.Chain(), snapshot, machine.WithProcedures(procs), machine.WithClock(clock))
	require.NoError(t, err)
	res, err := restored.Resume(context.Background())
	require.NoError(t, err)

	assert.Equal(t, schema.ExecutionStatusCompleted, res.Status)
	assert.Equal(t, int64(1250), seen)
}
