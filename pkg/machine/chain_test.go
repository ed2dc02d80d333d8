package machine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepmachine/pkg/schema"
)

func TestChain_AddStepDuplicate(t *testing.T) {
	c := NewChain("c")
	require.NoError(t, c.AddStep(Step{ID: "a", Procedure: always("success")}))

	err := c.AddStep(Step{ID: "a", Procedure: always("success")})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeDuplicateID))
	assert.Equal(t, []string{"a"}, c.StepIDs())
}

func TestChain_AddStepRejectsReservedAndEmpty(t *testing.T) {
	c := NewChain("c")
	assert.True(t, schema.IsCode(c.AddStep(Step{Procedure: always("success")}), schema.ErrCodeValidation))
	assert.True(t, schema.IsCode(c.AddStep(Step{ID: schema.TargetComplete, Procedure: always("success")}), schema.ErrCodeValidation))
	assert.True(t, schema.IsCode(c.AddStep(Step{ID: "noproc"}), schema.ErrCodeValidation))
	assert.Equal(t, 0, c.Len())
}

func TestChain_AddStepInvalidRetry(t *testing.T) {
	c := NewChain("c")
	err := c.AddStep(Step{ID: "a", ProcedureRef: "x", Retry: &schema.RetryPolicy{MaxAttempts: 2, Delay: "later"}})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestChain_FirstStepIsEntry(t *testing.T) {
	c := NewChain("c")
	require.NoError(t, c.AddStep(Step{ID: "first", ProcedureRef: "p"}))
	require.NoError(t, c.AddStep(Step{ID: "second", ProcedureRef: "p"}))
	assert.Equal(t, "first", c.EntryID())

	require.NoError(t, c.SetEntry("second"))
	assert.Equal(t, "second", c.EntryID())
	assert.True(t, schema.IsCode(c.SetEntry("missing"), schema.ErrCodeUnknownStep))
}

func TestChain_LinkUnknownEndpoints(t *testing.T) {
	c := NewChain("c")
	require.NoError(t, c.AddStep(Step{ID: "a", ProcedureRef: "p"}))

	err := c.Link("ghost", schema.OutcomeSuccess, "a")
	assert.True(t, schema.IsCode(err, schema.ErrCodeUnknownStep))

	err = c.Link("a", schema.OutcomeSuccess, "ghost")
	assert.True(t, schema.IsCode(err, schema.ErrCodeUnknownStep))

	assert.NoError(t, c.Link("a", schema.OutcomeSuccess, schema.TargetComplete))
	assert.True(t, schema.IsCode(c.Link("a", "", schema.TargetComplete), schema.ErrCodeValidation))
}

func TestChain_SelfLinkRequiresRetry(t *testing.T) {
	c := NewChain("c")
	require.NoError(t, c.AddStep(Step{ID: "poll", ProcedureRef: "p"}))
	err := c.Link("poll", "pending", "poll")
	assert.True(t, schema.IsCode(err, schema.ErrCodeSelfTransition))

	require.NoError(t, c.AddStep(Step{ID: "retrying", ProcedureRef: "p", Retry: &schema.RetryPolicy{MaxAttempts: 3}}))
	assert.NoError(t, c.Link("retrying", "pending", "retrying"))

	err = c.AddStep(Step{ID: "inline", ProcedureRef: "p", Transitions: map[string]string{"again": "inline"}})
	assert.True(t, schema.IsCode(err, schema.ErrCodeSelfTransition))
}

func TestChain_ValidateUnknownTarget(t *testing.T) {
	c := NewChain("c")
	require.NoError(t, c.AddStep(Step{ID: "a", ProcedureRef: "p", Transitions: map[string]string{"success": "b"}}))

	err := c.Validate()
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeUnknownStep))
}

func TestChain_ValidateCycleWithoutExit(t *testing.T) {
	c := NewChain("c")
	require.NoError(t, c.AddStep(Step{ID: "a", ProcedureRef: "p", Transitions: map[string]string{"success": "b"}}))
	require.NoError(t, c.AddStep(Step{ID: "b", ProcedureRef: "p", Transitions: map[string]string{"success": "a"}}))

	err := c.Validate()
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeUnreachableTerminal))

	// One exit anywhere on the cycle is enough.
	require.NoError(t, c.Link("b", schema.OutcomeFailure, schema.TargetFail))
	assert.NoError(t, c.Validate())
}

func TestChain_ValidateDeadEnd(t *testing.T) {
	c := NewChain("c")
	require.NoError(t, c.AddStep(Step{ID: "a", ProcedureRef: "p", Transitions: map[string]string{"success": "b"}}))
	require.NoError(t, c.AddStep(Step{ID: "b", ProcedureRef: "p"}))

	assert.True(t, schema.IsCode(c.Validate(), schema.ErrCodeUnreachableTerminal))

	// A chain default gives every step an exit.
	require.NoError(t, c.SetDefault(schema.TargetFail))
	assert.NoError(t, c.Validate())
}

func TestChain_ValidateEmpty(t *testing.T) {
	assert.Error(t, NewChain("c").Validate())
}

func TestChain_ValidateIsIdempotent(t *testing.T) {
	c := twoStepChain(always("success"), always("success"))

	require.NoError(t, c.Validate())
	require.NoError(t, c.Validate())
	assert.False(t, c.Frozen())
	assert.Equal(t, "", c.Version())
	require.NoError(t, c.AddStep(Step{ID: "C", Procedure: always("success")}))
}

func TestChain_OrphansAreWarnings(t *testing.T) {
	c := twoStepChain(always("success"), always("success"))
	require.NoError(t, c.AddStep(Step{ID: "orphan", ProcedureRef: "p", Transitions: map[string]string{"success": "COMPLETE"}}))

	result := c.Analyze()
	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "steps.orphan", result.Warnings[0].Path)
	assert.Equal(t, []string{"orphan"}, c.Orphans())
}

func TestChain_FrozenRejectsMutation(t *testing.T) {
	c := twoStepChain(always("success"), always("success"))
	require.NoError(t, c.Freeze())
	assert.True(t, c.Frozen())
	assert.NotEmpty(t, c.Version())

	assert.True(t, schema.IsCode(c.AddStep(Step{ID: "C", ProcedureRef: "p"}), schema.ErrCodeChainFrozen))
	assert.True(t, schema.IsCode(c.Link("A", "retry", "B"), schema.ErrCodeChainFrozen))
	assert.True(t, schema.IsCode(c.SetEntry("B"), schema.ErrCodeChainFrozen))
	assert.True(t, schema.IsCode(c.SetDefault(schema.TargetFail), schema.ErrCodeChainFrozen))

	// Freezing again is a no-op.
	assert.NoError(t, c.Freeze())
}

func TestChain_FreezeInvalidFails(t *testing.T) {
	c := NewChain("c")
	require.NoError(t, c.AddStep(Step{ID: "a", ProcedureRef: "p", Transitions: map[string]string{"success": "zzz"}}))
	assert.Error(t, c.Freeze())
	assert.False(t, c.Frozen())
}

func TestChain_VersionIsContentFingerprint(t *testing.T) {
	build := func(target string) *Chain {
		c := NewChain("v")
		require.NoError(t, c.AddStep(Step{ID: "a", ProcedureRef: "p", Transitions: map[string]string{"success": target}}))
		require.NoError(t, c.Freeze())
		return c
	}
	assert.Equal(t, build(schema.TargetComplete).Version(), build(schema.TargetComplete).Version())
	assert.NotEqual(t, build(schema.TargetComplete).Version(), build(schema.TargetFail).Version())
}

func TestChain_StepReturnsCopy(t *testing.T) {
	c := twoStepChain(always("success"), always("success"))
	s, ok := c.Step("A")
	require.True(t, ok)
	s.Transitions[schema.OutcomeSuccess] = schema.TargetFail

	again, _ := c.Step("A")
	assert.Equal(t, "B", again.Transitions[schema.OutcomeSuccess])

	_, ok = c.Step("nope")
	assert.False(t, ok)
}

func TestChain_DocumentRoundTrip(t *testing.T) {
	c := NewChain("orders")
	require.NoError(t, c.AddStep(Step{
		ID:           "charge",
		ProcedureRef: "payments.charge",
		Params:       map[string]any{"currency": "EUR"},
		Transitions:  map[string]string{"success": "ship", "declined": schema.TargetFail},
		Retry:        &schema.RetryPolicy{MaxAttempts: 3, Backoff: schema.BackoffExponential, Delay: "1s"},
	}))
	require.NoError(t, c.AddStep(Step{ID: "ship", ProcedureRef: "shipping.create", Transitions: map[string]string{"success": schema.TargetComplete}}))
	require.NoError(t, c.SetDefault(schema.TargetFail))

	doc := c.Document()
	assert.Equal(t, schema.DocumentVersion, doc.Version)
	assert.Equal(t, "charge", doc.EntryID)

	rebuilt, err := ChainFromDocument(doc)
	require.NoError(t, err)
	assert.Equal(t, doc, rebuilt.Document())
}

func TestChainFromDocument_StructuralErrors(t *testing.T) {
	_, err := ChainFromDocument(schema.ChainDocument{
		Version: schema.DocumentVersion,
		EntryID: "a",
		Steps: []schema.StepDocument{
			{ID: "a", ProcedureRef: "p", Transitions: map[string]string{"success": "COMPLETE"}},
			{ID: "a", ProcedureRef: "p", Transitions: map[string]string{"success": "COMPLETE"}},
		},
	})
	assert.True(t, schema.IsCode(err, schema.ErrCodeDuplicateID))

	_, err = ChainFromDocument(schema.ChainDocument{
		Version: schema.DocumentVersion,
		EntryID: "missing",
		Steps:   []schema.StepDocument{{ID: "a", ProcedureRef: "p", Transitions: map[string]string{"success": "COMPLETE"}}},
	})
	assert.True(t, schema.IsCode(err, schema.ErrCodeUnknownStep))
}
