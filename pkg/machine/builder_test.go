package machine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepmachine/pkg/schema"
)

func TestBuilder_SequentialLinks(t *testing.T) {
	b := NewBuilder("pipeline")
	b.Task("fetch", always("success"))
	b.Task("parse", always("success"))
	b.Task("store", always("success"))

	c, err := b.Build()
	require.NoError(t, err)

	assert.Equal(t, []string{"fetch", "parse", "store"}, c.StepIDs())
	assert.Equal(t, "fetch", c.EntryID())

	fetch, _ := c.Step("fetch")
	parse, _ := c.Step("parse")
	store, _ := c.Step("store")
	assert.Equal(t, "parse", fetch.Transitions[schema.OutcomeSuccess])
	assert.Equal(t, "store", parse.Transitions[schema.OutcomeSuccess])
	assert.Equal(t, schema.TargetComplete, store.Transitions[schema.OutcomeSuccess])
}

func TestBuilder_ExplicitRoutesOverride(t *testing.T) {
	b := NewBuilder("branch")
	b.Task("check", always("success")).
		On(schema.OutcomeSuccess, "fast").
		On("slow", "slow")
	b.Task("slow", always("success")).On(schema.OutcomeSuccess, schema.TargetComplete)
	b.Task("fast", always("success"))

	c, err := b.Build()
	require.NoError(t, err)

	check, _ := c.Step("check")
	assert.Equal(t, "fast", check.Transitions[schema.OutcomeSuccess])
	assert.Equal(t, "slow", check.Transitions["slow"])
	slow, _ := c.Step("slow")
	assert.Equal(t, schema.TargetComplete, slow.Transitions[schema.OutcomeSuccess])
}

func TestBuilder_RetryParamsAndRef(t *testing.T) {
	b := NewBuilder("r")
	b.Ref("call", "http.get").
		Params(map[string]any{"url": "https://example.test"}).
		Retry(schema.RetryPolicy{MaxAttempts: 5, Backoff: schema.BackoffExponential, Delay: "1s"})
	b.Task("inline", always("success")).Ref("inline.proc")

	c, err := b.Build()
	require.NoError(t, err)

	call, _ := c.Step("call")
	assert.Equal(t, "http.get", call.ProcedureRef)
	assert.Equal(t, "https://example.test", call.Params["url"])
	require.NotNil(t, call.Retry)
	assert.Equal(t, 5, call.Retry.MaxAttempts)

	inline, _ := c.Step("inline")
	assert.Equal(t, "inline.proc", inline.ProcedureRef)
	assert.NotNil(t, inline.Procedure)
}

func TestBuilder_EntryAndDefault(t *testing.T) {
	b := NewBuilder("e").Entry("second").Default(schema.TargetFail)
	b.Task("first", always("success"))
	b.Task("second", always("success"))

	c, err := b.Build()
	require.NoError(t, err)
	assert.Equal(t, "second", c.EntryID())
	assert.Equal(t, schema.TargetFail, c.Default())
	assert.Equal(t, []string{"first"}, c.Orphans())
}

func TestBuilder_DeferredErrors(t *testing.T) {
	b := NewBuilder("dup")
	b.Task("a", always("success"))
	b.Task("a", always("success"))
	_, err := b.Build()
	assert.True(t, schema.IsCode(err, schema.ErrCodeDuplicateID))

	b = NewBuilder("dangling")
	b.Task("a", always("success")).On("odd", "nowhere")
	_, err = b.Build()
	assert.True(t, schema.IsCode(err, schema.ErrCodeUnknownStep))

	b = NewBuilder("entry")
	b.Entry("ghost").Task("a", always("success"))
	_, err = b.Build()
	assert.True(t, schema.IsCode(err, schema.ErrCodeUnknownStep))
}

func TestStepBuilder_Builder(t *testing.T) {
	b := NewBuilder("x")
	assert.Same(t, b, b.Task("a", always("success")).Builder())
}

func TestBuilder_BuildTwiceRelinksAppendedSteps(t *testing.T) {
	b := NewBuilder("grow")
	b.Task("fetch", always("success"))

	first, err := b.Build()
	require.NoError(t, err)

	b.Task("store", always("success"))
	second, err := b.Build()
	require.NoError(t, err)

	fetch, _ := second.Step("fetch")
	assert.Equal(t, "store", fetch.Transitions[schema.OutcomeSuccess])
	store, _ := second.Step("store")
	assert.Equal(t, schema.TargetComplete, store.Transitions[schema.OutcomeSuccess])

	fetch, _ = first.Step("fetch")
	assert.Equal(t, schema.TargetComplete, fetch.Transitions[schema.OutcomeSuccess])
	assert.Equal(t, []string{"fetch"}, first.StepIDs())
}
