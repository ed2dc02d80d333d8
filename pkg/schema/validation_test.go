package schema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReport_WarningsKeepItValid(t *testing.T) {
	r := &Report{}
	assert.True(t, r.Valid())
	assert.NoError(t, r.Err())

	r.Warn("steps.orphan", ErrCodeValidation, "step is unreachable from entry")
	assert.True(t, r.Valid())
	assert.NoError(t, r.Err())
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, SeverityWarning, r.Warnings[0].Severity)
}

func TestReport_Fail(t *testing.T) {
	r := &Report{}
	r.Fail("steps.a.transitions.success", ErrCodeUnknownStep, "target x not found")

	assert.False(t, r.Valid())
	assert.Equal(t, []Finding{{
		Path:     "steps.a.transitions.success",
		Code:     ErrCodeUnknownStep,
		Message:  "target x not found",
		Severity: SeverityError,
	}}, r.Errors)
}

func TestReport_Merge(t *testing.T) {
	a := &Report{}
	a.Fail("entry", ErrCodeValidation, "no entry")
	b := &Report{}
	b.Fail("steps.b", ErrCodeUnreachableTerminal, "dead end")
	b.Warn("steps.c", ErrCodeValidation, "orphan")

	a.Merge(b)
	a.Merge(nil)

	assert.Len(t, a.Errors, 2)
	assert.Len(t, a.Warnings, 1)
	assert.Equal(t, "steps.b", a.Errors[1].Path)
}

func TestReport_Err(t *testing.T) {
	r := &Report{}
	r.Fail("steps.a", ErrCodeUnreachableTerminal, "step a cannot reach a terminal")

	var me *MachineError
	require.True(t, errors.As(r.Err(), &me))
	assert.Equal(t, ErrCodeUnreachableTerminal, me.Code)
	assert.Equal(t, "step a cannot reach a terminal", me.Message)
	assert.Equal(t, "steps.a", me.Details["path"])
	assert.Equal(t, 1, me.Details["error_count"])

	r.Fail("steps.b", ErrCodeUnknownStep, "second")
	r.Warn("steps.c", ErrCodeValidation, "orphan")
	require.True(t, errors.As(r.Err(), &me))
	assert.Equal(t, ErrCodeUnreachableTerminal, me.Code, "first finding decides the code")
	assert.Contains(t, me.Message, "and 1 more errors")
	assert.Equal(t, 2, me.Details["error_count"])
	assert.Equal(t, 1, me.Details["warning_count"])
}
