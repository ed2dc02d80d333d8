package schema

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMachineError_Format(t *testing.T) {
	err := NewError(ErrCodeUnknownStep, "target not found")
	assert.Equal(t, "[UNKNOWN_STEP] target not found", err.Error())

	err = NewErrorf(ErrCodeRetryExhausted, "%d attempts used", 3).WithStep("charge")
	assert.Equal(t, "[RETRY_EXHAUSTED] step charge: 3 attempts used", err.Error())
}

func TestMachineError_Unwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := NewError(ErrCodeStore, "save failed").WithCause(cause)
	assert.ErrorIs(t, err, cause)
}

func TestIsCode_Wrapped(t *testing.T) {
	inner := NewError(ErrCodeMalformedData, "bad steps")
	outer := fmt.Errorf("decode: %w", inner)

	assert.True(t, IsCode(outer, ErrCodeMalformedData))
	assert.False(t, IsCode(outer, ErrCodeSchemaVersion))
	assert.Equal(t, ErrCodeMalformedData, CodeOf(outer))
}

func TestIsCode_NestedCause(t *testing.T) {
	inner := NewError(ErrCodeDuplicateID, "step a exists")
	outer := NewError(ErrCodeMalformedData, "chain document invalid").WithCause(inner)

	assert.True(t, IsCode(outer, ErrCodeMalformedData))
	assert.True(t, IsCode(outer, ErrCodeDuplicateID))
	assert.Equal(t, ErrCodeMalformedData, CodeOf(outer))
}

func TestIsCode_PlainError(t *testing.T) {
	assert.False(t, IsCode(errors.New("boom"), ErrCodeStore))
	assert.False(t, IsCode(nil, ErrCodeStore))
	assert.Equal(t, "", CodeOf(errors.New("boom")))
}
