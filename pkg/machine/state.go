package machine

import (
	"time"

	"github.com/rendis/stepmachine/pkg/schema"
)

// ExecutionState is the complete position of one run over a chain. It is
// owned by a single Engine; State returns copies.
type ExecutionState struct {
	ID            string
	ChainID       string
	ChainVersion  string
	CurrentStepID string
	// AttemptCount is the number of retries consumed on the current step.
	AttemptCount int
	Status       schema.ExecutionStatus
	Payload      map[string]any
	History      []schema.HistoryEntry
	Suspension   *schema.Suspension
	Error        *schema.MachineError
}

// Clone returns a deep copy of the state.
func (s *ExecutionState) Clone() *ExecutionState {
	cp := *s
	cp.Payload = clonePayload(s.Payload)
	cp.History = append([]schema.HistoryEntry(nil), s.History...)
	if s.Suspension != nil {
		susp := *s.Suspension
		if s.Suspension.ResumeAt != nil {
			at := *s.Suspension.ResumeAt
			susp.ResumeAt = &at
		}
		cp.Suspension = &susp
	}
	if s.Error != nil {
		e := *s.Error
		e.Details = clonePayload(s.Error.Details)
		cp.Error = &e
	}
	return &cp
}

// ResumeAt returns the earliest resume time of a suspended state, if any.
func (s *ExecutionState) ResumeAt() (time.Time, bool) {
	if s.Suspension == nil || s.Suspension.ResumeAt == nil {
		return time.Time{}, false
	}
	return *s.Suspension.ResumeAt, true
}

// Document converts the state to its portable form.
func (s *ExecutionState) Document() schema.ExecutionDocument {
	c := s.Clone()
	history := c.History
	if history == nil {
		history = []schema.HistoryEntry{}
	}
	payload := c.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return schema.ExecutionDocument{
		Version:       schema.DocumentVersion,
		ID:            c.ID,
		ChainID:       c.ChainID,
		ChainVersion:  c.ChainVersion,
		CurrentStepID: c.CurrentStepID,
		AttemptCount:  c.AttemptCount,
		Status:        c.Status,
		Payload:       payload,
		History:       history,
		Suspension:    c.Suspension,
		Error:         c.Error,
	}
}

// StateFromDocument rebuilds an execution state from its portable form.
func StateFromDocument(doc schema.ExecutionDocument) (*ExecutionState, error) {
	if doc.ID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "execution id is required")
	}
	if !doc.Status.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown execution status %q", doc.Status)
	}
	if doc.CurrentStepID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "current_step_id is required")
	}
	if doc.AttemptCount < 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "attempt_count must be >= 0, got %d", doc.AttemptCount)
	}
	if doc.Status == schema.ExecutionStatusSuspended && doc.Suspension == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "suspended execution has no suspension record")
	}
	if doc.Status == schema.ExecutionStatusFailed && doc.Error == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "failed execution has no error record")
	}
	for i, h := range doc.History {
		if h.StepID == "" || h.Attempt < 1 {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "history entry %d is incomplete", i)
		}
	}

	st := &ExecutionState{
		ID:            doc.ID,
		ChainID:       doc.ChainID,
		ChainVersion:  doc.ChainVersion,
		CurrentStepID: doc.CurrentStepID,
		AttemptCount:  doc.AttemptCount,
		Status:        doc.Status,
		Payload:       doc.Payload,
		History:       doc.History,
		Suspension:    doc.Suspension,
		Error:         doc.Error,
	}
	if st.Payload == nil {
		st.Payload = map[string]any{}
	}
	return st.Clone(), nil
}
