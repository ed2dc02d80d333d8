package expressions

// Namespaces visible to every expression.
const (
	NamespacePayload = "payload"
	NamespaceParams  = "params"
	NamespaceStep    = "step"
)

// StepInfo identifies the attempt an expression runs in.
type StepInfo struct {
	ID          string
	ExecutionID string
	ChainID     string
	Attempt     int
}

// Scope holds the data an expression can read while a step runs.
type Scope struct {
	Payload map[string]any
	Params  map[string]any
	Step    StepInfo
}

// Vars flattens the scope into the variable map handed to an engine.
// Missing maps default to empty ones so lookups never hit a nil reference.
func (s Scope) Vars() map[string]any {
	payload := s.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	params := s.Params
	if params == nil {
		params = map[string]any{}
	}
	return map[string]any{
		NamespacePayload: payload,
		NamespaceParams:  params,
		NamespaceStep: map[string]any{
			"id":           s.Step.ID,
			"execution_id": s.Step.ExecutionID,
			"chain_id":     s.Step.ChainID,
			"attempt":      s.Step.Attempt,
		},
	}
}
