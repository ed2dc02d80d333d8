package schema

import "fmt"

// Severity grades a Finding.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Finding is one problem discovered while analyzing a chain, located by a
// dotted path such as "steps.charge.transitions.declined".
type Finding struct {
	Path     string   `json:"path"`
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Report collects findings. Only error findings make a chain unusable.
type Report struct {
	Errors   []Finding `json:"errors,omitempty"`
	Warnings []Finding `json:"warnings,omitempty"`
}

func (r *Report) Valid() bool { return len(r.Errors) == 0 }

// Fail records an error finding.
func (r *Report) Fail(path, code, message string) {
	r.Errors = append(r.Errors, Finding{Path: path, Code: code, Message: message, Severity: SeverityError})
}

// Warn records a warning finding.
func (r *Report) Warn(path, code, message string) {
	r.Warnings = append(r.Warnings, Finding{Path: path, Code: code, Message: message, Severity: SeverityWarning})
}

func (r *Report) Merge(other *Report) {
	if other != nil {
		r.Errors = append(r.Errors, other.Errors...)
		r.Warnings = append(r.Warnings, other.Warnings...)
	}
}

// Err returns nil for a valid report. Otherwise the MachineError takes the
// code and path of the first error finding, and every finding goes into its
// details.
func (r *Report) Err() error {
	if r.Valid() {
		return nil
	}
	head := r.Errors[0]
	msg := head.Message
	if extra := len(r.Errors) - 1; extra > 0 {
		msg += fmt.Sprintf(" (and %d more errors)", extra)
	}
	return NewError(head.Code, msg).WithDetails(map[string]any{
		"path":          head.Path,
		"error_count":   len(r.Errors),
		"warning_count": len(r.Warnings),
		"errors":        r.Errors,
		"warnings":      r.Warnings,
	})
}
