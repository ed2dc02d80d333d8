// Package procedures maps procedure references to host-supplied work units
// and provides the built-in procedures.
package procedures

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rendis/stepmachine/pkg/machine"
	"github.com/rendis/stepmachine/pkg/schema"
)

// Info describes a registered procedure.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ParamChecker is implemented by procedures that can validate their static
// params before any execution starts.
type ParamChecker interface {
	CheckParams(params map[string]any) error
}

type registered struct {
	proc        machine.Procedure
	description string
}

// Registry is a thread-safe machine.ProcedureResolver.
type Registry struct {
	mu    sync.RWMutex
	procs map[string]registered
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		procs: make(map[string]registered),
	}
}

// Register adds a procedure under name. Returns CONFLICT on a duplicate name.
func (r *Registry) Register(name, description string, proc machine.Procedure) error {
	if proc == nil {
		return schema.NewError(schema.ErrCodeValidation, "procedure is nil")
	}
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "procedure name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.procs[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "procedure %q already registered", name)
	}
	r.procs[name] = registered{proc: proc, description: description}
	return nil
}

// RegisterFunc is Register for a plain function.
func (r *Registry) RegisterFunc(name, description string, fn func(ctx context.Context, call machine.Call) (machine.Result, error)) error {
	return r.Register(name, description, machine.ProcedureFunc(fn))
}

// RegisterNamespace registers every procedure in procs as "prefix.name".
// It stops at the first conflict and reports how many were registered.
func (r *Registry) RegisterNamespace(prefix string, procs map[string]machine.Procedure) (int, error) {
	if prefix == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "namespace prefix is empty")
	}

	names := make([]string, 0, len(procs))
	for name := range procs {
		names = append(names, name)
	}
	sort.Strings(names)

	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, name := range names {
		full := fmt.Sprintf("%s.%s", prefix, name)
		if _, exists := r.procs[full]; exists {
			return count, schema.NewErrorf(schema.ErrCodeConflict, "procedure %q already registered", full)
		}
		if procs[name] == nil {
			return count, schema.NewErrorf(schema.ErrCodeValidation, "procedure %q is nil", full)
		}
		r.procs[full] = registered{proc: procs[name]}
		count++
	}
	return count, nil
}

// Resolve implements machine.ProcedureResolver.
func (r *Registry) Resolve(ref string) (machine.Procedure, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.procs[ref]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeUnknownProcedure, "procedure %q not registered", ref)
	}
	return entry.proc, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.procs[name]
	return ok
}

// Count returns the number of registered procedures.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.procs)
}

// List returns all registered procedures sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.procs))
	for name, entry := range r.procs {
		infos = append(infos, Info{Name: name, Description: entry.description})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// CheckChain reports steps whose procedure reference is not registered and
// steps whose params the procedure rejects. Steps with inline procedures are
// skipped.
func (r *Registry) CheckChain(chain *machine.Chain) *schema.Report {
	result := &schema.Report{}
	for _, step := range chain.Steps() {
		if step.Procedure != nil {
			continue
		}
		path := "steps." + step.ID + ".procedure_ref"
		proc, err := r.Resolve(step.ProcedureRef)
		if err != nil {
			result.Fail(path, schema.ErrCodeUnknownProcedure, errorMessage(err))
			continue
		}
		if checker, ok := proc.(ParamChecker); ok {
			if err := checker.CheckParams(step.Params); err != nil {
				result.Fail("steps."+step.ID+".params", schema.ErrCodeValidation,
					fmt.Sprintf("%s: %s", step.ProcedureRef, errorMessage(err)))
			}
		}
	}
	return result
}

func errorMessage(err error) string {
	if me, ok := err.(*schema.MachineError); ok {
		return me.Message
	}
	return err.Error()
}

var _ machine.ProcedureResolver = (*Registry)(nil)
