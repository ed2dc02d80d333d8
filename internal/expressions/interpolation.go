package expressions

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rendis/stepmachine/pkg/schema"
)

// Interpolate resolves ${{namespace.path}} references inside params against
// vars (normally Scope.Vars()). Maps and slices are walked recursively and a
// new value is returned; the input is not modified.
//
// A string that is exactly one reference takes the referenced value with its
// type intact. References embedded in longer strings are stringified.
func Interpolate(value any, vars map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		return interpolateString(v, vars)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			resolved, err := Interpolate(item, vars)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			resolved, err := Interpolate(item, vars)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return value, nil
	}
}

// InterpolateMap is Interpolate for the common map case.
func InterpolateMap(params map[string]any, vars map[string]any) (map[string]any, error) {
	if params == nil {
		return nil, nil
	}
	out, err := Interpolate(params, vars)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

// HasInterpolation reports whether s contains a ${{...}} reference.
func HasInterpolation(s string) bool {
	return strings.Contains(s, "${{")
}

func interpolateString(input string, vars map[string]any) (any, error) {
	if !HasInterpolation(input) {
		return input, nil
	}

	trimmed := strings.TrimSpace(input)
	if strings.HasPrefix(trimmed, "${{") && strings.HasSuffix(trimmed, "}}") &&
		strings.Count(trimmed, "${{") == 1 {
		return resolveRef(strings.TrimSpace(trimmed[3:len(trimmed)-2]), vars)
	}

	var result strings.Builder
	result.Grow(len(input))
	i := 0
	for i < len(input) {
		idx := strings.Index(input[i:], "${{")
		if idx == -1 {
			result.WriteString(input[i:])
			break
		}
		result.WriteString(input[i : i+idx])
		start := i + idx + 3

		end := strings.Index(input[start:], "}}")
		if end == -1 {
			return nil, schema.NewError(schema.ErrCodeValidation, "unclosed ${{ expression").
				WithDetails(map[string]any{"input": input})
		}
		end += start

		val, err := resolveRef(strings.TrimSpace(input[start:end]), vars)
		if err != nil {
			return nil, err
		}
		result.WriteString(stringify(val))
		i = end + 2
	}
	return result.String(), nil
}

// resolveRef looks up a dot-delimited path such as payload.order.id.
func resolveRef(ref string, vars map[string]any) (any, error) {
	if ref == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty variable reference: ${{ }}")
	}
	if strings.Contains(ref, "${{") {
		return nil, schema.NewError(schema.ErrCodeValidation, "nested interpolation is not allowed")
	}

	namespace, path, _ := strings.Cut(ref, ".")
	root, ok := vars[namespace]
	if !ok {
		available := mapKeys(vars)
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"unknown namespace %q in ${{%s}}; available: %s", namespace, ref, strings.Join(available, ", ")).
			WithDetails(map[string]any{"expression": ref, "available_namespaces": available})
	}
	if path == "" {
		return root, nil
	}
	return traversePath(root, path, ref)
}

// traversePath navigates nested maps and slices. Numeric segments index slices.
func traversePath(root any, path, ref string) (any, error) {
	current := root
	for i, seg := range strings.Split(path, ".") {
		if seg == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"empty segment in %q at position %d", ref, i)
		}
		switch v := current.(type) {
		case map[string]any:
			val, ok := v[seg]
			if !ok {
				available := mapKeys(v)
				return nil, schema.NewErrorf(schema.ErrCodeExecution,
					"field %q not found in %q; available: [%s]", seg, ref, strings.Join(available, ", ")).
					WithDetails(map[string]any{"expression": ref, "available_fields": available})
			}
			current = val
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, schema.NewErrorf(schema.ErrCodeExecution,
					"index %q out of range in %q (length %d)", seg, ref, len(v))
			}
			current = v[idx]
		default:
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"cannot traverse into %T at %q in %q", current, seg, ref)
		}
	}
	return current, nil
}

func stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return ""
	case map[string]any, []any:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func mapKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
