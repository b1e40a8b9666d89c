// Package rendering implements the restricted template language used by
// execution profiles: "{{ name }}" variable interpolation with an optional
// "| tojson" filter, nothing else. Unknown variables are hard errors that
// name the keys which were available, so a failing tool call is diagnosable
// from its error alone.
package rendering

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Vars is the variable scope for one render: validated tool arguments merged
// with any special locals (poll responses, execution metadata).
type Vars map[string]any

// Merge returns a copy of v with overlay's keys added on top.
func (v Vars) Merge(overlay Vars) Vars {
	out := make(Vars, len(v)+len(overlay))
	for k, val := range v {
		out[k] = val
	}
	for k, val := range overlay {
		out[k] = val
	}
	return out
}

// Keys returns the sorted variable names, for error reporting.
func (v Vars) Keys() []string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// UnknownVariableError reports a template referencing a variable that is not
// in scope.
type UnknownVariableError struct {
	Variable  string
	Available []string
}

func (e *UnknownVariableError) Error() string {
	return fmt.Sprintf("rendering: unknown variable %q (available: %s)",
		e.Variable, strings.Join(e.Available, ", "))
}

// UnknownFilterError reports a filter other than tojson.
type UnknownFilterError struct {
	Filter string
}

func (e *UnknownFilterError) Error() string {
	return fmt.Sprintf("rendering: unknown filter %q", e.Filter)
}

// placeholder matches "{{ name }}" and "{{ name | filter }}" where name may
// be a dot path into nested objects.
var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_.]*)\s*(?:\|\s*([A-Za-z_][A-Za-z0-9_]*)\s*)?\}\}`)

// Render substitutes every placeholder in template from vars. The first
// error aborts the render.
func Render(template string, vars Vars) (string, error) {
	var firstErr error
	out := placeholder.ReplaceAllStringFunc(template, func(match string) string {
		if firstErr != nil {
			return match
		}
		groups := placeholder.FindStringSubmatch(match)
		name, filter := groups[1], groups[2]

		value, ok := resolve(vars, name)
		if !ok {
			firstErr = &UnknownVariableError{Variable: name, Available: vars.Keys()}
			return match
		}

		rendered, err := applyFilter(value, filter)
		if err != nil {
			firstErr = err
			return match
		}
		return rendered
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// Variables lists the distinct variable names a template references, in
// order of first appearance. Used to check templates against schemas ahead
// of execution.
func Variables(template string) []string {
	seen := make(map[string]bool)
	var names []string
	for _, groups := range placeholder.FindAllStringSubmatch(template, -1) {
		if !seen[groups[1]] {
			seen[groups[1]] = true
			names = append(names, groups[1])
		}
	}
	return names
}

// resolve walks a dot path through nested maps.
func resolve(vars Vars, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var current any = map[string]any(vars)
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func applyFilter(value any, filter string) (string, error) {
	switch filter {
	case "":
		return stringify(value), nil
	case "tojson":
		b, err := json.Marshal(value)
		if err != nil {
			return "", fmt.Errorf("rendering: tojson: %w", err)
		}
		return string(b), nil
	default:
		return "", &UnknownFilterError{Filter: filter}
	}
}

// stringify renders a bare interpolation. Scalars print naturally;
// composites fall back to JSON so a template never sees Go syntax.
func stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		// JSON numbers decode as float64; print integers without the
		// trailing ".0".
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	case bool:
		return fmt.Sprintf("%t", v)
	default:
		if b, err := json.Marshal(v); err == nil {
			return string(b)
		}
		return fmt.Sprintf("%v", v)
	}
}
