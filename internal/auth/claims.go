// Package auth provides bearer-token validation and the claims model shared
// by the session layer and the access resolver.
package auth

import (
	"strings"
)

// Claims is the decoded JWT payload. Values keep their JSON shapes:
// strings, float64, bool, []any, map[string]any.
type Claims map[string]any

// Subject returns the sub claim, or "" when absent.
func (c Claims) Subject() string {
	s, _ := c["sub"].(string)
	return s
}

// Email returns the email claim, or "" when absent.
func (c Claims) Email() string {
	s, _ := c["email"].(string)
	return s
}

// Resolve walks a dot-notation path through nested objects.
// "realm_access.roles" resolves c["realm_access"]["roles"]. The second
// return is false when any segment is missing or a non-object is traversed.
func (c Claims) Resolve(path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var current any = map[string]any(c)
	for _, segment := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// StringSlice resolves path and coerces the value to a string slice. A bare
// string becomes a one-element slice; array elements that are not strings
// are skipped.
func (c Claims) StringSlice(path string) []string {
	v, ok := c.Resolve(path)
	if !ok {
		return nil
	}
	switch val := v.(type) {
	case string:
		return []string{val}
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return append([]string(nil), val...)
	}
	return nil
}
