// Package access evaluates a caller's JWT claims against access policies
// and resolves the set of tool groups the caller is granted.
package access

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/parleyhq/parley/internal/auth"
	"github.com/parleyhq/parley/pkg/models"
)

// EvaluateMatcher applies one claim matcher. A path that does not resolve,
// or resolves to null, fails every operator including exists. The negated
// operators are not the inverse of their positive forms for missing claims:
// not_equals on an absent claim is false, not true.
func EvaluateMatcher(m models.ClaimMatcher, claims auth.Claims) bool {
	value, ok := claims.Resolve(m.JSONPath)
	if !ok || value == nil {
		return false
	}

	switch m.Operator {
	case models.OpExists:
		return true
	case models.OpEquals:
		return stringifyClaim(value) == m.Value
	case models.OpNotEquals:
		return stringifyClaim(value) != m.Value
	case models.OpContains:
		return claimContains(value, m.Value)
	case models.OpNotContains:
		return !claimContains(value, m.Value)
	case models.OpMatches:
		return matchesPrefix(m.Value, stringifyClaim(value))
	case models.OpIn:
		return listContains(m.Value, stringifyClaim(value))
	case models.OpNotIn:
		return !listContains(m.Value, stringifyClaim(value))
	default:
		return false
	}
}

// EvaluatePolicy reports whether every matcher of the policy passes.
// A policy with no matchers grants unconditionally.
func EvaluatePolicy(p models.AccessPolicy, claims auth.Claims) bool {
	for _, m := range p.ClaimMatchers {
		if !EvaluateMatcher(m, claims) {
			return false
		}
	}
	return true
}

// claimContains is substring match for strings and membership for arrays.
func claimContains(value any, needle string) bool {
	switch v := value.(type) {
	case string:
		return strings.Contains(v, needle)
	case []any:
		for _, item := range v {
			if stringifyClaim(item) == needle {
				return true
			}
		}
		return false
	case []string:
		for _, item := range v {
			if item == needle {
				return true
			}
		}
		return false
	default:
		return strings.Contains(stringifyClaim(value), needle)
	}
}

// matchesPrefix applies the pattern anchored at the start of the value.
// An invalid pattern fails closed.
func matchesPrefix(pattern, value string) bool {
	re, err := regexp.Compile("^(?:" + pattern + ")")
	if err != nil {
		return false
	}
	return re.MatchString(value)
}

// listContains splits the matcher value on commas and checks membership.
func listContains(list, value string) bool {
	for _, item := range strings.Split(list, ",") {
		if strings.TrimSpace(item) == value {
			return true
		}
	}
	return false
}

// stringifyClaim renders a claim value the way it would appear in policy
// configuration: bare strings, integral floats without a decimal point,
// composites as JSON.
func stringifyClaim(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	}
}
