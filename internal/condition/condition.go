// Package condition evaluates a rule's field/operator/value conditions
// against a rendered trigger context. Evaluation is pure: no I/O, no
// side effects, and invalid input (unknown operator, bad regex) fails
// closed rather than erroring.
package condition

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Condition is one field/operator/value check from a rule definition.
type Condition struct {
	Field    string `json:"field" yaml:"field"`
	Operator string `json:"operator" yaml:"operator"`
	Value    any    `json:"value" yaml:"value"`
}

// Operators lists the supported comparison operators.
var Operators = []string{
	"==", "!=", ">", ">=", "<", "<=",
	"contains", "not_contains", "matches", "not_matches",
}

// IsOperator reports whether op is one of the supported operators.
func IsOperator(op string) bool {
	for _, o := range Operators {
		if o == op {
			return true
		}
	}
	return false
}

// EvaluateAll returns true iff every condition holds against ctx.
// An empty or nil list always holds.
func EvaluateAll(conditions []Condition, ctx map[string]any) bool {
	for _, c := range conditions {
		if !Evaluate(c, ctx) {
			return false
		}
	}
	return true
}

// Evaluate checks a single condition. The field is a dot path resolved
// against the nested context; a missing path resolves to nil, which still
// participates in comparison (string-coerced to "").
func Evaluate(c Condition, ctx map[string]any) bool {
	actual := Lookup(ctx, c.Field)

	switch c.Operator {
	case "==":
		// String coercion sidesteps float precision: 1 and "1" compare equal.
		return coerceString(actual) == coerceString(c.Value)
	case "!=":
		return coerceString(actual) != coerceString(c.Value)
	case ">":
		return coerceFloat(actual) > coerceFloat(c.Value)
	case ">=":
		return coerceFloat(actual) >= coerceFloat(c.Value)
	case "<":
		return coerceFloat(actual) < coerceFloat(c.Value)
	case "<=":
		return coerceFloat(actual) <= coerceFloat(c.Value)
	case "contains":
		return strings.Contains(coerceString(actual), coerceString(c.Value))
	case "not_contains":
		return !strings.Contains(coerceString(actual), coerceString(c.Value))
	case "matches":
		re, err := regexp.Compile(coerceString(c.Value))
		if err != nil {
			return false
		}
		return re.MatchString(coerceString(actual))
	case "not_matches":
		re, err := regexp.Compile(coerceString(c.Value))
		if err != nil {
			return false
		}
		return !re.MatchString(coerceString(actual))
	default:
		return false
	}
}

// Lookup resolves a dot path against a nested map context. Any missing
// segment or non-map intermediate yields nil.
func Lookup(ctx map[string]any, path string) any {
	if path == "" {
		return nil
	}
	var current any = ctx
	for _, seg := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current, ok = m[seg]
		if !ok {
			return nil
		}
	}
	return current
}

// coerceString renders a value the way users expect it compared: nil is
// empty, floats drop a trailing ".0" so YAML's 1 and JSON's 1.0 agree.
func coerceString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return coerceString(float64(val))
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// coerceFloat parses a value as a float for ordered comparison.
// Non-numeric values coerce to 0.
func coerceFloat(v any) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case float32:
		return float64(val)
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case bool:
		if val {
			return 1
		}
		return 0
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}
