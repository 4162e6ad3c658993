package rules

import (
	"fmt"
	"net"
	"regexp"

	"grimm.is/ferric/internal/ferr"
)

// conditionFunc evaluates a field value against the condition's operand.
// A coercion failure returns a TypeMismatch error.
type conditionFunc func(fieldValue, operand any) (bool, error)

// conditionOps is the fixed condition capability set, resolved at startup.
var conditionOps = map[string]conditionFunc{
	"eq":       condEq,
	"ne":       condNe,
	"lt":       numericCond("lt", func(a, b float64) bool { return a < b }),
	"gt":       numericCond("gt", func(a, b float64) bool { return a > b }),
	"le":       numericCond("le", func(a, b float64) bool { return a <= b }),
	"ge":       numericCond("ge", func(a, b float64) bool { return a >= b }),
	"in-net":   condInNet,
	"matches":  condMatches,
	"contains": condContains,
	"is-empty": condIsEmpty,
}

// evaluateCondition resolves the field path and applies the op. A missing
// field never matches (except for is-empty, which treats absent as empty).
func evaluateCondition(doc map[string]any, c Condition) (bool, error) {
	fn, ok := conditionOps[c.Op]
	if !ok {
		return false, fmt.Errorf("unknown condition op %q", c.Op)
	}

	value, present := lookupPath(doc, c.Field)
	if !present {
		if c.Op == "is-empty" {
			return true, nil
		}
		return false, nil
	}
	return fn(value, c.Value)
}

func condEq(fieldValue, operand any) (bool, error) {
	if fa, fok := asNumber(fieldValue); fok {
		oa, ook := asNumber(operand)
		if !ook {
			return false, typeMismatch("eq", fieldValue, operand)
		}
		return fa == oa, nil
	}
	switch fv := fieldValue.(type) {
	case string:
		ov, ok := operand.(string)
		if !ok {
			return false, typeMismatch("eq", fieldValue, operand)
		}
		return fv == ov, nil
	case bool:
		ov, ok := operand.(bool)
		if !ok {
			return false, typeMismatch("eq", fieldValue, operand)
		}
		return fv == ov, nil
	}
	return false, typeMismatch("eq", fieldValue, operand)
}

func condNe(fieldValue, operand any) (bool, error) {
	eq, err := condEq(fieldValue, operand)
	return !eq, err
}

func numericCond(op string, cmp func(a, b float64) bool) conditionFunc {
	return func(fieldValue, operand any) (bool, error) {
		a, aok := asNumber(fieldValue)
		b, bok := asNumber(operand)
		if !aok || !bok {
			return false, typeMismatch(op, fieldValue, operand)
		}
		return cmp(a, b), nil
	}
}

func condInNet(fieldValue, operand any) (bool, error) {
	addr, ok := fieldValue.(string)
	if !ok {
		return false, typeMismatch("in-net", fieldValue, operand)
	}
	cidr, ok := operand.(string)
	if !ok {
		return false, typeMismatch("in-net", fieldValue, operand)
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return false, ferr.TypeMismatch("in-net: %q is not an IP address", addr)
	}
	_, network, err := net.ParseCIDR(cidr)
	if err != nil {
		return false, ferr.TypeMismatch("in-net: %q is not a CIDR network", cidr)
	}
	return network.Contains(ip), nil
}

func condMatches(fieldValue, operand any) (bool, error) {
	s, pattern, err := stringPair("matches", fieldValue, operand)
	if err != nil {
		return false, err
	}
	re, err := regexp.Compile("^(?:" + pattern + ")$")
	if err != nil {
		return false, ferr.TypeMismatch("matches: bad pattern %q: %v", pattern, err)
	}
	return re.MatchString(s), nil
}

func condContains(fieldValue, operand any) (bool, error) {
	// Lists match by membership, strings by regexp search.
	if list, ok := fieldValue.([]any); ok {
		for _, item := range list {
			match, err := condEq(item, operand)
			if err == nil && match {
				return true, nil
			}
		}
		return false, nil
	}
	s, pattern, err := stringPair("contains", fieldValue, operand)
	if err != nil {
		return false, err
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false, ferr.TypeMismatch("contains: bad pattern %q: %v", pattern, err)
	}
	return re.MatchString(s), nil
}

func condIsEmpty(fieldValue, operand any) (bool, error) {
	switch v := fieldValue.(type) {
	case nil:
		return true, nil
	case string:
		return v == "", nil
	case []any:
		return len(v) == 0, nil
	case map[string]any:
		return len(v) == 0, nil
	}
	return false, nil
}

func stringPair(op string, fieldValue, operand any) (string, string, error) {
	s, ok := fieldValue.(string)
	if !ok {
		return "", "", typeMismatch(op, fieldValue, operand)
	}
	p, ok := operand.(string)
	if !ok {
		return "", "", typeMismatch(op, fieldValue, operand)
	}
	return s, p, nil
}

// asNumber widens any numeric type to float64. JSON decoding yields
// float64, YAML decoding yields int, so both appear here.
func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func typeMismatch(op string, fieldValue, operand any) error {
	return ferr.TypeMismatch("%s: cannot compare %T with %T", op, fieldValue, operand)
}
