// Package rules evaluates user-authored condition/action rules against
// finished introspection records.
//
// A rule fires when all of its conditions hold against the node's result
// document; its actions then set or extend attributes and capabilities, or
// force a failure outcome. Rules run in stored definition order, after the
// pipeline has already finished the record; a failing rule pass degrades
// the record but never reverts the finished state.
package rules

import (
	"fmt"
	"strings"
)

// Rule is one stored condition/action pair.
type Rule struct {
	ID          string      `json:"-" yaml:"-"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	Conditions  []Condition `json:"conditions" yaml:"conditions"`
	Actions     []Action    `json:"actions" yaml:"actions"`
}

// Condition compares a field of the result document against a value.
type Condition struct {
	Op    string `json:"op" yaml:"op"`
	Field string `json:"field" yaml:"field"`
	Value any    `json:"value,omitempty" yaml:"value,omitempty"`
}

// Action mutates the result document (or fails the pass).
type Action struct {
	Op    string `json:"op" yaml:"op"`
	Path  string `json:"path,omitempty" yaml:"path,omitempty"`
	Name  string `json:"name,omitempty" yaml:"name,omitempty"`
	Value any    `json:"value,omitempty" yaml:"value,omitempty"`
	// Message is the user-supplied error for the fail action.
	Message string `json:"message,omitempty" yaml:"message,omitempty"`
}

// Validate checks that every referenced condition and action op exists and
// carries the operands it needs.
func (r Rule) Validate() error {
	if len(r.Conditions) == 0 {
		return fmt.Errorf("rule %q has no conditions", r.Description)
	}
	if len(r.Actions) == 0 {
		return fmt.Errorf("rule %q has no actions", r.Description)
	}
	for _, c := range r.Conditions {
		if _, ok := conditionOps[c.Op]; !ok {
			return fmt.Errorf("unknown condition op %q", c.Op)
		}
		if c.Field == "" {
			return fmt.Errorf("condition %q needs a field path", c.Op)
		}
	}
	for _, a := range r.Actions {
		switch a.Op {
		case "set-attribute", "extend-attribute":
			if a.Path == "" {
				return fmt.Errorf("action %q needs a path", a.Op)
			}
		case "set-capability":
			if a.Name == "" {
				return fmt.Errorf("action %q needs a name", a.Op)
			}
		case "fail":
			if a.Message == "" {
				return fmt.Errorf("fail action needs a message")
			}
		default:
			return fmt.Errorf("unknown action op %q", a.Op)
		}
	}
	return nil
}

// lookupPath resolves a dotted field path inside a nested document.
// The second return is false when any path segment is missing.
func lookupPath(doc map[string]any, path string) (any, bool) {
	var current any = doc
	for _, seg := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// setPath writes value at a dotted path, creating intermediate maps.
func setPath(doc map[string]any, path string, value any) error {
	segs := strings.Split(path, ".")
	current := doc
	for _, seg := range segs[:len(segs)-1] {
		next, ok := current[seg]
		if !ok {
			m := make(map[string]any)
			current[seg] = m
			current = m
			continue
		}
		m, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("path %q crosses a non-object value at %q", path, seg)
		}
		current = m
	}
	current[segs[len(segs)-1]] = value
	return nil
}
