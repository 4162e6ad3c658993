package rules

import (
	"fmt"
	"os"

	yaml "gopkg.in/yaml.v2"

	"grimm.is/ferric/internal/ferr"
)

// LoadFile reads a YAML rule file: a top-level list of rules. All rules are
// validated; a single bad rule rejects the whole file.
func LoadFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML rule list.
func Parse(data []byte) ([]Rule, error) {
	var rules []Rule
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, ferr.Validation("malformed rule file: %v", err)
	}
	for i := range rules {
		rules[i].Conditions = normalizeConditions(rules[i].Conditions)
		rules[i].Actions = normalizeActions(rules[i].Actions)
		if err := rules[i].Validate(); err != nil {
			return nil, ferr.Validation("rule %d: %v", i, err)
		}
	}
	return rules, nil
}

// Export renders the rule set back to YAML, in evaluation order.
func Export(rules []Rule) ([]byte, error) {
	return yaml.Marshal(rules)
}

func normalizeConditions(conds []Condition) []Condition {
	for i := range conds {
		conds[i].Value = normalizeYAML(conds[i].Value)
	}
	return conds
}

func normalizeActions(acts []Action) []Action {
	for i := range acts {
		acts[i].Value = normalizeYAML(acts[i].Value)
	}
	return acts
}

// normalizeYAML rewrites yaml.v2's decoded shapes into the JSON-native ones
// the engine compares against: string-keyed maps and float64 numbers.
func normalizeYAML(v any) any {
	switch val := v.(type) {
	case map[any]any:
		m := make(map[string]any, len(val))
		for k, item := range val {
			m[fmt.Sprint(k)] = normalizeYAML(item)
		}
		return m
	case map[string]any:
		for k, item := range val {
			val[k] = normalizeYAML(item)
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = normalizeYAML(item)
		}
		return val
	case int:
		return float64(val)
	case int64:
		return float64(val)
	}
	return v
}
