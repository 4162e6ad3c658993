package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/ferric/internal/ferr"
)

const ruleFile = `
- description: Acme boxes boot UEFI
  conditions:
    - op: eq
      field: inventory.vendor
      value: Acme
  actions:
    - op: set-capability
      name: boot_mode
      value: uefi
- description: reject small machines
  conditions:
    - op: lt
      field: inventory.memory_mb
      value: 4096
  actions:
    - op: fail
      message: not enough memory
`

func TestParseRuleFile(t *testing.T) {
	rules, err := Parse([]byte(ruleFile))
	require.NoError(t, err)
	require.Len(t, rules, 2)

	assert.Equal(t, "eq", rules[0].Conditions[0].Op)
	assert.Equal(t, "Acme", rules[0].Conditions[0].Value)
	// YAML ints become float64 so stored and file-loaded rules compare alike.
	assert.Equal(t, float64(4096), rules[1].Conditions[0].Value)
}

func TestParseRejectsBadOp(t *testing.T) {
	_, err := Parse([]byte(`
- description: broken
  conditions:
    - op: roughly
      field: inventory.vendor
      value: Acme
  actions:
    - op: set-capability
      name: x
      value: y
`))
	require.Error(t, err)
	assert.True(t, ferr.IsKind(err, ferr.KindValidationError))
}

func TestParseRejectsMalformedYAML(t *testing.T) {
	_, err := Parse([]byte("{{nope"))
	require.Error(t, err)
	assert.True(t, ferr.IsKind(err, ferr.KindValidationError))
}

func TestParsedRulesEvaluate(t *testing.T) {
	rules, err := Parse([]byte(ruleFile))
	require.NoError(t, err)

	engine, store := newTestEngine(t)
	require.NoError(t, store.Replace(rules))

	doc := sampleDoc()
	require.NoError(t, engine.Apply("n1", doc))
	assert.Equal(t, "uefi", doc["capabilities"].(map[string]any)["boot_mode"])
}

func TestExportRoundTrip(t *testing.T) {
	rules, err := Parse([]byte(ruleFile))
	require.NoError(t, err)

	out, err := Export(rules)
	require.NoError(t, err)

	again, err := Parse(out)
	require.NoError(t, err)
	require.Len(t, again, 2)
	assert.Equal(t, rules[0].Description, again[0].Description)
}
