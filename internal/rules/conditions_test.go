package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/ferric/internal/ferr"
)

func sampleDoc() map[string]any {
	return map[string]any{
		"inventory": map[string]any{
			"vendor":      "Acme",
			"memory_mb":   float64(32768),
			"bmc_address": "10.0.4.17",
			"cpu_arch":    "x86_64",
			"disks": []any{
				map[string]any{"name": "sda", "size_gb": float64(480)},
			},
			"tags": []any{"rack-7", "gpu"},
		},
		"properties":   map[string]any{},
		"capabilities": map[string]any{},
	}
}

func evalOne(t *testing.T, doc map[string]any, op, field string, value any) (bool, error) {
	t.Helper()
	return evaluateCondition(doc, Condition{Op: op, Field: field, Value: value})
}

func TestConditionEq(t *testing.T) {
	doc := sampleDoc()

	match, err := evalOne(t, doc, "eq", "inventory.vendor", "Acme")
	require.NoError(t, err)
	assert.True(t, match)

	match, err = evalOne(t, doc, "eq", "inventory.vendor", "Initech")
	require.NoError(t, err)
	assert.False(t, match)

	// YAML and JSON decode numbers differently; both compare natively.
	match, err = evalOne(t, doc, "eq", "inventory.memory_mb", 32768)
	require.NoError(t, err)
	assert.True(t, match)
}

func TestConditionOrdering(t *testing.T) {
	doc := sampleDoc()

	for _, tc := range []struct {
		op    string
		value any
		want  bool
	}{
		{"lt", 65536, true},
		{"lt", 32768, false},
		{"le", 32768, true},
		{"gt", 16384, true},
		{"ge", 32768, true},
		{"ne", 16384, true},
	} {
		match, err := evalOne(t, doc, tc.op, "inventory.memory_mb", tc.value)
		require.NoError(t, err, tc.op)
		assert.Equal(t, tc.want, match, tc.op)
	}
}

func TestConditionTypeMismatch(t *testing.T) {
	doc := sampleDoc()

	_, err := evalOne(t, doc, "lt", "inventory.vendor", 10)
	require.Error(t, err)
	assert.True(t, ferr.IsKind(err, ferr.KindTypeMismatch))

	_, err = evalOne(t, doc, "eq", "inventory.memory_mb", "lots")
	require.Error(t, err)
	assert.True(t, ferr.IsKind(err, ferr.KindTypeMismatch))
}

func TestConditionInNet(t *testing.T) {
	doc := sampleDoc()

	match, err := evalOne(t, doc, "in-net", "inventory.bmc_address", "10.0.4.0/24")
	require.NoError(t, err)
	assert.True(t, match)

	match, err = evalOne(t, doc, "in-net", "inventory.bmc_address", "192.168.0.0/16")
	require.NoError(t, err)
	assert.False(t, match)

	_, err = evalOne(t, doc, "in-net", "inventory.vendor", "10.0.4.0/24")
	require.Error(t, err)
	assert.True(t, ferr.IsKind(err, ferr.KindTypeMismatch))
}

func TestConditionMatchesIsAnchored(t *testing.T) {
	doc := sampleDoc()

	match, err := evalOne(t, doc, "matches", "inventory.cpu_arch", "x86.*")
	require.NoError(t, err)
	assert.True(t, match)

	// A bare substring pattern must not match unless it spans the value.
	match, err = evalOne(t, doc, "matches", "inventory.cpu_arch", "x86")
	require.NoError(t, err)
	assert.False(t, match)
}

func TestConditionContains(t *testing.T) {
	doc := sampleDoc()

	// Substring search on strings.
	match, err := evalOne(t, doc, "contains", "inventory.cpu_arch", "86")
	require.NoError(t, err)
	assert.True(t, match)

	// Membership on lists.
	match, err = evalOne(t, doc, "contains", "inventory.tags", "gpu")
	require.NoError(t, err)
	assert.True(t, match)

	match, err = evalOne(t, doc, "contains", "inventory.tags", "fpga")
	require.NoError(t, err)
	assert.False(t, match)
}

func TestConditionIsEmpty(t *testing.T) {
	doc := sampleDoc()

	match, err := evalOne(t, doc, "is-empty", "properties", nil)
	require.NoError(t, err)
	assert.True(t, match)

	match, err = evalOne(t, doc, "is-empty", "inventory.tags", nil)
	require.NoError(t, err)
	assert.False(t, match)

	// Absent path counts as empty.
	match, err = evalOne(t, doc, "is-empty", "inventory.nonexistent", nil)
	require.NoError(t, err)
	assert.True(t, match)
}

func TestMissingFieldNeverMatches(t *testing.T) {
	doc := sampleDoc()

	match, err := evalOne(t, doc, "eq", "inventory.nonexistent", "anything")
	require.NoError(t, err)
	assert.False(t, match)
}
