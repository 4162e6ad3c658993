package pxefilter

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDnsmasqDriver(t *testing.T) (*DnsmasqDriver, string) {
	t.Helper()
	dir := t.TempDir()
	d, err := NewDnsmasqDriver(dir, nil)
	require.NoError(t, err)
	return d, dir
}

func TestDnsmasqApplyConverges(t *testing.T) {
	d, dir := newDnsmasqDriver(t)
	ctx := context.Background()

	desired := NewMACSet("aa:bb:cc:dd:ee:01", "aa:bb:cc:dd:ee:02")
	require.NoError(t, d.Apply(ctx, desired))

	actual, err := d.Inspect(ctx)
	require.NoError(t, err)
	assert.True(t, actual.Equal(desired), "inspect after apply must return the desired set")

	data, err := os.ReadFile(filepath.Join(dir, "aa-bb-cc-dd-ee-01.conf"))
	require.NoError(t, err)
	assert.Equal(t, "aa:bb:cc:dd:ee:01\n", string(data))
}

func TestDnsmasqWildcardDefaultDeniesUnknown(t *testing.T) {
	_, dir := newDnsmasqDriver(t)

	data, err := os.ReadFile(filepath.Join(dir, "default.conf"))
	require.NoError(t, err)
	assert.Equal(t, "*:*:*:*:*:*,ignore\n", string(data))
}

func TestDnsmasqApplyDeniesStaleEntries(t *testing.T) {
	d, dir := newDnsmasqDriver(t)
	ctx := context.Background()

	require.NoError(t, d.Apply(ctx, NewMACSet("aa:bb:cc:dd:ee:01", "aa:bb:cc:dd:ee:02")))
	require.NoError(t, d.Apply(ctx, NewMACSet("aa:bb:cc:dd:ee:02")))

	actual, err := d.Inspect(ctx)
	require.NoError(t, err)
	assert.True(t, actual.Equal(NewMACSet("aa:bb:cc:dd:ee:02")))

	// The MAC leaving the whitelist flips its entry to an explicit deny.
	data, err := os.ReadFile(filepath.Join(dir, "aa-bb-cc-dd-ee-01.conf"))
	require.NoError(t, err)
	assert.Equal(t, "aa:bb:cc:dd:ee:01,ignore\n", string(data))
}

func TestDnsmasqApplyEmptySetDeniesAll(t *testing.T) {
	d, _ := newDnsmasqDriver(t)
	ctx := context.Background()

	require.NoError(t, d.Apply(ctx, NewMACSet("aa:bb:cc:dd:ee:01")))
	require.NoError(t, d.Apply(ctx, NewMACSet()))

	actual, err := d.Inspect(ctx)
	require.NoError(t, err)
	assert.Empty(t, actual)
}

func TestDnsmasqInspectSkipsForeignFiles(t *testing.T) {
	d, dir := newDnsmasqDriver(t)
	ctx := context.Background()

	// Operator leftovers in the hostsdir must not confuse drift detection.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("notes"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "static.conf"), []byte("x"), 0o644))

	require.NoError(t, d.Apply(ctx, NewMACSet("aa:bb:cc:dd:ee:01")))

	actual, err := d.Inspect(ctx)
	require.NoError(t, err)
	assert.True(t, actual.Equal(NewMACSet("aa:bb:cc:dd:ee:01")))
}

func TestDnsmasqApplyIsIdempotent(t *testing.T) {
	d, dir := newDnsmasqDriver(t)
	ctx := context.Background()

	desired := NewMACSet("aa:bb:cc:dd:ee:01")
	require.NoError(t, d.Apply(ctx, desired))

	before, err := os.Stat(filepath.Join(dir, "aa-bb-cc-dd-ee-01.conf"))
	require.NoError(t, err)

	require.NoError(t, d.Apply(ctx, desired))

	after, err := os.Stat(filepath.Join(dir, "aa-bb-cc-dd-ee-01.conf"))
	require.NoError(t, err)
	assert.Equal(t, before.ModTime(), after.ModTime(), "no-op apply must not rewrite files")
}
