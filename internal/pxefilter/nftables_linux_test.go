//go:build linux
// +build linux

package pxefilter

import (
	"context"
	"testing"

	"github.com/google/nftables"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeNFTConn mimics the small slice of nftables behavior the driver uses.
// Mutations take effect immediately; Flush only counts commits.
type fakeNFTConn struct {
	tables   []*nftables.Table
	chains   []*nftables.Chain
	rules    []*nftables.Rule
	sets     []*nftables.Set
	elements map[string][]nftables.SetElement
	flushes  int
}

func newFakeNFTConn() *fakeNFTConn {
	return &fakeNFTConn{elements: make(map[string][]nftables.SetElement)}
}

func (f *fakeNFTConn) AddTable(t *nftables.Table) *nftables.Table {
	f.tables = append(f.tables, t)
	return t
}

func (f *fakeNFTConn) ListTables() ([]*nftables.Table, error) {
	return f.tables, nil
}

func (f *fakeNFTConn) AddChain(c *nftables.Chain) *nftables.Chain {
	f.chains = append(f.chains, c)
	return c
}

func (f *fakeNFTConn) AddRule(r *nftables.Rule) *nftables.Rule {
	f.rules = append(f.rules, r)
	return r
}

func (f *fakeNFTConn) AddSet(s *nftables.Set, vals []nftables.SetElement) error {
	f.sets = append(f.sets, s)
	f.elements[s.Name] = append([]nftables.SetElement(nil), vals...)
	return nil
}

func (f *fakeNFTConn) GetSets(t *nftables.Table) ([]*nftables.Set, error) {
	return f.sets, nil
}

func (f *fakeNFTConn) GetSetElements(s *nftables.Set) ([]nftables.SetElement, error) {
	return f.elements[s.Name], nil
}

func (f *fakeNFTConn) SetAddElements(s *nftables.Set, vals []nftables.SetElement) error {
	f.elements[s.Name] = append(f.elements[s.Name], vals...)
	return nil
}

func (f *fakeNFTConn) FlushSet(s *nftables.Set) {
	f.elements[s.Name] = nil
}

func (f *fakeNFTConn) Flush() error {
	f.flushes++
	return nil
}

func TestNFTablesApplyCreatesRulesetOnce(t *testing.T) {
	conn := newFakeNFTConn()
	d := NewNFTablesDriverWithConn(conn, "eth1", nil)
	ctx := context.Background()

	require.NoError(t, d.Apply(ctx, NewMACSet("aa:bb:cc:dd:ee:01")))

	require.Len(t, conn.tables, 1)
	assert.Equal(t, nftTableName, conn.tables[0].Name)
	require.Len(t, conn.chains, 1)
	assert.Equal(t, nftChainName, conn.chains[0].Name)
	assert.Len(t, conn.rules, 2, "accept-from-set rule plus default drop")

	require.NoError(t, d.Apply(ctx, NewMACSet("aa:bb:cc:dd:ee:01", "aa:bb:cc:dd:ee:02")))
	assert.Len(t, conn.rules, 2, "reapply must not duplicate rules")
	assert.Len(t, conn.tables, 1)
}

func TestNFTablesApplyInspectRoundTrip(t *testing.T) {
	conn := newFakeNFTConn()
	d := NewNFTablesDriverWithConn(conn, "", nil)
	ctx := context.Background()

	desired := NewMACSet("aa:bb:cc:dd:ee:01", "aa:bb:cc:dd:ee:02")
	require.NoError(t, d.Apply(ctx, desired))

	actual, err := d.Inspect(ctx)
	require.NoError(t, err)
	assert.True(t, actual.Equal(desired))
}

func TestNFTablesApplyReplacesSetContents(t *testing.T) {
	conn := newFakeNFTConn()
	d := NewNFTablesDriverWithConn(conn, "", nil)
	ctx := context.Background()

	require.NoError(t, d.Apply(ctx, NewMACSet("aa:bb:cc:dd:ee:01")))
	require.NoError(t, d.Apply(ctx, NewMACSet("aa:bb:cc:dd:ee:02")))

	actual, err := d.Inspect(ctx)
	require.NoError(t, err)
	assert.True(t, actual.Equal(NewMACSet("aa:bb:cc:dd:ee:02")))
}

func TestNFTablesInspectEmptyBeforeFirstApply(t *testing.T) {
	conn := newFakeNFTConn()
	d := NewNFTablesDriverWithConn(conn, "", nil)

	actual, err := d.Inspect(context.Background())
	require.NoError(t, err)
	assert.Empty(t, actual, "missing table means nothing whitelisted, not an error")
}

func TestNFTablesRejectsInvalidMAC(t *testing.T) {
	conn := newFakeNFTConn()
	d := NewNFTablesDriverWithConn(conn, "", nil)

	err := d.Apply(context.Background(), NewMACSet("not-a-mac"))
	require.Error(t, err)
}
