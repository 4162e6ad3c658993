//go:build linux
// +build linux

package pxefilter

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"
	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"grimm.is/ferric/internal/ferr"
	"grimm.is/ferric/internal/logging"
)

const (
	nftTableName = "ferric_pxe"
	nftChainName = "introspection"
	nftSetName   = "allowed_macs"
)

// NFTConn abstracts the nftables operations the driver needs, so tests can
// run against a fake on any platform.
type NFTConn interface {
	AddTable(t *nftables.Table) *nftables.Table
	ListTables() ([]*nftables.Table, error)
	AddChain(c *nftables.Chain) *nftables.Chain
	AddRule(r *nftables.Rule) *nftables.Rule
	AddSet(s *nftables.Set, vals []nftables.SetElement) error
	GetSets(t *nftables.Table) ([]*nftables.Set, error)
	GetSetElements(s *nftables.Set) ([]nftables.SetElement, error)
	SetAddElements(s *nftables.Set, vals []nftables.SetElement) error
	FlushSet(s *nftables.Set)
	Flush() error
}

// NFTablesDriver filters DHCP by source MAC with a native nftables ruleset:
// an inet table holding a set of allowed ether addresses, an input-hook
// chain that accepts DHCP requests from set members and drops the rest.
type NFTablesDriver struct {
	conn   NFTConn
	iface  string // empty means match on all interfaces
	logger *logging.Logger

	table *nftables.Table
	set   *nftables.Set
}

// NewNFTablesDriver creates the driver against the kernel's nftables. When
// iface is non-empty it must name an existing link; DHCP filtering is then
// restricted to that interface.
func NewNFTablesDriver(iface string, logger *logging.Logger) (*NFTablesDriver, error) {
	if iface != "" {
		if _, err := netlink.LinkByName(iface); err != nil {
			return nil, fmt.Errorf("introspection interface %s: %w", iface, err)
		}
	}
	conn, err := nftables.New()
	if err != nil {
		return nil, fmt.Errorf("failed to open nftables: %w", err)
	}
	return NewNFTablesDriverWithConn(&realNFTConn{conn: conn}, iface, logger), nil
}

// NewNFTablesDriverWithConn creates the driver with an injected connection.
func NewNFTablesDriverWithConn(conn NFTConn, iface string, logger *logging.Logger) *NFTablesDriver {
	if logger == nil {
		logger = logging.Default()
	}
	return &NFTablesDriver{
		conn:   conn,
		iface:  iface,
		logger: logger.WithComponent("nft-filter"),
	}
}

func (d *NFTablesDriver) Name() string { return "nftables" }

// Apply converges the kernel set toward desired: the ruleset is created if
// missing, then the set is flushed and refilled in one batch commit.
func (d *NFTablesDriver) Apply(ctx context.Context, desired MACSet) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := d.ensureRuleset(); err != nil {
		return err
	}

	elements := make([]nftables.SetElement, 0, len(desired))
	for _, mac := range desired.Sorted() {
		key, err := macKey(mac)
		if err != nil {
			return err
		}
		elements = append(elements, nftables.SetElement{Key: key})
	}

	d.conn.FlushSet(d.set)
	if len(elements) > 0 {
		if err := d.conn.SetAddElements(d.set, elements); err != nil {
			return ferr.Driver(err, "failed to stage whitelist elements")
		}
	}
	if err := d.conn.Flush(); err != nil {
		return ferr.Driver(err, "failed to commit whitelist")
	}

	d.logger.Debug("whitelist applied", "macs", len(elements))
	return nil
}

// Inspect reads the kernel set back. A missing table or set means nothing
// is whitelisted yet and yields an empty set, not an error.
func (d *NFTablesDriver) Inspect(ctx context.Context) (MACSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	set, err := d.findSet()
	if err != nil {
		return nil, err
	}
	if set == nil {
		return NewMACSet(), nil
	}

	elements, err := d.conn.GetSetElements(set)
	if err != nil {
		return nil, ferr.Driver(err, "failed to read whitelist set")
	}

	actual := NewMACSet()
	for _, el := range elements {
		if len(el.Key) != 6 {
			continue
		}
		mac := fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
			el.Key[0], el.Key[1], el.Key[2], el.Key[3], el.Key[4], el.Key[5])
		actual[mac] = struct{}{}
	}
	return actual, nil
}

// ensureRuleset creates the table, chain, set and the two static rules on
// first use. Safe to call repeatedly; existing structures are reused.
func (d *NFTablesDriver) ensureRuleset() error {
	if d.set != nil {
		return nil
	}

	set, err := d.findSet()
	if err != nil {
		return err
	}
	if set != nil {
		d.set = set
		return nil
	}

	table := d.conn.AddTable(&nftables.Table{
		Name:   nftTableName,
		Family: nftables.TableFamilyINet,
	})

	chain := d.conn.AddChain(&nftables.Chain{
		Name:     nftChainName,
		Table:    table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookInput,
		Priority: nftables.ChainPriorityFilter,
	})

	newSet := &nftables.Set{
		Table:   table,
		Name:    nftSetName,
		KeyType: nftables.TypeEtherAddr,
	}
	if err := d.conn.AddSet(newSet, nil); err != nil {
		return ferr.Driver(err, "failed to create whitelist set")
	}

	// ether saddr @allowed_macs udp dport 67 accept
	d.conn.AddRule(&nftables.Rule{
		Table: table,
		Chain: chain,
		Exprs: append(d.matchDHCP(),
			&expr.Payload{
				DestRegister: 1,
				Base:         expr.PayloadBaseLLHeader,
				Offset:       6, // ethernet source address
				Len:          6,
			},
			&expr.Lookup{
				SourceRegister: 1,
				SetName:        newSet.Name,
				SetID:          newSet.ID,
			},
			&expr.Verdict{Kind: expr.VerdictAccept},
		),
	})

	// udp dport 67 drop (everything not accepted above)
	d.conn.AddRule(&nftables.Rule{
		Table: table,
		Chain: chain,
		Exprs: append(d.matchDHCP(),
			&expr.Verdict{Kind: expr.VerdictDrop},
		),
	})

	if err := d.conn.Flush(); err != nil {
		return ferr.Driver(err, "failed to create filter ruleset")
	}

	d.table = table
	d.set = newSet
	d.logger.Info("filter ruleset created", "table", nftTableName, "iface", d.iface)
	return nil
}

// matchDHCP builds the expressions matching inbound DHCP server traffic,
// optionally restricted to the configured interface.
func (d *NFTablesDriver) matchDHCP() []expr.Any {
	var exprs []expr.Any
	if d.iface != "" {
		exprs = append(exprs,
			&expr.Meta{Key: expr.MetaKeyIIFNAME, Register: 1},
			&expr.Cmp{
				Op:       expr.CmpOpEq,
				Register: 1,
				Data:     ifname(d.iface),
			},
		)
	}

	dport := make([]byte, 2)
	binary.BigEndian.PutUint16(dport, uint16(dhcpv4.ServerPort))

	return append(exprs,
		&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
		&expr.Cmp{
			Op:       expr.CmpOpEq,
			Register: 1,
			Data:     []byte{unix.IPPROTO_UDP},
		},
		&expr.Payload{
			DestRegister: 1,
			Base:         expr.PayloadBaseTransportHeader,
			Offset:       2, // udp destination port
			Len:          2,
		},
		&expr.Cmp{
			Op:       expr.CmpOpEq,
			Register: 1,
			Data:     dport,
		},
	)
}

func (d *NFTablesDriver) findSet() (*nftables.Set, error) {
	tables, err := d.conn.ListTables()
	if err != nil {
		return nil, ferr.Driver(err, "failed to list tables")
	}
	var table *nftables.Table
	for _, t := range tables {
		if t.Name == nftTableName && t.Family == nftables.TableFamilyINet {
			table = t
			break
		}
	}
	if table == nil {
		return nil, nil
	}

	sets, err := d.conn.GetSets(table)
	if err != nil {
		return nil, ferr.Driver(err, "failed to list sets")
	}
	for _, s := range sets {
		if s.Name == nftSetName {
			d.table = table
			return s, nil
		}
	}
	return nil, nil
}

func macKey(mac string) ([]byte, error) {
	hw, err := net.ParseMAC(mac)
	if err != nil || len(hw) != 6 {
		return nil, fmt.Errorf("invalid MAC address %q", mac)
	}
	return hw, nil
}

// ifname pads an interface name to the 16-byte null-terminated form the
// kernel compares against.
func ifname(name string) []byte {
	b := make([]byte, 16)
	copy(b, name)
	return b
}

// realNFTConn adapts *nftables.Conn to NFTConn.
type realNFTConn struct {
	conn *nftables.Conn
}

func (r *realNFTConn) AddTable(t *nftables.Table) *nftables.Table { return r.conn.AddTable(t) }
func (r *realNFTConn) ListTables() ([]*nftables.Table, error)     { return r.conn.ListTables() }
func (r *realNFTConn) AddChain(c *nftables.Chain) *nftables.Chain { return r.conn.AddChain(c) }
func (r *realNFTConn) AddRule(rule *nftables.Rule) *nftables.Rule { return r.conn.AddRule(rule) }
func (r *realNFTConn) AddSet(s *nftables.Set, vals []nftables.SetElement) error {
	return r.conn.AddSet(s, vals)
}
func (r *realNFTConn) GetSets(t *nftables.Table) ([]*nftables.Set, error) {
	return r.conn.GetSets(t)
}
func (r *realNFTConn) GetSetElements(s *nftables.Set) ([]nftables.SetElement, error) {
	return r.conn.GetSetElements(s)
}
func (r *realNFTConn) SetAddElements(s *nftables.Set, vals []nftables.SetElement) error {
	return r.conn.SetAddElements(s, vals)
}
func (r *realNFTConn) FlushSet(s *nftables.Set) { r.conn.FlushSet(s) }
func (r *realNFTConn) Flush() error             { return r.conn.Flush() }
