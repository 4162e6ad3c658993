// Package pxefilter keeps the network-boot access-control backend in step
// with the set of nodes currently awaiting introspection.
//
// A Driver translates a desired whitelist of MAC addresses into
// backend-specific state (nftables rules, dnsmasq host files, or nothing at
// all) and can report what the backend actually allows right now. The
// Synchronizer owns the reconciliation loop between the two.
package pxefilter

import (
	"context"
	"sort"
)

// MACSet is a set of normalized MAC addresses.
type MACSet map[string]struct{}

// NewMACSet builds a set from the given addresses.
func NewMACSet(macs ...string) MACSet {
	s := make(MACSet, len(macs))
	for _, m := range macs {
		if m != "" {
			s[m] = struct{}{}
		}
	}
	return s
}

// Has reports membership.
func (s MACSet) Has(mac string) bool {
	_, ok := s[mac]
	return ok
}

// Equal reports whether both sets hold the same addresses.
func (s MACSet) Equal(other MACSet) bool {
	if len(s) != len(other) {
		return false
	}
	for m := range s {
		if !other.Has(m) {
			return false
		}
	}
	return true
}

// Diff returns the addresses present in s but not in other, and vice versa.
func (s MACSet) Diff(other MACSet) (onlyHere, onlyThere []string) {
	for m := range s {
		if !other.Has(m) {
			onlyHere = append(onlyHere, m)
		}
	}
	for m := range other {
		if !s.Has(m) {
			onlyThere = append(onlyThere, m)
		}
	}
	sort.Strings(onlyHere)
	sort.Strings(onlyThere)
	return onlyHere, onlyThere
}

// Sorted returns the addresses in lexical order.
func (s MACSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for m := range s {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Clone returns an independent copy.
func (s MACSet) Clone() MACSet {
	out := make(MACSet, len(s))
	for m := range s {
		out[m] = struct{}{}
	}
	return out
}

// Driver is the filter backend capability set. Implementations must be
// idempotent and retry-safe: Apply converges the backend toward the full
// desired set without knowledge of any previous desired set, and calling it
// with a set identical to current backend state is a no-op.
type Driver interface {
	// Name identifies the backend in logs and status output.
	Name() string
	// Apply converges backend state toward the desired whitelist.
	Apply(ctx context.Context, desired MACSet) error
	// Inspect returns the backend's current actual allowed-MAC set.
	Inspect(ctx context.Context) (MACSet, error)
}
