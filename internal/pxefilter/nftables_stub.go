//go:build !linux
// +build !linux

package pxefilter

import (
	"fmt"

	"grimm.is/ferric/internal/logging"
)

// NewNFTablesDriver is unavailable off Linux; use the noop or dnsmasq
// backend instead.
func NewNFTablesDriver(iface string, logger *logging.Logger) (Driver, error) {
	return nil, fmt.Errorf("the nftables filter backend requires Linux")
}
