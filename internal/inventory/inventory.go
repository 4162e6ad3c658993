// Package inventory defines the hardware facts a discovery agent posts
// about a bare-metal node. The service consumes the decoded payload only;
// transport framing belongs to the API layer.
package inventory

import (
	"encoding/json"
	"net"
	"strings"

	"grimm.is/ferric/internal/ferr"
)

// Interface is one network interface reported by the agent.
type Interface struct {
	Name       string `json:"name"`
	MAC        string `json:"mac"`
	IP         string `json:"ip,omitempty"`
	PCIAddress string `json:"pci_address,omitempty"`
}

// HasUsableAddress reports whether the interface carries a parseable MAC
// and, when present, a parseable IP.
func (i Interface) HasUsableAddress() bool {
	if _, err := net.ParseMAC(i.MAC); err != nil {
		return false
	}
	if i.IP != "" && net.ParseIP(i.IP) == nil {
		return false
	}
	return true
}

// Disk is one block device reported by the agent.
type Disk struct {
	Name       string `json:"name"`
	SizeGB     int64  `json:"size_gb"`
	Model      string `json:"model,omitempty"`
	Rotational bool   `json:"rotational,omitempty"`
}

// Data is the full introspection payload for one node.
type Data struct {
	// NodeID is an optional explicit node identity hint from the agent.
	NodeID string `json:"node_id,omitempty"`

	CPUs     int    `json:"cpus"`
	CPUArch  string `json:"cpu_arch,omitempty"`
	MemoryMB int64  `json:"memory_mb"`
	Vendor   string `json:"vendor,omitempty"`
	Product  string `json:"product,omitempty"`

	Interfaces []Interface `json:"interfaces"`
	Disks      []Disk      `json:"disks"`

	// BootInterface is the MAC the node PXE-booted from.
	BootInterface string `json:"boot_interface,omitempty"`
	// BMCAddress is the management controller address, usable as a
	// lookup key when no MAC is recognized.
	BMCAddress string `json:"bmc_address,omitempty"`

	// Error carries an agent-side failure report. A non-empty value fails
	// the pass before any hardware facts are trusted.
	Error string `json:"error,omitempty"`
}

// Decode parses and shape-checks a posted payload. An empty or
// syntactically malformed document is a ValidationError; deeper semantic
// checks belong to the pipeline hooks.
func Decode(payload []byte) (*Data, error) {
	if len(strings.TrimSpace(string(payload))) == 0 {
		return nil, ferr.Validation("introspection payload is empty")
	}
	var data Data
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, ferr.Validation("malformed introspection payload: %v", err)
	}
	if data.Error == "" && len(data.Interfaces) == 0 && data.CPUs == 0 &&
		data.MemoryMB == 0 && len(data.Disks) == 0 {
		return nil, ferr.Validation("introspection payload carries no hardware facts")
	}
	return &data, nil
}

// MACs returns the normalized MAC addresses of all reported interfaces.
func (d *Data) MACs() []string {
	var macs []string
	for _, iface := range d.Interfaces {
		hw, err := net.ParseMAC(iface.MAC)
		if err != nil {
			continue
		}
		macs = append(macs, strings.ToLower(hw.String()))
	}
	return macs
}

// AsDocument converts the inventory into the generic document form stored
// on the node record and addressed by rule field paths.
func (d *Data) AsDocument() map[string]any {
	raw, _ := json.Marshal(d)
	var doc map[string]any
	_ = json.Unmarshal(raw, &doc)
	delete(doc, "error")
	delete(doc, "node_id")
	return doc
}
