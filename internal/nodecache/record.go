// Package nodecache is the durable store for introspection attempts.
//
// One record exists per node; starting a new attempt replaces the previous
// finished record rather than mutating it in place. Records move forward
// through waiting -> processing -> finished|error and never backward. The
// per-node exclusive lock that serializes processing passes lives here too,
// as an in-memory primitive independent of the SQLite persistence.
package nodecache

import (
	"net"
	"strings"
	"time"
)

// State is the lifecycle state of an introspection attempt.
type State string

const (
	StateWaiting    State = "waiting"    // enrolled, permitted to post data
	StateProcessing State = "processing" // data received, pipeline running
	StateFinished   State = "finished"   // pipeline and rules succeeded
	StateError      State = "error"      // pipeline failed, validation failed or timed out
)

// Active reports whether the state still allows transitions.
func (s State) Active() bool {
	return s == StateWaiting || s == StateProcessing
}

// MACAttribute is the attribute name under which node MAC addresses are
// stored. MACs stored under it for nodes in StateWaiting form the PXE
// whitelist.
const MACAttribute = "mac"

// BMCAttribute stores the node's management controller address, used as a
// secondary lookup key when the agent payload carries no known MAC.
const BMCAttribute = "bmc_address"

// Record is one introspection attempt for one node.
type Record struct {
	ID         string    `json:"id"`
	State      State     `json:"state"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
	UpdatedAt  time.Time `json:"updated_at"`

	// ErrorKind and ErrorMessage are set on transition to StateError.
	ErrorKind    string `json:"error_kind,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	// Diagnostic carries secondary problems that did not change the state,
	// such as a rule pass failing after a successful pipeline run.
	Diagnostic string `json:"diagnostic,omitempty"`

	// Result is the accumulated introspection document: hardware facts
	// posted by the agent plus properties and capabilities derived by the
	// pipeline and rule engine.
	Result map[string]any `json:"result,omitempty"`

	// MACs are the node's known MAC addresses, normalized.
	MACs []string `json:"macs,omitempty"`
}

// NormalizeMAC canonicalizes a MAC address to the lower-case colon form.
// Returns the empty string if the input is not a valid hardware address.
func NormalizeMAC(s string) string {
	hw, err := net.ParseMAC(strings.TrimSpace(s))
	if err != nil {
		return ""
	}
	return strings.ToLower(hw.String())
}
