// Package pipeline turns posted hardware facts into a node's canonical
// properties. A submission identifies its node, takes the node's processing
// lock, runs the configured hooks in order over a mutable working copy, and
// finishes or fails the record. Different nodes' passes run fully
// concurrently; a single node's pass is strictly sequential.
package pipeline

import (
	"fmt"

	"grimm.is/ferric/internal/inventory"
	"grimm.is/ferric/internal/nodecache"
)

// Pass is the mutable working state handed to each hook during one
// processing pass. Hooks mutate Data, Props and Caps; the accumulated
// document becomes the record's result on finish.
type Pass struct {
	Node *nodecache.Record
	Data *inventory.Data

	// Props holds derived node properties (root disk size, cpu count).
	Props map[string]any
	// Caps holds derived capabilities (boot mode, virtualization).
	Caps map[string]any
}

func newPass(node *nodecache.Record, data *inventory.Data) *Pass {
	return &Pass{
		Node:  node,
		Data:  data,
		Props: make(map[string]any),
		Caps:  make(map[string]any),
	}
}

// Document assembles the result document stored on the record and later
// addressed by rule field paths.
func (p *Pass) Document() map[string]any {
	return map[string]any{
		"inventory":    p.Data.AsDocument(),
		"properties":   p.Props,
		"capabilities": p.Caps,
	}
}

// Hook is one pipeline stage. Run either completes normally, possibly
// mutating the pass, or aborts the whole pass by returning a HookAborted
// error; any other error aborts with an unclassified kind.
type Hook interface {
	Name() string
	Run(pass *Pass) error
}

// builtinHooks maps hook names to constructors. The execution order is an
// explicit configuration list resolved at startup, not registration order.
var builtinHooks = map[string]func() Hook{
	"ramdisk-error":       func() Hook { return RamdiskErrorHook{} },
	"validate-interfaces": func() Hook { return ValidateInterfacesHook{} },
	"root-disk":           func() Hook { return RootDiskHook{MinSizeGB: DefaultRootDiskMinGB} },
	"scheduler-facts":     func() Hook { return SchedulerFactsHook{} },
}

// DefaultHookOrder is the standard pipeline when no order is configured.
var DefaultHookOrder = []string{
	"ramdisk-error",
	"validate-interfaces",
	"root-disk",
	"scheduler-facts",
}

// ResolveHooks turns a configured name list into hook instances. Unknown
// names fail startup rather than being skipped silently.
func ResolveHooks(names []string) ([]Hook, error) {
	if len(names) == 0 {
		names = DefaultHookOrder
	}
	hooks := make([]Hook, 0, len(names))
	for _, name := range names {
		ctor, ok := builtinHooks[name]
		if !ok {
			return nil, fmt.Errorf("unknown pipeline hook %q", name)
		}
		hooks = append(hooks, ctor())
	}
	return hooks, nil
}
