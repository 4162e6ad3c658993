package pipeline

import (
	"strings"

	"grimm.is/ferric/internal/ferr"
	"grimm.is/ferric/internal/inventory"
)

// DefaultRootDiskMinGB is the smallest disk considered usable as a root
// device. Matches the common deploy image footprint.
const DefaultRootDiskMinGB = 4

// RamdiskErrorHook aborts the pass when the discovery agent itself reported
// a failure. It runs first so no later hook trusts facts from a broken run.
type RamdiskErrorHook struct{}

func (RamdiskErrorHook) Name() string { return "ramdisk-error" }

func (RamdiskErrorHook) Run(pass *Pass) error {
	if msg := strings.TrimSpace(pass.Data.Error); msg != "" {
		return ferr.HookAborted(string(ferr.KindValidationError),
			"agent reported failure: %s", msg)
	}
	return nil
}

// ValidateInterfacesHook drops interfaces without a usable MAC (and, when
// given, IP) and aborts when nothing usable remains. The surviving list is
// what later identification and whitelist math rely on.
type ValidateInterfacesHook struct{}

func (ValidateInterfacesHook) Name() string { return "validate-interfaces" }

func (ValidateInterfacesHook) Run(pass *Pass) error {
	kept := make([]inventory.Interface, 0, len(pass.Data.Interfaces))
	for _, iface := range pass.Data.Interfaces {
		if iface.HasUsableAddress() {
			kept = append(kept, iface)
		}
	}
	if len(kept) == 0 {
		return ferr.HookAborted(string(ferr.KindValidationError),
			"no interface with a usable address among %d reported", len(pass.Data.Interfaces))
	}
	pass.Data.Interfaces = kept
	return nil
}

// RootDiskHook picks the smallest disk at or above MinSizeGB as the root
// device and records its size. Smallest-first keeps large data disks free.
type RootDiskHook struct {
	MinSizeGB int64
}

func (RootDiskHook) Name() string { return "root-disk" }

func (h RootDiskHook) Run(pass *Pass) error {
	min := h.MinSizeGB
	if min <= 0 {
		min = DefaultRootDiskMinGB
	}

	var root *inventory.Disk
	for i := range pass.Data.Disks {
		d := &pass.Data.Disks[i]
		if d.SizeGB < min {
			continue
		}
		if root == nil || d.SizeGB < root.SizeGB {
			root = d
		}
	}
	if root == nil {
		return ferr.HookAborted(string(ferr.KindValidationError),
			"no disk of at least %d GB found", min)
	}
	pass.Props["root_device"] = root.Name
	pass.Props["local_gb"] = root.SizeGB
	return nil
}

// SchedulerFactsHook copies the coarse sizing facts a scheduler filters on.
type SchedulerFactsHook struct{}

func (SchedulerFactsHook) Name() string { return "scheduler-facts" }

func (SchedulerFactsHook) Run(pass *Pass) error {
	pass.Props["cpus"] = pass.Data.CPUs
	pass.Props["memory_mb"] = pass.Data.MemoryMB
	if pass.Data.CPUArch != "" {
		pass.Props["cpu_arch"] = pass.Data.CPUArch
	}
	return nil
}
