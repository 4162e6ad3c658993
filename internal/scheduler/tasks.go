package scheduler

import (
	"context"
	"fmt"
	"time"

	"grimm.is/ferric/internal/metrics"
)

// TaskRegistry holds the component callbacks the standard tasks drive.
type TaskRegistry struct {
	// SyncFilter runs one filter reconciliation cycle.
	SyncFilter func(ctx context.Context) error
	// SweepTimeouts reaps expired attempts and prunes old terminal
	// records, returning the IDs of reaped nodes.
	SweepTimeouts func(ctx context.Context) ([]string, error)
	// CountActive reports attempts currently waiting or processing.
	CountActive func() (int, error)
}

// NewFilterSyncTask keeps the PXE filter backend converged on the whitelist
// even when no poke arrives, healing external drift.
func NewFilterSyncTask(registry *TaskRegistry, interval time.Duration) *Task {
	return &Task{
		ID:          "filter-sync",
		Name:        "Filter Sync",
		Description: "Reconcile the PXE filter backend with the node whitelist",
		Schedule:    Every(interval),
		RunOnStart:  true,
		Timeout:     time.Minute,
		Func: func(ctx context.Context) error {
			if registry.SyncFilter == nil {
				return fmt.Errorf("filter sync function not configured")
			}
			return registry.SyncFilter(ctx)
		},
	}
}

// NewTimeoutSweepTask reaps introspection attempts whose agent went silent.
// This is the only path that ends an attempt without a pipeline pass.
func NewTimeoutSweepTask(registry *TaskRegistry, interval time.Duration) *Task {
	return &Task{
		ID:          "timeout-sweep",
		Name:        "Timeout Sweep",
		Description: "Fail stale introspection attempts and prune old records",
		Schedule:    Every(interval),
		Timeout:     time.Minute,
		Func: func(ctx context.Context) error {
			if registry.SweepTimeouts == nil {
				return fmt.Errorf("timeout sweep function not configured")
			}
			reaped, err := registry.SweepTimeouts(ctx)
			if err != nil {
				return err
			}
			for range reaped {
				metrics.Get().IntrospectionsTimedOut.Inc()
			}
			if registry.CountActive != nil {
				if n, err := registry.CountActive(); err == nil {
					metrics.Get().ActiveIntrospections.Set(float64(n))
				}
			}
			return nil
		},
	}
}
