package pxefilter

import (
	"context"
	"sync"
)

// NoopDriver is the backend for deployments that control PXE access out of
// band. Inspect echoes the last applied set, so the synchronizer always
// observes convergence, and no call ever errors.
type NoopDriver struct {
	mu      sync.Mutex
	applied MACSet
}

// NewNoopDriver creates a no-op filter driver.
func NewNoopDriver() *NoopDriver {
	return &NoopDriver{applied: NewMACSet()}
}

func (d *NoopDriver) Name() string { return "noop" }

// Apply records the desired set as applied.
func (d *NoopDriver) Apply(ctx context.Context, desired MACSet) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.applied = desired.Clone()
	return nil
}

// Inspect returns the last applied set.
func (d *NoopDriver) Inspect(ctx context.Context) (MACSet, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.applied.Clone(), nil
}
