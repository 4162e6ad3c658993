package pxefilter

import (
	"context"
	"sync"
	"time"

	"grimm.is/ferric/internal/logging"
	"grimm.is/ferric/internal/metrics"
)

// Source supplies the desired whitelist. The node cache implements it: the
// whitelist is always a pure function of node state and never separately
// persisted, so the synchronizer can be restarted or replayed at will.
type Source interface {
	ActiveMACs() ([]string, error)
}

// SyncOptions configures a Synchronizer.
type SyncOptions struct {
	// CallTimeout bounds each backend call. Zero means no bound.
	CallTimeout time.Duration
	// Retry is the in-cycle backoff policy for backend failures.
	Retry RetryPolicy
	Logger *logging.Logger
}

// Synchronizer reconciles the filter backend against the desired whitelist.
// One cycle runs at a time; periodic cycles are driven by the scheduler and
// immediate cycles by Poke after whitelist-changing state transitions.
type Synchronizer struct {
	source Source
	driver Driver
	opts   SyncOptions
	logger *logging.Logger

	mu   sync.Mutex // serializes cycles
	poke chan struct{}

	stateMu sync.Mutex
	// lastApplied is the cached view of backend state from the last
	// successful cycle, for status reporting only; reconciliation always
	// re-inspects the backend.
	lastApplied MACSet
	degraded    bool
}

// NewSynchronizer creates a synchronizer for the given driver.
func NewSynchronizer(source Source, driver Driver, opts SyncOptions) *Synchronizer {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Synchronizer{
		source: source,
		driver: driver,
		opts:   opts,
		logger: logger.WithComponent("filter-sync"),
		poke:   make(chan struct{}, 1),
	}
}

// Poke requests an immediate sync cycle. Non-blocking; pokes coalesce while
// a cycle is pending.
func (s *Synchronizer) Poke() {
	select {
	case s.poke <- struct{}{}:
	default:
	}
}

// Run services Poke requests until the context is cancelled. Periodic
// cycles are scheduled separately; both funnel into Sync.
func (s *Synchronizer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.poke:
			if err := s.Sync(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("poked sync cycle failed", "error", err)
			}
		}
	}
}

// Sync runs one reconciliation cycle: derive the desired set, inspect the
// backend, and apply the full desired set if they differ. Backend failures
// are retried with bounded backoff; after that the cycle reports degraded
// and convergence waits for the next run. Filter health never blocks node
// processing.
func (s *Synchronizer) Sync(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := metrics.Get()

	macs, err := s.source.ActiveMACs()
	if err != nil {
		m.SyncCycles.WithLabelValues("source_error").Inc()
		return err
	}
	desired := NewMACSet(macs...)
	m.WhitelistSize.Set(float64(len(desired)))

	var applied bool
	err = s.opts.Retry.Do(ctx, func() error {
		callCtx, cancel := s.callContext(ctx)
		defer cancel()

		actual, err := s.driver.Inspect(callCtx)
		if err != nil {
			m.SyncRetries.Inc()
			return err
		}

		toAdd, toRemove := desired.Diff(actual)
		if len(toAdd) == 0 && len(toRemove) == 0 {
			return nil
		}
		m.DriftDetected.Inc()
		s.logger.Info("reconciling filter backend",
			"driver", s.driver.Name(), "add", len(toAdd), "remove", len(toRemove))

		if err := s.driver.Apply(callCtx, desired); err != nil {
			m.SyncRetries.Inc()
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		s.setDegraded(true)
		m.SyncCycles.WithLabelValues("failure").Inc()
		s.logger.Warn("filter sync degraded, will retry next cycle",
			"driver", s.driver.Name(), "error", err)
		return err
	}

	s.setApplied(desired)
	m.SyncCycles.WithLabelValues("success").Inc()
	if applied {
		s.logger.Debug("filter backend converged", "whitelist", len(desired))
	}
	return nil
}

func (s *Synchronizer) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.opts.CallTimeout)
}

func (s *Synchronizer) setApplied(desired MACSet) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.lastApplied = desired.Clone()
	s.degraded = false
}

func (s *Synchronizer) setDegraded(v bool) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.degraded = v
}

// Status reports the last successfully applied whitelist and whether the
// synchronizer is currently degraded.
func (s *Synchronizer) Status() (applied MACSet, degraded bool) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.lastApplied == nil {
		return NewMACSet(), s.degraded
	}
	return s.lastApplied.Clone(), s.degraded
}
