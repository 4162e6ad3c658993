// Package service assembles the introspection daemon: node cache, filter
// synchronizer, processing pipeline, rule engine, scheduler and the HTTP
// surfaces.
package service

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"grimm.is/ferric/internal/config"
	"grimm.is/ferric/internal/ferr"
	"grimm.is/ferric/internal/logging"
	"grimm.is/ferric/internal/metrics"
	"grimm.is/ferric/internal/nodecache"
	"grimm.is/ferric/internal/pipeline"
	"grimm.is/ferric/internal/pxefilter"
	"grimm.is/ferric/internal/rules"
	"grimm.is/ferric/internal/scheduler"
)

// Service owns every long-lived component of the daemon.
type Service struct {
	cfg    *config.Config
	logger *logging.Logger

	store     *nodecache.Store
	ruleStore *rules.Store
	engine    *rules.Engine
	driver    pxefilter.Driver
	syncer    *pxefilter.Synchronizer
	processor *pipeline.Processor
	sched     *scheduler.Scheduler

	ingestSrv  *http.Server
	metricsSrv *http.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the service from configuration without starting anything.
func New(cfg *config.Config, logger *logging.Logger) (*Service, error) {
	if logger == nil {
		logger = logging.Default()
	}
	log := logger.WithComponent("service")

	store, err := nodecache.New(nodecache.Options{
		Path:   cfg.DatabasePath,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open node cache: %w", err)
	}

	driver, err := buildDriver(cfg.Filter, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	syncer := pxefilter.NewSynchronizer(store, driver, pxefilter.SyncOptions{
		CallTimeout: 30 * time.Second,
		Retry:       retryPolicy(cfg.Filter.Retry),
		Logger:      logger,
	})

	ruleStore := rules.NewStore(store.DB())
	engine := rules.NewEngine(ruleStore, logger)

	hooks, err := pipeline.ResolveHooks(cfg.Introspection.Hooks)
	if err != nil {
		store.Close()
		return nil, err
	}
	var notFound []pipeline.NotFoundHandler
	if cfg.Introspection.Enroll {
		notFound = append(notFound, pipeline.EnrollHandler{Store: store})
	}
	processor, err := pipeline.New(store, engine, pipeline.Options{
		Hooks:    hooks,
		NotFound: notFound,
		Poke:     syncer.Poke,
		Logger:   logger,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	svc := &Service{
		cfg:       cfg,
		logger:    log,
		store:     store,
		ruleStore: ruleStore,
		engine:    engine,
		driver:    driver,
		syncer:    syncer,
		processor: processor,
		sched:     scheduler.New(logger),
	}

	if cfg.Introspection.RulesFile != "" {
		if err := svc.ImportRules(cfg.Introspection.RulesFile); err != nil {
			store.Close()
			return nil, err
		}
	}
	return svc, nil
}

func buildDriver(cfg *config.Filter, logger *logging.Logger) (pxefilter.Driver, error) {
	switch cfg.Backend {
	case "noop":
		return pxefilter.NewNoopDriver(), nil
	case "nftables":
		return pxefilter.NewNFTablesDriver(cfg.Interface, logger)
	case "dnsmasq":
		return pxefilter.NewDnsmasqDriver(cfg.HostsDir, logger)
	}
	return nil, fmt.Errorf("unknown filter backend %q", cfg.Backend)
}

// retryPolicy overlays the configured retry knobs, when set, on the
// backend defaults.
func retryPolicy(r *config.Retry) pxefilter.RetryPolicy {
	policy := pxefilter.DefaultRetryPolicy()
	if r == nil {
		return policy
	}
	if r.MaxAttempts > 0 {
		policy.MaxAttempts = r.MaxAttempts
	}
	if r.BaseDelay != "" {
		policy.BaseDelay = config.Duration(r.BaseDelay)
	}
	if r.Multiplier > 0 {
		policy.Multiplier = r.Multiplier
	}
	return policy
}

// Start brings up the synchronizer loop, the scheduler and both HTTP
// listeners, then returns.
func (s *Service) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.syncer.Run(ctx)
	}()

	registry := &scheduler.TaskRegistry{
		SyncFilter:    s.syncer.Sync,
		SweepTimeouts: s.sweep,
		CountActive:   s.countActive,
	}
	syncInterval := config.Duration(s.cfg.Filter.SyncInterval)
	sweepInterval := config.Duration(s.cfg.Introspection.SweepInterval)
	if err := s.sched.AddTask(scheduler.NewFilterSyncTask(registry, syncInterval)); err != nil {
		return err
	}
	if err := s.sched.AddTask(scheduler.NewTimeoutSweepTask(registry, sweepInterval)); err != nil {
		return err
	}
	s.sched.Start()

	if err := s.startHTTP(); err != nil {
		s.Stop()
		return err
	}

	s.logger.Info("service started",
		"listen", s.cfg.Listen,
		"filter", s.driver.Name(),
		"database", s.cfg.DatabasePath)
	return nil
}

// Stop shuts everything down in reverse order and closes the store.
func (s *Service) Stop() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if s.ingestSrv != nil {
		_ = s.ingestSrv.Shutdown(shutdownCtx)
	}
	if s.metricsSrv != nil {
		_ = s.metricsSrv.Shutdown(shutdownCtx)
	}

	s.sched.Stop()
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	if err := s.store.Close(); err != nil {
		s.logger.Warn("failed to close node cache", "error", err)
	}
	s.logger.Info("service stopped")
}

// StartIntrospection creates a fresh waiting attempt for the node and opens
// the PXE whitelist for its MACs.
func (s *Service) StartIntrospection(nodeID string, macs []string, bmcAddress string) (*nodecache.Record, error) {
	attrs := make(map[string][]string)
	if len(macs) > 0 {
		attrs[nodecache.MACAttribute] = macs
	}
	if bmcAddress != "" {
		attrs[nodecache.BMCAttribute] = []string{bmcAddress}
	}

	rec, err := s.store.Start(nodeID, attrs)
	if err != nil {
		return nil, err
	}
	metrics.Get().IntrospectionsStarted.Inc()
	s.syncer.Poke()
	return rec, nil
}

// Submit feeds posted hardware facts through the pipeline.
func (s *Service) Submit(payload []byte) pipeline.Result {
	return s.processor.Submit(payload)
}

// GetRecord looks up one node's introspection record.
func (s *Service) GetRecord(nodeID string) (*nodecache.Record, error) {
	return s.store.Get(nodeID)
}

// ListRecords returns all records.
func (s *Service) ListRecords() ([]*nodecache.Record, error) {
	return s.store.List()
}

// ImportRules replaces the stored rule set from a YAML file.
func (s *Service) ImportRules(path string) error {
	loaded, err := rules.LoadFile(path)
	if err != nil {
		return err
	}
	if err := s.ruleStore.Replace(loaded); err != nil {
		return err
	}
	s.logger.Info("rules imported", "file", path, "count", len(loaded))
	return nil
}

// Rules returns the stored rule set in evaluation order.
func (s *Service) Rules() ([]rules.Rule, error) {
	return s.ruleStore.List()
}

// FilterStatus reports the last applied whitelist and whether the backend
// is lagging behind it.
func (s *Service) FilterStatus() (applied []string, degraded bool) {
	set, degraded := s.syncer.Status()
	return set.Sorted(), degraded
}

// Tasks reports scheduler task status.
func (s *Service) Tasks() []scheduler.TaskStatus {
	return s.sched.GetStatus()
}

func (s *Service) sweep(context.Context) ([]string, error) {
	ttl := config.Duration(s.cfg.Introspection.Timeout)
	keep := config.Duration(s.cfg.Introspection.KeepTime)

	reaped, err := s.store.TimeoutSweep(ttl, keep)
	if err != nil {
		return nil, err
	}
	if len(reaped) > 0 {
		s.syncer.Poke()
	}
	return reaped, nil
}

func (s *Service) countActive() (int, error) {
	recs, err := s.store.List()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range recs {
		if rec.State.Active() {
			n++
		}
	}
	return n, nil
}

// errorStatus maps a taxonomy error onto an HTTP status code for the ingest
// surface.
func errorStatus(err error) int {
	switch ferr.KindOf(err) {
	case ferr.KindNotFound:
		return http.StatusNotFound
	case ferr.KindConflict, ferr.KindAlreadyLocked:
		return http.StatusConflict
	case ferr.KindInvalidState:
		return http.StatusConflict
	case ferr.KindValidationError, ferr.KindTypeMismatch:
		return http.StatusBadRequest
	case "":
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}
