package pipeline

import (
	"errors"

	"grimm.is/ferric/internal/clock"
	"grimm.is/ferric/internal/ferr"
	"grimm.is/ferric/internal/inventory"
	"grimm.is/ferric/internal/logging"
	"grimm.is/ferric/internal/metrics"
	"grimm.is/ferric/internal/nodecache"
	"grimm.is/ferric/internal/rules"
)

// Outcome classifies a submission's synchronous result.
type Outcome string

const (
	// OutcomeFinished means the record reached finished state. The rule
	// pass may still have left a diagnostic.
	OutcomeFinished Outcome = "finished"
	// OutcomeFailed means a pass ran and failed the record.
	OutcomeFailed Outcome = "failed"
	// OutcomeRejected means no pass ran; the record, if any, is untouched.
	OutcomeRejected Outcome = "rejected"
)

// Result is what a submitting agent gets back.
type Result struct {
	// NodeID is empty when identification failed.
	NodeID  string
	Outcome Outcome
	// Err carries the failure for failed and rejected outcomes.
	Err error
	// Diagnostic reports a rule pass failure on an otherwise finished
	// record.
	Diagnostic string
}

// Retryable reports whether resubmitting the same payload may succeed
// without operator action.
func (r Result) Retryable() bool {
	return ferr.IsRetryable(r.Err)
}

// Options configures a Processor.
type Options struct {
	// Hooks run in order on every pass. Defaults to DefaultHookOrder.
	Hooks []Hook
	// NotFound is the fallback chain for unidentified submissions.
	NotFound []NotFoundHandler
	// Poke, if set, nudges the filter synchronizer after any state
	// transition that changes the whitelist.
	Poke func()
	// Clock times hook execution; defaults to the real clock.
	Clock  clock.Clock
	Logger *logging.Logger
}

// Processor drives one pass per submission over the node cache.
type Processor struct {
	store    *nodecache.Store
	engine   *rules.Engine
	hooks    []Hook
	notFound []NotFoundHandler
	poke     func()
	clock    clock.Clock
	logger   *logging.Logger
}

// New builds a Processor over the given store and rule engine.
func New(store *nodecache.Store, engine *rules.Engine, opts Options) (*Processor, error) {
	hooks := opts.Hooks
	if hooks == nil {
		var err error
		hooks, err = ResolveHooks(nil)
		if err != nil {
			return nil, err
		}
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	poke := opts.Poke
	if poke == nil {
		poke = func() {}
	}
	return &Processor{
		store:    store,
		engine:   engine,
		hooks:    hooks,
		notFound: opts.NotFound,
		poke:     poke,
		clock:    clk,
		logger:   logger.WithComponent("pipeline"),
	}, nil
}

// Submit runs one full pass for a posted payload: decode, identify, lock,
// hooks, finish or fail, rule pass. It is safe for concurrent use;
// submissions for different nodes proceed independently, a duplicate
// submission for a node already processing is rejected with AlreadyLocked.
func (p *Processor) Submit(payload []byte) Result {
	data, err := inventory.Decode(payload)
	if err != nil {
		metrics.Get().SubmitsTotal.WithLabelValues(string(OutcomeRejected)).Inc()
		return Result{Outcome: OutcomeRejected, Err: err}
	}

	rec, err := p.identify(data)
	if err != nil {
		metrics.Get().SubmitsTotal.WithLabelValues(string(OutcomeRejected)).Inc()
		return Result{Outcome: OutcomeRejected, Err: err}
	}

	res := p.process(rec.ID, data)
	metrics.Get().SubmitsTotal.WithLabelValues(string(res.Outcome)).Inc()
	return res
}

// identify maps a payload to its node record, walking the not-found chain
// when nothing matches.
func (p *Processor) identify(data *inventory.Data) (*nodecache.Record, error) {
	if data.NodeID != "" {
		return p.store.Get(data.NodeID)
	}

	attrs := make(map[string][]string)
	if macs := data.MACs(); len(macs) > 0 {
		attrs[nodecache.MACAttribute] = macs
	}
	if data.BMCAddress != "" {
		attrs[nodecache.BMCAttribute] = []string{data.BMCAddress}
	}

	rec, err := p.store.Find(attrs)
	if err == nil {
		return rec, nil
	}
	if !ferr.IsKind(err, ferr.KindNotFound) {
		return nil, err
	}
	return runNotFoundChain(p.notFound, data)
}

func (p *Processor) process(nodeID string, data *inventory.Data) Result {
	log := p.logger.WithNode(nodeID)

	rec, err := p.store.BeginProcessing(nodeID)
	if err != nil {
		return Result{NodeID: nodeID, Outcome: OutcomeRejected, Err: err}
	}
	// Leaving waiting shrinks the desired whitelist.
	p.poke()

	pass := newPass(rec, data)
	for _, hook := range p.hooks {
		started := p.clock.Now()
		err := hook.Run(pass)
		metrics.Get().HookDuration.WithLabelValues(hook.Name()).
			Observe(p.clock.Since(started).Seconds())
		if err == nil {
			continue
		}

		kind, msg := abortDetails(err)
		metrics.Get().HookAborts.WithLabelValues(hook.Name(), kind).Inc()
		metrics.Get().IntrospectionsFailed.WithLabelValues(kind).Inc()
		log.Warn("hook aborted pass", "hook", hook.Name(), "kind", kind, "error", msg)

		if failErr := p.store.Fail(nodeID, kind, msg); failErr != nil {
			log.Error("failed to record pass failure", "error", failErr)
		}
		p.poke()
		return Result{NodeID: nodeID, Outcome: OutcomeFailed, Err: err}
	}

	doc := pass.Document()
	if err := p.store.Finish(nodeID, doc); err != nil {
		return Result{NodeID: nodeID, Outcome: OutcomeRejected, Err: err}
	}
	metrics.Get().IntrospectionsFinished.Inc()
	p.poke()

	// Rules run on the finished record. A rule failure degrades the
	// record with a diagnostic but never reverts the finished state.
	if err := p.engine.Apply(nodeID, doc); err != nil {
		log.Warn("rule pass failed on finished record", "error", err)
		if diagErr := p.store.SetDiagnostic(nodeID, err.Error()); diagErr != nil {
			log.Error("failed to record rule diagnostic", "error", diagErr)
		}
		return Result{NodeID: nodeID, Outcome: OutcomeFinished, Diagnostic: err.Error()}
	}
	if err := p.store.UpdateResult(nodeID, doc); err != nil {
		log.Error("failed to persist rule mutations", "error", err)
	}

	log.Info("introspection finished")
	return Result{NodeID: nodeID, Outcome: OutcomeFinished}
}

// abortDetails extracts the failure kind and message a hook signalled.
func abortDetails(err error) (kind, msg string) {
	var fe *ferr.Error
	if errors.As(err, &fe) {
		if fe.Kind == ferr.KindHookAborted && fe.AbortKind != "" {
			return fe.AbortKind, fe.Message
		}
		return string(fe.Kind), fe.Message
	}
	return string(ferr.KindHookAborted), err.Error()
}
