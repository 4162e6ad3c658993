package rules

import (
	"errors"

	"grimm.is/ferric/internal/ferr"
	"grimm.is/ferric/internal/logging"
	"grimm.is/ferric/internal/metrics"
)

// Engine evaluates the stored rule set against result documents.
type Engine struct {
	store  *Store
	logger *logging.Logger
}

// NewEngine builds an engine over the given rule store.
func NewEngine(store *Store, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.Default()
	}
	return &Engine{
		store:  store,
		logger: logger.WithComponent("rules"),
	}
}

// Apply runs every stored rule, in definition order, against doc and mutates
// it in place. A rule fires only when all of its conditions hold. A firing
// fail action aborts the pass with a HookAborted error carrying the rule's
// message; the caller decides what to do with the partially mutated document.
//
// Rule evaluation never changes the record's state. A returned error is a
// diagnostic on a finished record, not a reason to revert it.
func (e *Engine) Apply(nodeID string, doc map[string]any) error {
	stored, err := e.store.List()
	if err != nil {
		return err
	}

	log := e.logger.WithNode(nodeID)
	for _, rule := range stored {
		fired, err := e.evaluate(rule, doc)
		if err != nil {
			metrics.Get().RulePassTotal.WithLabelValues("error").Inc()
			return err
		}
		if !fired {
			continue
		}
		log.Debug("rule fired", "rule", rule.ID, "description", rule.Description)
		for _, action := range rule.Actions {
			if err := applyAction(doc, action); err != nil {
				var fail failAction
				if errors.As(err, &fail) {
					metrics.Get().RulePassTotal.WithLabelValues("failed").Inc()
					return ferr.HookAborted("rule", "rule %q failed node: %s", rule.Description, fail.message)
				}
				metrics.Get().RulePassTotal.WithLabelValues("error").Inc()
				return err
			}
		}
	}
	metrics.Get().RulePassTotal.WithLabelValues("ok").Inc()
	return nil
}

// evaluate reports whether every condition of the rule holds.
func (e *Engine) evaluate(rule Rule, doc map[string]any) (bool, error) {
	for _, c := range rule.Conditions {
		match, err := evaluateCondition(doc, c)
		if err != nil {
			return false, err
		}
		if !match {
			return false, nil
		}
	}
	return true, nil
}
