package pipeline

import (
	"github.com/google/uuid"

	"grimm.is/ferric/internal/ferr"
	"grimm.is/ferric/internal/inventory"
	"grimm.is/ferric/internal/logging"
	"grimm.is/ferric/internal/nodecache"
)

// NotFoundHandler is one stage of the node-not-found fallback chain. A
// handler either claims the submission by producing a waiting record, passes
// with a NotFound error so the next handler gets a chance, or fails the
// chain outright with any other error.
type NotFoundHandler interface {
	Name() string
	Handle(data *inventory.Data) (*nodecache.Record, error)
}

// EnrollHandler auto-enrolls unknown hardware: it starts a fresh
// introspection attempt under a generated node identity carrying the
// submission's MACs and BMC address. With this handler last in the chain a
// fleet can be discovered without pre-registration.
type EnrollHandler struct {
	Store *nodecache.Store
}

func (EnrollHandler) Name() string { return "enroll" }

func (h EnrollHandler) Handle(data *inventory.Data) (*nodecache.Record, error) {
	macs := data.MACs()
	if len(macs) == 0 && data.BMCAddress == "" {
		return nil, ferr.NotFound("nothing to enroll by: no MACs or BMC address")
	}

	attrs := make(map[string][]string)
	if len(macs) > 0 {
		attrs[nodecache.MACAttribute] = macs
	}
	if data.BMCAddress != "" {
		attrs[nodecache.BMCAttribute] = []string{data.BMCAddress}
	}

	nodeID := uuid.NewString()
	rec, err := h.Store.Start(nodeID, attrs)
	if err != nil {
		return nil, err
	}
	logging.WithComponent("pipeline").Info("auto-enrolled unknown node",
		"node", nodeID, "macs", len(macs))
	return rec, nil
}

// runNotFoundChain walks the handlers in order until one claims the
// submission. An empty chain, or a chain where every handler passes,
// re-signals NotFound.
func runNotFoundChain(handlers []NotFoundHandler, data *inventory.Data) (*nodecache.Record, error) {
	for _, h := range handlers {
		rec, err := h.Handle(data)
		if err == nil {
			return rec, nil
		}
		if ferr.IsKind(err, ferr.KindNotFound) {
			continue
		}
		return nil, err
	}
	return nil, ferr.NotFound("no active introspection matches the submission")
}
