package nodecache

import "sync"

// lockTable is the per-node mutual exclusion primitive. Acquisition never
// blocks: a pass either takes the lock or is told the node is busy. The
// timeout sweeper is the escape hatch for locks abandoned by crashed passes.
type lockTable struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newLockTable() *lockTable {
	return &lockTable{held: make(map[string]struct{})}
}

// TryAcquire takes the lock for nodeID, reporting false if it is held.
func (t *lockTable) TryAcquire(nodeID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, taken := t.held[nodeID]; taken {
		return false
	}
	t.held[nodeID] = struct{}{}
	return true
}

// Release frees the lock for nodeID. Releasing an unheld lock is a no-op.
func (t *lockTable) Release(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.held, nodeID)
}

// Held reports whether nodeID's lock is currently taken.
func (t *lockTable) Held(nodeID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, taken := t.held[nodeID]
	return taken
}
