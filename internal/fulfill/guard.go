package fulfill

import "sync"

// inflightGuard collapses concurrent duplicate triggers for the same
// order arriving from the push and poll paths. An order id is acquired
// before any awaiting work begins and must be released on every exit.
type inflightGuard struct {
	mu     sync.Mutex
	active map[string]struct{}
}

func newInflightGuard() *inflightGuard {
	return &inflightGuard{active: map[string]struct{}{}}
}

func (g *inflightGuard) TryAcquire(orderID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.active[orderID]; busy {
		return false
	}
	g.active[orderID] = struct{}{}
	return true
}

func (g *inflightGuard) Release(orderID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.active, orderID)
}

func (g *inflightGuard) Size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.active)
}
