package rts

import (
	"fmt"
	"sync"

	"github.com/serialx/hashring"
)

// HandlePool routes flows across a fixed set of concurrently-running
// Handles using consistent hashing over the flow's five-tuple, so every
// packet of a given flow reaches the same Handle across its whole
// lifetime even though each Handle is single-writer (§5: "different
// handles may run concurrently on different goroutines and only
// communicate through the Queue"). Growing or shrinking the pool only
// reshuffles the fraction of flows owned by the changed node, rather than
// remapping every in-flight flow the way a plain hash-mod-N split would.
type HandlePool struct {
	mu      sync.RWMutex
	handles map[string]*Handle
	ring    *hashring.HashRing
}

// NewHandlePool builds an empty pool; call AddHandle to populate it before
// routing any flows.
func NewHandlePool() *HandlePool {
	return &HandlePool{
		handles: make(map[string]*Handle),
		ring:    hashring.New(nil),
	}
}

// AddHandle registers h under name, making it eligible to receive flows.
// Panics if name is already registered, matching the runtime's other
// registries (compile/config-time duplication is a bug, not user error).
func (p *HandlePool) AddHandle(name string, h *Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.handles[name]; exists {
		panic(fmt.Sprintf("rts: handle %q already registered in pool", name))
	}
	p.handles[name] = h
	p.ring = p.ring.AddNode(name)
}

// RemoveHandle drops name from the pool. Flows previously pinned to it
// rehash onto the pool's remaining handles on their next lookup; the
// caller is responsible for destroying/draining the Handle itself.
func (p *HandlePool) RemoveHandle(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.handles, name)
	p.ring = p.ring.RemoveNode(name)
}

// Route returns the Handle that owns flowKey, or false if the pool has no
// handles registered.
func (p *HandlePool) Route(flowKey string) (*Handle, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	name, ok := p.ring.GetNode(flowKey)
	if !ok {
		return nil, false
	}
	h, ok := p.handles[name]
	return h, ok
}

// Len reports how many handles are currently registered.
func (p *HandlePool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.handles)
}

// Each calls fn once per registered handle, for pool-wide operations like
// loading a new signature bundle into every member. fn must not call back
// into the pool — it's invoked while p's read lock is held.
func (p *HandlePool) Each(fn func(name string, h *Handle)) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for name, h := range p.handles {
		fn(name, h)
	}
}

// FiveTupleKey builds the hash-ring key for a flow's five-tuple, in a
// fixed, direction-sensitive field order so StreamCreate/StreamScan calls
// for the same connection always hash identically.
func FiveTupleKey(proto uint8, saddr string, sport uint16, daddr string, dport uint16) string {
	return fmt.Sprintf("%d|%s|%d|%s|%d", proto, saddr, sport, daddr, dport)
}
