package rts

import (
	"sync"
	"time"

	"github.com/tevino/abool"

	"flowguard/internal/metrics"
	"flowguard/pkg/ferr"
)

const (
	defaultPoolBytes = 2 << 20 // 2 MiB default per-handle arena
	dictExpiry       = 5 * time.Minute
	trapExpiry       = 30 * time.Second
)

// Domain is a stream's address family, mirroring stream_create's domain
// argument.
type Domain int

const (
	DomainNone Domain = iota
	DomainInet
	DomainInet6
)

// Direction is which side of a connection produced the bytes passed to
// stream_scan.
type Direction int

const (
	ClientToServer Direction = iota
	ServerToClient
)

// Rusage matches handle_rusage's published counters.
type Rusage struct {
	CurrAlloc   uint32
	PeakAlloc   uint32
	FailAlloc   uint32
	MPMCEvents  uint32
	ScanStarted uint64
	ScanStopped uint64
	ScanBytes   uint64
}

// Handle is a single-writer RTS runtime instance: its own arena, its own
// subscriber dictionary and flow-trap table, a consumer view onto a shared
// Queue for cross-handle bundle/dictionary replication, and a reference to
// the currently loaded signature bundle. Per §5, different handles may run
// concurrently on different goroutines and only communicate through the
// Queue.
type Handle struct {
	mu sync.Mutex

	pool    *Pool
	queue   *Queue
	qhandle *QueueHandle

	bundle *Bundle
	keys   map[string]int // key name -> variable index, from the bundle's key list

	dict  *LRUHash[string, Value]
	traps *TrapTable
	shmr  []Value

	subs map[int]Subscriber // variable index -> live subscriber

	streams map[*Stream]struct{}

	scanStarted uint64
	scanStopped uint64
	scanBytes   uint64

	clock func() time.Time
}

// Stream is one tracked connection's VM state plus the 5-tuple it was
// created against.
type Stream struct {
	h          *Handle
	domain     Domain
	proto      uint8
	saddr      string
	sport      uint16
	daddr      string
	dport      uint16
	user       any
	generation uint64 // bundle generation this stream was created under

	vm *VMState
	// terminal is read by StreamMatching without h.mu held, so it's backed
	// by a lock-free flag rather than a plain bool guarded by the handle's
	// mutex like the rest of Stream's fields.
	terminal *abool.AtomicBool
}

// NewHandle allocates a Handle with the default 2 MiB arena, registered as
// a consumer of q for cross-handle bundle/dictionary/trap replication.
func NewHandle(q *Queue) *Handle {
	return NewHandleSized(q, defaultPoolBytes)
}

// NewHandleSized is NewHandle with an explicit arena size, mainly for
// tests that want to exercise OutOfMemory without allocating 2 MiB.
func NewHandleSized(q *Queue, poolBytes int) *Handle {
	h := &Handle{
		pool:    NewPool(poolBytes),
		queue:   q,
		dict:    NewLRUHash[string, Value](dictExpiry),
		traps:   NewTrapTable(trapExpiry),
		subs:    make(map[int]Subscriber),
		streams: make(map[*Stream]struct{}),
		clock:   time.Now,
	}
	h.qhandle = q.NewHandle()
	metrics.RTSHandlesActive.Inc()
	return h
}

// Destroy drains the handle's queue view, drops its bundle reference, and
// releases its streams, matching handle_destroy's contract.
func (h *Handle) Destroy() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.qhandle.Drain()
	h.qhandle.Close()
	if h.bundle != nil {
		h.bundle.Put()
		h.bundle = nil
	}
	h.streams = nil
	metrics.RTSHandlesActive.Dec()
	return nil
}

// Rusage reports handle_rusage's published counters.
func (h *Handle) Rusage() Rusage {
	h.mu.Lock()
	defer h.mu.Unlock()
	stats := h.pool.Stats()
	return Rusage{
		CurrAlloc:   stats.CurrAlloc,
		PeakAlloc:   stats.PeakAlloc,
		FailAlloc:   stats.FailAlloc,
		MPMCEvents:  h.qhandle.Events(),
		ScanStarted: h.scanStarted,
		ScanStopped: h.scanStopped,
		ScanBytes:   h.scanBytes,
	}
}

// Load installs data as the handle's active signature bundle, or unloads
// the current bundle when data is nil, per load(bytes | None).
func (h *Handle) Load(data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if data == nil {
		if h.bundle != nil {
			h.bundle.Put()
		}
		h.bundle = nil
		h.keys = nil
		return nil
	}

	gen := uint64(1)
	if h.bundle != nil {
		gen = h.bundle.Generation + 1
	}
	b, err := LoadBundle(data, gen)
	if err != nil {
		return err
	}
	if h.bundle != nil {
		h.bundle.Put()
	}
	h.bundle = b
	h.bundle.Get()
	h.keys = make(map[string]int, len(b.Keys))
	for _, k := range b.Keys {
		h.keys[k.Name] = k.Var
	}
	h.subs = make(map[int]Subscriber)

	h.queue.Broadcast(&Node{Kind: NodeBundleSwap, Payload: b}, []*QueueHandle{h.qhandle})
	return nil
}

// Subscribe installs cb against key_name's variable slot.
func (h *Handle) Subscribe(keyName string, cb Subscriber) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.bundle == nil {
		return ferr.ErrNoSignature
	}
	varID, ok := h.keys[keyName]
	if !ok {
		return ferr.ErrUnknownKey
	}
	h.subs[varID] = cb
	return nil
}

// Lookup returns the name of the key at index, or the total key count when
// index == -1.
func (h *Handle) Lookup(index int) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.bundle == nil {
		return "", ferr.ErrNoSignature
	}
	if index == -1 {
		return itoa(int64(len(h.bundle.Keys))), nil
	}
	if index < 0 || index >= len(h.bundle.Keys) {
		return "", ferr.ErrInvalidArg
	}
	return h.bundle.Keys[index].Name, nil
}

// StreamCreate opens a new Stream under the handle's current bundle,
// consulting the flow-trap table for a scored match and, on a hit, running
// the matched trap's PC before returning.
func (h *Handle) StreamCreate(domain Domain, proto uint8, saddr string, sport uint16, daddr string, dport uint16, user any) (*Stream, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.bundle == nil {
		return nil, ferr.ErrNoSignature
	}

	s := &Stream{
		h: h, domain: domain, proto: proto, saddr: saddr, sport: sport,
		daddr: daddr, dport: dport, user: user, generation: h.bundle.Generation,
		vm:       NewVMState(),
		terminal: abool.New(),
	}

	if pc, hit := h.traps.Match(TrapCandidate{Proto: proto, SAddr: saddr, SPort: sport, DAddr: daddr, DPort: dport}, h.now()); hit {
		s.vm.PC = pc
		outcome := h.execLocked(s, nil)
		if outcome.Kind == YieldError {
			return nil, outcome.Err
		}
	}

	h.streams[s] = struct{}{}
	return s, nil
}

// StreamDestroy releases s's VM state; always succeeds.
func (h *Handle) StreamDestroy(s *Stream) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.streams, s)
	s.terminal.Set()
	s.vm = nil
	return nil
}

// StreamScan feeds bytes into s's VM from its current resume point,
// returning the number of bytes consumed (0 if s is already terminal).
// direction and ts are accepted for parity with the external contract;
// bytecode may branch on them via future opcodes but the current
// instruction set does not consume them directly.
func (h *Handle) StreamScan(s *Stream, data []byte, direction Direction, ts int64) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if s.terminal.IsSet() {
		return 0, nil
	}
	if h.bundle == nil || s.generation != h.bundle.Generation {
		s.terminal.Set()
		return 0, nil
	}

	h.scanStarted++
	outcome := h.execLocked(s, data)
	h.scanStopped++
	h.scanBytes += uint64(len(data))

	switch outcome.Kind {
	case YieldHalted:
		metrics.RTSScanMatchesTotal.Inc()
		s.terminal.Set()
		return len(data), nil
	case YieldTerminated:
		s.terminal.Set()
		return len(data), nil
	case YieldNeedBytes:
		s.vm.PC = outcome.Resume.PC
		s.vm.FunSlot = outcome.Resume.FunSlot
		return len(data) - outcome.NeedBytes, nil
	case YieldError:
		s.terminal.Set()
		return 0, outcome.Err
	}
	return len(data), nil
}

// StreamMatching reports whether s is still actively scanning. Unlike the
// rest of Stream's fields, terminal is safe to read here without h.mu: it's
// the one field callers poll from outside the handle's single-writer loop.
func (h *Handle) StreamMatching(s *Stream) int {
	if s.terminal.IsSet() {
		return 0
	}
	return 1
}

func (h *Handle) execLocked(s *Stream, data []byte) Outcome {
	deps := ExecDeps{
		Clock: h.clock,
		Dict:  h.dict,
		Traps: h,
		SHMR:  h.shmr,
		Subscribe: func(varID int) (Subscriber, bool) {
			cb, ok := h.subs[varID]
			return cb, ok
		},
	}
	return Exec(h.bundle, s.vm, data, deps)
}

// InstallTrap implements TrapSink for the `expect` opcode.
func (h *Handle) InstallTrap(req TrapRequest, now time.Time) {
	h.traps.InstallTrap(req, now)
}

func (h *Handle) now() time.Time {
	if h.clock != nil {
		return h.clock()
	}
	return time.Now()
}

// Housekeep opportunistically reaps one idle dictionary entry and one idle
// trap, matching the spec's "expired entries are reaped opportunistically
// on access" policy; callers wire this into a periodic tick rather than
// running it inline with every scan.
func (h *Handle) Housekeep(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dict.Expire(now)
	h.traps.Expire(now)
}
