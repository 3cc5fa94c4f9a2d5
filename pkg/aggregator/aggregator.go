// Package aggregator implements the shared flow aggregator owned by the FCM
// manager: a five-tuple accumulator tree bounded by a TTL, a parallel
// eth-pair tree for IP-less traffic, and the active/closed observation
// window lifecycle.
package aggregator

import (
	"sort"
	"sync"
	"time"

	"flowguard/internal/metrics"
	"flowguard/pkg/flowkey"
)

// EthPair is the aggregation key used when a sample carries no IP layer.
type EthPair struct {
	Src [6]byte
	Dst [6]byte
}

// Tags is the optional data-report tag set attached to an accumulator by
// the report hook installed with SetOnReport before it is appended to a
// window's stats list.
type Tags struct {
	ID       string
	Features []string
}

// Accumulator is a record holding counters for a specific five-tuple (or
// eth-pair) across the active window.
type Accumulator struct {
	Key      flowkey.Key
	EthKey   EthPair
	HasIP    bool
	Current  flowkey.Counters
	Previous flowkey.Counters

	FirstSeen time.Time
	LastSeen  time.Time

	FStart bool // fires once: first observation in the accumulator's life
	FEnd   bool // set when the accumulator is about to be evicted

	ReportPending bool
	Tags          []Tags
	VendorKV      map[string]string

	ttlDeadline time.Time
	changed     bool // observed since the active window opened
}

// Stat is the immutable snapshot of an accumulator appended to a closed
// window's stats list.
type Stat struct {
	Key      flowkey.Key
	Counters flowkey.Counters
	Tags     []Tags
}

// Uplink annotates which WAN interface type was active during a window.
type Uplink struct {
	IfType  string
	Changed bool
}

// Window is one observation window: either active (collecting) or closed
// (awaiting serialization).
type Window struct {
	StartedAt time.Time
	EndedAt   time.Time
	Closed    bool
	Stats     []Stat
	Uplink    Uplink
	Dropped   int
}

// OnReportFunc is invoked per accumulator just before it is appended to a
// closing window's stats list; it may mutate the accumulator's Tags field.
type OnReportFunc func(*Accumulator)

// Aggregator is the shared instance owned by the FCM manager.
type Aggregator struct {
	mu sync.Mutex

	ttl      time.Duration
	capacity int // 0 = unbounded

	byKey map[flowkey.Key]*Accumulator
	byEth map[EthPair]*Accumulator

	active  *Window
	windows []*Window

	onReport OnReportFunc
}

// New builds an Aggregator with the given per-accumulator idle TTL and an
// optional per-window accumulator capacity (0 disables the cap).
func New(ttl time.Duration, capacity int) *Aggregator {
	a := &Aggregator{
		ttl:      ttl,
		capacity: capacity,
		byKey:    make(map[flowkey.Key]*Accumulator),
		byEth:    make(map[EthPair]*Accumulator),
	}
	a.activateLocked(time.Now())
	return a
}

// SetOnReport installs the report-tagging hook called by CloseActiveWindow.
func (a *Aggregator) SetOnReport(f OnReportFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onReport = f
}

func (a *Aggregator) activateLocked(now time.Time) {
	a.active = &Window{StartedAt: now}
	a.windows = append(a.windows, a.active)
}

// ActivateWindow opens a new active window. Callers normally don't call
// this directly; CloseActiveWindow does it implicitly.
func (a *Aggregator) ActivateWindow(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.activateLocked(now)
}

// Observe records a packet/byte/payload-byte delta against key's
// accumulator, creating it on first observation. now is the sample
// timestamp; ttl eviction is computed from it.
func (a *Aggregator) Observe(key flowkey.Key, delta flowkey.Counters, now time.Time) {
	key = key.Normalize()
	a.mu.Lock()
	defer a.mu.Unlock()

	acc, ok := a.byKey[key]
	if !ok {
		if a.capacity > 0 && len(a.byEth)+len(a.byKey) >= a.capacity {
			a.active.Dropped++
			metrics.AggregatorWindowDroppedTotal.Inc()
			return
		}
		acc = &Accumulator{Key: key, HasIP: true, FirstSeen: now, FStart: true}
		a.byKey[key] = acc
	}
	a.observeAcc(acc, delta, now)
}

// ObserveEthPair records a delta for IP-less (pure L2) traffic, aggregated
// by {src-mac, dst-mac} in a parallel tree.
func (a *Aggregator) ObserveEthPair(pair EthPair, delta flowkey.Counters, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	acc, ok := a.byEth[pair]
	if !ok {
		if a.capacity > 0 && len(a.byEth)+len(a.byKey) >= a.capacity {
			a.active.Dropped++
			metrics.AggregatorWindowDroppedTotal.Inc()
			return
		}
		acc = &Accumulator{EthKey: pair, FirstSeen: now, FStart: true}
		a.byEth[pair] = acc
	}
	a.observeAcc(acc, delta, now)
}

func (a *Aggregator) observeAcc(acc *Accumulator, delta flowkey.Counters, now time.Time) {
	acc.Current = acc.Current.Add(delta)
	acc.LastSeen = now
	acc.ttlDeadline = now.Add(a.ttl)
	acc.changed = true
	acc.FStart = false
}

// CloseActiveWindow stamps ended_at and moves every accumulator that
// changed since the window opened into the closing window's stats set,
// then opens a fresh active window. Unchanged accumulators are held (not
// reported, not reset) so a silent flow doesn't generate empty reports.
func (a *Aggregator) CloseActiveWindow(now time.Time, format ReportFormat) *Window {
	a.mu.Lock()
	defer a.mu.Unlock()

	w := a.active
	w.EndedAt = now
	w.Closed = true

	appendStat := func(acc *Accumulator) {
		if !acc.changed {
			return
		}
		if a.onReport != nil {
			a.onReport(acc)
		}
		var counters flowkey.Counters
		switch format {
		case FormatRelative:
			counters = flowkey.Delta(acc.Current, acc.Previous)
		default:
			counters = acc.Current
		}
		w.Stats = append(w.Stats, Stat{Key: acc.Key, Counters: counters, Tags: acc.Tags})
		acc.Previous = acc.Current
		acc.changed = false
	}

	keys := make([]flowkey.Key, 0, len(a.byKey))
	for k := range a.byKey {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return lessKey(keys[i], keys[j]) })
	for _, k := range keys {
		appendStat(a.byKey[k])
	}
	for _, acc := range a.byEth {
		appendStat(acc)
	}

	a.activateLocked(now)
	return w
}

// AddUplink attaches the uplink descriptor to the window currently being
// closed (the last window appended, whether or not it has been closed yet —
// callers call this immediately before/at CloseActiveWindow).
func (a *Aggregator) AddUplink(ifType string, changed bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.windows) == 0 {
		return
	}
	w := a.windows[len(a.windows)-1]
	w.Uplink = Uplink{IfType: ifType, Changed: changed}
}

// Purge deletes accumulators whose last_seen+ttl has passed. Iteration
// order is unspecified; deleting during iteration is safe because Go maps
// support delete-while-ranging.
func (a *Aggregator) Purge(now time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := 0
	for k, acc := range a.byKey {
		if now.After(acc.ttlDeadline) {
			acc.FEnd = true
			delete(a.byKey, k)
			n++
		}
	}
	for k, acc := range a.byEth {
		if now.After(acc.ttlDeadline) {
			acc.FEnd = true
			delete(a.byEth, k)
			n++
		}
	}
	if n > 0 {
		metrics.AggregatorPurgedTotal.Add(float64(n))
	}
	metrics.AggregatorFlowsActive.Set(float64(len(a.byKey) + len(a.byEth)))
	return n
}

// ClosedWindows drains and returns every closed window accumulated so far,
// in chronological order, leaving only the active window behind.
func (a *Aggregator) ClosedWindows() []*Window {
	a.mu.Lock()
	defer a.mu.Unlock()

	var closed []*Window
	var kept []*Window
	for _, w := range a.windows {
		if w.Closed {
			closed = append(closed, w)
		} else {
			kept = append(kept, w)
		}
	}
	a.windows = kept
	return closed
}

// Len reports the number of live accumulators across both trees — used by
// the flow-registry-size metric.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.byKey) + len(a.byEth)
}

func lessKey(a, b flowkey.Key) bool {
	if a.Proto != b.Proto {
		return a.Proto < b.Proto
	}
	if c := a.Src.Compare(b.Src); c != 0 {
		return c < 0
	}
	if c := a.Dst.Compare(b.Dst); c != 0 {
		return c < 0
	}
	if a.SPort != b.SPort {
		return a.SPort < b.SPort
	}
	return a.DPort < b.DPort
}

// ReportFormat selects absolute vs relative counter reporting, matching
// ReportConfig.Format in internal/config.
type ReportFormat int

const (
	FormatCumulative ReportFormat = iota
	FormatRelative
	FormatRaw
)
