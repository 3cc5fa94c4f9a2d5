// Package filter implements the rule-indexed predicate engine: ordered
// rules over {l2_info, l3_info, packet_stats, flow_key}-shaped requests,
// with in/out set semantics and a first-match-wins terminal action.
package filter

import (
	"net/netip"
	"sync"
)

// Action is the terminal decision a matched rule carries.
type Action int

const (
	ActionInclude Action = iota
	ActionExclude
	ActionDefaultInclude // does not decide; evaluation continues
)

// Comparator is the packet-count predicate's comparison operator.
type Comparator int

const (
	CmpNone Comparator = iota
	CmpLT
	CmpLE
	CmpGT
	CmpGE
	CmpEQ
	CmpNE
)

func (c Comparator) match(value, threshold uint64) bool {
	switch c {
	case CmpLT:
		return value < threshold
	case CmpLE:
		return value <= threshold
	case CmpGT:
		return value > threshold
	case CmpGE:
		return value >= threshold
	case CmpEQ:
		return value == threshold
	case CmpNE:
		return value != threshold
	default:
		return true
	}
}

// Membership selects in-set vs out-of-set matching for a predicate.
type Membership int

const (
	MemberNone Membership = iota
	MemberIn
	MemberOut
)

func (m Membership) match(present bool) bool {
	switch m {
	case MemberIn:
		return present
	case MemberOut:
		return !present
	default:
		return true
	}
}

// PortRange is [Min, Max] inclusive; Max==0 means an exact match on Min.
type PortRange struct {
	Min uint16
	Max uint16
}

func (r PortRange) contains(port uint16) bool {
	if r.Max == 0 {
		return port == r.Min
	}
	return port >= r.Min && port <= r.Max
}

// Rule is one ordered predicate set plus its terminal action. Every
// predicate field is optional; nil/empty means "not present" and always
// matches.
type Rule struct {
	SMAC   Membership
	SMACSet map[[6]byte]struct{}
	DMAC   Membership
	DMACSet map[[6]byte]struct{}

	VLAN    Membership
	VLANSet map[uint16]struct{}

	SIP    Membership
	SIPSet []netip.Prefix
	DIP    Membership
	DIPSet []netip.Prefix

	SPortRanges []PortRange
	DPortRanges []PortRange

	Proto    Membership
	ProtoSet map[uint8]struct{}

	PktCount   Comparator
	PktCountN  uint64

	AppName    Membership
	AppNameSet map[string]struct{}
	AppTag     Membership
	AppTagSet  map[string]struct{}

	Action Action
}

// Request is the evaluation input. Any field may be left at its zero value
// to mean "absent"; absence is distinguished from presence with *Set flags
// below for fields whose zero value is a valid observation (ports, proto).
type Request struct {
	SrcMAC [6]byte
	DstMAC [6]byte
	HasMAC bool

	VLAN    uint16
	HasVLAN bool

	SrcIP netip.Addr
	DstIP netip.Addr

	SrcPort uint16
	DstPort uint16
	HasPort bool

	Proto    uint8
	HasProto bool

	PktCount uint64

	AppNames []string
	AppTags  []string
}

func ipInSet(addr netip.Addr, set []netip.Prefix) bool {
	for _, p := range set {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func portInRanges(port uint16, ranges []PortRange) bool {
	for _, r := range ranges {
		if r.contains(port) {
			return true
		}
	}
	return false
}

func stringSetIntersects(haystack []string, set map[string]struct{}) bool {
	for _, s := range haystack {
		if _, ok := set[s]; ok {
			return true
		}
	}
	return false
}

// Matches reports whether every present predicate of r matches req.
func (r Rule) Matches(req Request) bool {
	if r.SMAC != MemberNone {
		_, in := r.SMACSet[req.SrcMAC]
		if !r.SMAC.match(in) {
			return false
		}
	}
	if r.DMAC != MemberNone {
		_, in := r.DMACSet[req.DstMAC]
		if !r.DMAC.match(in) {
			return false
		}
	}
	if r.VLAN != MemberNone {
		_, in := r.VLANSet[req.VLAN]
		if !r.VLAN.match(in) {
			return false
		}
	}
	if r.SIP != MemberNone {
		if !r.SIP.match(ipInSet(req.SrcIP, r.SIPSet)) {
			return false
		}
	}
	if r.DIP != MemberNone {
		if !r.DIP.match(ipInSet(req.DstIP, r.DIPSet)) {
			return false
		}
	}
	if len(r.SPortRanges) > 0 && !portInRanges(req.SrcPort, r.SPortRanges) {
		return false
	}
	if len(r.DPortRanges) > 0 && !portInRanges(req.DstPort, r.DPortRanges) {
		return false
	}
	if r.Proto != MemberNone {
		_, in := r.ProtoSet[req.Proto]
		if !r.Proto.match(in) {
			return false
		}
	}
	if r.PktCount != CmpNone && !r.PktCount.match(req.PktCount, r.PktCountN) {
		return false
	}
	if r.AppName != MemberNone {
		if !r.AppName.match(stringSetIntersects(req.AppNames, r.AppNameSet)) {
			return false
		}
	}
	if r.AppTag != MemberNone {
		if !r.AppTag.match(stringSetIntersects(req.AppTags, r.AppTagSet)) {
			return false
		}
	}
	return true
}

// Table is an ordered rule list for one filter name.
type Table struct {
	Name  string
	Rules []Rule
}

// Evaluate walks rules in index order; the first rule whose predicates all
// match decides the result. A default-include rule never decides and
// evaluation continues to the next rule. If no rule decides, the default
// is "allow" (default-true).
func (t *Table) Evaluate(req Request) bool {
	for _, r := range t.Rules {
		if !r.Matches(req) {
			continue
		}
		switch r.Action {
		case ActionInclude:
			return true
		case ActionExclude:
			return false
		case ActionDefaultInclude:
			continue
		}
	}
	return true
}

// Client is a registered consumer of a named table; it is notified so it
// can atomically rebind its cached table pointer whenever the table is
// added or modified — grounded on fcm_filter_client.c's registration/notify
// contract, which the distilled spec only gestures at via "publishes a
// clients registry".
type Client struct {
	TableName string
	Notify    func(*Table)
}

// Engine holds the filter_name -> filter_table mapping and the clients
// registry.
type Engine struct {
	mu      sync.RWMutex
	tables  map[string]*Table
	clients []*Client
}

// New creates an empty Engine.
func New() *Engine {
	return &Engine{tables: make(map[string]*Table)}
}

// SetTable installs or replaces the named table and notifies every
// registered client whose TableName matches.
func (e *Engine) SetTable(t *Table) {
	e.mu.Lock()
	e.tables[t.Name] = t
	clients := append([]*Client(nil), e.clients...)
	e.mu.Unlock()

	for _, c := range clients {
		if c.TableName == t.Name {
			c.Notify(t)
		}
	}
}

// Table returns the named table, or nil if none is installed.
func (e *Engine) Table(name string) *Table {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tables[name]
}

// RegisterClient adds c to the notification registry; it does not
// immediately notify — callers typically call e.Table(name) right after
// registering to pick up the current table.
func (e *Engine) RegisterClient(c *Client) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clients = append(e.clients, c)
}

// DeregisterClient removes c from the notification registry.
func (e *Engine) DeregisterClient(c *Client) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, cl := range e.clients {
		if cl == c {
			e.clients = append(e.clients[:i], e.clients[i+1:]...)
			return
		}
	}
}
