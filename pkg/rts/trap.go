package rts

import "time"

// Trap is an installed flow expectation: a partially-wildcarded 5-tuple
// plus the bytecode PC to resume execution at when a later stream_create
// matches it. Any address/port field left zero is a wildcard.
type Trap struct {
	Proto uint8
	SAddr string
	SPort uint16
	DAddr string
	DPort uint16
	PC    int
}

// trapWeight assigns the original's scoring weights (dst-addr 16, dst-port
// 8, src-port 4, proto 2, src-addr 1) to each field a candidate connection
// matches against an installed trap; the highest-scoring trap wins ties by
// specificity rather than install order.
func trapScore(t Trap, c TrapCandidate) (score int, ok bool) {
	if t.DAddr != "" {
		if t.DAddr != c.DAddr {
			return 0, false
		}
		score += 16
	}
	if t.DPort != 0 {
		if t.DPort != c.DPort {
			return 0, false
		}
		score += 8
	}
	if t.SPort != 0 {
		if t.SPort != c.SPort {
			return 0, false
		}
		score += 4
	}
	if t.Proto != 0 {
		if t.Proto != c.Proto {
			return 0, false
		}
		score += 2
	}
	if t.SAddr != "" {
		if t.SAddr != c.SAddr {
			return 0, false
		}
		score += 1
	}
	return score, true
}

// TrapCandidate is the 5-tuple a new stream_create is matched against.
type TrapCandidate struct {
	Proto uint8
	SAddr string
	SPort uint16
	DAddr string
	DPort uint16
}

// TrapTable holds a handle's installed expectations in an LRUHash keyed by
// an opaque sequence id, expiring idle entries the same way the dictionary
// does. Matching is a linear scan scored by trapScore since the table is
// expected to stay small (one trap per in-flight protocol negotiation,
// e.g. FTP control->data or SIP signaling->RTP).
type TrapTable struct {
	expiry time.Duration
	items  *LRUHash[uint64, Trap]
	nextID uint64
}

// NewTrapTable builds an empty TrapTable with the given idle expiry
// fallback, used for traps installed with a zero TTL.
func NewTrapTable(expiry time.Duration) *TrapTable {
	return &TrapTable{expiry: expiry, items: NewLRUHash[uint64, Trap](expiry)}
}

// InstallTrap implements TrapSink: it stores req as a Trap the next
// matching stream_create will consume, overriding the table's default
// expiry with req.TTL when positive.
func (t *TrapTable) InstallTrap(req TrapRequest, now time.Time) {
	ttl := t.expiry
	if req.TTL > 0 {
		ttl = req.TTL
	}
	t.nextID++
	t.items.Insert(t.nextID, Trap{
		Proto: req.Proto, SAddr: req.SAddr, SPort: req.SPort,
		DAddr: req.DAddr, DPort: req.DPort, PC: req.PC,
	}, ttl, now)
}

// Match finds the best-scoring live trap for candidate c, removing it on a
// hit (a trap is consumed at most once) and reporting the PC execution
// should resume at. ok=false means no installed trap matches c.
func (t *TrapTable) Match(c TrapCandidate, now time.Time) (pc int, ok bool) {
	bestID := uint64(0)
	bestScore := -1
	var best Trap

	for id := uint64(1); id <= t.nextID; id++ {
		trap, live := t.items.Find(id, now)
		if !live {
			continue
		}
		score, matched := trapScore(trap, c)
		if matched && score > bestScore {
			bestScore = score
			bestID = id
			best = trap
		}
	}
	if bestScore < 0 {
		return 0, false
	}
	t.items.Remove(bestID)
	return best.PC, true
}

// Expire evicts one idle-past-expiry trap, mirroring the dictionary's
// periodic Expire sweep; the caller (Handle.Housekeep) loops this to
// drain a batch.
func (t *TrapTable) Expire(now time.Time) (id uint64, trap Trap, ok bool) {
	return t.items.Expire(now)
}

// Len reports the number of live installed traps.
func (t *TrapTable) Len() int { return t.items.Len() }
