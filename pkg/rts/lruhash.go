package rts

import "time"

// lruItem is one entry in an LRUHash: the payload plus the bookkeeping the
// original rts_lruhash_item carried via intrusive list nodes. The
// re-architecture guidance replaces the intrusive bucket-chain/LRU
// doubly-linked list with a generational slab (see slabIndex below); a
// tombstoned flag stands in for "safe" C-style iteration.
type lruItem[V any] struct {
	value     V
	touched   time.Time
	ttl       time.Duration
	tombstone bool
}

// slabIndex is a generational index into an LRUHash's backing slab.
type slabIndex struct {
	slot int
	gen  uint32
}

// LRUHash is a bucketed hash of TTL-bearing items with an LRU eviction
// order, used for the RTS subscriber dictionary and the flow-trap table.
// K must be comparable; V is the stored payload.
type LRUHash[K comparable, V any] struct {
	expiry time.Duration

	items []lruItem[V]
	gens  []uint32
	keys  []K
	free  []int

	byKey map[K]slabIndex
	lru   []int // ordered slot indices, front = most-recently-used
}

// NewLRUHash builds an LRUHash with the given idle expiry (the table-wide
// "expiry" field of rts_lruhash).
func NewLRUHash[K comparable, V any](expiry time.Duration) *LRUHash[K, V] {
	return &LRUHash[K, V]{
		expiry: expiry,
		byKey:  make(map[K]slabIndex),
	}
}

// Find looks up key; on hit it moves the item to the LRU head and refreshes
// its touched timestamp, matching rts_lruhash_find. A hit whose TTL has
// already elapsed relative to now is treated as a miss.
func (h *LRUHash[K, V]) Find(key K, now time.Time) (V, bool) {
	var zero V
	idx, ok := h.byKey[key]
	if !ok {
		return zero, false
	}
	item := &h.items[idx.slot]
	if item.tombstone || h.gens[idx.slot] != idx.gen {
		return zero, false
	}
	if item.ttl > 0 && now.Sub(item.touched) > item.ttl {
		return zero, false
	}
	item.touched = now
	h.touchLRU(idx.slot)
	return item.value, true
}

// Insert adds or replaces key's item with the given per-item TTL.
func (h *LRUHash[K, V]) Insert(key K, value V, ttl time.Duration, now time.Time) {
	if idx, ok := h.byKey[key]; ok {
		h.items[idx.slot] = lruItem[V]{value: value, touched: now, ttl: ttl}
		h.touchLRU(idx.slot)
		return
	}

	var slot int
	if n := len(h.free); n > 0 {
		slot = h.free[n-1]
		h.free = h.free[:n-1]
		h.items[slot] = lruItem[V]{value: value, touched: now, ttl: ttl}
	} else {
		slot = len(h.items)
		h.items = append(h.items, lruItem[V]{value: value, touched: now, ttl: ttl})
		h.gens = append(h.gens, 0)
		h.keys = append(h.keys, key)
	}
	h.keys[slot] = key
	h.byKey[key] = slabIndex{slot: slot, gen: h.gens[slot]}
	h.lru = append([]int{slot}, h.lru...)
}

// Remove deletes key's item, if present.
func (h *LRUHash[K, V]) Remove(key K) {
	idx, ok := h.byKey[key]
	if !ok {
		return
	}
	h.tombstoneLocked(idx.slot)
	delete(h.byKey, key)
}

func (h *LRUHash[K, V]) tombstoneLocked(slot int) {
	h.items[slot].tombstone = true
	h.gens[slot]++
	h.free = append(h.free, slot)
	h.removeLRU(slot)
}

func (h *LRUHash[K, V]) touchLRU(slot int) {
	h.removeLRU(slot)
	h.lru = append([]int{slot}, h.lru...)
}

func (h *LRUHash[K, V]) removeLRU(slot int) {
	for i, s := range h.lru {
		if s == slot {
			h.lru = append(h.lru[:i], h.lru[i+1:]...)
			return
		}
	}
}

// Expire pops the LRU tail while idle beyond the table's expiry. An entry
// whose remaining per-item TTL is still positive is demoted (moved back to
// the LRU head with its TTL decreased by the elapsed time) rather than
// removed, matching rts_lruhash_expire's "goto next" loop. Returns the key
// and value of the first entry actually removed, or ok=false if nothing
// qualified.
func (h *LRUHash[K, V]) Expire(now time.Time) (key K, value V, ok bool) {
	for {
		if len(h.lru) == 0 {
			return key, value, false
		}
		tailSlot := h.lru[len(h.lru)-1]
		item := &h.items[tailSlot]
		elapsed := now.Sub(item.touched)
		if elapsed <= h.expiry {
			return key, value, false
		}
		if item.ttl <= elapsed {
			k := h.keys[tailSlot]
			v := item.value
			h.tombstoneLocked(tailSlot)
			delete(h.byKey, k)
			return k, v, true
		}
		item.ttl -= elapsed
		item.touched = now
		h.removeLRU(tailSlot)
		h.lru = append([]int{tailSlot}, h.lru...)
	}
}

// Len reports the number of live (non-tombstoned) entries.
func (h *LRUHash[K, V]) Len() int {
	return len(h.byKey)
}
