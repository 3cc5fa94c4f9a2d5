// Package flowkey defines the five-tuple flow identity and the counter
// arithmetic (absolute vs relative, modulo-32 wrap tolerance) used by the
// flow aggregator and the interface-stats collector.
package flowkey

import "net/netip"

// Key is the immutable identity of a flow. Two Keys compare equal with ==
// since every field is comparable; a v4 address is stored v4-mapped so v4
// and v6 flows key uniformly.
type Key struct {
	Proto uint8
	Src   netip.Addr
	Dst   netip.Addr
	SPort uint16
	DPort uint16

	EtherType uint16
	VLAN      uint16
	SrcMAC    [6]byte
	DstMAC    [6]byte
}

// Normalize returns k with Src/Dst forced to their v4-in-v6 form, so a Key
// built from either a netip.Addr 4-byte or 16-byte form keys identically.
func (k Key) Normalize() Key {
	if k.Src.Is4() {
		k.Src = netip.AddrFrom16(k.Src.As16())
	}
	if k.Dst.Is4() {
		k.Dst = netip.AddrFrom16(k.Dst.As16())
	}
	return k
}

// Unspecified reports whether addr is the zero address (an "unspecified"
// endpoint, e.g. a wildcard in a flow trap).
func Unspecified(addr netip.Addr) bool {
	return !addr.IsValid() || addr.IsUnspecified()
}

// Counters holds the three monotone counters tracked per accumulator within
// a window. They never decrease within a window's lifetime.
type Counters struct {
	Packets      uint64
	Bytes        uint64
	PayloadBytes uint64
}

// Add returns the element-wise sum of c and o.
func (c Counters) Add(o Counters) Counters {
	return Counters{
		Packets:      c.Packets + o.Packets,
		Bytes:        c.Bytes + o.Bytes,
		PayloadBytes: c.PayloadBytes + o.PayloadBytes,
	}
}

// wrap32 returns the modulo-2^32 tolerant delta of a narrow (32-bit-origin)
// counter pair: when current < previous, the counter is assumed to have
// wrapped once, matching the legacy kernel counter width the samples are
// drawn from.
func wrap32(current, previous uint64) uint64 {
	if current >= previous {
		return current - previous
	}
	const mod = uint64(1) << 32
	return (mod - previous) + current
}

// Delta computes the relative-report counters: current is the current
// window's counters, previous is the previous window's. Every field is individually
// wrap-tolerant so a single field wrapping does not affect its siblings.
func Delta(current, previous Counters) Counters {
	return Counters{
		Packets:      wrap32(current.Packets, previous.Packets),
		Bytes:        wrap32(current.Bytes, previous.Bytes),
		PayloadBytes: wrap32(current.PayloadBytes, previous.PayloadBytes),
	}
}
