package rts

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"flowguard/pkg/ferr"
)

// Edge is the information attached to a DFA transition: an optional
// destination state, an optional function to invoke, and an optional
// capture-variable index to write the matched byte into.
type Edge struct {
	Dest       int
	HasDest    bool
	FuncIndex  int
	HasFunc    bool
	CaptureVar int
	HasCapture bool
}

// MapState is a bitset-accepted state (§4.5.6 "map-form"): every accepted
// byte maps, by popcount rank within the 256-bit set, to one of Edges —
// unless FallThrough is set, in which case every accepted byte shares
// FallThroughEdge.
type MapState struct {
	Accept      [256]bool
	Edges       []Edge // indexed by popcount rank when !FallThrough
	FallThrough bool
	FallEdge    Edge
	HasEOP      bool
	EOPEdge     Edge
}

// Next resolves the transition for input byte c. ok=false means "state 0"
// (terminate): c is not accepted by this state.
func (s *MapState) Next(c byte) (Edge, bool) {
	if !s.Accept[c] {
		return Edge{}, false
	}
	if s.FallThrough {
		return s.FallEdge, true
	}
	rank := popcountBelow(&s.Accept, c)
	if rank >= len(s.Edges) {
		return Edge{}, false
	}
	return s.Edges[rank], true
}

func popcountBelow(accept *[256]bool, c byte) int {
	n := 0
	for i := 0; i < int(c); i++ {
		if accept[i] {
			n++
		}
	}
	return n
}

// RangeState is a half-open byte range [Base, End) state (§4.5.6
// "range-form"): symmetric to MapState but the acceptance test is a single
// range comparison instead of a 256-bit set membership test.
type RangeState struct {
	Base, End byte
	Edge      Edge
	HasEOP    bool
	EOPEdge   Edge
}

// Next resolves the transition for input byte c.
func (s *RangeState) Next(c byte) (Edge, bool) {
	if c < s.Base || c >= s.End {
		return Edge{}, false
	}
	return s.Edge, true
}

// EOP resolves the synthetic end-of-packet transition a state may
// advertise; taken when the scanner's input is exhausted.
func (s *MapState) EOP() (Edge, bool)   { return s.EOPEdge, s.HasEOP }
func (s *RangeState) EOP() (Edge, bool) { return s.EOPEdge, s.HasEOP }

func popcountInSet(accept *[256]bool) int {
	var words [4]uint64
	for i := 0; i < 256; i++ {
		if accept[i] {
			words[i/64] |= 1 << uint(i%64)
		}
	}
	n := 0
	for _, w := range words {
		n += bits.OnesCount64(w)
	}
	return n
}

// wire encoding for states, used by the bundle loader/encoder. Format per
// map state: 32 bytes of bitset, 1 byte flags (bit0=fallthrough, bit1=hasEOP),
// edge count (2 bytes) if !fallthrough, then that many packed edges (or one
// if fallthrough), then an EOP edge if hasEOP. A packed edge is
// {hasDest,hasFunc,hasCapture byte flags}{dest u32}{func u32}{capture u32}.

func encodeEdge(e Edge) []byte {
	var out [13]byte
	var flags byte
	if e.HasDest {
		flags |= 1
	}
	if e.HasFunc {
		flags |= 2
	}
	if e.HasCapture {
		flags |= 4
	}
	out[0] = flags
	binary.BigEndian.PutUint32(out[1:5], uint32(e.Dest))
	binary.BigEndian.PutUint32(out[5:9], uint32(e.FuncIndex))
	binary.BigEndian.PutUint32(out[9:13], uint32(e.CaptureVar))
	return out[:]
}

func decodeEdge(b []byte) (Edge, error) {
	if len(b) < 13 {
		return Edge{}, fmt.Errorf("rts: truncated edge: %w", ferr.ErrInvalidSignature)
	}
	flags := b[0]
	return Edge{
		HasDest:    flags&1 != 0,
		Dest:       int(binary.BigEndian.Uint32(b[1:5])),
		HasFunc:    flags&2 != 0,
		FuncIndex:  int(binary.BigEndian.Uint32(b[5:9])),
		HasCapture: flags&4 != 0,
		CaptureVar: int(binary.BigEndian.Uint32(b[9:13])),
	}, nil
}

func decodeMapStates(payload []byte) ([]MapState, error) {
	var out []MapState
	for len(payload) > 0 {
		if len(payload) < 33 {
			return nil, fmt.Errorf("rts: truncated map state: %w", ferr.ErrInvalidSignature)
		}
		var st MapState
		for i := 0; i < 256; i++ {
			st.Accept[i] = payload[i/8]&(1<<(uint(i)%8)) != 0
		}
		flags := payload[32]
		st.FallThrough = flags&1 != 0
		st.HasEOP = flags&2 != 0
		payload = payload[33:]

		if st.FallThrough {
			e, err := decodeEdge(payload)
			if err != nil {
				return nil, err
			}
			st.FallEdge = e
			payload = payload[13:]
		} else {
			if len(payload) < 2 {
				return nil, fmt.Errorf("rts: truncated edge count: %w", ferr.ErrInvalidSignature)
			}
			n := int(binary.BigEndian.Uint16(payload[0:2]))
			payload = payload[2:]
			for i := 0; i < n; i++ {
				e, err := decodeEdge(payload)
				if err != nil {
					return nil, err
				}
				st.Edges = append(st.Edges, e)
				payload = payload[13:]
			}
		}
		if st.HasEOP {
			e, err := decodeEdge(payload)
			if err != nil {
				return nil, err
			}
			st.EOPEdge = e
			payload = payload[13:]
		}
		out = append(out, st)
	}
	return out, nil
}

func decodeRangeStates(payload []byte) ([]RangeState, error) {
	var out []RangeState
	for len(payload) > 0 {
		if len(payload) < 15 {
			return nil, fmt.Errorf("rts: truncated range state: %w", ferr.ErrInvalidSignature)
		}
		base, end := payload[0], payload[1]
		e, err := decodeEdge(payload[2:15])
		if err != nil {
			return nil, err
		}
		payload = payload[15:]
		st := RangeState{Base: base, End: end, Edge: e}
		out = append(out, st)
	}
	return out, nil
}
