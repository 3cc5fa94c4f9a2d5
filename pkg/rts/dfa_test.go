package rts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapStatePopcountRankSelection(t *testing.T) {
	var st MapState
	st.Accept['a'] = true
	st.Accept['b'] = true
	st.Accept['z'] = true
	st.Edges = []Edge{
		{HasDest: true, Dest: 1}, // rank of 'a' = 0
		{HasDest: true, Dest: 2}, // rank of 'b' = 1
		{HasDest: true, Dest: 3}, // rank of 'z' = 2
	}

	e, ok := st.Next('b')
	require.True(t, ok)
	assert.Equal(t, 2, e.Dest)

	_, ok = st.Next('c')
	assert.False(t, ok)
}

func TestMapStateFallThroughSharesEdge(t *testing.T) {
	var st MapState
	st.Accept['x'] = true
	st.Accept['y'] = true
	st.FallThrough = true
	st.FallEdge = Edge{HasDest: true, Dest: 9}

	e, ok := st.Next('x')
	require.True(t, ok)
	assert.Equal(t, 9, e.Dest)
	e, ok = st.Next('y')
	require.True(t, ok)
	assert.Equal(t, 9, e.Dest)
}

func TestMapStateEOP(t *testing.T) {
	st := MapState{HasEOP: true, EOPEdge: Edge{HasFunc: true, FuncIndex: 3}}
	e, ok := st.EOP()
	require.True(t, ok)
	assert.Equal(t, 3, e.FuncIndex)
}

func TestRangeStateHalfOpen(t *testing.T) {
	st := RangeState{Base: '0', End: '9' + 1, Edge: Edge{HasDest: true, Dest: 5}}
	e, ok := st.Next('5')
	require.True(t, ok)
	assert.Equal(t, 5, e.Dest)

	_, ok = st.Next(':')
	assert.False(t, ok)
}

func TestEncodeDecodeEdgeRoundTrip(t *testing.T) {
	e := Edge{HasDest: true, Dest: 7, HasFunc: true, FuncIndex: 2, HasCapture: true, CaptureVar: 4}
	decoded, err := decodeEdge(encodeEdge(e))
	require.NoError(t, err)
	assert.Equal(t, e, decoded)
}

func TestDecodeMapStatesRoundTrip(t *testing.T) {
	var st MapState
	st.Accept['a'] = true
	st.Edges = []Edge{{HasDest: true, Dest: 1}}
	st.HasEOP = true
	st.EOPEdge = Edge{HasFunc: true, FuncIndex: 1}

	payload := encodeMapStatesForTest([]MapState{st})
	decoded, err := decodeMapStates(payload)
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	assert.Equal(t, st.Accept, decoded[0].Accept)
	assert.Equal(t, st.Edges, decoded[0].Edges)
	assert.True(t, decoded[0].HasEOP)
}

// encodeMapStatesForTest mirrors the wire format decodeMapStates expects;
// production bundles are built by the signature compiler, not this runtime,
// so only the decoder ships in non-test code.
func encodeMapStatesForTest(states []MapState) []byte {
	var out []byte
	for _, st := range states {
		var bitset [32]byte
		for i := 0; i < 256; i++ {
			if st.Accept[i] {
				bitset[i/8] |= 1 << uint(i%8)
			}
		}
		out = append(out, bitset[:]...)
		var flags byte
		if st.FallThrough {
			flags |= 1
		}
		if st.HasEOP {
			flags |= 2
		}
		out = append(out, flags)
		if st.FallThrough {
			out = append(out, encodeEdge(st.FallEdge)...)
		} else {
			n := len(st.Edges)
			out = append(out, byte(n>>8), byte(n))
			for _, e := range st.Edges {
				out = append(out, encodeEdge(e)...)
			}
		}
		if st.HasEOP {
			out = append(out, encodeEdge(st.EOPEdge)...)
		}
	}
	return out
}
