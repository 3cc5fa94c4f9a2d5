package rts

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReverseScanWalksBackwardAndMatches(t *testing.T) {
	// states: 0 accepts 'c'->1, 1 accepts 'b'->2, 2 accepts 'a'->3 (terminal, no further edges needed)
	states := []MapState{
		{Edges: []Edge{{HasDest: true, Dest: 1}}},
		{Edges: []Edge{{HasDest: true, Dest: 2}}},
		{Edges: []Edge{{HasDest: true, Dest: 3}}},
		{},
	}
	states[0].Accept['c'] = true
	states[1].Accept['b'] = true
	states[2].Accept['a'] = true

	win := NewExternalBuffer([]byte("abc"))
	matched, observed := ReverseScan(states, win, 0)
	assert.True(t, matched)
	assert.Equal(t, 3, observed.Len())
	assert.Equal(t, "abc", string(observed.Bytes()))
}

func TestReverseScanStopsOnUnrecognizedByte(t *testing.T) {
	states := []MapState{{}}
	win := NewExternalBuffer([]byte("xyz"))
	matched, observed := ReverseScan(states, win, 0)
	assert.False(t, matched)
	assert.Less(t, observed.Len(), win.Len())
}

func TestReverseScanEmptyWindow(t *testing.T) {
	matched, _ := ReverseScan([]MapState{{}}, Buffer{}, 0)
	assert.False(t, matched)
}
