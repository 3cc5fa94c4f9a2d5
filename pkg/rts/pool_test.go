package rts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolAllocFreeRoundTrip(t *testing.T) {
	p := NewPool(128) // 4 slobs
	data, h := p.Alloc(10)
	require.NotNil(t, data)
	assert.Equal(t, 10, len(data))
	assert.Equal(t, uint32(32), p.Stats().CurrAlloc)

	p.Free(h)
	assert.Equal(t, uint32(0), p.Stats().CurrAlloc)
}

func TestPoolAllocExhaustion(t *testing.T) {
	p := NewPool(64) // 2 slobs
	_, h1 := p.Alloc(32)
	require.NotZero(t, h1.n)
	_, h2 := p.Alloc(32)
	require.NotZero(t, h2.n)

	data, h3 := p.Alloc(1)
	assert.Nil(t, data)
	assert.Equal(t, allocHandle{}, h3)
	assert.Equal(t, uint32(1), p.Stats().FailAlloc)
}

func TestPoolTracksPeakAcrossFrees(t *testing.T) {
	p := NewPool(128)
	_, h1 := p.Alloc(64)
	p.Free(h1)
	_, h2 := p.Alloc(32)
	defer p.Free(h2)

	assert.Equal(t, uint32(64), p.Stats().PeakAlloc)
	assert.Equal(t, uint32(32), p.Stats().CurrAlloc)
}

func TestPoolAllocReusesFreedRun(t *testing.T) {
	p := NewPool(128)
	_, h1 := p.Alloc(64)
	_, h2 := p.Alloc(64)
	p.Free(h1)

	data, h3 := p.Alloc(64)
	require.NotNil(t, data)
	assert.Equal(t, h1.start, h3.start)
	p.Free(h2)
	p.Free(h3)
}
