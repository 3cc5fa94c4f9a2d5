package rts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlePoolRouteEmptyPoolMisses(t *testing.T) {
	p := NewHandlePool()
	_, ok := p.Route(FiveTupleKey(6, "10.0.0.1", 51000, "93.184.216.34", 443))
	assert.False(t, ok)
}

func TestHandlePoolRoutePinsSameFlowToSameHandle(t *testing.T) {
	p := NewHandlePool()
	q := NewQueue()
	for _, name := range []string{"worker-0", "worker-1", "worker-2", "worker-3"} {
		p.AddHandle(name, NewHandleSized(q, 4096))
	}
	require.Equal(t, 4, p.Len())

	key := FiveTupleKey(6, "10.0.0.5", 52010, "172.16.0.9", 8080)
	first, ok := p.Route(key)
	require.True(t, ok)
	for i := 0; i < 20; i++ {
		again, ok := p.Route(key)
		require.True(t, ok)
		assert.Same(t, first, again)
	}
}

func TestHandlePoolDistinctFlowsCanLandOnDifferentHandles(t *testing.T) {
	p := NewHandlePool()
	q := NewQueue()
	names := []string{"worker-0", "worker-1", "worker-2", "worker-3", "worker-4"}
	for _, name := range names {
		p.AddHandle(name, NewHandleSized(q, 4096))
	}

	seen := make(map[*Handle]struct{})
	for port := uint16(1024); port < 1124; port++ {
		h, ok := p.Route(FiveTupleKey(6, "10.1.1.1", port, "8.8.8.8", 443))
		require.True(t, ok)
		seen[h] = struct{}{}
	}
	assert.Greater(t, len(seen), 1, "100 distinct flows across 5 handles should not all land on one handle")
}

func TestHandlePoolRemoveHandleRehashesSurvivingFlows(t *testing.T) {
	p := NewHandlePool()
	q := NewQueue()
	h0 := NewHandleSized(q, 4096)
	h1 := NewHandleSized(q, 4096)
	p.AddHandle("worker-0", h0)
	p.AddHandle("worker-1", h1)

	key := FiveTupleKey(17, "192.168.1.2", 33000, "192.168.1.1", 53)
	owner, ok := p.Route(key)
	require.True(t, ok)

	p.RemoveHandle("worker-0")
	p.RemoveHandle("worker-1")
	_, ok = p.Route(key)
	assert.False(t, ok, "pool with no handles left must miss")

	p.AddHandle("worker-1", h1)
	survivor, ok := p.Route(key)
	require.True(t, ok)
	if owner == h1 {
		assert.Same(t, h1, survivor)
	}
}

func TestHandlePoolAddHandleDuplicateNamePanics(t *testing.T) {
	p := NewHandlePool()
	q := NewQueue()
	p.AddHandle("worker-0", NewHandleSized(q, 4096))
	assert.Panics(t, func() {
		p.AddHandle("worker-0", NewHandleSized(q, 4096))
	})
}

func TestFiveTupleKeyIsDirectionSensitiveAndStable(t *testing.T) {
	a := FiveTupleKey(6, "10.0.0.1", 1234, "10.0.0.2", 443)
	b := FiveTupleKey(6, "10.0.0.1", 1234, "10.0.0.2", 443)
	assert.Equal(t, a, b)

	reverse := FiveTupleKey(6, "10.0.0.2", 443, "10.0.0.1", 1234)
	assert.NotEqual(t, a, reverse)
}
