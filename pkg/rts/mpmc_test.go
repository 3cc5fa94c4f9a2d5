package rts

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueuePushNoOpWithoutConsumers(t *testing.T) {
	q := NewQueue()
	q.Push(&Node{Kind: NodeDictUpdate})
	h := q.NewHandle()
	defer h.Close()
	assert.Nil(t, h.Read())
}

func TestHandleReadsPushedNodesInOrder(t *testing.T) {
	q := NewQueue()
	h := q.NewHandle()
	defer h.Close()

	q.Push(&Node{Kind: NodeDictUpdate, Payload: 1})
	q.Push(&Node{Kind: NodeDictUpdate, Payload: 2})

	n1 := h.Read()
	require.NotNil(t, n1)
	assert.Equal(t, 1, n1.Payload)
	n2 := h.Read()
	require.NotNil(t, n2)
	assert.Equal(t, 2, n2.Payload)
	assert.Nil(t, h.Read())
	assert.Equal(t, uint32(2), h.Events())
}

func TestBroadcastDispatchesToAllHandles(t *testing.T) {
	q := NewQueue()
	h1 := q.NewHandle()
	h2 := q.NewHandle()
	defer h1.Close()
	defer h2.Close()

	var calls int32
	node := &Node{Kind: NodeBundleSwap, Dispatch: func(any) { atomic.AddInt32(&calls, 1) }}
	q.Broadcast(node, []*QueueHandle{h1, h2})

	assert.Equal(t, int32(2), calls)
}

func TestNewHandleStartsCaughtUp(t *testing.T) {
	q := NewQueue()
	q.Push(&Node{Kind: NodeDictUpdate})
	h := q.NewHandle()
	defer h.Close()
	assert.Nil(t, h.Read())
}
