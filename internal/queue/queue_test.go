package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMinHeapOrder(t *testing.T) {
	pq := NewMin(4)
	for _, it := range []Item{{Node: 1, Distance: 0.5}, {Node: 2, Distance: 0.1}, {Node: 3, Distance: 0.9}} {
		pq.Push(it)
	}

	top, ok := pq.Top()
	require.True(t, ok)
	assert.Equal(t, uint64(2), top.Node)

	var order []uint64
	for pq.Len() > 0 {
		it, _ := pq.Pop()
		order = append(order, it.Node)
	}
	assert.Equal(t, []uint64{2, 1, 3}, order)
}

func TestMaxHeapOrder(t *testing.T) {
	pq := NewMax(4)
	for _, it := range []Item{{Node: 1, Distance: 0.5}, {Node: 2, Distance: 0.1}, {Node: 3, Distance: 0.9}} {
		pq.Push(it)
	}

	var order []uint64
	for pq.Len() > 0 {
		it, _ := pq.Pop()
		order = append(order, it.Node)
	}
	assert.Equal(t, []uint64{3, 1, 2}, order)
}

func TestTieBreakOnEqualDistance(t *testing.T) {
	pq := NewMin(4)
	for _, node := range []uint64{5, 2, 9, 1} {
		pq.Push(Item{Node: node, Distance: 1.0})
	}

	var order []uint64
	for pq.Len() > 0 {
		it, _ := pq.Pop()
		order = append(order, it.Node)
	}
	// Min-heap: equal distances pop in ascending id order.
	assert.Equal(t, []uint64{1, 2, 5, 9}, order)

	pq = NewMax(4)
	for _, node := range []uint64{5, 2, 9, 1} {
		pq.Push(Item{Node: node, Distance: 1.0})
	}
	order = order[:0]
	for pq.Len() > 0 {
		it, _ := pq.Pop()
		order = append(order, it.Node)
	}
	// Max-heap: the largest id is the "farthest", evicted first.
	assert.Equal(t, []uint64{9, 5, 2, 1}, order)
}

func TestMinOnMaxHeap(t *testing.T) {
	pq := NewMax(4)
	pq.Push(Item{Node: 1, Distance: 0.9})
	pq.Push(Item{Node: 2, Distance: 0.2})
	pq.Push(Item{Node: 3, Distance: 0.5})

	it, ok := pq.Min()
	require.True(t, ok)
	assert.Equal(t, uint64(2), it.Node)
}

func TestPopEmpty(t *testing.T) {
	pq := NewMin(0)
	_, ok := pq.Pop()
	assert.False(t, ok)
	_, ok = pq.Top()
	assert.False(t, ok)
}

func TestReset(t *testing.T) {
	pq := NewMin(2)
	pq.Push(Item{Node: 1, Distance: 1})
	pq.Reset()
	assert.Equal(t, 0, pq.Len())
}
