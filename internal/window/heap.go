// Package window implements the in-memory, single-owner state the
// deduplicator and joiner operators keep for their time windows: a
// min-heap-ordered expiring set for dedup, and a FIFO+index buffer per join
// side. Per spec.md §5 this state is touched from exactly one goroutine (the
// owning operator's loop), so none of it is synchronized internally — adding
// locking here would reintroduce the per-key contention the single-loop
// design is meant to avoid.
//
// The heap is grounded on the generic min-heap used elsewhere in this
// ecosystem for priority-ordered expiry (delay queues, scored work queues);
// it is narrowed here to order strictly by absolute expiry time.
package window

import "container/heap"

type expiryItem[T any] struct {
	value     T
	expiresAt int64 // UnixNano
	index     int
}

type expiryHeap[T any] []*expiryItem[T]

func (h expiryHeap[T]) Len() int { return len(h) }
func (h expiryHeap[T]) Less(i, j int) bool {
	return h[i].expiresAt < h[j].expiresAt
}
func (h expiryHeap[T]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *expiryHeap[T]) Push(x any) {
	item := x.(*expiryItem[T]) //nolint:errcheck // internal use only
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *expiryHeap[T]) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// expiryQueue is a thin, non-thread-safe wrapper around container/heap for a
// single-owner min-heap of (value, expiresAt) pairs.
type expiryQueue[T any] struct {
	h expiryHeap[T]
}

func newExpiryQueue[T any]() *expiryQueue[T] {
	q := &expiryQueue[T]{h: make(expiryHeap[T], 0)}
	heap.Init(&q.h)
	return q
}

func (q *expiryQueue[T]) push(value T, expiresAt int64) {
	heap.Push(&q.h, &expiryItem[T]{value: value, expiresAt: expiresAt})
}

func (q *expiryQueue[T]) peek() (T, int64, bool) {
	if len(q.h) == 0 {
		var zero T
		return zero, 0, false
	}
	top := q.h[0]
	return top.value, top.expiresAt, true
}

func (q *expiryQueue[T]) pop() (T, bool) {
	if len(q.h) == 0 {
		var zero T
		return zero, false
	}
	item := heap.Pop(&q.h).(*expiryItem[T]) //nolint:errcheck // internal use only
	return item.value, true
}

func (q *expiryQueue[T]) len() int { return len(q.h) }
