// Package queue provides the binary heaps used by the vector index and the task
// scheduler.
package queue

// PriorityQueueItem is a graph node paired with its distance to the query.
type PriorityQueueItem struct {
	Node     uint32
	Distance float32
}

// PriorityQueue is a value-based min- or max-heap of PriorityQueueItems.
type PriorityQueue struct {
	isMaxHeap bool
	items     []PriorityQueueItem
}

// NewMin initializes a new priority queue with minimum priority.
func NewMin(capacity int) *PriorityQueue {
	return &PriorityQueue{items: make([]PriorityQueueItem, 0, capacity)}
}

// NewMax initializes a new priority queue with maximum priority.
func NewMax(capacity int) *PriorityQueue {
	return &PriorityQueue{isMaxHeap: true, items: make([]PriorityQueueItem, 0, capacity)}
}

// Len returns the number of elements in the priority queue.
func (pq *PriorityQueue) Len() int { return len(pq.items) }

// TopItem returns the top element of the heap.
func (pq *PriorityQueue) TopItem() (PriorityQueueItem, bool) {
	if len(pq.items) == 0 {
		return PriorityQueueItem{}, false
	}
	return pq.items[0], true
}

// PushItem inserts an item while maintaining the heap invariant.
func (pq *PriorityQueue) PushItem(item PriorityQueueItem) {
	pq.items = append(pq.items, item)
	siftUp(pq.items, len(pq.items)-1, pq.less)
}

// PopItem removes and returns the top element while maintaining the heap invariant.
func (pq *PriorityQueue) PopItem() (PriorityQueueItem, bool) {
	return pop(&pq.items, pq.less)
}

// Reset clears the priority queue for reuse.
func (pq *PriorityQueue) Reset() {
	pq.items = pq.items[:0]
}

func (pq *PriorityQueue) less(a, b PriorityQueueItem) bool {
	if pq.isMaxHeap {
		return a.Distance > b.Distance
	}
	return a.Distance < b.Distance
}

// Heap is a generic binary heap ordered by less. The element for which less
// reports true against every other element is on top.
type Heap[T any] struct {
	items []T
	less  func(a, b T) bool
}

// NewHeap returns an empty heap.
func NewHeap[T any](less func(a, b T) bool) *Heap[T] {
	return &Heap[T]{less: less}
}

// Len returns the number of elements.
func (h *Heap[T]) Len() int { return len(h.items) }

// Push inserts x.
func (h *Heap[T]) Push(x T) {
	h.items = append(h.items, x)
	siftUp(h.items, len(h.items)-1, h.less)
}

// Peek returns the top element without removing it.
func (h *Heap[T]) Peek() (T, bool) {
	if len(h.items) == 0 {
		var zero T
		return zero, false
	}
	return h.items[0], true
}

// Pop removes and returns the top element.
func (h *Heap[T]) Pop() (T, bool) {
	return pop(&h.items, h.less)
}

// Items returns the elements in heap order. The slice must not be modified.
func (h *Heap[T]) Items() []T { return h.items }

func pop[T any](items *[]T, less func(a, b T) bool) (T, bool) {
	s := *items
	n := len(s)
	if n == 0 {
		var zero T
		return zero, false
	}
	root := s[0]
	s[0] = s[n-1]
	var zero T
	s[n-1] = zero
	s = s[:n-1]
	if len(s) > 0 {
		siftDown(s, 0, less)
	}
	*items = s
	return root, true
}

func siftUp[T any](items []T, i int, less func(a, b T) bool) {
	for i > 0 {
		p := (i - 1) / 2
		if !less(items[i], items[p]) {
			return
		}
		items[i], items[p] = items[p], items[i]
		i = p
	}
}

func siftDown[T any](items []T, i int, less func(a, b T) bool) {
	n := len(items)
	for {
		l := 2*i + 1
		if l >= n {
			return
		}
		best := l
		if r := l + 1; r < n && less(items[r], items[l]) {
			best = r
		}
		if !less(items[best], items[i]) {
			return
		}
		items[i], items[best] = items[best], items[i]
		i = best
	}
}
