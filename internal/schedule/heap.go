// Package schedule tracks which settlement nonces are pending at which
// expiry. It pairs an array-backed binary min-heap over distinct expiry
// timestamps with an expiry → pending-nonce index; an expiry is present in
// the heap iff its index bucket is non-empty.
package schedule

// ExpiryHeap is an array-backed binary min-heap over expiry timestamps
// (unix seconds). Duplicate expiries are never stored — the index coalesces
// all interactions sharing an expiry into one entry.
//
// Remove is O(n): the element is located by linear scan, promoted to the
// root by repeated raise-priority steps, and popped. Acceptable while the
// number of distinct pending expiries stays small.
// Not thread-safe — only accessed from the single-threaded settlement core.
type ExpiryHeap struct {
	values []int64
}

func NewExpiryHeap() *ExpiryHeap {
	return &ExpiryHeap{}
}

// Len returns the number of distinct expiries in the heap.
func (h *ExpiryHeap) Len() int {
	return len(h.values)
}

// Insert adds an expiry and sifts it toward the root. O(log n).
func (h *ExpiryHeap) Insert(expiry int64) {
	h.values = append(h.values, expiry)
	h.siftUp(len(h.values) - 1)
}

// PeekMin returns the smallest expiry without removing it. O(1).
func (h *ExpiryHeap) PeekMin() (int64, bool) {
	if len(h.values) == 0 {
		return 0, false
	}
	return h.values[0], true
}

// PopMin removes and returns the smallest expiry. O(log n).
func (h *ExpiryHeap) PopMin() (int64, bool) {
	if len(h.values) == 0 {
		return 0, false
	}
	min := h.values[0]
	last := len(h.values) - 1
	h.values[0] = h.values[last]
	h.values = h.values[:last]
	h.siftDown(0)
	return min, true
}

// Remove deletes an arbitrary expiry: locate by linear scan, raise it to the
// root, pop. O(n) for the scan, O(log n) for the rest. Returns false if the
// expiry is not present.
func (h *ExpiryHeap) Remove(expiry int64) bool {
	idx := -1
	for i, v := range h.values {
		if v == expiry {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}

	// Raise to the root by swapping with the parent until at index 0.
	for idx > 0 {
		parent := (idx - 1) / 2
		h.values[idx], h.values[parent] = h.values[parent], h.values[idx]
		idx = parent
	}
	h.PopMin()
	return true
}

func (h *ExpiryHeap) siftUp(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if h.values[parent] <= h.values[i] {
			return
		}
		h.values[i], h.values[parent] = h.values[parent], h.values[i]
		i = parent
	}
}

func (h *ExpiryHeap) siftDown(i int) {
	n := len(h.values)
	for {
		left := 2*i + 1
		right := 2*i + 2
		smallest := i

		if left < n && h.values[left] < h.values[smallest] {
			smallest = left
		}
		if right < n && h.values[right] < h.values[smallest] {
			smallest = right
		}
		if smallest == i {
			return
		}
		h.values[i], h.values[smallest] = h.values[smallest], h.values[i]
		i = smallest
	}
}
