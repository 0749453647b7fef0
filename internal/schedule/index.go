package schedule

import (
	"fmt"

	"TrancheVault/internal/ledger"
)

// Schedule combines the expiry heap with the expiry → pending-nonce index.
// The bijection "expiry in heap iff bucket non-empty" is a hard invariant;
// every mutation re-checks it and panics on violation, since a broken
// schedule silently strands settlements.
// Not thread-safe — only accessed from the single-threaded settlement core.
type Schedule struct {
	heap    *ExpiryHeap
	pending map[int64][]ledger.Nonce
}

func New() *Schedule {
	return &Schedule{
		heap:    NewExpiryHeap(),
		pending: make(map[int64][]ledger.Nonce),
	}
}

// Add schedules a nonce at an expiry. The heap gains an entry only when this
// is the first nonce for that expiry.
func (s *Schedule) Add(expiry int64, nonce ledger.Nonce) {
	bucket := s.pending[expiry]
	if len(bucket) == 0 {
		s.heap.Insert(expiry)
	}
	s.pending[expiry] = append(bucket, nonce)
	s.check(expiry)
}

// Remove unschedules a nonce. Order inside a bucket carries no meaning, so
// removal swaps with the last element. When the bucket empties it is deleted
// and the expiry leaves the heap. Returns false if the nonce was not
// scheduled at that expiry.
func (s *Schedule) Remove(expiry int64, nonce ledger.Nonce) bool {
	bucket := s.pending[expiry]
	idx := -1
	for i, n := range bucket {
		if n == nonce {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}

	last := len(bucket) - 1
	bucket[idx] = bucket[last]
	bucket = bucket[:last]

	if len(bucket) == 0 {
		delete(s.pending, expiry)
		if !s.heap.Remove(expiry) {
			panic(fmt.Sprintf("FATAL: schedule bijection broken: expiry %d had a bucket but no heap entry", expiry))
		}
	} else {
		s.pending[expiry] = bucket
	}
	s.check(expiry)
	return true
}

// Pending returns the nonces still scheduled at an expiry. The returned
// slice is the live bucket; callers must not mutate it.
func (s *Schedule) Pending(expiry int64) []ledger.Nonce {
	return s.pending[expiry]
}

// PeekMin returns the earliest expiry with pending work.
func (s *Schedule) PeekMin() (int64, bool) {
	return s.heap.PeekMin()
}

// HeapLen returns the number of distinct scheduled expiries.
func (s *Schedule) HeapLen() int {
	return s.heap.Len()
}

// PendingCount returns the total number of scheduled nonces.
func (s *Schedule) PendingCount() int {
	total := 0
	for _, bucket := range s.pending {
		total += len(bucket)
	}
	return total
}

func (s *Schedule) check(expiry int64) {
	inHeap := false
	for _, v := range s.heap.values {
		if v == expiry {
			inHeap = true
			break
		}
	}
	hasBucket := len(s.pending[expiry]) > 0
	if inHeap != hasBucket {
		panic(fmt.Sprintf("FATAL: schedule bijection broken for expiry %d: inHeap=%v bucket=%v",
			expiry, inHeap, hasBucket))
	}
}
