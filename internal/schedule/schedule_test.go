package schedule_test

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TrancheVault/internal/ledger"
	"TrancheVault/internal/schedule"
)

func TestExpiryHeap_MinOrder(t *testing.T) {
	h := schedule.NewExpiryHeap()
	for _, e := range []int64{50, 10, 40, 20, 30} {
		h.Insert(e)
	}

	var popped []int64
	for {
		v, ok := h.PopMin()
		if !ok {
			break
		}
		popped = append(popped, v)
	}
	assert.Equal(t, []int64{10, 20, 30, 40, 50}, popped)
}

func TestExpiryHeap_PeekDoesNotRemove(t *testing.T) {
	h := schedule.NewExpiryHeap()
	h.Insert(20)
	h.Insert(10)

	v, ok := h.PeekMin()
	require.True(t, ok)
	assert.Equal(t, int64(10), v)
	assert.Equal(t, 2, h.Len())
}

func TestExpiryHeap_EmptyPeekAndPop(t *testing.T) {
	h := schedule.NewExpiryHeap()

	_, ok := h.PeekMin()
	assert.False(t, ok)
	_, ok = h.PopMin()
	assert.False(t, ok)
}

func TestExpiryHeap_RemoveArbitrary(t *testing.T) {
	h := schedule.NewExpiryHeap()
	for _, e := range []int64{10, 20, 30, 40, 50} {
		h.Insert(e)
	}

	require.True(t, h.Remove(30))
	assert.False(t, h.Remove(30), "second remove of same value should fail")
	assert.Equal(t, 4, h.Len())

	min, ok := h.PeekMin()
	require.True(t, ok)
	assert.Equal(t, int64(10), min)

	require.True(t, h.Remove(10), "removing the root must work too")
	min, _ = h.PeekMin()
	assert.Equal(t, int64(20), min)
}

func TestExpiryHeap_RandomisedHeapProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	h := schedule.NewExpiryHeap()
	live := make(map[int64]bool)

	for i := 0; i < 500; i++ {
		if rng.Intn(3) > 0 || len(live) == 0 {
			e := int64(rng.Intn(10_000))
			if !live[e] {
				h.Insert(e)
				live[e] = true
			}
		} else {
			// Remove a random live expiry.
			keys := make([]int64, 0, len(live))
			for k := range live {
				keys = append(keys, k)
			}
			sort.Slice(keys, func(a, b int) bool { return keys[a] < keys[b] })
			victim := keys[rng.Intn(len(keys))]
			require.True(t, h.Remove(victim))
			delete(live, victim)
		}

		// The heap minimum must always be the smallest live expiry.
		if len(live) == 0 {
			_, ok := h.PeekMin()
			assert.False(t, ok)
		} else {
			want := int64(1 << 62)
			for k := range live {
				if k < want {
					want = k
				}
			}
			got, ok := h.PeekMin()
			require.True(t, ok)
			require.Equal(t, want, got)
		}
	}
}

func TestSchedule_SharedExpirySingleHeapEntry(t *testing.T) {
	s := schedule.New()

	s.Add(100, ledger.Nonce(1))
	assert.Equal(t, 1, s.HeapLen())

	// Second nonce at the same expiry must not grow the heap.
	s.Add(100, ledger.Nonce(2))
	assert.Equal(t, 1, s.HeapLen())

	// A brand-new expiry adds exactly one entry.
	s.Add(200, ledger.Nonce(3))
	assert.Equal(t, 2, s.HeapLen())

	assert.Len(t, s.Pending(100), 2)
	assert.Equal(t, 3, s.PendingCount())
}

func TestSchedule_RemoveLastNonceDropsExpiry(t *testing.T) {
	s := schedule.New()
	s.Add(100, ledger.Nonce(1))
	s.Add(100, ledger.Nonce(2))
	s.Add(200, ledger.Nonce(3))

	require.True(t, s.Remove(100, ledger.Nonce(1)))
	assert.Equal(t, 2, s.HeapLen(), "bucket still non-empty, expiry stays")

	require.True(t, s.Remove(100, ledger.Nonce(2)))
	assert.Equal(t, 1, s.HeapLen(), "empty bucket removes the heap entry")

	min, ok := s.PeekMin()
	require.True(t, ok)
	assert.Equal(t, int64(200), min)
}

func TestSchedule_RemoveUnknownNonce(t *testing.T) {
	s := schedule.New()
	s.Add(100, ledger.Nonce(1))

	assert.False(t, s.Remove(100, ledger.Nonce(9)))
	assert.False(t, s.Remove(300, ledger.Nonce(1)))
	assert.Equal(t, 1, s.HeapLen())
}

func TestSchedule_MinTracksEarliestPending(t *testing.T) {
	s := schedule.New()
	s.Add(300, ledger.Nonce(1))
	s.Add(100, ledger.Nonce(2))
	s.Add(200, ledger.Nonce(3))

	min, _ := s.PeekMin()
	assert.Equal(t, int64(100), min)

	s.Remove(100, ledger.Nonce(2))
	min, _ = s.PeekMin()
	assert.Equal(t, int64(200), min)
}
