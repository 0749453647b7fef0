package ledger

import (
	"fmt"
)

// InvariantValidator checks the tranche accounting invariants after every
// mutation of the settle path.
type InvariantValidator struct {
	store *InteractionStore
	book  *Book
}

func NewInvariantValidator(store *InteractionStore, book *Book) *InvariantValidator {
	return &InvariantValidator{store: store, book: book}
}

// ValidateTranche verifies the per-tranche invariants:
//
//	unallocated <= redeemed                        (V-01)
//	sum(allocated to finalised) + unallocated
//	    == redeemed                                (V-02)
//	numFinalised <= numDeposits                    (V-03)
func (v *InvariantValidator) ValidateTranche(id TrancheID) error {
	tl := v.book.Get(id)
	if tl == nil {
		return fmt.Errorf("tranche %s: no ledger", id.Hex())
	}

	if tl.Unallocated > tl.Redeemed {
		return fmt.Errorf("V-01: tranche %s unallocated %d > redeemed %d",
			id.Hex(), tl.Unallocated, tl.Redeemed)
	}

	var allocated int64
	for _, in := range v.store.byNonce {
		if in.TrancheID == id && in.Finalised {
			allocated += in.Allocated
		}
	}
	if allocated+tl.Unallocated != tl.Redeemed {
		return fmt.Errorf("V-02: tranche %s allocated %d + unallocated %d != redeemed %d",
			id.Hex(), allocated, tl.Unallocated, tl.Redeemed)
	}

	if tl.NumFinalised > tl.NumDeposits {
		return fmt.Errorf("V-03: tranche %s finalised %d > deposits %d",
			id.Hex(), tl.NumFinalised, tl.NumDeposits)
	}

	return nil
}
