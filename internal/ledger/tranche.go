package ledger

import (
	"fmt"
)

// TrancheLedger aggregates the accounting for one shared fixed-expiry
// position across every interaction that deposited into it.
//
// Redeemed stays zero until the first successful redemption; Unallocated is
// what remains of Redeemed after pro-rata payouts. Ledgers are created
// lazily on first deposit and never deleted — historical accounting must
// remain queryable.
type TrancheLedger struct {
	TrancheID TrancheID

	// Pooled units held in aggregate across all interactions.
	HeldUnits int64

	// Underlying received from the one redemption call. Zero until it
	// happens.
	Redeemed int64

	// Underlying not yet allocated to a finalised interaction.
	Unallocated int64

	NumDeposits  int64
	NumFinalised int64

	// Sticky: once set, no further redemption attempt is made for this
	// tranche and every remaining claim fails.
	RedemptionFailed bool

	// Kind of the failure that set RedemptionFailed, so claims failed
	// later for the same tranche report the original cause.
	FailureKind FailureKind
}

// Book holds every tranche ledger, keyed by tranche id.
// Not thread-safe — only accessed from the single-threaded settlement core.
type Book struct {
	ledgers map[TrancheID]*TrancheLedger
}

func NewBook() *Book {
	return &Book{
		ledgers: make(map[TrancheID]*TrancheLedger),
	}
}

// Get returns the ledger for a tranche, or nil if no deposit ever touched it.
func (b *Book) Get(id TrancheID) *TrancheLedger {
	return b.ledgers[id]
}

// Deposit records a new interaction's units against the tranche, creating
// the ledger if this is the first deposit into it.
func (b *Book) Deposit(id TrancheID, units int64) *TrancheLedger {
	tl := b.ledgers[id]
	if tl == nil {
		tl = &TrancheLedger{TrancheID: id}
		b.ledgers[id] = tl
	}
	tl.HeldUnits += units
	tl.NumDeposits++
	return tl
}

// RecordRedemption books the proceeds of the single successful redemption
// call and clears any prior failure flag.
func (tl *TrancheLedger) RecordRedemption(amount int64) {
	tl.Redeemed = amount
	tl.Unallocated = amount
	tl.RedemptionFailed = false
	tl.FailureKind = FailureNone
}

// RecordRedemptionFailure sets the sticky failure flag and remembers why.
func (tl *TrancheLedger) RecordRedemptionFailure(kind FailureKind) {
	tl.RedemptionFailed = true
	tl.FailureKind = kind
}

// Allocate deducts an allocation from the unallocated balance and counts the
// finalisation.
func (tl *TrancheLedger) Allocate(amount int64) error {
	if amount > tl.Unallocated {
		return fmt.Errorf("tranche %s: allocate %d exceeds unallocated %d",
			tl.TrancheID.Hex(), amount, tl.Unallocated)
	}
	tl.Unallocated -= amount
	tl.NumFinalised++
	return nil
}

// Outstanding returns the number of interactions not yet finalised.
// Failed interactions still count as outstanding here: their claim never
// finalises, so the last successful claim absorbs the remainder.
func (tl *TrancheLedger) Outstanding() int64 {
	return tl.NumDeposits - tl.NumFinalised
}

// Restore inserts a ledger loaded from the audit store during startup.
func (b *Book) Restore(tl *TrancheLedger) {
	b.ledgers[tl.TrancheID] = tl
}

// Count returns the number of tranches ever deposited into.
func (b *Book) Count() int {
	return len(b.ledgers)
}
