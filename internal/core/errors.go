package core

import (
	"errors"

	"TrancheVault/internal/ledger"
)

// Call-abort errors. These reject the call with no state change: validation
// failures on deposit, precondition violations on settle.
var (
	ErrInvalidCaller     = errors.New("invalid caller")
	ErrDuplicateNonce    = errors.New("duplicate nonce")
	ErrPoolNotFound      = errors.New("pool not found")
	ErrInvalidInputAsset = errors.New("invalid input asset")
	ErrUnknownNonce      = errors.New("unknown nonce")
	ErrNotYetDue         = errors.New("not yet due")
	ErrAlreadyFinalised  = errors.New("already finalised")
)

// DepositResult reports acceptance of an asynchronous deposit. The proceeds
// are produced by a later settlement call, not here.
type DepositResult struct {
	Nonce ledger.Nonce

	// Pooled units acquired for the deposit.
	Units int64

	// Settlement notifications issued by the opportunistic drain that ran
	// after the deposit was recorded.
	Notified int
}

// SettleResult reports the outcome of a settlement attempt that passed its
// preconditions. Completed=false carries a structured failure instead of an
// abort: prior effects in the same call remain committed.
type SettleResult struct {
	AllocatedAmount int64
	Completed       bool
	FailureKind     ledger.FailureKind
	Reason          string
}
