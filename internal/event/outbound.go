package event

import (
	"github.com/ethereum/go-ethereum/common"

	"TrancheVault/internal/ledger"
)

// Deposited is emitted once a deposit has been recorded and scheduled.
type Deposited struct {
	Nonce     ledger.Nonce   `json:"nonce"`
	Amount    int64          `json:"amount"`
	Units     int64          `json:"units"`
	TrancheID common.Address `json:"tranche_id"`
	Expiry    int64          `json:"expiry"`
}

// Settled is emitted for every settlement attempt that reached the state
// machine, successful or not. Failures always carry a structured reason;
// they are never silently swallowed.
type Settled struct {
	Nonce           ledger.Nonce   `json:"nonce"`
	Success         bool           `json:"success"`
	AllocatedAmount int64          `json:"allocated_amount"`
	Recipient       common.Address `json:"recipient,omitempty"`
	FailureKind     string         `json:"failure_kind,omitempty"`
	Reason          string         `json:"reason,omitempty"`
}

// PoolRegistered is emitted when a tranche pool passes registry validation.
type PoolRegistered struct {
	PoolID        string         `json:"pool_id"`
	VenueAddress  common.Address `json:"venue_address"`
	PositionAsset common.Address `json:"position_asset"`
	Expiry        int64          `json:"expiry"`
}
