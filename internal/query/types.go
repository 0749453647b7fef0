package query

import "time"

// InteractionResponse represents an interaction for API queries.
type InteractionResponse struct {
	Nonce         uint64 `json:"nonce"`
	TrancheID     string `json:"tranche_id"`
	Units         int64  `json:"units"`
	Expiry        int64  `json:"expiry"`
	Finalised     bool   `json:"finalised"`
	Failed        bool   `json:"failed"`
	Allocated     int64  `json:"allocated"`
	FailureKind   string `json:"failure_kind,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
	AsOfSequence  int64  `json:"as_of_sequence"`
}

// TrancheResponse represents a tranche ledger for API queries.
type TrancheResponse struct {
	TrancheID        string `json:"tranche_id"`
	HeldUnits        int64  `json:"held_units"`
	Redeemed         int64  `json:"redeemed"`
	Unallocated      int64  `json:"unallocated"`
	NumDeposits      int64  `json:"num_deposits"`
	NumFinalised     int64  `json:"num_finalised"`
	RedemptionFailed bool   `json:"redemption_failed"`
	FailureKind      string `json:"failure_kind,omitempty"`
	AsOfSequence     int64  `json:"as_of_sequence"`
}

// SettlementResponse represents a terminal settlement outcome.
type SettlementResponse struct {
	Nonce       uint64    `json:"nonce"`
	TrancheID   string    `json:"tranche_id"`
	Success     bool      `json:"success"`
	Allocated   int64     `json:"allocated"`
	Recipient   string    `json:"recipient,omitempty"`
	FailureKind string    `json:"failure_kind,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Sequence    int64     `json:"sequence"`
	Timestamp   time.Time `json:"timestamp"`
}

// PoolResponse represents a registered pool.
type PoolResponse struct {
	PoolID         string `json:"pool_id"`
	TrancheAddress string `json:"tranche_address"`
	VenueAddress   string `json:"venue_address"`
	PositionAsset  string `json:"position_asset"`
	InputAsset     string `json:"input_asset"`
	Expiry         int64  `json:"expiry"`
}
