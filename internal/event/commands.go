package event

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"TrancheVault/internal/ledger"
)

// TrancheDescriptor names the target position of a deposit: the underlying
// position asset plus the fixed expiry.
type TrancheDescriptor struct {
	PositionAsset common.Address `json:"position_asset"`
	Expiry        int64          `json:"expiry"`
}

// DepositRequested asks the core to convert inputAmount of the input asset
// into pooled units of the described tranche. The result is asynchronous:
// acceptance means "recorded and scheduled", the proceeds arrive via a later
// settlement.
type DepositRequested struct {
	Nonce       ledger.Nonce      `json:"nonce"`
	InputAsset  common.Address    `json:"input_asset"`
	InputAmount int64             `json:"input_amount"`
	Tranche     TrancheDescriptor `json:"tranche"`

	// CallerKey authenticates the controller.
	CallerKey string `json:"caller_key"`

	// WorkBudget bounds the opportunistic drain after the deposit is
	// recorded. Zero means "use the configured default".
	WorkBudget int64 `json:"work_budget"`

	Timestamp time.Time `json:"timestamp"`
}

func (d *DepositRequested) IdempotencyKey() string {
	return fmt.Sprintf("deposit:%d", d.Nonce)
}

func (d *DepositRequested) EventType() EventType {
	return EventTypeDepositRequested
}

// SettleRequested asks the core to settle a matured interaction and pay the
// allocation to Recipient.
type SettleRequested struct {
	Nonce     ledger.Nonce   `json:"nonce"`
	Recipient common.Address `json:"recipient"`
	CallerKey string         `json:"caller_key"`
	Timestamp time.Time      `json:"timestamp"`
}

func (s *SettleRequested) IdempotencyKey() string {
	return fmt.Sprintf("settle:%d", s.Nonce)
}

func (s *SettleRequested) EventType() EventType {
	return EventTypeSettleRequested
}

// PoolRegistration asks the core to validate and register a tranche pool at
// a venue, making it depositable.
type PoolRegistration struct {
	PositionAsset common.Address `json:"position_asset"`
	Expiry        int64          `json:"expiry"`
	VenueAddress  common.Address `json:"venue_address"`
	CallerKey     string         `json:"caller_key"`
	Timestamp     time.Time      `json:"timestamp"`
}

func (p *PoolRegistration) IdempotencyKey() string {
	return fmt.Sprintf("pool:%s:%d:%s", p.PositionAsset.Hex(), p.Expiry, p.VenueAddress.Hex())
}

func (p *PoolRegistration) EventType() EventType {
	return EventTypePoolRegistration
}

// SweepRequested drains due settlements under a budget without a deposit.
// Injected by the periodic sweep tick.
type SweepRequested struct {
	WorkBudget int64     `json:"work_budget"`
	Timestamp  time.Time `json:"timestamp"`
}

func (s *SweepRequested) IdempotencyKey() string {
	return fmt.Sprintf("sweep:%d", s.Timestamp.UnixMicro())
}

func (s *SweepRequested) EventType() EventType {
	return EventTypeSweepRequested
}
