// Package venue defines the trust boundary between the settlement core and
// its external collaborators: the pool registry, the exchange that acquires
// pooled units, the position source that redeems them, the liquidity view of
// the holding venue, and the controller that drives settlement calls.
package venue

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"TrancheVault/internal/ledger"
)

// RegisteredPool is the validated record for a depositable tranche pool.
// Once the registry accepts it, the core trusts it.
type RegisteredPool struct {
	PoolID         uuid.UUID
	TrancheAddress common.Address
	VenueAddress   common.Address
	PositionAsset  common.Address

	// InputAsset is the underlying the pool accepts for deposits.
	InputAsset common.Address

	Expiry int64
}

// PoolRegistry validates and stores pool registrations.
type PoolRegistry interface {
	// Register cross-checks the descriptor against the venue and stores
	// the validated record.
	Register(ctx context.Context, positionAsset common.Address, expiry int64, venue common.Address) (RegisteredPool, error)

	// Lookup returns the validated record for a position/expiry pair.
	Lookup(positionAsset common.Address, expiry int64) (RegisteredPool, bool)
}

// Exchange acquires pooled units for a deposited amount. The core trusts the
// returned quantity; slippage protection lives in a sibling subsystem.
type Exchange interface {
	Acquire(ctx context.Context, pool RegisteredPool, inputAmount int64) (int64, error)
}

// PositionSource redeems matured positions and reports maturity delays.
type PositionSource interface {
	// Redeem converts units of the tranche into underlying, delivered to
	// recipient, and returns the amount received.
	Redeem(ctx context.Context, tranche common.Address, units int64, recipient common.Address) (int64, error)

	// MaturityDelayUntil returns the timestamp an externally imposed
	// delay extends redemption eligibility to, or zero when none is in
	// force.
	MaturityDelayUntil(ctx context.Context, tranche common.Address) (int64, error)
}

// LiquiditySource reports observed available underlying at the venue holding
// a tranche.
type LiquiditySource interface {
	AvailableUnderlying(ctx context.Context, tranche common.Address) (int64, error)
}

// ControllerNotifier delivers scheduleSettlement notifications emitted by
// the opportunistic drain loop. Delivery is best-effort: a missed
// notification leaves the interaction settleable by a later direct call.
type ControllerNotifier interface {
	ScheduleSettlement(nonce ledger.Nonce)
}
