package core

import (
	"context"
	"fmt"
	"time"

	"TrancheVault/internal/event"
	"TrancheVault/internal/ledger"
	"TrancheVault/internal/venue"
)

// handleDeposit validates the request, acquires pooled units from the
// exchange, records the interaction and schedules its expiry. Validation
// and the external acquire run before any state mutation, so a rejected
// deposit leaves nothing behind.
func (c *SettlementCore) handleDeposit(ctx context.Context, cmd *event.DepositRequested) (*DepositResult, error) {
	if cmd.CallerKey != c.controllerKey {
		return nil, ErrInvalidCaller
	}
	if c.nonceUsed(cmd.Nonce) {
		return nil, fmt.Errorf("%w: %d", ErrDuplicateNonce, cmd.Nonce)
	}

	pool, ok := c.registry.Lookup(cmd.Tranche.PositionAsset, cmd.Tranche.Expiry)
	if !ok {
		return nil, fmt.Errorf("%w: position %s expiry %d",
			ErrPoolNotFound, cmd.Tranche.PositionAsset.Hex(), cmd.Tranche.Expiry)
	}
	if pool.InputAsset != cmd.InputAsset {
		return nil, fmt.Errorf("%w: pool accepts %s, got %s",
			ErrInvalidInputAsset, pool.InputAsset.Hex(), cmd.InputAsset.Hex())
	}

	units, err := c.exchange.Acquire(ctx, pool, cmd.InputAmount)
	if err != nil {
		return nil, fmt.Errorf("acquire pooled units: %w", err)
	}

	in, err := c.interactions.Create(cmd.Nonce, pool.TrancheAddress, units, cmd.Tranche.Expiry)
	if err != nil {
		return nil, fmt.Errorf("%w: %d", ErrDuplicateNonce, cmd.Nonce)
	}
	tl := c.book.Deposit(pool.TrancheAddress, units)
	c.schedule.Add(in.Expiry, in.Nonce)

	ts := c.commandTime(cmd.Timestamp)
	c.emit(event.EventTypeDeposited, cmd.IdempotencyKey(), ts, &event.Deposited{
		Nonce:     in.Nonce,
		Amount:    cmd.InputAmount,
		Units:     units,
		TrancheID: in.TrancheID,
		Expiry:    in.Expiry,
	}, in, tl, nil)

	c.log.Info().
		Uint64("nonce", uint64(in.Nonce)).
		Str("tranche", in.TrancheID.Hex()).
		Int64("amount", cmd.InputAmount).
		Int64("units", units).
		Int64("expiry", in.Expiry).
		Msg("deposit recorded")
	if c.metrics != nil {
		c.metrics.Deposits.Inc()
	}

	budget := cmd.WorkBudget
	if budget <= 0 {
		budget = c.defaultBudget
	}
	notified := c.drainDue(ctx, budget, ts.Unix())

	return &DepositResult{Nonce: in.Nonce, Units: units, Notified: notified}, nil
}

func (c *SettlementCore) handleRegisterPool(ctx context.Context, cmd *event.PoolRegistration) (*venue.RegisteredPool, error) {
	if cmd.CallerKey != c.controllerKey {
		return nil, ErrInvalidCaller
	}
	pool, err := c.registry.Register(ctx, cmd.PositionAsset, cmd.Expiry, cmd.VenueAddress)
	if err != nil {
		return nil, err
	}

	c.emit(event.EventTypePoolRegistered, cmd.IdempotencyKey(), c.commandTime(cmd.Timestamp), &event.PoolRegistered{
		PoolID:        pool.PoolID.String(),
		VenueAddress:  pool.VenueAddress,
		PositionAsset: pool.PositionAsset,
		Expiry:        pool.Expiry,
	}, nil, nil, &pool)

	c.log.Info().
		Str("pool_id", pool.PoolID.String()).
		Str("tranche", pool.TrancheAddress.Hex()).
		Int64("expiry", pool.Expiry).
		Msg("pool registered")
	return &pool, nil
}

// handleSweep runs the drain loop without a triggering deposit.
func (c *SettlementCore) handleSweep(ctx context.Context, cmd *event.SweepRequested) (int, error) {
	budget := cmd.WorkBudget
	if budget <= 0 {
		budget = c.defaultBudget
	}
	return c.drainDue(ctx, budget, c.commandTime(cmd.Timestamp).Unix()), nil
}

// drainDue walks due expiries in min order and notifies the controller of
// interactions worth settling, until the budget cannot cover the next
// settlement's cost or nothing due remains. Notified nonces leave the
// schedule immediately: the notification is an instruction to settle, and
// the settle path tolerates its absence.
//
// Interactions the drain skips stay scheduled only when the budget ran out;
// ineligible entries are pruned (and failed where terminal) by the
// eligibility check itself, so the loop always makes progress.
func (c *SettlementCore) drainDue(ctx context.Context, budget, now int64) int {
	notified := 0
	remaining := budget

	for {
		expiry, ok := c.schedule.PeekMin()
		if !ok || expiry > now {
			break
		}
		bucket := c.schedule.Pending(expiry)
		if len(bucket) == 0 {
			panic(fmt.Sprintf("FATAL: schedule has empty bucket for expiry %d", expiry))
		}
		nonce := bucket[0]

		kind, eligible, pruned := c.checkEligibility(ctx, nonce, expiry, now)
		if !eligible {
			if pruned {
				continue
			}
			// Transient collaborator error left the entry scheduled;
			// stop rather than spin on it.
			break
		}

		cost := CostRedeemSettlement
		if kind == settleAllocate {
			cost = CostAllocateSettlement
		}
		if remaining < cost {
			if c.metrics != nil {
				c.metrics.DrainBudgetExhausted.Inc()
			}
			break
		}
		remaining -= cost

		c.schedule.Remove(expiry, nonce)
		c.notifier.ScheduleSettlement(nonce)
		notified++
		c.log.Debug().
			Uint64("nonce", uint64(nonce)).
			Int64("expiry", expiry).
			Int64("remaining_budget", remaining).
			Msg("settlement scheduled")
		if c.metrics != nil {
			c.metrics.DrainNotifications.Inc()
		}
	}
	return notified
}

type settleKind int

const (
	// settleRedeem: first settlement for the tranche, performs the bulk
	// redemption.
	settleRedeem settleKind = iota

	// settleAllocate: proceeds already held, only the pro-rata slice is
	// paid out.
	settleAllocate
)

// checkEligibility decides whether a scheduled interaction is worth a
// settlement notification, and prunes entries that never will be. Terminal
// discoveries (dead tranche, sticky redemption failure, maturity delay,
// insufficient liquidity) fail the interaction here so the drain does not
// revisit it; transient collaborator errors leave it scheduled and report
// pruned=false.
func (c *SettlementCore) checkEligibility(ctx context.Context, nonce ledger.Nonce, expiry, now int64) (kind settleKind, eligible, pruned bool) {
	in := c.interactions.Get(nonce)
	if in == nil || !in.Pending() {
		// Stale entry: already settled directly, or never existed.
		c.schedule.Remove(expiry, nonce)
		return settleRedeem, false, true
	}

	tl := c.book.Get(in.TrancheID)
	if tl == nil || tl.HeldUnits == 0 {
		c.failInteraction(in, ledger.FailureInternal, "tranche ledger holds no units", now)
		return settleRedeem, false, true
	}
	if tl.RedemptionFailed {
		c.failInteraction(in, tl.FailureKind, "redemption previously failed for tranche", now)
		return settleRedeem, false, true
	}
	if tl.Redeemed > 0 {
		return settleAllocate, true, false
	}

	delay, err := c.positions.MaturityDelayUntil(ctx, in.TrancheID)
	if err != nil {
		c.log.Warn().Err(err).Str("tranche", in.TrancheID.Hex()).Msg("maturity delay check failed, leaving scheduled")
		return settleRedeem, false, false
	}
	if delay > now {
		tl.RecordRedemptionFailure(ledger.FailurePostponed)
		c.failInteraction(in, ledger.FailurePostponed,
			fmt.Sprintf("maturity delayed until %d", delay), now)
		return settleRedeem, false, true
	}

	avail, err := c.liquidity.AvailableUnderlying(ctx, in.TrancheID)
	if err != nil {
		c.log.Warn().Err(err).Str("tranche", in.TrancheID.Hex()).Msg("liquidity check failed, leaving scheduled")
		return settleRedeem, false, false
	}
	if avail < tl.HeldUnits {
		tl.RecordRedemptionFailure(ledger.FailureIlliquid)
		c.failInteraction(in, ledger.FailureIlliquid,
			fmt.Sprintf("available underlying %d below held units %d", avail, tl.HeldUnits), now)
		return settleRedeem, false, true
	}

	return settleRedeem, true, false
}

// failInteraction marks a pending interaction permanently failed, removes it
// from the schedule and emits the failure event. Failures are loud: every
// one produces a Settled event with a structured reason.
func (c *SettlementCore) failInteraction(in *ledger.Interaction, kind ledger.FailureKind, reason string, now int64) {
	if err := c.interactions.MarkFailed(in.Nonce, kind, reason); err != nil {
		panic(fmt.Sprintf("FATAL: cannot fail interaction %d: %v", in.Nonce, err))
	}
	c.schedule.Remove(in.Expiry, in.Nonce)

	tl := c.book.Get(in.TrancheID)
	c.emit(event.EventTypeSettled, fmt.Sprintf("settle:%d", in.Nonce), time.Unix(now, 0).UTC(), &event.Settled{
		Nonce:       in.Nonce,
		Success:     false,
		FailureKind: kind.String(),
		Reason:      reason,
	}, in, tl, nil)

	c.log.Warn().
		Uint64("nonce", uint64(in.Nonce)).
		Str("tranche", in.TrancheID.Hex()).
		Str("kind", kind.String()).
		Str("reason", reason).
		Msg("interaction failed")
	if c.metrics != nil {
		c.metrics.Settlements.WithLabelValues("failed", kind.String()).Inc()
	}
}
