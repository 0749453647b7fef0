package core

import (
	"context"
	"fmt"

	"TrancheVault/internal/event"
	"TrancheVault/internal/ledger"
)

// handleSettle runs the settlement state machine for one interaction.
//
// Precondition violations (unknown nonce, not yet due, already finalised)
// abort the call with no state change. Everything past the preconditions is
// a terminal outcome: either the interaction finalises with its pro-rata
// allocation, or it fails permanently with a structured reason. Both are
// reported through a Settled event; prior effects within the call (the bulk
// redemption in particular) stay committed even when a later step fails.
func (c *SettlementCore) handleSettle(ctx context.Context, cmd *event.SettleRequested) (*SettleResult, error) {
	if cmd.CallerKey != c.controllerKey {
		return nil, ErrInvalidCaller
	}

	in := c.interactions.Get(cmd.Nonce)
	if in == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownNonce, cmd.Nonce)
	}
	ts := c.commandTime(cmd.Timestamp)
	now := ts.Unix()
	if now < in.Expiry {
		return nil, fmt.Errorf("%w: expiry %d, now %d", ErrNotYetDue, in.Expiry, now)
	}
	if in.Finalised {
		return nil, fmt.Errorf("%w: %d", ErrAlreadyFinalised, cmd.Nonce)
	}
	if in.Failed {
		// Failed is absorbing: report the recorded outcome, change nothing.
		return &SettleResult{
			Completed:   false,
			FailureKind: in.FailureKind,
			Reason:      in.FailureReason,
		}, nil
	}

	tl := c.book.Get(in.TrancheID)
	if tl == nil || tl.HeldUnits == 0 {
		return c.settleFailed(in, ledger.FailureInternal, "tranche ledger holds no units", now), nil
	}

	// First settlement for the tranche performs the one bulk redemption.
	if tl.Redeemed == 0 {
		if tl.RedemptionFailed {
			return c.settleFailed(in, tl.FailureKind, "redemption previously failed for tranche", now), nil
		}
		if res := c.redeemTranche(ctx, in, tl, now); res != nil {
			return res, nil
		}
	}

	// Pro-rata allocation. The product runs through a 128-bit intermediate
	// so individually valid amounts cannot overflow it. The last claim still
	// outstanding absorbs the integer-division remainder; a computed share
	// past the unallocated balance is clamped to it.
	share := ledger.MulDiv(tl.Redeemed, in.Units, tl.HeldUnits)
	if tl.Outstanding() == 1 || share > tl.Unallocated {
		share = tl.Unallocated
	}
	if err := tl.Allocate(share); err != nil {
		panic(fmt.Sprintf("FATAL: allocation for nonce %d: %v", in.Nonce, err))
	}
	if err := c.interactions.MarkFinalised(in.Nonce, share); err != nil {
		panic(fmt.Sprintf("FATAL: cannot finalise interaction %d: %v", in.Nonce, err))
	}
	c.schedule.Remove(in.Expiry, in.Nonce)

	if err := c.validator.ValidateTranche(in.TrancheID); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	c.emit(event.EventTypeSettled, cmd.IdempotencyKey(), ts, &event.Settled{
		Nonce:           in.Nonce,
		Success:         true,
		AllocatedAmount: share,
		Recipient:       cmd.Recipient,
	}, in, tl, nil)

	c.log.Info().
		Uint64("nonce", uint64(in.Nonce)).
		Str("tranche", in.TrancheID.Hex()).
		Int64("allocated", share).
		Str("recipient", cmd.Recipient.Hex()).
		Msg("interaction finalised")
	if c.metrics != nil {
		c.metrics.Settlements.WithLabelValues("finalised", ledger.FailureNone.String()).Inc()
	}

	return &SettleResult{AllocatedAmount: share, Completed: true}, nil
}

// redeemTranche runs the redemption gates and the bulk redemption call for a
// tranche with no proceeds yet. It returns nil when redemption succeeded and
// allocation can proceed, or the terminal failure result otherwise. Any
// failure here is sticky for the whole tranche.
func (c *SettlementCore) redeemTranche(ctx context.Context, in *ledger.Interaction, tl *ledger.TrancheLedger, now int64) *SettleResult {
	delay, err := c.positions.MaturityDelayUntil(ctx, in.TrancheID)
	if err != nil {
		tl.RecordRedemptionFailure(ledger.FailureProvider)
		return c.settleFailed(in, ledger.FailureProvider,
			fmt.Sprintf("maturity delay check: %v", err), now)
	}
	if delay > now {
		tl.RecordRedemptionFailure(ledger.FailurePostponed)
		return c.settleFailed(in, ledger.FailurePostponed,
			fmt.Sprintf("maturity delayed until %d", delay), now)
	}

	avail, err := c.liquidity.AvailableUnderlying(ctx, in.TrancheID)
	if err != nil {
		tl.RecordRedemptionFailure(ledger.FailureProvider)
		return c.settleFailed(in, ledger.FailureProvider,
			fmt.Sprintf("liquidity check: %v", err), now)
	}
	if avail < tl.HeldUnits {
		tl.RecordRedemptionFailure(ledger.FailureIlliquid)
		return c.settleFailed(in, ledger.FailureIlliquid,
			fmt.Sprintf("available underlying %d below held units %d", avail, tl.HeldUnits), now)
	}

	amount, err := c.positions.Redeem(ctx, in.TrancheID, tl.HeldUnits, c.treasury)
	if err != nil {
		tl.RecordRedemptionFailure(ledger.FailureProvider)
		return c.settleFailed(in, ledger.FailureProvider,
			fmt.Sprintf("redeem: %v", err), now)
	}
	tl.RecordRedemption(amount)

	c.log.Info().
		Str("tranche", in.TrancheID.Hex()).
		Int64("units", tl.HeldUnits).
		Int64("proceeds", amount).
		Msg("tranche redeemed")
	if c.metrics != nil {
		c.metrics.Redemptions.Inc()
	}
	return nil
}

// settleFailed is the terminal failure path for a settlement attempt that
// passed its preconditions.
func (c *SettlementCore) settleFailed(in *ledger.Interaction, kind ledger.FailureKind, reason string, now int64) *SettleResult {
	c.failInteraction(in, kind, reason, now)
	return &SettleResult{
		Completed:   false,
		FailureKind: kind,
		Reason:      reason,
	}
}
