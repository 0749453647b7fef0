package core_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"TrancheVault/internal/core"
	"TrancheVault/internal/event"
	"TrancheVault/internal/ledger"
	"TrancheVault/internal/venue"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

const testControllerKey = "controller-secret"

// --- Test fakes ---

type fakeRegistry struct {
	pools map[string]venue.RegisteredPool
}

func poolLookupKey(asset common.Address, expiry int64) string {
	return fmt.Sprintf("%s:%d", asset.Hex(), expiry)
}

func (r *fakeRegistry) Register(_ context.Context, asset common.Address, expiry int64, venueAddr common.Address) (venue.RegisteredPool, error) {
	pool := venue.RegisteredPool{
		PoolID:         uuid.New(),
		TrancheAddress: trancheFor(asset),
		VenueAddress:   venueAddr,
		PositionAsset:  asset,
		InputAsset:     inputAsset,
		Expiry:         expiry,
	}
	r.pools[poolLookupKey(asset, expiry)] = pool
	return pool, nil
}

func (r *fakeRegistry) Lookup(asset common.Address, expiry int64) (venue.RegisteredPool, bool) {
	pool, ok := r.pools[poolLookupKey(asset, expiry)]
	return pool, ok
}

// fakeExchange converts input amounts to units 1:1.
type fakeExchange struct {
	calls int
	err   error
}

func (e *fakeExchange) Acquire(_ context.Context, _ venue.RegisteredPool, amount int64) (int64, error) {
	e.calls++
	if e.err != nil {
		return 0, e.err
	}
	return amount, nil
}

type fakePositions struct {
	delayUntil  int64
	delayErr    error
	redeemed    int64
	redeemErr   error
	redeemCalls int
}

func (p *fakePositions) Redeem(_ context.Context, _ common.Address, units int64, _ common.Address) (int64, error) {
	p.redeemCalls++
	if p.redeemErr != nil {
		return 0, p.redeemErr
	}
	if p.redeemed != 0 {
		return p.redeemed, nil
	}
	return units, nil
}

func (p *fakePositions) MaturityDelayUntil(_ context.Context, _ common.Address) (int64, error) {
	return p.delayUntil, p.delayErr
}

type fakeLiquidity struct {
	available int64
	err       error
}

func (l *fakeLiquidity) AvailableUnderlying(_ context.Context, _ common.Address) (int64, error) {
	return l.available, l.err
}

type fakeNotifier struct {
	nonces []ledger.Nonce
}

func (n *fakeNotifier) ScheduleSettlement(nonce ledger.Nonce) {
	n.nonces = append(n.nonces, nonce)
}

type fakeNonceDB struct {
	used map[ledger.Nonce]bool
	err  error
}

func (d *fakeNonceDB) NonceUsed(nonce ledger.Nonce) (bool, error) {
	if d.err != nil {
		return false, d.err
	}
	return d.used[nonce], nil
}

// --- Test helpers ---

var inputAsset = common.HexToAddress("0x00000000000000000000000000000000000000aa")

func addr(b byte) common.Address {
	return common.Address{19: b}
}

// trancheFor derives a distinct tranche address from a position asset.
func trancheFor(asset common.Address) common.Address {
	t := asset
	t[0] = 0xff
	return t
}

type testEnv struct {
	core      *core.SettlementCore
	registry  *fakeRegistry
	exchange  *fakeExchange
	positions *fakePositions
	liquidity *fakeLiquidity
	notifier  *fakeNotifier
	persist   chan core.CoreOutput
	publish   chan core.CoreOutput
}

func newTestEnv(defaultBudget int64) *testEnv {
	env := &testEnv{
		registry:  &fakeRegistry{pools: make(map[string]venue.RegisteredPool)},
		exchange:  &fakeExchange{},
		positions: &fakePositions{},
		liquidity: &fakeLiquidity{available: 1 << 40},
		notifier:  &fakeNotifier{},
		persist:   make(chan core.CoreOutput, 1024),
		publish:   make(chan core.CoreOutput, 1024),
	}
	env.core = core.NewSettlementCore(
		core.Config{
			ControllerKey: testControllerKey,
			Treasury:      addr(0xee),
			DefaultBudget: defaultBudget,
		},
		env.registry, env.exchange, env.positions, env.liquidity, env.notifier,
		nil,
		env.persist, env.publish,
		nil,
	)
	return env
}

func (env *testEnv) registerPool(t *testing.T, asset common.Address, expiry int64) venue.RegisteredPool {
	t.Helper()
	pool, err := env.registry.Register(context.Background(), asset, expiry, addr(0xcc))
	if err != nil {
		t.Fatalf("register pool: %v", err)
	}
	return pool
}

func mustDeposit(nonce ledger.Nonce, asset common.Address, amount, expiry, nowUnix int64) *event.DepositRequested {
	return &event.DepositRequested{
		Nonce:       nonce,
		InputAsset:  inputAsset,
		InputAmount: amount,
		Tranche:     event.TrancheDescriptor{PositionAsset: asset, Expiry: expiry},
		CallerKey:   testControllerKey,
		Timestamp:   time.Unix(nowUnix, 0).UTC(),
	}
}

func mustSettle(nonce ledger.Nonce, nowUnix int64) *event.SettleRequested {
	return &event.SettleRequested{
		Nonce:     nonce,
		Recipient: addr(0xdd),
		CallerKey: testControllerKey,
		Timestamp: time.Unix(nowUnix, 0).UTC(),
	}
}

func (env *testEnv) deposit(t *testing.T, cmd *event.DepositRequested) *core.DepositResult {
	t.Helper()
	resp := env.core.ProcessCommand(context.Background(), cmd)
	if resp.Err != nil {
		t.Fatalf("deposit %d failed: %v", cmd.Nonce, resp.Err)
	}
	return resp.Deposit
}

func (env *testEnv) settle(t *testing.T, cmd *event.SettleRequested) *core.SettleResult {
	t.Helper()
	resp := env.core.ProcessCommand(context.Background(), cmd)
	if resp.Err != nil {
		t.Fatalf("settle %d failed: %v", cmd.Nonce, resp.Err)
	}
	return resp.Settle
}

func drainOutputs(ch chan core.CoreOutput) []core.CoreOutput {
	var outs []core.CoreOutput
	for {
		select {
		case out := <-ch:
			outs = append(outs, out)
		default:
			return outs
		}
	}
}

const (
	expiryA = int64(1_700_000_000)
	before  = expiryA - 500
	after   = expiryA + 500
)

// ============================================================================
// Deposit Tests
// ============================================================================

func TestDeposit_RecordsAndSchedules(t *testing.T) {
	env := newTestEnv(1)
	env.registerPool(t, addr(1), expiryA)

	res := env.deposit(t, mustDeposit(1, addr(1), 100, expiryA, before))
	if res.Units != 100 {
		t.Fatalf("expected 100 units, got %d", res.Units)
	}
	if res.Notified != 0 {
		t.Fatalf("expected no notifications before expiry, got %d", res.Notified)
	}

	heapLen, pending := env.core.ScheduleStats()
	if heapLen != 1 || pending != 1 {
		t.Fatalf("expected schedule 1/1, got %d/%d", heapLen, pending)
	}

	outs := drainOutputs(env.persist)
	if len(outs) != 1 {
		t.Fatalf("expected 1 persisted output, got %d", len(outs))
	}
	if outs[0].Envelope.EventType != event.EventTypeDeposited {
		t.Fatalf("expected Deposited envelope, got %s", outs[0].Envelope.EventType)
	}
	if outs[0].Interaction == nil || outs[0].Interaction.Nonce != 1 {
		t.Fatalf("expected interaction snapshot for nonce 1")
	}
	if outs[0].Tranche == nil || outs[0].Tranche.HeldUnits != 100 {
		t.Fatalf("expected tranche snapshot with 100 held units")
	}
}

func TestDeposit_InvalidCaller(t *testing.T) {
	env := newTestEnv(1)
	env.registerPool(t, addr(1), expiryA)

	cmd := mustDeposit(1, addr(1), 100, expiryA, before)
	cmd.CallerKey = "wrong"
	resp := env.core.ProcessCommand(context.Background(), cmd)
	if !errors.Is(resp.Err, core.ErrInvalidCaller) {
		t.Fatalf("expected ErrInvalidCaller, got %v", resp.Err)
	}
}

func TestDeposit_DuplicateNonce(t *testing.T) {
	env := newTestEnv(1)
	env.registerPool(t, addr(1), expiryA)

	env.deposit(t, mustDeposit(1, addr(1), 100, expiryA, before))
	resp := env.core.ProcessCommand(context.Background(), mustDeposit(1, addr(1), 100, expiryA, before))
	if !errors.Is(resp.Err, core.ErrDuplicateNonce) {
		t.Fatalf("expected ErrDuplicateNonce, got %v", resp.Err)
	}
	if env.exchange.calls != 1 {
		t.Fatalf("duplicate must be rejected before the exchange call, got %d calls", env.exchange.calls)
	}
}

func TestDeposit_DuplicateNonce_DBTier(t *testing.T) {
	env := newTestEnv(1)
	env.registerPool(t, addr(1), expiryA)

	persist := make(chan core.CoreOutput, 16)
	publish := make(chan core.CoreOutput, 16)
	c := core.NewSettlementCore(
		core.Config{ControllerKey: testControllerKey, DefaultBudget: 1},
		env.registry, env.exchange, env.positions, env.liquidity, env.notifier,
		&fakeNonceDB{used: map[ledger.Nonce]bool{7: true}},
		persist, publish, nil,
	)

	resp := c.ProcessCommand(context.Background(), mustDeposit(7, addr(1), 100, expiryA, before))
	if !errors.Is(resp.Err, core.ErrDuplicateNonce) {
		t.Fatalf("expected ErrDuplicateNonce from DB tier, got %v", resp.Err)
	}
}

func TestDeposit_UnknownPool(t *testing.T) {
	env := newTestEnv(1)

	resp := env.core.ProcessCommand(context.Background(), mustDeposit(1, addr(1), 100, expiryA, before))
	if !errors.Is(resp.Err, core.ErrPoolNotFound) {
		t.Fatalf("expected ErrPoolNotFound, got %v", resp.Err)
	}
}

func TestDeposit_WrongInputAsset(t *testing.T) {
	env := newTestEnv(1)
	env.registerPool(t, addr(1), expiryA)

	cmd := mustDeposit(1, addr(1), 100, expiryA, before)
	cmd.InputAsset = addr(0x99)
	resp := env.core.ProcessCommand(context.Background(), cmd)
	if !errors.Is(resp.Err, core.ErrInvalidInputAsset) {
		t.Fatalf("expected ErrInvalidInputAsset, got %v", resp.Err)
	}
}

func TestDeposit_ExchangeError_NoStateChange(t *testing.T) {
	env := newTestEnv(1)
	env.registerPool(t, addr(1), expiryA)
	env.exchange.err = errors.New("venue reverted")

	resp := env.core.ProcessCommand(context.Background(), mustDeposit(1, addr(1), 100, expiryA, before))
	if resp.Err == nil {
		t.Fatal("expected error from failed acquire")
	}
	heapLen, pending := env.core.ScheduleStats()
	if heapLen != 0 || pending != 0 {
		t.Fatalf("expected empty schedule after rejected deposit, got %d/%d", heapLen, pending)
	}
	if outs := drainOutputs(env.persist); len(outs) != 0 {
		t.Fatalf("expected no outputs after rejected deposit, got %d", len(outs))
	}

	// Nonce is reusable: nothing was recorded.
	env.exchange.err = nil
	env.deposit(t, mustDeposit(1, addr(1), 100, expiryA, before))
}

func TestDeposit_SharedExpiry_SingleHeapEntry(t *testing.T) {
	env := newTestEnv(1)
	env.registerPool(t, addr(1), expiryA)
	env.registerPool(t, addr(2), expiryA)

	env.deposit(t, mustDeposit(1, addr(1), 100, expiryA, before))
	env.deposit(t, mustDeposit(2, addr(2), 200, expiryA, before))
	env.deposit(t, mustDeposit(3, addr(1), 50, expiryA, before))

	heapLen, pending := env.core.ScheduleStats()
	if heapLen != 1 {
		t.Fatalf("expected 1 heap entry for shared expiry, got %d", heapLen)
	}
	if pending != 3 {
		t.Fatalf("expected 3 pending nonces, got %d", pending)
	}
}

// ============================================================================
// Settle Precondition Tests
// ============================================================================

func TestSettle_UnknownNonce(t *testing.T) {
	env := newTestEnv(1)
	resp := env.core.ProcessCommand(context.Background(), mustSettle(42, after))
	if !errors.Is(resp.Err, core.ErrUnknownNonce) {
		t.Fatalf("expected ErrUnknownNonce, got %v", resp.Err)
	}
}

func TestSettle_NotYetDue(t *testing.T) {
	env := newTestEnv(1)
	env.registerPool(t, addr(1), expiryA)
	env.deposit(t, mustDeposit(1, addr(1), 100, expiryA, before))

	resp := env.core.ProcessCommand(context.Background(), mustSettle(1, before))
	if !errors.Is(resp.Err, core.ErrNotYetDue) {
		t.Fatalf("expected ErrNotYetDue, got %v", resp.Err)
	}
}

func TestSettle_AtExpiry_IsDue(t *testing.T) {
	env := newTestEnv(1)
	env.registerPool(t, addr(1), expiryA)
	env.deposit(t, mustDeposit(1, addr(1), 100, expiryA, before))

	res := env.settle(t, mustSettle(1, expiryA))
	if !res.Completed {
		t.Fatalf("expected settlement at exact expiry to complete: %+v", res)
	}
}

func TestSettle_AlreadyFinalised(t *testing.T) {
	env := newTestEnv(1)
	env.registerPool(t, addr(1), expiryA)
	env.deposit(t, mustDeposit(1, addr(1), 100, expiryA, before))
	env.settle(t, mustSettle(1, after))

	resp := env.core.ProcessCommand(context.Background(), mustSettle(1, after))
	if !errors.Is(resp.Err, core.ErrAlreadyFinalised) {
		t.Fatalf("expected ErrAlreadyFinalised, got %v", resp.Err)
	}
}

// ============================================================================
// Redemption And Allocation Tests
// ============================================================================

func TestSettle_ProRataAllocation(t *testing.T) {
	env := newTestEnv(1)
	env.registerPool(t, addr(1), expiryA)
	env.positions.redeemed = 270

	env.deposit(t, mustDeposit(1, addr(1), 100, expiryA, before))
	env.deposit(t, mustDeposit(2, addr(1), 200, expiryA, before))

	res1 := env.settle(t, mustSettle(1, after))
	if !res1.Completed || res1.AllocatedAmount != 90 {
		t.Fatalf("expected first allocation 90, got %+v", res1)
	}
	if env.positions.redeemCalls != 1 {
		t.Fatalf("expected exactly 1 redemption call, got %d", env.positions.redeemCalls)
	}

	res2 := env.settle(t, mustSettle(2, after))
	if !res2.Completed || res2.AllocatedAmount != 180 {
		t.Fatalf("expected second allocation 180, got %+v", res2)
	}
	if env.positions.redeemCalls != 1 {
		t.Fatalf("second settlement must not redeem again, got %d calls", env.positions.redeemCalls)
	}
}

func TestSettle_LastClaimAbsorbsRemainder(t *testing.T) {
	env := newTestEnv(1)
	env.registerPool(t, addr(1), expiryA)
	env.positions.redeemed = 100

	env.deposit(t, mustDeposit(1, addr(1), 100, expiryA, before))
	env.deposit(t, mustDeposit(2, addr(1), 100, expiryA, before))
	env.deposit(t, mustDeposit(3, addr(1), 100, expiryA, before))

	total := int64(0)
	for _, n := range []ledger.Nonce{1, 2, 3} {
		res := env.settle(t, mustSettle(n, after))
		if !res.Completed {
			t.Fatalf("settle %d did not complete: %+v", n, res)
		}
		total += res.AllocatedAmount
	}
	if total != 100 {
		t.Fatalf("allocations must conserve proceeds exactly, got %d", total)
	}
}

func TestSettle_SingleClaim_TakesEverything(t *testing.T) {
	env := newTestEnv(1)
	env.registerPool(t, addr(1), expiryA)
	env.positions.redeemed = 333

	env.deposit(t, mustDeposit(1, addr(1), 100, expiryA, before))
	res := env.settle(t, mustSettle(1, after))
	if res.AllocatedAmount != 333 {
		t.Fatalf("sole claim must take full proceeds, got %d", res.AllocatedAmount)
	}
}

func TestSettle_ProRata_LargeMagnitudes(t *testing.T) {
	// 18-decimal token amounts: the redeemed*units product exceeds int64 by
	// a wide margin, so the share must come out of the 128-bit intermediate
	// rather than a wrapped native product.
	const depositUnits = int64(2_200_000_000_000_000_000)
	const totalProceeds = 2 * depositUnits

	env := newTestEnv(1)
	env.registerPool(t, addr(1), expiryA)
	env.positions.redeemed = totalProceeds
	env.liquidity.available = totalProceeds

	env.deposit(t, mustDeposit(1, addr(1), depositUnits, expiryA, before))
	env.deposit(t, mustDeposit(2, addr(1), depositUnits, expiryA, before))

	res1 := env.settle(t, mustSettle(1, after))
	if !res1.Completed || res1.AllocatedAmount != depositUnits {
		t.Fatalf("expected pro-rata allocation %d, got %+v", depositUnits, res1)
	}

	res2 := env.settle(t, mustSettle(2, after))
	if !res2.Completed || res2.AllocatedAmount != depositUnits {
		t.Fatalf("expected pro-rata allocation %d, got %+v", depositUnits, res2)
	}

	if total := res1.AllocatedAmount + res2.AllocatedAmount; total != totalProceeds {
		t.Fatalf("allocations must conserve proceeds exactly: %d != %d", total, totalProceeds)
	}
}

// ============================================================================
// Failure Path Tests
// ============================================================================

func TestSettle_MaturityDelay_StickyFailure(t *testing.T) {
	env := newTestEnv(1)
	env.registerPool(t, addr(1), expiryA)
	env.positions.delayUntil = after + 1000

	env.deposit(t, mustDeposit(1, addr(1), 100, expiryA, before))
	env.deposit(t, mustDeposit(2, addr(1), 200, expiryA, before))

	res1 := env.settle(t, mustSettle(1, after))
	if res1.Completed || res1.FailureKind != ledger.FailurePostponed {
		t.Fatalf("expected maturity_delay failure, got %+v", res1)
	}

	// Sibling fails for the same cause without another redemption attempt.
	res2 := env.settle(t, mustSettle(2, after))
	if res2.Completed || res2.FailureKind != ledger.FailurePostponed {
		t.Fatalf("expected sibling to inherit sticky failure, got %+v", res2)
	}
	if env.positions.redeemCalls != 0 {
		t.Fatalf("no redemption call should be made under a delay, got %d", env.positions.redeemCalls)
	}
}

func TestSettle_InsufficientLiquidity(t *testing.T) {
	env := newTestEnv(1)
	env.registerPool(t, addr(1), expiryA)
	env.liquidity.available = 50

	env.deposit(t, mustDeposit(1, addr(1), 100, expiryA, before))
	res := env.settle(t, mustSettle(1, after))
	if res.Completed || res.FailureKind != ledger.FailureIlliquid {
		t.Fatalf("expected insufficient_liquidity failure, got %+v", res)
	}
}

func TestSettle_ProviderError(t *testing.T) {
	env := newTestEnv(1)
	env.registerPool(t, addr(1), expiryA)
	env.positions.redeemErr = errors.New("position source reverted")

	env.deposit(t, mustDeposit(1, addr(1), 100, expiryA, before))
	res := env.settle(t, mustSettle(1, after))
	if res.Completed || res.FailureKind != ledger.FailureProvider {
		t.Fatalf("expected provider_error failure, got %+v", res)
	}
}

func TestSettle_FailedIsAbsorbing(t *testing.T) {
	env := newTestEnv(1)
	env.registerPool(t, addr(1), expiryA)
	env.liquidity.available = 0

	env.deposit(t, mustDeposit(1, addr(1), 100, expiryA, before))
	env.settle(t, mustSettle(1, after))
	drainOutputs(env.persist)

	// A repeat settle reports the recorded failure without new effects.
	res := env.settle(t, mustSettle(1, after))
	if res.Completed || res.FailureKind != ledger.FailureIlliquid {
		t.Fatalf("expected recorded illiquid failure, got %+v", res)
	}
	if outs := drainOutputs(env.persist); len(outs) != 0 {
		t.Fatalf("repeat settle on failed interaction must emit nothing, got %d", len(outs))
	}
}

func TestSettle_FailureEmitsSettledEvent(t *testing.T) {
	env := newTestEnv(1)
	env.registerPool(t, addr(1), expiryA)
	env.liquidity.available = 0

	env.deposit(t, mustDeposit(1, addr(1), 100, expiryA, before))
	drainOutputs(env.persist)

	env.settle(t, mustSettle(1, after))
	outs := drainOutputs(env.persist)
	if len(outs) != 1 {
		t.Fatalf("expected 1 Settled output, got %d", len(outs))
	}
	if outs[0].Envelope.EventType != event.EventTypeSettled {
		t.Fatalf("expected Settled envelope, got %s", outs[0].Envelope.EventType)
	}
	if outs[0].Interaction == nil || !outs[0].Interaction.Failed {
		t.Fatal("expected failed interaction snapshot")
	}
}

// ============================================================================
// Drain Tests
// ============================================================================

func TestSweep_NotifiesUnderBudget(t *testing.T) {
	env := newTestEnv(1)
	for b := byte(1); b <= 3; b++ {
		env.registerPool(t, addr(b), expiryA)
		env.deposit(t, mustDeposit(ledger.Nonce(b), addr(b), 100, expiryA, before))
	}

	// Budget covers exactly one full redemption.
	resp := env.core.ProcessCommand(context.Background(), &event.SweepRequested{
		WorkBudget: core.CostRedeemSettlement,
		Timestamp:  time.Unix(after, 0).UTC(),
	})
	if resp.Err != nil {
		t.Fatalf("sweep failed: %v", resp.Err)
	}
	if resp.Notified != 1 {
		t.Fatalf("expected 1 notification under budget, got %d", resp.Notified)
	}
	if len(env.notifier.nonces) != 1 {
		t.Fatalf("expected 1 controller notification, got %d", len(env.notifier.nonces))
	}

	// The unaffordable remainder stays scheduled.
	_, pending := env.core.ScheduleStats()
	if pending != 2 {
		t.Fatalf("expected 2 nonces still scheduled, got %d", pending)
	}
}

func TestSweep_AllocationOnlyCostsLess(t *testing.T) {
	env := newTestEnv(1)
	env.registerPool(t, addr(1), expiryA)
	env.positions.redeemed = 300

	env.deposit(t, mustDeposit(1, addr(1), 100, expiryA, before))
	env.deposit(t, mustDeposit(2, addr(1), 200, expiryA, before))
	env.settle(t, mustSettle(1, after))

	// Proceeds are in: the sibling is an allocation-only settlement and
	// fits a budget below the full redemption cost.
	resp := env.core.ProcessCommand(context.Background(), &event.SweepRequested{
		WorkBudget: core.CostAllocateSettlement,
		Timestamp:  time.Unix(after, 0).UTC(),
	})
	if resp.Notified != 1 {
		t.Fatalf("expected allocation-only notification, got %d", resp.Notified)
	}
}

func TestSweep_NothingDue(t *testing.T) {
	env := newTestEnv(1)
	env.registerPool(t, addr(1), expiryA)
	env.deposit(t, mustDeposit(1, addr(1), 100, expiryA, before))

	resp := env.core.ProcessCommand(context.Background(), &event.SweepRequested{
		WorkBudget: 10 * core.CostRedeemSettlement,
		Timestamp:  time.Unix(before, 0).UTC(),
	})
	if resp.Notified != 0 {
		t.Fatalf("expected no notifications before expiry, got %d", resp.Notified)
	}
}

func TestSweep_PrunesStaleEntries(t *testing.T) {
	env := newTestEnv(1)
	env.registerPool(t, addr(1), expiryA)
	env.deposit(t, mustDeposit(1, addr(1), 100, expiryA, before))
	env.settle(t, mustSettle(1, after))

	// Already settled directly — a drained schedule discovers nothing.
	resp := env.core.ProcessCommand(context.Background(), &event.SweepRequested{
		WorkBudget: 10 * core.CostRedeemSettlement,
		Timestamp:  time.Unix(after, 0).UTC(),
	})
	if resp.Notified != 0 {
		t.Fatalf("expected no notifications for settled interaction, got %d", resp.Notified)
	}
	heapLen, pending := env.core.ScheduleStats()
	if heapLen != 0 || pending != 0 {
		t.Fatalf("expected schedule emptied, got %d/%d", heapLen, pending)
	}
}

func TestSweep_FailsDelayedInteractions(t *testing.T) {
	env := newTestEnv(1)
	env.registerPool(t, addr(1), expiryA)
	env.positions.delayUntil = after + 1000

	env.deposit(t, mustDeposit(1, addr(1), 100, expiryA, before))
	drainOutputs(env.persist)

	resp := env.core.ProcessCommand(context.Background(), &event.SweepRequested{
		WorkBudget: 10 * core.CostRedeemSettlement,
		Timestamp:  time.Unix(after, 0).UTC(),
	})
	if resp.Notified != 0 {
		t.Fatalf("expected no notifications under a delay, got %d", resp.Notified)
	}

	outs := drainOutputs(env.persist)
	if len(outs) != 1 || outs[0].Interaction == nil || outs[0].Interaction.FailureKind != ledger.FailurePostponed {
		t.Fatalf("expected one maturity_delay failure output, got %+v", outs)
	}
	heapLen, _ := env.core.ScheduleStats()
	if heapLen != 0 {
		t.Fatalf("failed interaction must leave the schedule, got heap %d", heapLen)
	}
}

func TestDeposit_TriggersDrain(t *testing.T) {
	env := newTestEnv(10 * core.CostRedeemSettlement)
	env.registerPool(t, addr(1), expiryA)
	env.registerPool(t, addr(2), expiryA+10_000)

	// First deposit matures, then a later deposit into a different
	// tranche arrives with budget to spare.
	env.deposit(t, &event.DepositRequested{
		Nonce:       1,
		InputAsset:  inputAsset,
		InputAmount: 100,
		Tranche:     event.TrancheDescriptor{PositionAsset: addr(1), Expiry: expiryA},
		CallerKey:   testControllerKey,
		WorkBudget:  1,
		Timestamp:   time.Unix(before, 0).UTC(),
	})

	res := env.deposit(t, mustDeposit(2, addr(2), 100, expiryA+10_000, after))
	if res.Notified != 1 {
		t.Fatalf("expected deposit to drain the due interaction, got %d", res.Notified)
	}
	if len(env.notifier.nonces) != 1 || env.notifier.nonces[0] != 1 {
		t.Fatalf("expected notification for nonce 1, got %v", env.notifier.nonces)
	}
}

// ============================================================================
// Restore Tests
// ============================================================================

func TestRestore_RebuildsSchedule(t *testing.T) {
	env := newTestEnv(1)
	tranche := trancheFor(addr(1))

	env.core.Restore(
		[]ledger.Interaction{
			{Nonce: 1, TrancheID: tranche, Units: 100, Expiry: expiryA},
			{Nonce: 2, TrancheID: tranche, Units: 200, Expiry: expiryA},
			{Nonce: 3, TrancheID: tranche, Units: 50, Expiry: expiryA, Finalised: true, Allocated: 50},
		},
		[]ledger.TrancheLedger{
			{TrancheID: tranche, HeldUnits: 350, NumDeposits: 3, NumFinalised: 1},
		},
		nil,
	)

	heapLen, pending := env.core.ScheduleStats()
	if heapLen != 1 || pending != 2 {
		t.Fatalf("expected only pending interactions rescheduled, got %d/%d", heapLen, pending)
	}
}
