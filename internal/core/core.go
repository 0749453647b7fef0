package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"TrancheVault/internal/event"
	"TrancheVault/internal/ledger"
	"TrancheVault/internal/observability"
	"TrancheVault/internal/schedule"
	"TrancheVault/internal/venue"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// Settlement work costs, expressed in the same units as command budgets.
// A first settlement for a tranche performs the bulk redemption and is the
// expensive path; siblings only take their slice of proceeds already held.
const (
	CostRedeemSettlement   int64 = 500_000
	CostAllocateSettlement int64 = 400_000
)

// DBNonceChecker is the interface for the Postgres nonce lookup. The
// in-memory interaction store is the hot tier; this is the cold tier that
// survives a partial recovery.
type DBNonceChecker interface {
	NonceUsed(nonce ledger.Nonce) (bool, error)
}

// SettlementCore is the single-threaded command processor. All vault state —
// interactions, tranche ledgers, the expiry schedule — is owned by this core
// and mutated only from its Run goroutine.
type SettlementCore struct {
	sequence     int64
	interactions *ledger.InteractionStore
	book         *ledger.Book
	schedule     *schedule.Schedule
	validator    *ledger.InvariantValidator

	registry  venue.PoolRegistry
	exchange  venue.Exchange
	positions venue.PositionSource
	liquidity venue.LiquiditySource
	notifier  venue.ControllerNotifier
	dbNonces  DBNonceChecker

	controllerKey string
	treasury      common.Address
	defaultBudget int64
	clock         func() time.Time

	metrics *observability.Metrics
	log     zerolog.Logger

	persistChan chan<- CoreOutput
	publishChan chan<- CoreOutput
}

// CoreOutput is the fan-out unit emitted after a state transition. Row
// snapshots are value copies taken inside the core goroutine so downstream
// workers never observe a later mutation.
type CoreOutput struct {
	Envelope    *event.Envelope
	Interaction *ledger.Interaction
	Tranche     *ledger.TrancheLedger
	Pool        *venue.RegisteredPool
}

// Request is a command paired with an optional synchronous reply channel.
// Callers that need the result (the HTTP surface) supply a buffered Reply;
// fire-and-forget producers (NATS, the sweep cron) leave it nil.
type Request struct {
	Command event.Command
	Reply   chan Response
}

type Response struct {
	Deposit  *DepositResult
	Settle   *SettleResult
	Pool     *venue.RegisteredPool
	Notified int
	Err      error
}

type Config struct {
	StartSequence int64
	ControllerKey string
	Treasury      common.Address
	DefaultBudget int64
	Clock         func() time.Time
}

func NewSettlementCore(
	cfg Config,
	registry venue.PoolRegistry,
	exchange venue.Exchange,
	positions venue.PositionSource,
	liquidity venue.LiquiditySource,
	notifier venue.ControllerNotifier,
	dbNonces DBNonceChecker,
	persistChan, publishChan chan<- CoreOutput,
	metrics *observability.Metrics,
) *SettlementCore {
	store := ledger.NewInteractionStore()
	book := ledger.NewBook()
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &SettlementCore{
		sequence:      cfg.StartSequence,
		interactions:  store,
		book:          book,
		schedule:      schedule.New(),
		validator:     ledger.NewInvariantValidator(store, book),
		registry:      registry,
		exchange:      exchange,
		positions:     positions,
		liquidity:     liquidity,
		notifier:      notifier,
		dbNonces:      dbNonces,
		controllerKey: cfg.ControllerKey,
		treasury:      cfg.Treasury,
		defaultBudget: cfg.DefaultBudget,
		clock:         clock,
		metrics:       metrics,
		log:           observability.NewLogger("core"),
		persistChan:   persistChan,
		publishChan:   publishChan,
	}
}

// Run consumes requests until the context is cancelled. This is the only
// goroutine allowed to touch core state.
func (c *SettlementCore) Run(ctx context.Context, requests <-chan Request) error {
	c.log.Info().Int64("start_sequence", c.sequence).Msg("settlement core started")
	for {
		select {
		case <-ctx.Done():
			c.log.Info().Int64("sequence", c.sequence).Msg("settlement core stopping")
			return ctx.Err()
		case req, ok := <-requests:
			if !ok {
				return nil
			}
			resp := c.ProcessCommand(ctx, req.Command)
			if req.Reply != nil {
				req.Reply <- resp
			}
		}
	}
}

// ProcessCommand is the main processing pipeline.
func (c *SettlementCore) ProcessCommand(ctx context.Context, cmd event.Command) Response {
	start := time.Now()
	cmdType := cmd.EventType().String()

	var resp Response
	switch e := cmd.(type) {
	case *event.DepositRequested:
		resp.Deposit, resp.Err = c.handleDeposit(ctx, e)
		if resp.Deposit != nil {
			resp.Notified = resp.Deposit.Notified
		}
	case *event.SettleRequested:
		resp.Settle, resp.Err = c.handleSettle(ctx, e)
	case *event.PoolRegistration:
		resp.Pool, resp.Err = c.handleRegisterPool(ctx, e)
	case *event.SweepRequested:
		resp.Notified, resp.Err = c.handleSweep(ctx, e)
	default:
		resp.Err = fmt.Errorf("unknown command type %T", cmd)
	}

	if c.metrics != nil {
		if resp.Err != nil {
			c.metrics.CommandsRejected.WithLabelValues(cmdType).Inc()
		} else {
			c.metrics.CommandsApplied.WithLabelValues(cmdType).Inc()
		}
		c.metrics.CommandDuration.WithLabelValues(cmdType).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
		c.metrics.ScheduleHeapSize.Set(float64(c.schedule.HeapLen()))
		c.metrics.PendingInteractions.Set(float64(c.schedule.PendingCount()))
	}
	return resp
}

// nonceUsed is the two-tier duplicate check: the in-memory store first, the
// Postgres projection second. A DB error is treated conservatively as "not
// used" so a database issue cannot block deposits; the store itself still
// rejects any nonce it has seen.
func (c *SettlementCore) nonceUsed(nonce ledger.Nonce) bool {
	if c.interactions.Exists(nonce) {
		return true
	}
	if c.dbNonces != nil {
		used, err := c.dbNonces.NonceUsed(nonce)
		if err != nil {
			c.log.Warn().Err(err).Uint64("nonce", uint64(nonce)).Msg("nonce lookup tier-2 failed, assuming unused")
			if c.metrics != nil {
				c.metrics.NonceLookupErrors.Inc()
			}
			return false
		}
		return used
	}
	return false
}

// commandTime returns the versioned timestamp carried by the command. The
// core does not consult the wall clock for due-ness decisions; the injected
// clock is only a fallback for producers that left the field zero.
func (c *SettlementCore) commandTime(ts time.Time) time.Time {
	if ts.IsZero() {
		return c.clock()
	}
	return ts
}

// emit wraps a payload in an envelope and fans it out. The persist channel
// send blocks — the core stalls until the persistence worker drains, so no
// event is ever lost. The publish channel send is non-blocking: NATS
// subscribers can rebuild from the event log if they fall behind.
func (c *SettlementCore) emit(et event.EventType, key string, ts time.Time, payload any, in *ledger.Interaction, tl *ledger.TrancheLedger, pool *venue.RegisteredPool) {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("FATAL: cannot marshal %s payload: %v", et, err))
	}

	out := CoreOutput{
		Envelope: &event.Envelope{
			Sequence:       c.sequence,
			IdempotencyKey: key,
			EventType:      et,
			Timestamp:      ts,
			Payload:        raw,
		},
	}
	if in != nil {
		snap := *in
		out.Interaction = &snap
	}
	if tl != nil {
		snap := *tl
		out.Tranche = &snap
	}
	if pool != nil {
		snap := *pool
		out.Pool = &snap
	}
	c.sequence++

	c.persistChan <- out

	select {
	case c.publishChan <- out:
	default:
		if c.metrics != nil {
			c.metrics.PublishDrops.Inc()
		}
	}
}

// ScheduleStats reports the distinct scheduled expiries and total pending
// nonces. Only safe before Run starts or from the core goroutine.
func (c *SettlementCore) ScheduleStats() (heapLen, pendingNonces int) {
	return c.schedule.HeapLen(), c.schedule.PendingCount()
}

// Restore loads recovered state into the core before Run starts. The
// schedule is rebuilt from whatever interactions are still pending.
func (c *SettlementCore) Restore(interactions []ledger.Interaction, ledgers []ledger.TrancheLedger, pools []venue.RegisteredPool) {
	for i := range interactions {
		c.interactions.Restore(&interactions[i])
	}
	for i := range ledgers {
		c.book.Restore(&ledgers[i])
	}
	for _, in := range c.interactions.AllPending() {
		c.schedule.Add(in.Expiry, in.Nonce)
	}
	if r, ok := c.registry.(interface{ Restore(venue.RegisteredPool) }); ok {
		for _, p := range pools {
			r.Restore(p)
		}
	}
	c.log.Info().
		Int("interactions", c.interactions.Count()).
		Int("tranches", c.book.Count()).
		Int("pools", len(pools)).
		Int("scheduled_expiries", c.schedule.HeapLen()).
		Msg("core state restored")
}
