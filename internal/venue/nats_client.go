package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Request/reply subjects served by the venue gateway process.
const (
	SubjectPoolInfo      = "vault.venue.pool_info"
	SubjectAcquire       = "vault.venue.acquire"
	SubjectRedeem        = "vault.venue.redeem"
	SubjectMaturityDelay = "vault.venue.maturity_delay"
	SubjectLiquidity     = "vault.venue.liquidity"
)

// NATSClient reaches the venue gateway over NATS request/reply. It implements
// VenueInspector, Exchange, PositionSource and LiquiditySource; the gateway
// owns the actual on-venue calls and signing keys.
//
// Calls are synchronous from the core's point of view. The core treats errors
// from these methods per its own taxonomy (transient during drain, terminal
// during a direct settle), so the client just reports them.
type NATSClient struct {
	nc      *nats.Conn
	timeout time.Duration
	log     zerolog.Logger
}

func NewNATSClient(nc *nats.Conn, timeout time.Duration, log zerolog.Logger) *NATSClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &NATSClient{nc: nc, timeout: timeout, log: log}
}

type venueError struct {
	Error string `json:"error,omitempty"`
}

type poolInfoRequest struct {
	Venue         string `json:"venue"`
	PositionAsset string `json:"position_asset"`
	Expiry        int64  `json:"expiry"`
}

type poolInfoReply struct {
	venueError
	TrancheAddress  string `json:"tranche_address"`
	PositionAsset   string `json:"position_asset"`
	UnderlyingAsset string `json:"underlying_asset"`
	Expiry          int64  `json:"expiry"`
}

func (c *NATSClient) PoolInfo(ctx context.Context, venue common.Address, positionAsset common.Address, expiry int64) (PoolInfo, error) {
	var reply poolInfoReply
	err := c.call(ctx, SubjectPoolInfo, poolInfoRequest{
		Venue:         venue.Hex(),
		PositionAsset: positionAsset.Hex(),
		Expiry:        expiry,
	}, &reply)
	if err != nil {
		return PoolInfo{}, err
	}
	return PoolInfo{
		TrancheAddress:  common.HexToAddress(reply.TrancheAddress),
		PositionAsset:   common.HexToAddress(reply.PositionAsset),
		UnderlyingAsset: common.HexToAddress(reply.UnderlyingAsset),
		Expiry:          reply.Expiry,
	}, nil
}

type acquireRequest struct {
	PoolID        string `json:"pool_id"`
	Venue         string `json:"venue"`
	PositionAsset string `json:"position_asset"`
	Expiry        int64  `json:"expiry"`
	InputAmount   int64  `json:"input_amount"`
}

type acquireReply struct {
	venueError
	Units int64 `json:"units"`
}

func (c *NATSClient) Acquire(ctx context.Context, pool RegisteredPool, inputAmount int64) (int64, error) {
	var reply acquireReply
	err := c.call(ctx, SubjectAcquire, acquireRequest{
		PoolID:        pool.PoolID.String(),
		Venue:         pool.VenueAddress.Hex(),
		PositionAsset: pool.PositionAsset.Hex(),
		Expiry:        pool.Expiry,
		InputAmount:   inputAmount,
	}, &reply)
	if err != nil {
		return 0, err
	}
	if reply.Units <= 0 {
		return 0, fmt.Errorf("venue acquire returned non-positive units %d", reply.Units)
	}
	return reply.Units, nil
}

type redeemRequest struct {
	Tranche   string `json:"tranche"`
	Units     int64  `json:"units"`
	Recipient string `json:"recipient"`
}

type redeemReply struct {
	venueError
	Amount int64 `json:"amount"`
}

func (c *NATSClient) Redeem(ctx context.Context, tranche common.Address, units int64, recipient common.Address) (int64, error) {
	var reply redeemReply
	err := c.call(ctx, SubjectRedeem, redeemRequest{
		Tranche:   tranche.Hex(),
		Units:     units,
		Recipient: recipient.Hex(),
	}, &reply)
	if err != nil {
		return 0, err
	}
	return reply.Amount, nil
}

type trancheRequest struct {
	Tranche string `json:"tranche"`
}

type maturityDelayReply struct {
	venueError
	DelayUntil int64 `json:"delay_until"`
}

func (c *NATSClient) MaturityDelayUntil(ctx context.Context, tranche common.Address) (int64, error) {
	var reply maturityDelayReply
	err := c.call(ctx, SubjectMaturityDelay, trancheRequest{Tranche: tranche.Hex()}, &reply)
	if err != nil {
		return 0, err
	}
	return reply.DelayUntil, nil
}

type liquidityReply struct {
	venueError
	Available int64 `json:"available"`
}

func (c *NATSClient) AvailableUnderlying(ctx context.Context, tranche common.Address) (int64, error) {
	var reply liquidityReply
	err := c.call(ctx, SubjectLiquidity, trancheRequest{Tranche: tranche.Hex()}, &reply)
	if err != nil {
		return 0, err
	}
	return reply.Available, nil
}

// call performs one JSON request/reply round trip. A gateway-side failure
// comes back as an `error` field in the reply body.
func (c *NATSClient) call(ctx context.Context, subject string, req, reply interface{}) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal venue request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	msg, err := c.nc.RequestWithContext(callCtx, subject, data)
	if err != nil {
		c.log.Warn().Err(err).Str("subject", subject).Msg("venue request failed")
		return fmt.Errorf("venue request %s: %w", subject, err)
	}

	if err := json.Unmarshal(msg.Data, reply); err != nil {
		return fmt.Errorf("decode venue reply %s: %w", subject, err)
	}

	// Every reply struct embeds venueError; re-decode just that field.
	var ve venueError
	if err := json.Unmarshal(msg.Data, &ve); err == nil && ve.Error != "" {
		return fmt.Errorf("venue %s: %s", subject, ve.Error)
	}
	return nil
}
