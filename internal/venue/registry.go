package venue

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// PoolInfo is the on-venue metadata used to cross-check a registration.
type PoolInfo struct {
	TrancheAddress  common.Address
	PositionAsset   common.Address
	UnderlyingAsset common.Address
	Expiry          int64
}

// VenueInspector fetches pool metadata from the exchange venue.
type VenueInspector interface {
	PoolInfo(ctx context.Context, venue common.Address, positionAsset common.Address, expiry int64) (PoolInfo, error)
}

// Registry is the PoolRegistry implementation: it cross-checks a requested
// registration against what the venue reports, then stores the validated
// record keyed by position asset + expiry.
// Not thread-safe — only accessed from the single-threaded settlement core.
type Registry struct {
	inspector VenueInspector
	pools     map[poolKey]RegisteredPool
	log       zerolog.Logger
}

type poolKey struct {
	positionAsset common.Address
	expiry        int64
}

func NewRegistry(inspector VenueInspector, log zerolog.Logger) *Registry {
	return &Registry{
		inspector: inspector,
		pools:     make(map[poolKey]RegisteredPool),
		log:       log,
	}
}

// Register validates the descriptor against the venue. The venue must report
// a pool whose position asset and expiry match the request exactly and whose
// tranche address is set; anything else is an inconsistent registration.
func (r *Registry) Register(ctx context.Context, positionAsset common.Address, expiry int64, venue common.Address) (RegisteredPool, error) {
	key := poolKey{positionAsset: positionAsset, expiry: expiry}
	if existing, ok := r.pools[key]; ok {
		return existing, fmt.Errorf("pool already registered as %s", existing.PoolID)
	}

	info, err := r.inspector.PoolInfo(ctx, venue, positionAsset, expiry)
	if err != nil {
		return RegisteredPool{}, fmt.Errorf("venue lookup: %w", err)
	}

	if info.PositionAsset != positionAsset {
		return RegisteredPool{}, fmt.Errorf("position asset mismatch: requested %s, venue reports %s",
			positionAsset.Hex(), info.PositionAsset.Hex())
	}
	if info.Expiry != expiry {
		return RegisteredPool{}, fmt.Errorf("expiry mismatch: requested %d, venue reports %d", expiry, info.Expiry)
	}
	if info.TrancheAddress == (common.Address{}) {
		return RegisteredPool{}, fmt.Errorf("venue reports no tranche address for %s@%d", positionAsset.Hex(), expiry)
	}

	pool := RegisteredPool{
		PoolID:         uuid.New(),
		TrancheAddress: info.TrancheAddress,
		VenueAddress:   venue,
		PositionAsset:  positionAsset,
		InputAsset:     info.UnderlyingAsset,
		Expiry:         expiry,
	}
	r.pools[key] = pool

	r.log.Info().
		Str("pool_id", pool.PoolID.String()).
		Str("tranche", pool.TrancheAddress.Hex()).
		Str("venue", venue.Hex()).
		Int64("expiry", expiry).
		Msg("pool registered")

	return pool, nil
}

// Lookup returns the validated record for a position/expiry pair.
func (r *Registry) Lookup(positionAsset common.Address, expiry int64) (RegisteredPool, bool) {
	pool, ok := r.pools[poolKey{positionAsset: positionAsset, expiry: expiry}]
	return pool, ok
}

// Restore inserts a pool record loaded from the audit store during startup.
func (r *Registry) Restore(pool RegisteredPool) {
	r.pools[poolKey{positionAsset: pool.PositionAsset, expiry: pool.Expiry}] = pool
}
