package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"TrancheVault/internal/ledger"
	"TrancheVault/internal/venue"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// RecoveredState is everything the core needs to resume after a restart:
// the projections plus the next event sequence to assign.
type RecoveredState struct {
	Interactions  []ledger.Interaction
	Tranches      []ledger.TrancheLedger
	Pools         []venue.RegisteredPool
	StartSequence int64
}

// LoadState reads the projections back into memory. The schedule is not
// stored; the core rebuilds it from pending interactions.
func LoadState(ctx context.Context, db *sql.DB) (*RecoveredState, error) {
	st := &RecoveredState{}

	err := db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence) + 1, 0) FROM vault.events`,
	).Scan(&st.StartSequence)
	if err != nil {
		return nil, fmt.Errorf("load start sequence: %w", err)
	}

	if st.Interactions, err = loadInteractions(ctx, db); err != nil {
		return nil, fmt.Errorf("load interactions: %w", err)
	}
	if st.Tranches, err = loadTranches(ctx, db); err != nil {
		return nil, fmt.Errorf("load tranche ledgers: %w", err)
	}
	if st.Pools, err = loadPools(ctx, db); err != nil {
		return nil, fmt.Errorf("load pools: %w", err)
	}
	return st, nil
}

func loadInteractions(ctx context.Context, db *sql.DB) ([]ledger.Interaction, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT nonce, tranche_id, units, expiry, finalised, failed, allocated, failure_kind, failure_reason
		FROM vault.interactions ORDER BY nonce`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Interaction
	for rows.Next() {
		var (
			nonce     int64
			trancheID string
			in        ledger.Interaction
			kind      string
		)
		if err := rows.Scan(&nonce, &trancheID, &in.Units, &in.Expiry,
			&in.Finalised, &in.Failed, &in.Allocated, &kind, &in.FailureReason); err != nil {
			return nil, err
		}
		in.Nonce = ledger.Nonce(nonce)
		in.TrancheID = common.HexToAddress(trancheID)
		in.FailureKind = ledger.ParseFailureKind(kind)
		out = append(out, in)
	}
	return out, rows.Err()
}

func loadTranches(ctx context.Context, db *sql.DB) ([]ledger.TrancheLedger, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT tranche_id, held_units, redeemed, unallocated, num_deposits, num_finalised, redemption_failed, failure_kind
		FROM vault.tranche_ledgers`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.TrancheLedger
	for rows.Next() {
		var (
			trancheID string
			tl        ledger.TrancheLedger
			kind      string
		)
		if err := rows.Scan(&trancheID, &tl.HeldUnits, &tl.Redeemed, &tl.Unallocated,
			&tl.NumDeposits, &tl.NumFinalised, &tl.RedemptionFailed, &kind); err != nil {
			return nil, err
		}
		tl.TrancheID = common.HexToAddress(trancheID)
		tl.FailureKind = ledger.ParseFailureKind(kind)
		out = append(out, tl)
	}
	return out, rows.Err()
}

func loadPools(ctx context.Context, db *sql.DB) ([]venue.RegisteredPool, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT pool_id, tranche_address, venue_address, position_asset, input_asset, expiry
		FROM vault.pools`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []venue.RegisteredPool
	for rows.Next() {
		var (
			poolID  string
			tranche string
			venAddr string
			pos     string
			input   string
			pool    venue.RegisteredPool
		)
		if err := rows.Scan(&poolID, &tranche, &venAddr, &pos, &input, &pool.Expiry); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(poolID)
		if err != nil {
			return nil, fmt.Errorf("pool id %q: %w", poolID, err)
		}
		pool.PoolID = id
		pool.TrancheAddress = common.HexToAddress(tranche)
		pool.VenueAddress = common.HexToAddress(venAddr)
		pool.PositionAsset = common.HexToAddress(pos)
		pool.InputAsset = common.HexToAddress(input)
		out = append(out, pool)
	}
	return out, rows.Err()
}
