package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("not found")

// QueryService provides read-only access to the projection tables. All
// responses carry as_of_sequence so callers can reason about freshness
// relative to the event log.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetInteraction returns the audit record for a nonce.
func (qs *QueryService) GetInteraction(ctx context.Context, nonce uint64) (*InteractionResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	var r InteractionResponse
	r.AsOfSequence = asOfSeq
	err = qs.db.QueryRowContext(ctx, `
		SELECT nonce, tranche_id, units, expiry, finalised, failed, allocated, failure_kind, failure_reason
		FROM vault.interactions
		WHERE nonce = $1
	`, int64(nonce)).Scan(
		&r.Nonce, &r.TrancheID, &r.Units, &r.Expiry,
		&r.Finalised, &r.Failed, &r.Allocated, &r.FailureKind, &r.FailureReason,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetTranche returns the aggregate ledger for a tranche.
func (qs *QueryService) GetTranche(ctx context.Context, trancheID string) (*TrancheResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	var r TrancheResponse
	r.AsOfSequence = asOfSeq
	err = qs.db.QueryRowContext(ctx, `
		SELECT tranche_id, held_units, redeemed, unallocated, num_deposits, num_finalised, redemption_failed, failure_kind
		FROM vault.tranche_ledgers
		WHERE tranche_id = $1
	`, trancheID).Scan(
		&r.TrancheID, &r.HeldUnits, &r.Redeemed, &r.Unallocated,
		&r.NumDeposits, &r.NumFinalised, &r.RedemptionFailed, &r.FailureKind,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetSettlements returns settlement history for a tranche with cursor-based
// pagination on sequence.
func (qs *QueryService) GetSettlements(ctx context.Context, trancheID string, limit int, beforeSeq *int64) ([]SettlementResponse, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `
		SELECT nonce, tranche_id, success, allocated, recipient, failure_kind, reason, sequence, timestamp
		FROM vault.settlements
		WHERE tranche_id = $1
	`
	args := []interface{}{trancheID}
	argIdx := 2

	if beforeSeq != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSeq)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SettlementResponse
	for rows.Next() {
		var s SettlementResponse
		if err := rows.Scan(
			&s.Nonce, &s.TrancheID, &s.Success, &s.Allocated,
			&s.Recipient, &s.FailureKind, &s.Reason, &s.Sequence, &s.Timestamp,
		); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListPools returns every registered pool.
func (qs *QueryService) ListPools(ctx context.Context) ([]PoolResponse, error) {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT pool_id, tranche_address, venue_address, position_asset, input_asset, expiry
		FROM vault.pools
		ORDER BY expiry, position_asset
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PoolResponse
	for rows.Next() {
		var p PoolResponse
		if err := rows.Scan(
			&p.PoolID, &p.TrancheAddress, &p.VenueAddress,
			&p.PositionAsset, &p.InputAsset, &p.Expiry,
		); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// getWatermark returns the highest persisted event sequence.
func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM vault.events`,
	).Scan(&seq)
	return seq, err
}
