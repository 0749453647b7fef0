package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// execer abstracts *sql.DB and *sql.Tx so batch writes can run inside the
// worker's transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// VaultWriter writes the event log and the state projections to Postgres
// using multi-row INSERTs. The event log is append-only; interaction and
// tranche rows are upserted to their latest snapshot.
type VaultWriter struct {
	db *sql.DB
}

// EventRow is a row in vault.events.
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	Payload        []byte
	Timestamp      time.Time
}

// InteractionRow is the projection row in vault.interactions.
type InteractionRow struct {
	Nonce         int64
	TrancheID     string
	Units         int64
	Expiry        int64
	Finalised     bool
	Failed        bool
	Allocated     int64
	FailureKind   string
	FailureReason string
	UpdatedSeq    int64
}

// TrancheRow is the projection row in vault.tranche_ledgers.
type TrancheRow struct {
	TrancheID        string
	HeldUnits        int64
	Redeemed         int64
	Unallocated      int64
	NumDeposits      int64
	NumFinalised     int64
	RedemptionFailed bool
	FailureKind      string
	UpdatedSeq       int64
}

// SettlementRow is the terminal outcome row in vault.settlements. One per
// nonce, written when the interaction finalises or fails.
type SettlementRow struct {
	Nonce       int64
	TrancheID   string
	Success     bool
	Allocated   int64
	Recipient   string
	FailureKind string
	Reason      string
	Sequence    int64
	Timestamp   time.Time
}

// PoolRow is a row in vault.pools.
type PoolRow struct {
	PoolID         string
	TrancheAddress string
	VenueAddress   string
	PositionAsset  string
	InputAsset     string
	Expiry         int64
}

func NewVaultWriter(db *sql.DB) *VaultWriter {
	return &VaultWriter{db: db}
}

func (w *VaultWriter) DB() *sql.DB {
	return w.db
}

// WriteEventBatch appends a batch of envelopes to vault.events.
func (w *VaultWriter) WriteEventBatch(ctx context.Context, ex execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO vault.events
		(sequence, event_type, idempotency_key, payload, timestamp)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*5)

	for i, e := range events {
		base := i * 5
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5,
		))
		args = append(args, e.Sequence, e.EventType, e.IdempotencyKey, e.Payload, e.Timestamp)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING" // Idempotent writes

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteInteractionBatch upserts interaction snapshots. A later sequence
// always wins; a stale retry never regresses a row.
func (w *VaultWriter) WriteInteractionBatch(ctx context.Context, ex execer, rows []InteractionRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO vault.interactions
		(nonce, tranche_id, units, expiry, finalised, failed, allocated, failure_kind, failure_reason, updated_seq)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*10)

	for i, r := range rows {
		base := i * 10
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10,
		))
		args = append(args,
			r.Nonce, r.TrancheID, r.Units, r.Expiry, r.Finalised,
			r.Failed, r.Allocated, r.FailureKind, r.FailureReason, r.UpdatedSeq,
		)
	}

	query += strings.Join(values, ", ")
	query += ` ON CONFLICT (nonce) DO UPDATE SET
		finalised = EXCLUDED.finalised,
		failed = EXCLUDED.failed,
		allocated = EXCLUDED.allocated,
		failure_kind = EXCLUDED.failure_kind,
		failure_reason = EXCLUDED.failure_reason,
		updated_seq = EXCLUDED.updated_seq
	WHERE vault.interactions.updated_seq < EXCLUDED.updated_seq`

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteTrancheBatch upserts tranche ledger snapshots.
func (w *VaultWriter) WriteTrancheBatch(ctx context.Context, ex execer, rows []TrancheRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO vault.tranche_ledgers
		(tranche_id, held_units, redeemed, unallocated, num_deposits, num_finalised, redemption_failed, failure_kind, updated_seq)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*9)

	for i, r := range rows {
		base := i * 9
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		args = append(args,
			r.TrancheID, r.HeldUnits, r.Redeemed, r.Unallocated,
			r.NumDeposits, r.NumFinalised, r.RedemptionFailed, r.FailureKind, r.UpdatedSeq,
		)
	}

	query += strings.Join(values, ", ")
	query += ` ON CONFLICT (tranche_id) DO UPDATE SET
		held_units = EXCLUDED.held_units,
		redeemed = EXCLUDED.redeemed,
		unallocated = EXCLUDED.unallocated,
		num_deposits = EXCLUDED.num_deposits,
		num_finalised = EXCLUDED.num_finalised,
		redemption_failed = EXCLUDED.redemption_failed,
		failure_kind = EXCLUDED.failure_kind,
		updated_seq = EXCLUDED.updated_seq
	WHERE vault.tranche_ledgers.updated_seq < EXCLUDED.updated_seq`

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteSettlementBatch appends terminal settlement outcomes. A nonce settles
// exactly once, so conflicts only arise from replayed batches.
func (w *VaultWriter) WriteSettlementBatch(ctx context.Context, ex execer, rows []SettlementRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO vault.settlements
		(nonce, tranche_id, success, allocated, recipient, failure_kind, reason, sequence, timestamp)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*9)

	for i, r := range rows {
		base := i * 9
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		args = append(args,
			r.Nonce, r.TrancheID, r.Success, r.Allocated, r.Recipient,
			r.FailureKind, r.Reason, r.Sequence, r.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (nonce) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WritePoolBatch appends registered pools. Registrations are immutable.
func (w *VaultWriter) WritePoolBatch(ctx context.Context, ex execer, rows []PoolRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO vault.pools
		(pool_id, tranche_address, venue_address, position_asset, input_asset, expiry)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*6)

	for i, r := range rows {
		base := i * 6
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6,
		))
		args = append(args,
			r.PoolID, r.TrancheAddress, r.VenueAddress,
			r.PositionAsset, r.InputAsset, r.Expiry,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (pool_id) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}
