package persistence

import (
	"context"
	"database/sql"
	"time"

	"TrancheVault/internal/ledger"
)

// PostgresNonceChecker is the cold tier of nonce deduplication, backed by
// the vault.interactions projection.
type PostgresNonceChecker struct {
	db *sql.DB
}

func NewPostgresNonceChecker(db *sql.DB) *PostgresNonceChecker {
	return &PostgresNonceChecker{db: db}
}

// NonceUsed reports whether an interaction was ever recorded for the nonce.
func (nc *PostgresNonceChecker) NonceUsed(nonce ledger.Nonce) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	var exists int
	err := nc.db.QueryRowContext(ctx,
		`SELECT 1 FROM vault.interactions WHERE nonce = $1 LIMIT 1`,
		int64(nonce),
	).Scan(&exists)

	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
