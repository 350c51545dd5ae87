// Package readmodel holds the denormalized query-side tables fed by
// the projector runtime (C7): a wallet snapshot row and a ledger
// entry log, grounded on the teacher's internal/transaction
// repository idiom (db.DB-typed repository, QueryRowContext/Scan).
package readmodel

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kmassidik/walletledger/internal/common/db"
	"github.com/kmassidik/walletledger/internal/common/logger"
)

// WalletRow is the query-side mirror of a wallet aggregate.
type WalletRow struct {
	ID        string
	OwnerID   string
	Balance   int64
	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

const WalletSchema = `
CREATE TABLE IF NOT EXISTS wallets_read (
	id         VARCHAR(255) PRIMARY KEY,
	owner_id   VARCHAR(255) NOT NULL,
	balance    BIGINT NOT NULL,
	version    INT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_wallets_read_owner ON wallets_read(owner_id);
`

type WalletRepository struct {
	db     *db.DB
	logger *logger.Logger
}

func NewWalletRepository(database *db.DB, log *logger.Logger) *WalletRepository {
	return &WalletRepository{db: database, logger: log}
}

// Create inserts a wallet row. Used by the read-model projector when
// applying WalletCreated; upserts on replay (ON CONFLICT DO NOTHING
// would silently drop a legitimate correction, so this updates in
// place instead, which is safe because WalletCreated carries the full
// initial state).
func (r *WalletRepository) Create(ctx context.Context, id, ownerID string, initialBalance int64, occurredAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO wallets_read (id, owner_id, balance, version, created_at, updated_at)
		VALUES ($1, $2, $3, 1, $4, $4)
		ON CONFLICT (id) DO UPDATE SET
			owner_id = EXCLUDED.owner_id,
			balance = EXCLUDED.balance,
			updated_at = EXCLUDED.updated_at
	`, id, ownerID, initialBalance, occurredAt)
	if err != nil {
		return fmt.Errorf("failed to upsert wallet read row: %w", err)
	}
	return nil
}

// AdjustBalance applies a signed delta (positive for credit, negative
// for debit) and bumps version, returning sql.ErrNoRows if the wallet
// is missing (caller must log and drop, per spec.md §4.7).
func (r *WalletRepository) AdjustBalance(ctx context.Context, id string, delta int64, version int, occurredAt time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE wallets_read
		SET balance = balance + $2, version = $3, updated_at = $4
		WHERE id = $1
	`, id, delta, version, occurredAt)
	if err != nil {
		return fmt.Errorf("failed to adjust wallet read balance: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check adjust rows affected: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (r *WalletRepository) Get(ctx context.Context, id string) (*WalletRow, error) {
	var w WalletRow
	err := r.db.QueryRowContext(ctx, `
		SELECT id, owner_id, balance, version, created_at, updated_at
		FROM wallets_read WHERE id = $1
	`, id).Scan(&w.ID, &w.OwnerID, &w.Balance, &w.Version, &w.CreatedAt, &w.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get wallet read row: %w", err)
	}
	return &w, nil
}

func (r *WalletRepository) List(ctx context.Context, ownerID string, limit, offset int) ([]WalletRow, error) {
	var rows *sql.Rows
	var err error
	if ownerID == "" {
		rows, err = r.db.QueryContext(ctx, `
			SELECT id, owner_id, balance, version, created_at, updated_at
			FROM wallets_read ORDER BY created_at DESC LIMIT $1 OFFSET $2
		`, limit, offset)
	} else {
		rows, err = r.db.QueryContext(ctx, `
			SELECT id, owner_id, balance, version, created_at, updated_at
			FROM wallets_read WHERE owner_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3
		`, ownerID, limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list wallet read rows: %w", err)
	}
	defer rows.Close()

	var wallets []WalletRow
	for rows.Next() {
		var w WalletRow
		if err := rows.Scan(&w.ID, &w.OwnerID, &w.Balance, &w.Version, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan wallet read row: %w", err)
		}
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}
