package readmodel

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kmassidik/walletledger/internal/common/db"
	"github.com/kmassidik/walletledger/internal/common/logger"
)

// LedgerEntry is one line of the append-only ledger projection, per
// spec.md §4.7. EntryType is CREDIT, DEBIT, TRANSFER_IN, or
// TRANSFER_OUT; RelatedWalletID is populated only for the latter two,
// naming the counterparty wallet of the transfer (SPEC_FULL.md §9).
type LedgerEntry struct {
	ID              int64
	WalletID        string
	EntryType       string
	AmountMinor     int64
	BalanceBefore   int64
	BalanceAfter    int64
	Description     string
	ReferenceID     string
	RelatedWalletID string
	Metadata        json.RawMessage
	CreatedAt       time.Time
}

const LedgerSchema = `
CREATE TABLE IF NOT EXISTS ledger_entries (
	id                BIGSERIAL PRIMARY KEY,
	wallet_id         VARCHAR(255) NOT NULL,
	entry_type        VARCHAR(20) NOT NULL,
	amount_minor      BIGINT NOT NULL,
	balance_before    BIGINT NOT NULL,
	balance_after     BIGINT NOT NULL,
	description       TEXT,
	reference_id      VARCHAR(255) NOT NULL UNIQUE,
	related_wallet_id VARCHAR(255),
	metadata          JSONB NOT NULL DEFAULT '{}',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_ledger_entries_wallet ON ledger_entries(wallet_id, created_at DESC);
`

type LedgerRepository struct {
	db     *db.DB
	logger *logger.Logger
}

func NewLedgerRepository(database *db.DB, log *logger.Logger) *LedgerRepository {
	return &LedgerRepository{db: database, logger: log}
}

// LatestBalance returns the balance_after of the most recent entry for
// walletID, or (0, false) if the wallet has no ledger history yet.
func (r *LedgerRepository) LatestBalance(ctx context.Context, walletID string) (int64, bool, error) {
	var balance int64
	err := r.db.QueryRowContext(ctx, `
		SELECT balance_after FROM ledger_entries
		WHERE wallet_id = $1 ORDER BY id DESC LIMIT 1
	`, walletID).Scan(&balance)

	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get latest ledger balance: %w", err)
	}
	return balance, true, nil
}

// Insert records an entry. A duplicate referenceId is treated as an
// idempotent replay, not an error, per spec.md §4.7.
func (r *LedgerRepository) Insert(ctx context.Context, entry *LedgerEntry) error {
	metadata := []byte(entry.Metadata)
	if metadata == nil {
		metadata = []byte(`{}`)
	}

	err := r.db.QueryRowContext(ctx, `
		INSERT INTO ledger_entries (wallet_id, entry_type, amount_minor, balance_before, balance_after, description, reference_id, related_wallet_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (reference_id) DO NOTHING
		RETURNING id, created_at
	`, entry.WalletID, entry.EntryType, entry.AmountMinor, entry.BalanceBefore, entry.BalanceAfter, entry.Description, entry.ReferenceID, nullIfEmpty(entry.RelatedWalletID), metadata).
		Scan(&entry.ID, &entry.CreatedAt)

	if err == sql.ErrNoRows {
		r.logger.Debugf("ledger entry replay skipped, reference already recorded: %s", entry.ReferenceID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return nil
}

func (r *LedgerRepository) ListByWallet(ctx context.Context, walletID string, limit, offset int) ([]LedgerEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, wallet_id, entry_type, amount_minor, balance_before, balance_after, description, reference_id, related_wallet_id, metadata, created_at
		FROM ledger_entries WHERE wallet_id = $1 ORDER BY id DESC LIMIT $2 OFFSET $3
	`, walletID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		var description sql.NullString
		var relatedWalletID sql.NullString
		var metadata []byte
		if err := rows.Scan(&e.ID, &e.WalletID, &e.EntryType, &e.AmountMinor, &e.BalanceBefore, &e.BalanceAfter, &description, &e.ReferenceID, &relatedWalletID, &metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		e.Description = description.String
		e.RelatedWalletID = relatedWalletID.String
		e.Metadata = metadata
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
