// Package writeside holds the best-effort wallet mirror maintained
// directly by command handlers (C8), co-located with the event log.
// It exists purely as a fast existence check on create (avoiding a
// full stream read) and as recovery's (C9) ground-truth comparison
// point against the projector-derived read model — it is never the
// source of truth for a command decision, which always replays the
// event log or a snapshot.
package writeside

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kmassidik/walletledger/internal/common/logger"
)

// Row mirrors an aggregate's current state as last known by the
// command handler that mutated it.
type Row struct {
	ID        string
	OwnerID   string
	Balance   int64
	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

const Schema = `
CREATE TABLE IF NOT EXISTS wallets_write_side (
	id         VARCHAR(255) PRIMARY KEY,
	owner_id   VARCHAR(255) NOT NULL,
	balance    BIGINT NOT NULL,
	version    INT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
`

type Repository struct {
	db     *sql.DB
	logger *logger.Logger
}

func NewRepository(db *sql.DB, log *logger.Logger) *Repository {
	return &Repository{db: db, logger: log}
}

// Exists is the defensive double-check in the create handler (step
// 4.8.2): the event stream is the authority, this is a cheap backstop
// against a corrupted or partially-written mirror.
func (r *Repository) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM wallets_write_side WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check write-side existence: %w", err)
	}
	return exists, nil
}

func (r *Repository) Upsert(ctx context.Context, row Row) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO wallets_write_side (id, owner_id, balance, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			balance = EXCLUDED.balance,
			version = EXCLUDED.version,
			updated_at = EXCLUDED.updated_at
	`, row.ID, row.OwnerID, row.Balance, row.Version, row.CreatedAt, row.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert write-side row: %w", err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (*Row, error) {
	var row Row
	err := r.db.QueryRowContext(ctx, `
		SELECT id, owner_id, balance, version, created_at, updated_at
		FROM wallets_write_side WHERE id = $1
	`, id).Scan(&row.ID, &row.OwnerID, &row.Balance, &row.Version, &row.CreatedAt, &row.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get write-side row: %w", err)
	}
	return &row, nil
}

// ListIDs returns every known wallet id, used by recovery to drive
// rebuildAllReadModels and detectDataDrift.
func (r *Repository) ListIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM wallets_write_side ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list write-side wallet ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan write-side wallet id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
