// Package snapshot implements C3: periodic aggregate-state checkpoints
// with bounded retention, stored in the wallet_snapshots table keyed by
// aggregate id, alongside the event log, per spec.md §4.3.
// Grounded on internal/eventlog's storage idiom (same db, same
// Postgres-as-log pattern) rather than introducing a second storage
// technology for what is conceptually the same append-only shape.
package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kmassidik/walletledger/internal/common/logger"
)

// StreamPrefix is the stream-name prefix for snapshot streams, per
// spec.md §3. Store does not apply it: wallet_snapshots rows are keyed
// by the bare aggregate id.
const StreamPrefix = "snapshot-wallet-"

// Snapshot is a cached aggregate state used to shorten rehydration.
type Snapshot struct {
	AggregateID     string
	State           json.RawMessage
	Version         int
	SnapshotVersion int64
	Timestamp       time.Time
}

const Schema = `
CREATE TABLE IF NOT EXISTS wallet_snapshots (
	snapshot_version BIGSERIAL PRIMARY KEY,
	aggregate_id     VARCHAR(255) NOT NULL,
	state            JSONB NOT NULL,
	version          INT NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_wallet_snapshots_aggregate ON wallet_snapshots(aggregate_id, snapshot_version DESC);
`

type Store struct {
	db       *sql.DB
	logger   *logger.Logger
	keepLast int
}

// NewStore builds a snapshot store retaining at most keepLast snapshots
// per aggregate (default 3, per spec.md §4.3 / SNAPSHOT_KEEP_LAST).
func NewStore(db *sql.DB, keepLast int, log *logger.Logger) *Store {
	if keepLast <= 0 {
		keepLast = 3
	}
	return &Store{db: db, logger: log, keepLast: keepLast}
}

// GetLatestSnapshot returns the most recent snapshot for aggregateID, or
// nil if none exists. Callers must always replay events with
// version > snapshot.Version afterward — a snapshot may be stale.
func (s *Store) GetLatestSnapshot(ctx context.Context, aggregateID string) (*Snapshot, error) {
	var snap Snapshot
	err := s.db.QueryRowContext(ctx, `
		SELECT aggregate_id, state, version, snapshot_version, created_at
		FROM wallet_snapshots
		WHERE aggregate_id = $1
		ORDER BY snapshot_version DESC
		LIMIT 1
	`, aggregateID).Scan(&snap.AggregateID, &snap.State, &snap.Version, &snap.SnapshotVersion, &snap.Timestamp)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest snapshot: %w", err)
	}
	return &snap, nil
}

// SaveSnapshot appends a new snapshot and prunes older ones beyond
// keepLast for the aggregate.
func (s *Store) SaveSnapshot(ctx context.Context, aggregateID string, state interface{}, version int) error {
	stateBytes, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot state: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_snapshots (aggregate_id, state, version)
		VALUES ($1, $2, $3)
	`, aggregateID, stateBytes, version); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM wallet_snapshots
		WHERE aggregate_id = $1 AND snapshot_version NOT IN (
			SELECT snapshot_version FROM wallet_snapshots
			WHERE aggregate_id = $1
			ORDER BY snapshot_version DESC
			LIMIT $2
		)
	`, aggregateID, s.keepLast); err != nil {
		return fmt.Errorf("failed to prune old snapshots: %w", err)
	}

	return tx.Commit()
}
