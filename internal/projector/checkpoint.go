package projector

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kmassidik/walletledger/internal/common/logger"
)

// Checkpoint is a projector's liveness marker and secondary
// idempotency guard, per spec.md §3 ("Projector checkpoint").
type Checkpoint struct {
	Name                 string
	AggregateID          string
	LastProcessedVersion int
	LastProcessedID       int64
	LastProcessedAt       time.Time
}

const CheckpointSchema = `
CREATE TABLE IF NOT EXISTS projector_checkpoints (
	name                    VARCHAR(100) PRIMARY KEY,
	aggregate_id            VARCHAR(255),
	last_processed_version  INT NOT NULL DEFAULT 0,
	last_processed_id       BIGINT NOT NULL DEFAULT 0,
	last_processed_at       TIMESTAMPTZ
);
`

type CheckpointStore struct {
	db     *sql.DB
	logger *logger.Logger
}

func NewCheckpointStore(db *sql.DB, log *logger.Logger) *CheckpointStore {
	return &CheckpointStore{db: db, logger: log}
}

func (s *CheckpointStore) Get(ctx context.Context, name string) (*Checkpoint, error) {
	var c Checkpoint
	var aggregateID sql.NullString
	var lastProcessedAt sql.NullTime

	err := s.db.QueryRowContext(ctx, `
		SELECT name, aggregate_id, last_processed_version, last_processed_id, last_processed_at
		FROM projector_checkpoints WHERE name = $1
	`, name).Scan(&c.Name, &aggregateID, &c.LastProcessedVersion, &c.LastProcessedID, &lastProcessedAt)

	if err == sql.ErrNoRows {
		return &Checkpoint{Name: name, LastProcessedID: 0, LastProcessedVersion: 0}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint %s: %w", name, err)
	}
	c.AggregateID = aggregateID.String
	c.LastProcessedAt = lastProcessedAt.Time
	return &c, nil
}

// Save upserts the checkpoint. Called once per message application,
// immediately after apply() succeeds and before the batch's final
// markBatchProcessed call.
func (s *CheckpointStore) Save(ctx context.Context, c *Checkpoint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projector_checkpoints (name, aggregate_id, last_processed_version, last_processed_id, last_processed_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (name) DO UPDATE SET
			aggregate_id = EXCLUDED.aggregate_id,
			last_processed_version = EXCLUDED.last_processed_version,
			last_processed_id = EXCLUDED.last_processed_id,
			last_processed_at = EXCLUDED.last_processed_at
	`, c.Name, nullIfEmpty(c.AggregateID), c.LastProcessedVersion, c.LastProcessedID)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint %s: %w", c.Name, err)
	}
	return nil
}

// AlreadyProcessed implements the idempotency check of spec.md §4.7:
// the message's outbox id has already been seen globally, or — for
// the same aggregate — its event version has already been seen.
// lastProcessedId is the primary guard; the per-aggregate comparison
// is kept only as a secondary, per the REDESIGN FLAGS resolution in
// SPEC_FULL.md §9.
func (c *Checkpoint) AlreadyProcessed(messageID int64, aggregateID string, eventVersion int) bool {
	if c.LastProcessedID >= messageID {
		return true
	}
	if c.AggregateID == aggregateID && c.LastProcessedVersion >= eventVersion {
		return true
	}
	return false
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
