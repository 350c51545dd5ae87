// Package outbox implements C5: a durable queue of committed events,
// multi-consumer, at-least-once. Adapted from the teacher's
// pkg/outbox.Repository (single-consumer, status column) to the
// multi-consumer claim algorithm of spec.md §4.5: per-consumer cursors
// via a companion processing table, with head-of-line blocking
// eliminated by SELECT ... FOR UPDATE SKIP LOCKED.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/kmassidik/walletledger/internal/common/logger"
)

// Event is a pending write, staged for enqueue after it has been
// appended to the event log.
type Event struct {
	AggregateID   string
	EventType     string
	EventVersion  int
	Payload       interface{}
	Metadata      map[string]string
	CorrelationID string
	CausationID   string
}

// Message is an outbox row handed to a claiming consumer.
type Message struct {
	ID            int64
	AggregateID   string
	EventType     string
	EventVersion  int
	Payload       json.RawMessage
	Metadata      json.RawMessage
	CorrelationID string
	CausationID   string
	CreatedAt     time.Time
}

const Schema = `
CREATE TABLE IF NOT EXISTS outbox (
	id             BIGSERIAL PRIMARY KEY,
	aggregate_id   VARCHAR(255) NOT NULL,
	event_type     VARCHAR(100) NOT NULL,
	event_version  INT NOT NULL,
	payload        JSONB NOT NULL,
	metadata       JSONB NOT NULL DEFAULT '{}',
	correlation_id VARCHAR(255),
	causation_id   VARCHAR(255),
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	processed_at   TIMESTAMPTZ,
	consumer       VARCHAR(100),
	UNIQUE (aggregate_id, event_version, event_type)
);

CREATE INDEX IF NOT EXISTS idx_outbox_unprocessed ON outbox(id) WHERE processed_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_outbox_aggregate ON outbox(aggregate_id);

CREATE TABLE IF NOT EXISTS outbox_consumer_processing (
	outbox_id     BIGINT NOT NULL REFERENCES outbox(id),
	consumer_name VARCHAR(100) NOT NULL,
	processed_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (outbox_id, consumer_name)
);
`

type Store struct {
	db     *sql.DB
	logger *logger.Logger
}

func NewStore(db *sql.DB, log *logger.Logger) *Store {
	return &Store{db: db, logger: log}
}

// Enqueue inserts events within the caller's transaction tx. The
// command handlers open that transaction after the event-log append
// has committed. An event whose (aggregateId, eventVersion, eventType)
// row already exists is skipped and logged: it was already enqueued by
// a previous attempt.
func (s *Store) Enqueue(ctx context.Context, tx *sql.Tx, events []Event) error {
	for _, e := range events {
		payloadBytes, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("failed to marshal outbox payload: %w", err)
		}
		metaBytes, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal outbox metadata: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO outbox (aggregate_id, event_type, event_version, payload, metadata, correlation_id, causation_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (aggregate_id, event_version, event_type) DO NOTHING
		`, e.AggregateID, e.EventType, e.EventVersion, payloadBytes, metaBytes, nullIfEmpty(e.CorrelationID), nullIfEmpty(e.CausationID))
		if err != nil {
			if isUniqueViolation(err) {
				s.logger.Warnf("outbox enqueue skipped duplicate event: aggregate=%s type=%s version=%d", e.AggregateID, e.EventType, e.EventVersion)
				continue
			}
			return fmt.Errorf("failed to enqueue outbox event: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			s.logger.Warnf("outbox enqueue skipped duplicate event: aggregate=%s type=%s version=%d", e.AggregateID, e.EventType, e.EventVersion)
		}
	}
	return nil
}

// ClaimBatch selects up to size unprocessed rows for consumer, ordered
// by id ascending, locking them FOR UPDATE SKIP LOCKED so concurrent
// workers — of this consumer or another — never block on each other.
// "Unprocessed for consumer" excludes rows already recorded in
// outbox_consumer_processing for that name, independent of the legacy
// consumer/processed_at columns.
func (s *Store) ClaimBatch(ctx context.Context, consumer string, size int, olderThan time.Duration) ([]Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback()

	cutoff := time.Time{}
	if olderThan > 0 {
		cutoff = time.Now().UTC().Add(-olderThan)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT o.id, o.aggregate_id, o.event_type, o.event_version, o.payload, o.metadata,
		       COALESCE(o.correlation_id, ''), COALESCE(o.causation_id, ''), o.created_at
		FROM outbox o
		WHERE NOT EXISTS (
			SELECT 1 FROM outbox_consumer_processing p
			WHERE p.outbox_id = o.id AND p.consumer_name = $1
		)
		AND ($3::timestamptz IS NULL OR o.created_at <= $3)
		ORDER BY o.id ASC
		LIMIT $2
		FOR UPDATE OF o SKIP LOCKED
	`, consumer, size, nullIfZeroTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox batch: %w", err)
	}

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.AggregateID, &m.EventType, &m.EventVersion, &m.Payload, &m.Metadata,
			&m.CorrelationID, &m.CausationID, &m.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim transaction: %w", err)
	}
	return messages, nil
}

// MarkProcessed records a single id as done for consumer.
func (s *Store) MarkProcessed(ctx context.Context, id int64, consumer string) error {
	return s.MarkBatchProcessed(ctx, []int64{id}, consumer)
}

// MarkBatchProcessed inserts (idempotently) into
// outbox_consumer_processing for every id, and stamps the legacy
// processed_at/consumer columns for observability only — per spec.md
// §4.5, these are not authoritative for claim correctness.
func (s *Store) MarkBatchProcessed(ctx context.Context, ids []int64, consumer string) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin mark-processed transaction: %w", err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO outbox_consumer_processing (outbox_id, consumer_name)
			VALUES ($1, $2)
			ON CONFLICT (outbox_id, consumer_name) DO NOTHING
		`, id, consumer); err != nil {
			return fmt.Errorf("failed to record consumer processing for outbox id %d: %w", id, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE outbox SET processed_at = now(), consumer = $2
		WHERE id = ANY($1) AND processed_at IS NULL
	`, pq.Array(ids), consumer); err != nil {
		return fmt.Errorf("failed to stamp legacy processed columns: %w", err)
	}

	return tx.Commit()
}

// GetUnprocessedCount returns the backlog for consumer, or, if consumer
// is empty, the number of rows no consumer has marked processed yet
// (legacy processed_at column still NULL).
func (s *Store) GetUnprocessedCount(ctx context.Context, consumer string) (int, error) {
	var count int
	var err error
	if consumer == "" {
		err = s.db.QueryRowContext(ctx, `SELECT count(*) FROM outbox WHERE processed_at IS NULL`).Scan(&count)
	} else {
		err = s.db.QueryRowContext(ctx, `
			SELECT count(*) FROM outbox o
			WHERE NOT EXISTS (
				SELECT 1 FROM outbox_consumer_processing p
				WHERE p.outbox_id = o.id AND p.consumer_name = $1
			)
		`, consumer).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count unprocessed outbox rows: %w", err)
	}
	return count, nil
}

// GetStaleCount returns the number of unprocessed rows older than
// olderThan, per spec.md §4.9's staleness criterion
// (processedAt IS NULL AND createdAt < now - olderThan).
func (s *Store) GetStaleCount(ctx context.Context, olderThan time.Duration) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM outbox
		WHERE processed_at IS NULL AND created_at < $1
	`, time.Now().UTC().Add(-olderThan)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count stale outbox rows: %w", err)
	}
	return count, nil
}

// GetOutboxLag returns how long the oldest unprocessed row (across all
// consumers, via the legacy column) has been waiting.
func (s *Store) GetOutboxLag(ctx context.Context) (time.Duration, error) {
	var oldest sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT min(created_at) FROM outbox WHERE processed_at IS NULL
	`).Scan(&oldest)
	if err != nil {
		return 0, fmt.Errorf("failed to compute outbox lag: %w", err)
	}
	if !oldest.Valid {
		return 0, nil
	}
	return time.Since(oldest.Time), nil
}

// ResetStale clears the legacy consumer column for rows that have been
// unprocessed for longer than olderThan, so any replica may re-claim
// them. Used by recovery (C9); the per-consumer processing table is
// untouched since it is the real idempotency guard.
func (s *Store) ResetStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET consumer = NULL
		WHERE processed_at IS NULL AND created_at < $1
	`, time.Now().UTC().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to reset stale outbox rows: %w", err)
	}
	return res.RowsAffected()
}

// Cleanup deletes rows processed by every known consumer and older
// than olderThanDays, bounding table growth.
func (s *Store) Cleanup(ctx context.Context, olderThanDays int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM outbox o
		WHERE o.processed_at IS NOT NULL
		AND o.processed_at < $1
	`, time.Now().UTC().AddDate(0, 0, -olderThanDays))
	if err != nil {
		return 0, fmt.Errorf("failed to clean up outbox: %w", err)
	}
	return res.RowsAffected()
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullIfZeroTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "duplicate key value")
}
