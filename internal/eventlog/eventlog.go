// Package eventlog implements C1: an append-only, per-aggregate event
// store with optimistic concurrency. Grounded on the teacher's
// pkg/outbox.Repository for its database-access idiom (QueryRowContext /
// tx-scoped inserts, JSON payload marshaling) and on the plaenen-eventstore
// reference example's stream/version vocabulary.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/kmassidik/walletledger/internal/common/logger"
)

// StreamPrefix is the stream-name prefix for wallet streams, per
// spec.md §3 ("wallet-<WalletId>"). Store does not apply it: event_log
// rows are keyed by the bare aggregate id.
const StreamPrefix = "wallet-"

// StoredEvent is a persisted, positioned event as read back from a stream.
type StoredEvent struct {
	AggregateID    string
	Version        int
	EventType      string
	Payload        json.RawMessage
	Metadata       json.RawMessage
	OccurredAt     time.Time
	CorrelationID  string
	CausationID    string
}

// NewEvent is an event awaiting append; Version is assigned by the store.
type NewEvent struct {
	EventType     string
	Payload       interface{}
	CorrelationID string
	CausationID   string
}

// ConcurrencyConflict is returned when the stream's head does not match
// the caller-supplied expectedVersion.
type ConcurrencyConflict struct {
	Expected int
	Actual   int
}

func (e *ConcurrencyConflict) Error() string {
	return fmt.Sprintf("concurrency conflict: expected version %d, actual %d", e.Expected, e.Actual)
}

type Store struct {
	db     *sql.DB
	logger *logger.Logger
}

func NewStore(db *sql.DB, log *logger.Logger) *Store {
	return &Store{db: db, logger: log}
}

// Schema returns the DDL for the event_log table. Exposed so the process
// wiring (or a future migration tool, explicitly out of this core's
// design) can create it; this package never runs DDL implicitly.
const Schema = `
CREATE TABLE IF NOT EXISTS event_log (
	aggregate_id   VARCHAR(255) NOT NULL,
	version        INT NOT NULL,
	event_type     VARCHAR(100) NOT NULL,
	payload        JSONB NOT NULL,
	metadata       JSONB NOT NULL DEFAULT '{}',
	correlation_id VARCHAR(255),
	causation_id   VARCHAR(255),
	occurred_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (aggregate_id, version)
);
`

// ReadStream returns all events for aggregateID in ascending version
// order; an empty slice if the stream does not exist.
func (s *Store) ReadStream(ctx context.Context, aggregateID string) ([]StoredEvent, error) {
	return s.ReadStreamFromVersion(ctx, aggregateID, 0)
}

// ReadStreamFromVersion returns events with version >= fromVersion.
func (s *Store) ReadStreamFromVersion(ctx context.Context, aggregateID string, fromVersion int) ([]StoredEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT aggregate_id, version, event_type, payload, metadata,
		       COALESCE(correlation_id, ''), COALESCE(causation_id, ''), occurred_at
		FROM event_log
		WHERE aggregate_id = $1 AND version >= $2
		ORDER BY version ASC
	`, aggregateID, fromVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to read stream: %w", err)
	}
	defer rows.Close()

	var events []StoredEvent
	for rows.Next() {
		var e StoredEvent
		if err := rows.Scan(&e.AggregateID, &e.Version, &e.EventType, &e.Payload, &e.Metadata,
			&e.CorrelationID, &e.CausationID, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// AppendToStream atomically appends events to aggregateID's stream.
// expectedVersion == -1 means the stream must not yet exist; otherwise it
// must equal the current head version. Each appended event is assigned a
// contiguous version starting at expectedVersion+1 and stamped with the
// server's UTC clock.
func (s *Store) AppendToStream(ctx context.Context, aggregateID string, events []NewEvent, expectedVersion int) ([]StoredEvent, error) {
	if len(events) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var actual int
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), -1) FROM event_log WHERE aggregate_id = $1
	`, aggregateID).Scan(&actual)
	if err != nil {
		return nil, fmt.Errorf("failed to read stream head: %w", err)
	}

	if actual != expectedVersion {
		return nil, &ConcurrencyConflict{Expected: expectedVersion, Actual: actual}
	}

	now := time.Now().UTC()
	stored := make([]StoredEvent, 0, len(events))

	for i, ev := range events {
		version := expectedVersion + 1 + i

		payloadBytes, err := json.Marshal(ev.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal event payload: %w", err)
		}

		metadata := map[string]interface{}{
			"version":    version,
			"occurredAt": now,
		}
		if ev.CorrelationID != "" {
			metadata["correlationId"] = ev.CorrelationID
		}
		if ev.CausationID != "" {
			metadata["causationId"] = ev.CausationID
		}
		metadataBytes, _ := json.Marshal(metadata)

		_, err = tx.ExecContext(ctx, `
			INSERT INTO event_log (aggregate_id, version, event_type, payload, metadata,
			                       correlation_id, causation_id, occurred_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, aggregateID, version, ev.EventType, payloadBytes, metadataBytes,
			nullIfEmpty(ev.CorrelationID), nullIfEmpty(ev.CausationID), now)
		if err != nil {
			if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
				// A concurrent append took this position after the head
				// check above; the head is now at least version.
				return nil, &ConcurrencyConflict{Expected: expectedVersion, Actual: version}
			}
			return nil, fmt.Errorf("failed to append event: %w", err)
		}

		stored = append(stored, StoredEvent{
			AggregateID:   aggregateID,
			Version:       version,
			EventType:     ev.EventType,
			Payload:       payloadBytes,
			Metadata:      metadataBytes,
			OccurredAt:    now,
			CorrelationID: ev.CorrelationID,
			CausationID:   ev.CausationID,
		})
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit append: %w", err)
	}

	return stored, nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
