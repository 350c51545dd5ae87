// Package idempotency implements C6: deduplication of client commands
// by key+request-hash with a TTL, per spec.md §4.6. The teacher
// repository does idempotency as a single Redis SETNX boolean
// (internal/transaction/service.go); this package generalizes that to
// a three-state record (PENDING/COMPLETED/FAILED) backed by Postgres,
// since only a Postgres-durable record supports returning the exact
// cached response body on replay and distinguishing a concurrent
// duplicate from a safe retry after failure.
package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/kmassidik/walletledger/internal/common/logger"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

const Schema = `
CREATE TABLE IF NOT EXISTS idempotency_keys (
	key          VARCHAR(255) PRIMARY KEY,
	request_hash VARCHAR(64) NOT NULL,
	response     JSONB,
	status       VARCHAR(20) NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at   TIMESTAMPTZ NOT NULL
);
`

// ConflictInProgress is raised when another in-flight request holds
// the same key (status=PENDING). The client may retry later.
type ConflictInProgress struct {
	Key string
}

func (e *ConflictInProgress) Error() string {
	return fmt.Sprintf("idempotency key %q has a request already in progress", e.Key)
}

// IdempotencyKeyReuse is raised when the same key is presented with a
// different request payload. This is a client bug, not a retry.
type IdempotencyKeyReuse struct {
	Key string
}

func (e *IdempotencyKeyReuse) Error() string {
	return fmt.Sprintf("idempotency key %q was already used with a different request", e.Key)
}

type Store struct {
	db     *sql.DB
	logger *logger.Logger
	ttl    time.Duration
}

// NewStore builds an idempotency store with the given default TTL
// (spec.md default: 24h, IDEMPOTENCY_TTL_HOURS).
func NewStore(db *sql.DB, ttl time.Duration, log *logger.Logger) *Store {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{db: db, logger: log, ttl: ttl}
}

// HashRequest computes a stable SHA-256 hash over the canonical
// (key-sorted) JSON encoding of an arbitrary request payload.
func HashRequest(request interface{}) (string, error) {
	canonical, err := canonicalJSON(request)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize request: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// TryGet reports whether key has already been seen. A cache hit with a
// matching hash returns the stored response; a hash mismatch or an
// in-flight PENDING record returns a typed error instead of a bool, so
// callers can't accidentally treat either as a miss.
func (s *Store) TryGet(ctx context.Context, key, requestHash string) (json.RawMessage, error) {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE key = $1 AND expires_at < now()`, key); err != nil {
		return nil, fmt.Errorf("failed to expire stale idempotency record: %w", err)
	}

	var storedHash string
	var response sql.NullString
	var status Status
	err := s.db.QueryRowContext(ctx, `
		SELECT request_hash, response, status FROM idempotency_keys WHERE key = $1
	`, key).Scan(&storedHash, &response, &status)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up idempotency key: %w", err)
	}

	if storedHash != requestHash {
		return nil, &IdempotencyKeyReuse{Key: key}
	}

	switch status {
	case StatusCompleted:
		if !response.Valid {
			return nil, nil
		}
		return json.RawMessage(response.String), nil
	case StatusPending:
		return nil, &ConflictInProgress{Key: key}
	case StatusFailed:
		return nil, nil
	default:
		return nil, nil
	}
}

// StorePending reserves key before starting work. A FAILED record for
// key is replaced, so a retry after MarkFailed may reserve it again.
// Any other existing record means a concurrent request raced us, which
// is reported as ConflictInProgress, the same as TryGet's.
func (s *Store) StorePending(ctx context.Context, key, requestHash string) error {
	expiresAt := time.Now().UTC().Add(s.ttl)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, request_hash, status, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE SET
			request_hash = EXCLUDED.request_hash,
			response = NULL,
			status = EXCLUDED.status,
			expires_at = EXCLUDED.expires_at
		WHERE idempotency_keys.status = 'FAILED'
	`, key, requestHash, StatusPending, expiresAt)
	if err != nil {
		if isUniqueViolation(err) {
			return &ConflictInProgress{Key: key}
		}
		return fmt.Errorf("failed to store pending idempotency record: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &ConflictInProgress{Key: key}
	}
	return nil
}

// Store finalizes key with response, upserting COMPLETED status. Used
// after a command succeeds.
func (s *Store) Store(ctx context.Context, key, requestHash string, response interface{}) error {
	responseBytes, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("failed to marshal idempotency response: %w", err)
	}
	expiresAt := time.Now().UTC().Add(s.ttl)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, request_hash, response, status, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key) DO UPDATE SET
			response = EXCLUDED.response,
			status = EXCLUDED.status,
			expires_at = EXCLUDED.expires_at
	`, key, requestHash, responseBytes, StatusCompleted, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to store idempotency response: %w", err)
	}
	return nil
}

// MarkFailed flips key's status so the client may retry with the same
// key and a fresh attempt is not treated as a duplicate.
func (s *Store) MarkFailed(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE idempotency_keys SET status = $2 WHERE key = $1
	`, key, StatusFailed)
	if err != nil {
		return fmt.Errorf("failed to mark idempotency key failed: %w", err)
	}
	return nil
}

// Cleanup deletes all expired records, bounding table growth.
func (s *Store) Cleanup(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up idempotency keys: %w", err)
	}
	return res.RowsAffected()
}

// canonicalJSON re-marshals an arbitrary value with object keys
// sorted, so semantically identical requests hash identically
// regardless of struct field order or map iteration order.
func canonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := encodeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			if err := encodeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []interface{}:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	}
}

func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "duplicate key value")
}
