// Package command implements C8: command handlers that orchestrate
// the idempotency cache (C6), distributed lock (C2), event log (C1),
// snapshot store (C3), wallet aggregate (C4), outbox (C5), and
// write-side mirror under a single per-wallet lock, per spec.md §4.8.
// Grounded on the teacher's internal/transaction.Service, which
// sequences validation -> idempotency -> cross-service calls -> local
// persistence -> outbox write in exactly this shape for P2P transfers.
package command

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kmassidik/walletledger/internal/common/capture"
	"github.com/kmassidik/walletledger/internal/common/db"
	"github.com/kmassidik/walletledger/internal/common/logger"
	"github.com/kmassidik/walletledger/internal/eventlog"
	"github.com/kmassidik/walletledger/internal/idempotency"
	"github.com/kmassidik/walletledger/internal/lock"
	"github.com/kmassidik/walletledger/internal/outbox"
	"github.com/kmassidik/walletledger/internal/snapshot"
	"github.com/kmassidik/walletledger/internal/wallet"
	"github.com/kmassidik/walletledger/internal/writeside"
)

// ErrTransferSameWallet is raised when a transfer's source and
// destination are identical.
var ErrTransferSameWallet = errors.New("transfer source and destination wallets must differ")

const lockTTL = 5 * time.Second

// Handlers wires together every dependency a command needs. It holds
// no per-request state — safe for concurrent use across goroutines.
type Handlers struct {
	db                *db.DB
	eventlogStore     *eventlog.Store
	snapshots         *snapshot.Store
	locker            *lock.Lock
	idempotencyStore  *idempotency.Store
	outboxStore       *outbox.Store
	writeSide         *writeside.Repository
	capture           *capture.Sink
	logger            *logger.Logger
	snapshotThreshold int
}

func NewHandlers(
	database *db.DB,
	eventlogStore *eventlog.Store,
	snapshots *snapshot.Store,
	locker *lock.Lock,
	idempotencyStore *idempotency.Store,
	outboxStore *outbox.Store,
	writeSide *writeside.Repository,
	captureSink *capture.Sink,
	snapshotThreshold int,
	log *logger.Logger,
) *Handlers {
	return &Handlers{
		db:                database,
		eventlogStore:     eventlogStore,
		snapshots:         snapshots,
		locker:            locker,
		idempotencyStore:  idempotencyStore,
		outboxStore:       outboxStore,
		writeSide:         writeSide,
		capture:           captureSink,
		logger:            log,
		snapshotThreshold: snapshotThreshold,
	}
}

// CreateWalletRequest is the canonical create command, per spec.md §4.8.
type CreateWalletRequest struct {
	WalletID       string
	OwnerID        string
	InitialBalance int64
	IdempotencyKey string
	CorrelationID  string
}

func (h *Handlers) CreateWallet(ctx context.Context, req CreateWalletRequest) (*wallet.State, error) {
	hash, err := hashRequest(req)
	if err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" {
		raw, err := h.idempotencyStore.TryGet(ctx, req.IdempotencyKey, hash)
		if err != nil {
			return nil, err
		}
		if raw != nil {
			var state wallet.State
			if err := json.Unmarshal(raw, &state); err != nil {
				return nil, fmt.Errorf("failed to unmarshal cached response: %w", err)
			}
			return &state, nil
		}
	}

	var result *wallet.State
	lockErr := h.locker.WithLock(ctx, lockKey(req.WalletID), lock.DefaultOptions(lockTTL), func(ctx context.Context) error {
		existing, err := h.eventlogStore.ReadStream(ctx, req.WalletID)
		if err != nil {
			return fmt.Errorf("failed to check existing stream: %w", err)
		}
		if len(existing) > 0 {
			return &wallet.WalletAlreadyExists{WalletID: req.WalletID}
		}
		if exists, err := h.writeSide.Exists(ctx, req.WalletID); err != nil {
			return fmt.Errorf("failed to check write-side existence: %w", err)
		} else if exists {
			return &wallet.WalletAlreadyExists{WalletID: req.WalletID}
		}

		if req.IdempotencyKey != "" {
			if err := h.idempotencyStore.StorePending(ctx, req.IdempotencyKey, hash); err != nil {
				return err
			}
		}

		w, err := wallet.Create(req.WalletID, req.OwnerID, req.InitialBalance)
		if err != nil {
			return err
		}

		if _, err := h.appendAndSync(ctx, w, req.CorrelationID, req.IdempotencyKey); err != nil {
			return err
		}

		snap := w.Snapshot()
		result = &snap
		return nil
	})

	return h.finish(ctx, req.IdempotencyKey, hash, result, lockErr)
}

// AmountRequest is the shared shape of credit/debit commands.
type AmountRequest struct {
	WalletID       string
	AmountMinor    int64
	Description    string
	IdempotencyKey string
	CorrelationID  string
}

func (h *Handlers) Credit(ctx context.Context, req AmountRequest) (*wallet.State, error) {
	return h.mutate(ctx, req, func(w *wallet.Wallet) error {
		return w.Credit(req.AmountMinor, req.Description)
	})
}

func (h *Handlers) Debit(ctx context.Context, req AmountRequest) (*wallet.State, error) {
	return h.mutate(ctx, req, func(w *wallet.Wallet) error {
		return w.Debit(req.AmountMinor, req.Description)
	})
}

func (h *Handlers) mutate(ctx context.Context, req AmountRequest, apply func(w *wallet.Wallet) error) (*wallet.State, error) {
	hash, err := hashRequest(req)
	if err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" {
		raw, err := h.idempotencyStore.TryGet(ctx, req.IdempotencyKey, hash)
		if err != nil {
			return nil, err
		}
		if raw != nil {
			var state wallet.State
			if err := json.Unmarshal(raw, &state); err != nil {
				return nil, fmt.Errorf("failed to unmarshal cached response: %w", err)
			}
			return &state, nil
		}
	}

	var result *wallet.State
	lockErr := h.locker.WithLock(ctx, lockKey(req.WalletID), lock.DefaultOptions(lockTTL), func(ctx context.Context) error {
		if req.IdempotencyKey != "" {
			if err := h.idempotencyStore.StorePending(ctx, req.IdempotencyKey, hash); err != nil {
				return err
			}
		}

		return retryOnConcurrencyConflict(ctx, func() error {
			w, err := h.loadAggregate(ctx, req.WalletID)
			if err != nil {
				return err
			}
			if err := apply(w); err != nil {
				return err
			}
			if _, err := h.appendAndSync(ctx, w, req.CorrelationID, req.IdempotencyKey); err != nil {
				return err
			}
			h.maybeSnapshot(ctx, w)
			snap := w.Snapshot()
			result = &snap
			return nil
		})
	})

	return h.finish(ctx, req.IdempotencyKey, hash, result, lockErr)
}

// TransferRequest moves amountMinor from fromWalletID to toWalletID as
// a debit on the source and a credit on the destination, under both
// wallets' locks acquired in a deadlock-free total order.
type TransferRequest struct {
	FromWalletID   string
	ToWalletID     string
	AmountMinor    int64
	Description    string
	IdempotencyKey string
	CorrelationID  string
}

// TransferResult carries both post-commit snapshots.
type TransferResult struct {
	From wallet.State `json:"from"`
	To   wallet.State `json:"to"`
}

func (h *Handlers) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	if req.FromWalletID == req.ToWalletID {
		return nil, ErrTransferSameWallet
	}

	hash, err := hashRequest(req)
	if err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" {
		raw, err := h.idempotencyStore.TryGet(ctx, req.IdempotencyKey, hash)
		if err != nil {
			return nil, err
		}
		if raw != nil {
			var result TransferResult
			if err := json.Unmarshal(raw, &result); err != nil {
				return nil, fmt.Errorf("failed to unmarshal cached response: %w", err)
			}
			return &result, nil
		}
	}

	ordered := lock.OrderedKeys(lockKey(req.FromWalletID), lockKey(req.ToWalletID))

	var result *TransferResult
	lockErr := h.locker.WithLock(ctx, ordered[0], lock.DefaultOptions(lockTTL), func(ctx context.Context) error {
		return h.locker.WithLock(ctx, ordered[1], lock.DefaultOptions(lockTTL), func(ctx context.Context) error {
			if req.IdempotencyKey != "" {
				if err := h.idempotencyStore.StorePending(ctx, req.IdempotencyKey, hash); err != nil {
					return err
				}
			}

			return retryOnConcurrencyConflict(ctx, func() error {
				from, err := h.loadAggregate(ctx, req.FromWalletID)
				if err != nil {
					return err
				}
				if err := from.DebitForTransfer(req.AmountMinor, req.Description, req.ToWalletID); err != nil {
					return err
				}

				to, err := h.loadAggregate(ctx, req.ToWalletID)
				if err != nil {
					return err
				}
				if err := to.CreditForTransfer(req.AmountMinor, req.Description, req.FromWalletID); err != nil {
					return err
				}

				if _, err := h.appendAndSync(ctx, from, req.CorrelationID, req.IdempotencyKey); err != nil {
					return err
				}
				// Partial failure here (source committed, destination not)
				// is reported as an error; no compensation is attempted.
				// The error is wrapped so the conflict retry does not
				// re-run the already committed source debit.
				// See SPEC_FULL.md §9 for the accepted tradeoff.
				if _, err := h.appendAndSync(ctx, to, req.CorrelationID, req.IdempotencyKey); err != nil {
					return fmt.Errorf("transfer destination append failed after source %s was committed: %w", req.FromWalletID, err)
				}

				h.maybeSnapshot(ctx, from)
				h.maybeSnapshot(ctx, to)

				result = &TransferResult{From: from.Snapshot(), To: to.Snapshot()}
				return nil
			})
		})
	})

	if lockErr != nil {
		if req.IdempotencyKey != "" {
			if markErr := h.idempotencyStore.MarkFailed(ctx, req.IdempotencyKey); markErr != nil {
				h.logger.Warnf("failed to mark idempotency key %s as failed: %v", req.IdempotencyKey, markErr)
			}
		}
		return nil, lockErr
	}

	if req.IdempotencyKey != "" && result != nil {
		if err := h.idempotencyStore.Store(ctx, req.IdempotencyKey, hash, result); err != nil {
			h.logger.Warnf("failed to store idempotency result for key %s: %v", req.IdempotencyKey, err)
		}
	}

	return result, nil
}

// finish closes out a create/credit/debit command: on error it flips
// the key to FAILED (so the same key may be retried); on success it
// caches the resulting snapshot under hash.
func (h *Handlers) finish(ctx context.Context, key, hash string, result *wallet.State, lockErr error) (*wallet.State, error) {
	if lockErr != nil {
		if key != "" {
			if err := h.idempotencyStore.MarkFailed(ctx, key); err != nil {
				h.logger.Warnf("failed to mark idempotency key %s as failed: %v", key, err)
			}
		}
		return nil, lockErr
	}

	if key != "" && result != nil {
		if err := h.idempotencyStore.Store(ctx, key, hash, result); err != nil {
			h.logger.Warnf("failed to store idempotency result for key %s: %v", key, err)
		}
	}

	return result, nil
}

// appendAndSync appends w's pending events to the log and performs
// the two best-effort side effects (write-side mirror, outbox
// enqueue). Only the append itself can fail the command.
func (h *Handlers) appendAndSync(ctx context.Context, w *wallet.Wallet, correlationID, causationID string) ([]eventlog.StoredEvent, error) {
	pending := w.GetPendingEvents()
	if len(pending) == 0 {
		return nil, nil
	}

	newEvents := make([]eventlog.NewEvent, len(pending))
	for i, p := range pending {
		newEvents[i] = eventlog.NewEvent{
			EventType:     p.EventType,
			Payload:       p.Payload,
			CorrelationID: correlationID,
			CausationID:   causationID,
		}
	}

	stored, err := h.eventlogStore.AppendToStream(ctx, w.ID(), newEvents, w.PersistedVersion())
	if err != nil {
		return nil, err
	}
	w.MarkEventsCommitted(stored[len(stored)-1].Version)

	if err := h.writeSide.Upsert(ctx, writeside.Row{
		ID:        w.ID(),
		OwnerID:   w.OwnerID(),
		Balance:   w.Balance(),
		Version:   w.Version(),
		CreatedAt: w.Snapshot().CreatedAt,
		UpdatedAt: w.Snapshot().UpdatedAt,
	}); err != nil {
		h.logger.Warnf("failed to update write-side mirror for wallet %s: %v", w.ID(), err)
		h.capture.Record("writeside", w.ID(), err, nil)
	}

	outboxEvents := make([]outbox.Event, len(stored))
	for i, e := range stored {
		outboxEvents[i] = outbox.Event{
			AggregateID:   e.AggregateID,
			EventType:     e.EventType,
			EventVersion:  e.Version,
			Payload:       e.Payload,
			Metadata:      map[string]string{},
			CorrelationID: correlationID,
			CausationID:   causationID,
		}
	}
	txErr := h.db.WithTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return h.outboxStore.Enqueue(ctx, tx, outboxEvents)
	})
	if txErr != nil {
		h.logger.Warnf("failed to enqueue outbox events for wallet %s: %v", w.ID(), txErr)
		h.capture.Record("outbox", w.ID(), txErr, nil)
	}

	return stored, nil
}

func lockKey(walletID string) string {
	return "lock:wallet:" + walletID
}
