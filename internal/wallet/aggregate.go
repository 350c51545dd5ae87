package wallet

import (
	"encoding/json"
	"fmt"
	"time"
)

// HistoryEvent is the minimal shape Rehydrate needs from a stored event,
// decoupling this package from internal/eventlog's storage types.
type HistoryEvent struct {
	Version   int
	EventType string
	Payload   json.RawMessage
}

// State is the externally visible snapshot of a wallet, per spec.md §4.4
// and the HTTP "Snapshot shape" in §6.
type State struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId"`
	Balance   int64     `json:"balance"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Wallet is the event-sourced aggregate: identity, balance, and version,
// mutated only by applying events. It is never shared between
// goroutines — constructed inside a lock and discarded.
type Wallet struct {
	id      string
	ownerID string
	balance int64
	// version is the count of applied events (spec.md invariant:
	// version == len(stream)). persistedVersion is the last committed
	// stream position (0-based), -1 if nothing has been committed yet.
	version          int
	persistedVersion int
	createdAt        time.Time
	updatedAt        time.Time

	pending []PendingEvent
}

// Create builds a brand-new wallet with a single pending WalletCreated
// event. persistedVersion starts at -1 ("stream must not exist").
func Create(id, ownerID string, initialBalanceMinor int64) (*Wallet, error) {
	if initialBalanceMinor < 0 {
		return nil, &InvalidAmount{Amount: float64(initialBalanceMinor)}
	}

	w := &Wallet{id: id, persistedVersion: -1}
	w.apply(EventWalletCreated, WalletCreated{OwnerID: ownerID, InitialBalance: initialBalanceMinor}, true)
	return w, nil
}

// Rehydrate replays a complete event history into a fresh aggregate.
func Rehydrate(id string, history []HistoryEvent) (*Wallet, error) {
	w := &Wallet{id: id, persistedVersion: -1}
	for _, h := range history {
		if err := w.applyStored(h); err != nil {
			return nil, err
		}
		w.persistedVersion = h.Version
	}
	return w, nil
}

// RehydrateFromSnapshot restores state from a (possibly stale) snapshot
// and replays only the tail events with version > snapshotVersion, the
// stream position of the last event the snapshot includes.
func RehydrateFromSnapshot(id string, snap State, snapshotVersion int, tail []HistoryEvent) (*Wallet, error) {
	w := &Wallet{
		id:               id,
		ownerID:          snap.OwnerID,
		balance:          snap.Balance,
		version:          snap.Version,
		createdAt:        snap.CreatedAt,
		updatedAt:        snap.UpdatedAt,
		persistedVersion: snapshotVersion,
	}
	for _, h := range tail {
		if h.Version <= snapshotVersion {
			continue
		}
		if err := w.applyStored(h); err != nil {
			return nil, err
		}
		w.persistedVersion = h.Version
	}
	return w, nil
}

func (w *Wallet) applyStored(h HistoryEvent) error {
	switch h.EventType {
	case EventWalletCreated:
		var ev WalletCreated
		if err := json.Unmarshal(h.Payload, &ev); err != nil {
			return fmt.Errorf("failed to unmarshal WalletCreated: %w", err)
		}
		w.applyFromHistory(EventWalletCreated, ev)
	case EventWalletCredited:
		var ev WalletCredited
		if err := json.Unmarshal(h.Payload, &ev); err != nil {
			return fmt.Errorf("failed to unmarshal WalletCredited: %w", err)
		}
		w.applyFromHistory(EventWalletCredited, ev)
	case EventWalletDebited:
		var ev WalletDebited
		if err := json.Unmarshal(h.Payload, &ev); err != nil {
			return fmt.Errorf("failed to unmarshal WalletDebited: %w", err)
		}
		w.applyFromHistory(EventWalletDebited, ev)
	default:
		// Unknown event types encountered on read are skipped
		// defensively, per spec.md §4.1.
	}
	return nil
}

// Credit requires amount > 0; appends WalletCredited and updates balance.
func (w *Wallet) Credit(amountMinor int64, description string) error {
	return w.credit(amountMinor, description, "")
}

// CreditForTransfer is Credit with relatedWalletID set, marking the
// appended WalletCredited event as the receiving half of a transfer so
// the ledger projector records a TRANSFER_IN entry instead of CREDIT.
func (w *Wallet) CreditForTransfer(amountMinor int64, description, relatedWalletID string) error {
	return w.credit(amountMinor, description, relatedWalletID)
}

func (w *Wallet) credit(amountMinor int64, description, relatedWalletID string) error {
	if amountMinor <= 0 {
		return &InvalidAmount{Amount: float64(amountMinor)}
	}
	w.apply(EventWalletCredited, WalletCredited{
		AmountMinor:     amountMinor,
		Description:     description,
		RelatedWalletID: relatedWalletID,
	}, true)
	return nil
}

// Debit requires amount > 0 and balance >= amount; appends WalletDebited
// and updates balance.
func (w *Wallet) Debit(amountMinor int64, description string) error {
	return w.debit(amountMinor, description, "")
}

// DebitForTransfer is Debit with relatedWalletID set, marking the
// appended WalletDebited event as the sending half of a transfer so the
// ledger projector records a TRANSFER_OUT entry instead of DEBIT.
func (w *Wallet) DebitForTransfer(amountMinor int64, description, relatedWalletID string) error {
	return w.debit(amountMinor, description, relatedWalletID)
}

func (w *Wallet) debit(amountMinor int64, description, relatedWalletID string) error {
	if amountMinor <= 0 {
		return &InvalidAmount{Amount: float64(amountMinor)}
	}
	if w.balance < amountMinor {
		return &InsufficientFunds{Available: w.balance, Requested: amountMinor}
	}
	w.apply(EventWalletDebited, WalletDebited{
		AmountMinor:     amountMinor,
		Description:     description,
		RelatedWalletID: relatedWalletID,
	}, true)
	return nil
}

func (w *Wallet) apply(eventType string, payload interface{}, stagePending bool) {
	now := time.Now().UTC()

	switch e := payload.(type) {
	case WalletCreated:
		w.ownerID = e.OwnerID
		w.balance = e.InitialBalance
		w.createdAt = now
	case WalletCredited:
		w.balance += e.AmountMinor
	case WalletDebited:
		w.balance -= e.AmountMinor
	}

	w.version++
	w.updatedAt = now

	if stagePending {
		w.pending = append(w.pending, PendingEvent{EventType: eventType, Payload: payload})
	}
}

func (w *Wallet) applyFromHistory(eventType string, payload interface{}) {
	switch e := payload.(type) {
	case WalletCreated:
		w.ownerID = e.OwnerID
		w.balance = e.InitialBalance
	case WalletCredited:
		w.balance += e.AmountMinor
	case WalletDebited:
		w.balance -= e.AmountMinor
	}
	w.version++
}

// ID returns the wallet's identity.
func (w *Wallet) ID() string { return w.id }

// Version returns the count of events applied so far.
func (w *Wallet) Version() int { return w.version }

// PersistedVersion returns the last committed stream position (-1 if
// nothing has been committed).
func (w *Wallet) PersistedVersion() int { return w.persistedVersion }

// Balance returns the current balance in integer minor units.
func (w *Wallet) Balance() int64 { return w.balance }

// OwnerID returns the wallet owner's identity.
func (w *Wallet) OwnerID() string { return w.ownerID }

// GetPendingEvents returns uncommitted events staged by Create/Credit/Debit.
func (w *Wallet) GetPendingEvents() []PendingEvent {
	return w.pending
}

// MarkEventsCommitted clears pending events and advances persistedVersion
// to the version of the last event actually appended to the log.
func (w *Wallet) MarkEventsCommitted(lastAppendedVersion int) {
	w.pending = nil
	w.persistedVersion = lastAppendedVersion
}

// Snapshot returns the wallet's externally visible state.
func (w *Wallet) Snapshot() State {
	return State{
		ID:        w.id,
		OwnerID:   w.ownerID,
		Balance:   w.balance,
		Version:   w.version,
		CreatedAt: w.createdAt,
		UpdatedAt: w.updatedAt,
	}
}
