package command

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kmassidik/walletledger/internal/eventlog"
	"github.com/kmassidik/walletledger/internal/wallet"
)

// loadAggregate rehydrates a wallet from its latest snapshot (if any)
// plus the tail of events since, falling back to a full replay when
// no snapshot exists. Returns *wallet.WalletNotFound when the
// aggregate has no history at all.
func (h *Handlers) loadAggregate(ctx context.Context, id string) (*wallet.Wallet, error) {
	snap, err := h.snapshots.GetLatestSnapshot(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	if snap == nil {
		events, err := h.eventlogStore.ReadStream(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to read stream: %w", err)
		}
		if len(events) == 0 {
			return nil, &wallet.WalletNotFound{WalletID: id}
		}
		return wallet.Rehydrate(id, toHistory(events))
	}

	var state wallet.State
	if err := json.Unmarshal(snap.State, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot state: %w", err)
	}

	tailEvents, err := h.eventlogStore.ReadStreamFromVersion(ctx, id, snap.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to read tail stream: %w", err)
	}

	return wallet.RehydrateFromSnapshot(id, state, snap.Version, toHistory(tailEvents))
}

// maybeSnapshot persists a new snapshot once total stream length
// crosses the configured threshold (default 100, every Nth event),
// per spec.md §4.8. Failures are logged, not raised — a missed
// snapshot only costs replay time on the next load.
func (h *Handlers) maybeSnapshot(ctx context.Context, w *wallet.Wallet) {
	version := w.PersistedVersion() + 1
	if h.snapshotThreshold <= 0 || version%h.snapshotThreshold != 0 {
		return
	}
	if err := h.snapshots.SaveSnapshot(ctx, w.ID(), w.Snapshot(), w.PersistedVersion()); err != nil {
		h.logger.Warnf("failed to save snapshot for wallet %s at version %d: %v", w.ID(), version, err)
	}
}

func toHistory(events []eventlog.StoredEvent) []wallet.HistoryEvent {
	history := make([]wallet.HistoryEvent, len(events))
	for i, e := range events {
		history[i] = wallet.HistoryEvent{Version: e.Version, EventType: e.EventType, Payload: e.Payload}
	}
	return history
}
