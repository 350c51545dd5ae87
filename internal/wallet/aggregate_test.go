package wallet

import (
	"encoding/json"
	"testing"
)

func TestCreateStagesWalletCreated(t *testing.T) {
	w, err := Create("w1", "u1", 10000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w.Balance() != 10000 {
		t.Fatalf("expected balance 10000, got %d", w.Balance())
	}
	if w.Version() != 1 {
		t.Fatalf("expected version 1, got %d", w.Version())
	}
	if w.PersistedVersion() != -1 {
		t.Fatalf("expected persistedVersion -1, got %d", w.PersistedVersion())
	}
	pending := w.GetPendingEvents()
	if len(pending) != 1 || pending[0].EventType != EventWalletCreated {
		t.Fatalf("expected one pending WalletCreated event, got %+v", pending)
	}
}

func TestCreateRejectsNegativeInitialBalance(t *testing.T) {
	_, err := Create("w1", "u1", -1)
	if _, ok := err.(*InvalidAmount); !ok {
		t.Fatalf("expected InvalidAmount, got %v", err)
	}
}

func TestCreditAndDebitUpdateBalanceAndVersion(t *testing.T) {
	w, _ := Create("w1", "u1", 10000)

	if err := w.Credit(5000, "top up"); err != nil {
		t.Fatalf("credit failed: %v", err)
	}
	if w.Balance() != 15000 {
		t.Fatalf("expected balance 15000, got %d", w.Balance())
	}

	if err := w.Debit(3000, "purchase"); err != nil {
		t.Fatalf("debit failed: %v", err)
	}
	if w.Balance() != 12000 {
		t.Fatalf("expected balance 12000, got %d", w.Balance())
	}

	if w.Version() != 3 {
		t.Fatalf("expected version 3 (created+credited+debited), got %d", w.Version())
	}
	if len(w.GetPendingEvents()) != 3 {
		t.Fatalf("expected 3 pending events, got %d", len(w.GetPendingEvents()))
	}
}

func TestDebitRejectsNonPositiveAmount(t *testing.T) {
	w, _ := Create("w1", "u1", 100)
	if _, ok := w.Debit(0, "").(*InvalidAmount); !ok {
		if err := w.Debit(0, ""); err == nil {
			t.Fatal("expected error for zero amount")
		}
	}
	err := w.Debit(-5, "")
	if _, ok := err.(*InvalidAmount); !ok {
		t.Fatalf("expected InvalidAmount, got %v", err)
	}
}

func TestDebitRejectsOverdraft(t *testing.T) {
	w, _ := Create("w1", "u1", 100)
	err := w.Debit(200, "")
	insufficient, ok := err.(*InsufficientFunds)
	if !ok {
		t.Fatalf("expected InsufficientFunds, got %v", err)
	}
	if insufficient.Available != 100 || insufficient.Requested != 200 {
		t.Fatalf("unexpected error details: %+v", insufficient)
	}
	if w.Balance() != 100 {
		t.Fatal("balance must not change on a rejected debit")
	}
}

func TestMarkEventsCommittedClearsPendingAndAdvancesPersistedVersion(t *testing.T) {
	w, _ := Create("w1", "u1", 100)
	w.MarkEventsCommitted(0)

	if len(w.GetPendingEvents()) != 0 {
		t.Fatal("expected pending events cleared")
	}
	if w.PersistedVersion() != 0 {
		t.Fatalf("expected persistedVersion 0, got %d", w.PersistedVersion())
	}
}

func marshalHistory(t *testing.T, eventType string, payload interface{}, version int) HistoryEvent {
	t.Helper()
	b, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	return HistoryEvent{Version: version, EventType: eventType, Payload: b}
}

func TestRehydrateMatchesInMemorySnapshot(t *testing.T) {
	w, _ := Create("w1", "u1", 10000)
	w.MarkEventsCommitted(0)
	w.Credit(5000, "")
	w.MarkEventsCommitted(1)
	w.Debit(2000, "")
	w.MarkEventsCommitted(2)
	want := w.Snapshot()

	history := []HistoryEvent{
		marshalHistory(t, EventWalletCreated, WalletCreated{OwnerID: "u1", InitialBalance: 10000}, 0),
		marshalHistory(t, EventWalletCredited, WalletCredited{AmountMinor: 5000}, 1),
		marshalHistory(t, EventWalletDebited, WalletDebited{AmountMinor: 2000}, 2),
	}

	rehydrated, err := Rehydrate("w1", history)
	if err != nil {
		t.Fatalf("rehydrate failed: %v", err)
	}

	got := rehydrated.Snapshot()
	if got.Balance != want.Balance || got.Version != want.Version || got.OwnerID != want.OwnerID {
		t.Fatalf("rehydrated snapshot mismatch: got %+v, want %+v", got, want)
	}
	if rehydrated.Version() != len(history) {
		t.Fatalf("expected version == len(stream) == %d, got %d", len(history), rehydrated.Version())
	}
}

func TestRehydrateFromSnapshotReplaysOnlyTail(t *testing.T) {
	snap := State{ID: "w1", OwnerID: "u1", Balance: 15000, Version: 2}

	tail := []HistoryEvent{
		marshalHistory(t, EventWalletCreated, WalletCreated{OwnerID: "u1", InitialBalance: 10000}, 0),
		marshalHistory(t, EventWalletCredited, WalletCredited{AmountMinor: 5000}, 1),
		marshalHistory(t, EventWalletDebited, WalletDebited{AmountMinor: 2000}, 2),
	}

	w, err := RehydrateFromSnapshot("w1", snap, 1, tail)
	if err != nil {
		t.Fatalf("rehydrate from snapshot failed: %v", err)
	}

	if w.Balance() != 13000 {
		t.Fatalf("expected balance 13000 (15000-2000), got %d", w.Balance())
	}
	if w.Version() != 3 {
		t.Fatalf("expected version 3 (2 from snapshot + 1 replayed), got %d", w.Version())
	}
	if w.PersistedVersion() != 2 {
		t.Fatalf("expected persistedVersion 2, got %d", w.PersistedVersion())
	}
}

func TestUnknownEventTypeIsSkippedDefensively(t *testing.T) {
	history := []HistoryEvent{
		marshalHistory(t, EventWalletCreated, WalletCreated{OwnerID: "u1", InitialBalance: 100}, 0),
		{Version: 1, EventType: "SomeFutureEventType", Payload: json.RawMessage(`{}`)},
	}

	w, err := Rehydrate("w1", history)
	if err != nil {
		t.Fatalf("rehydrate failed: %v", err)
	}
	if w.Balance() != 100 {
		t.Fatalf("expected unknown event to not affect balance, got %d", w.Balance())
	}
}
