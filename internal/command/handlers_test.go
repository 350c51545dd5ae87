package command

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kmassidik/walletledger/internal/common/capture"
	"github.com/kmassidik/walletledger/internal/common/config"
	"github.com/kmassidik/walletledger/internal/common/db"
	"github.com/kmassidik/walletledger/internal/common/logger"
	"github.com/kmassidik/walletledger/internal/eventlog"
	"github.com/kmassidik/walletledger/internal/idempotency"
	"github.com/kmassidik/walletledger/internal/lock"
	"github.com/kmassidik/walletledger/internal/outbox"
	"github.com/kmassidik/walletledger/internal/snapshot"
	"github.com/kmassidik/walletledger/internal/writeside"
)

// inMemoryLockStore is an in-process substitute for Redis, identical
// in spirit to lock package's own fakeStore.
type inMemoryLockStore struct {
	mu   sync.Mutex
	vals map[string]string
}

func newInMemoryLockStore() *inMemoryLockStore {
	return &inMemoryLockStore{vals: make(map[string]string)}
}

func (s *inMemoryLockStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.vals[key]; exists {
		return false, nil
	}
	s.vals[key] = value
	return true, nil
}

func (s *inMemoryLockStore) CompareAndDelete(ctx context.Context, key, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.vals[key] != token {
		return false, nil
	}
	delete(s.vals, key)
	return true, nil
}

func setupTestHandlers(t *testing.T) (*Handlers, *db.DB) {
	if testing.Short() {
		t.Skip("Skipping integration test")
	}

	cfg := config.DatabaseConfig{
		Host:            "localhost",
		Port:            "5432",
		User:            "postgres",
		Password:        "postgres",
		DBName:          "walletledger_command_test",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}

	log := logger.New("test")
	database, err := db.Connect(cfg, log)
	if err != nil {
		t.Skipf("Cannot connect to database: %v", err)
		return nil, nil
	}

	for _, schema := range []string{eventlog.Schema, snapshot.Schema, outbox.Schema, idempotency.Schema, writeside.Schema} {
		if _, err := database.Exec(schema); err != nil {
			t.Fatalf("Failed to create schema: %v", err)
		}
	}
	database.Exec("TRUNCATE event_log, wallet_snapshots, outbox_consumer_processing, outbox, idempotency_keys, wallets_write_side CASCADE")

	captureDir := t.TempDir()
	captureSink, err := capture.New(captureDir)
	if err != nil {
		t.Fatalf("Failed to open capture sink: %v", err)
	}

	handlers := NewHandlers(
		database,
		eventlog.NewStore(database.DB, log),
		snapshot.NewStore(database.DB, 3, log),
		lock.New(newInMemoryLockStore(), log),
		idempotency.NewStore(database.DB, time.Hour, log),
		outbox.NewStore(database.DB, log),
		writeside.NewRepository(database.DB, log),
		captureSink,
		100,
		log,
	)
	return handlers, database
}

func cleanupTestHandlers(_ *testing.T, database *db.DB) {
	if database == nil {
		return
	}
	database.Exec("TRUNCATE event_log, wallet_snapshots, outbox_consumer_processing, outbox, idempotency_keys, wallets_write_side CASCADE")
	database.Close()
}

func TestCreateWalletThenDuplicateCreateFails(t *testing.T) {
	h, database := setupTestHandlers(t)
	if h == nil {
		return
	}
	defer cleanupTestHandlers(t, database)

	ctx := context.Background()
	state, err := h.CreateWallet(ctx, CreateWalletRequest{WalletID: "w1", OwnerID: "u1", InitialBalance: 1000})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if state.Balance != 1000 {
		t.Fatalf("expected balance 1000, got %d", state.Balance)
	}

	_, err = h.CreateWallet(ctx, CreateWalletRequest{WalletID: "w1", OwnerID: "u1", InitialBalance: 1000})
	if err == nil {
		t.Fatal("expected WalletAlreadyExists on duplicate create")
	}
}

func TestCreateWalletIsIdempotentOnSameKey(t *testing.T) {
	h, database := setupTestHandlers(t)
	if h == nil {
		return
	}
	defer cleanupTestHandlers(t, database)

	ctx := context.Background()
	req := CreateWalletRequest{WalletID: "w2", OwnerID: "u1", InitialBalance: 500, IdempotencyKey: "key-create-1"}

	first, err := h.CreateWallet(ctx, req)
	if err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	second, err := h.CreateWallet(ctx, req)
	if err != nil {
		t.Fatalf("replayed create should succeed from cache, got: %v", err)
	}
	if first.Balance != second.Balance || first.Version != second.Version {
		t.Fatalf("expected byte-equal snapshot on replay, got %+v vs %+v", first, second)
	}

	events, err := h.eventlogStore.ReadStream(ctx, "w2")
	if err != nil {
		t.Fatalf("read stream failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected exactly one WalletCreated event despite replay, got %d", len(events))
	}
}

func TestCreditAndDebitUpdateBalance(t *testing.T) {
	h, database := setupTestHandlers(t)
	if h == nil {
		return
	}
	defer cleanupTestHandlers(t, database)

	ctx := context.Background()
	h.CreateWallet(ctx, CreateWalletRequest{WalletID: "w3", OwnerID: "u1", InitialBalance: 1000})

	creditState, err := h.Credit(ctx, AmountRequest{WalletID: "w3", AmountMinor: 500, Description: "top up"})
	if err != nil {
		t.Fatalf("credit failed: %v", err)
	}
	if creditState.Balance != 1500 {
		t.Fatalf("expected balance 1500, got %d", creditState.Balance)
	}

	debitState, err := h.Debit(ctx, AmountRequest{WalletID: "w3", AmountMinor: 2000})
	if err == nil {
		t.Fatalf("expected overdraft to fail, got state %+v", debitState)
	}
}

func TestTransferMovesBalanceBetweenWallets(t *testing.T) {
	h, database := setupTestHandlers(t)
	if h == nil {
		return
	}
	defer cleanupTestHandlers(t, database)

	ctx := context.Background()
	h.CreateWallet(ctx, CreateWalletRequest{WalletID: "w4", OwnerID: "u1", InitialBalance: 1000})
	h.CreateWallet(ctx, CreateWalletRequest{WalletID: "w5", OwnerID: "u2", InitialBalance: 0})

	result, err := h.Transfer(ctx, TransferRequest{FromWalletID: "w4", ToWalletID: "w5", AmountMinor: 300})
	if err != nil {
		t.Fatalf("transfer failed: %v", err)
	}
	if result.From.Balance != 700 {
		t.Fatalf("expected source balance 700, got %d", result.From.Balance)
	}
	if result.To.Balance != 300 {
		t.Fatalf("expected destination balance 300, got %d", result.To.Balance)
	}
}

func TestTransferRejectsSameWallet(t *testing.T) {
	h, database := setupTestHandlers(t)
	if h == nil {
		return
	}
	defer cleanupTestHandlers(t, database)

	_, err := h.Transfer(context.Background(), TransferRequest{FromWalletID: "w6", ToWalletID: "w6", AmountMinor: 10})
	if err != ErrTransferSameWallet {
		t.Fatalf("expected ErrTransferSameWallet, got %v", err)
	}
}
