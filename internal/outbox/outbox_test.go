package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/kmassidik/walletledger/internal/common/config"
	"github.com/kmassidik/walletledger/internal/common/db"
	"github.com/kmassidik/walletledger/internal/common/logger"
)

func setupTestStore(t *testing.T) (*Store, *db.DB) {
	if testing.Short() {
		t.Skip("Skipping integration test")
	}

	cfg := config.DatabaseConfig{
		Host:            "localhost",
		Port:            "5432",
		User:            "postgres",
		Password:        "postgres",
		DBName:          "walletledger_outbox_test",
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

	if _, err := database.Exec(Schema); err != nil {
		t.Fatalf("Failed to create schema: %v", err)
	}
	database.Exec("TRUNCATE outbox_consumer_processing, outbox CASCADE")

	return NewStore(database.DB, log), database
}

func cleanupTestStore(_ *testing.T, database *db.DB) {
	if database == nil {
		return
	}
	database.Exec("TRUNCATE outbox_consumer_processing, outbox CASCADE")
	database.Close()
}

func TestEnqueueIsIdempotentOnDuplicateKey(t *testing.T) {
	store, database := setupTestStore(t)
	if store == nil {
		return
	}
	defer cleanupTestStore(t, database)

	ctx := context.Background()
	events := []Event{
		{AggregateID: "wallet-1", EventType: "WalletCreated", EventVersion: 0, Payload: map[string]interface{}{"ownerId": "u1"}},
	}

	tx, _ := database.BeginTx(ctx, nil)
	if err := store.Enqueue(ctx, tx, events); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	tx.Commit()

	tx2, _ := database.BeginTx(ctx, nil)
	if err := store.Enqueue(ctx, tx2, events); err != nil {
		t.Fatalf("re-enqueue of duplicate should be swallowed, got: %v", err)
	}
	tx2.Commit()

	count, err := store.GetUnprocessedCount(ctx, "")
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one row despite duplicate enqueue, got %d", count)
	}
}

func TestClaimBatchGivesEachConsumerItsOwnCursor(t *testing.T) {
	store, database := setupTestStore(t)
	if store == nil {
		return
	}
	defer cleanupTestStore(t, database)

	ctx := context.Background()
	tx, _ := database.BeginTx(ctx, nil)
	store.Enqueue(ctx, tx, []Event{
		{AggregateID: "wallet-2", EventType: "WalletCreated", EventVersion: 0, Payload: map[string]interface{}{}},
	})
	tx.Commit()

	batchA, err := store.ClaimBatch(ctx, "consumer-a", 10, 0)
	if err != nil {
		t.Fatalf("claim for consumer-a failed: %v", err)
	}
	if len(batchA) != 1 {
		t.Fatalf("expected 1 message for consumer-a, got %d", len(batchA))
	}

	if err := store.MarkProcessed(ctx, batchA[0].ID, "consumer-a"); err != nil {
		t.Fatalf("mark processed failed: %v", err)
	}

	// consumer-a has drained its cursor.
	batchAAgain, err := store.ClaimBatch(ctx, "consumer-a", 10, 0)
	if err != nil {
		t.Fatalf("second claim for consumer-a failed: %v", err)
	}
	if len(batchAAgain) != 0 {
		t.Fatalf("expected consumer-a to see no more rows, got %d", len(batchAAgain))
	}

	// consumer-b is unaffected by consumer-a's progress.
	batchB, err := store.ClaimBatch(ctx, "consumer-b", 10, 0)
	if err != nil {
		t.Fatalf("claim for consumer-b failed: %v", err)
	}
	if len(batchB) != 1 {
		t.Fatalf("expected consumer-b to still see the row, got %d", len(batchB))
	}
}

func TestMarkBatchProcessedIsIdempotent(t *testing.T) {
	store, database := setupTestStore(t)
	if store == nil {
		return
	}
	defer cleanupTestStore(t, database)

	ctx := context.Background()
	tx, _ := database.BeginTx(ctx, nil)
	store.Enqueue(ctx, tx, []Event{
		{AggregateID: "wallet-3", EventType: "WalletCreated", EventVersion: 0, Payload: map[string]interface{}{}},
	})
	tx.Commit()

	batch, _ := store.ClaimBatch(ctx, "consumer-c", 10, 0)
	ids := []int64{batch[0].ID}

	if err := store.MarkBatchProcessed(ctx, ids, "consumer-c"); err != nil {
		t.Fatalf("first mark failed: %v", err)
	}
	if err := store.MarkBatchProcessed(ctx, ids, "consumer-c"); err != nil {
		t.Fatalf("repeat mark should be idempotent, got: %v", err)
	}
}
