package idempotency

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
		DBName:          "walletledger_idempotency_test",
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
	database.Exec("TRUNCATE idempotency_keys")

	return NewStore(database.DB, time.Hour, log), database
}

func cleanupTestStore(_ *testing.T, database *db.DB) {
	if database == nil {
		return
	}
	database.Exec("TRUNCATE idempotency_keys")
	database.Close()
}

func TestHashRequestIsStableAcrossKeyOrder(t *testing.T) {
	a := map[string]interface{}{"ownerId": "u1", "initialBalance": 100}
	b := map[string]interface{}{"initialBalance": 100, "ownerId": "u1"}

	hashA, err := HashRequest(a)
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	hashB, err := HashRequest(b)
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	if hashA != hashB {
		t.Fatalf("expected stable hash regardless of map key order, got %s != %s", hashA, hashB)
	}
}

func TestTryGetMissWhenKeyUnseen(t *testing.T) {
	store, database := setupTestStore(t)
	if store == nil {
		return
	}
	defer cleanupTestStore(t, database)

	resp, err := store.TryGet(context.Background(), "unseen-key", "anyhash")
	if err != nil {
		t.Fatalf("expected no error on miss, got %v", err)
	}
	if resp != nil {
		t.Fatalf("expected nil response on miss, got %s", resp)
	}
}

func TestStorePendingThenCompleteReturnsHitOnReplay(t *testing.T) {
	store, database := setupTestStore(t)
	if store == nil {
		return
	}
	defer cleanupTestStore(t, database)

	ctx := context.Background()
	hash, _ := HashRequest(map[string]interface{}{"ownerId": "u1"})

	if err := store.StorePending(ctx, "key-1", hash); err != nil {
		t.Fatalf("store pending failed: %v", err)
	}

	if _, err := store.TryGet(ctx, "key-1", hash); err == nil {
		t.Fatal("expected ConflictInProgress while pending")
	} else if _, ok := err.(*ConflictInProgress); !ok {
		t.Fatalf("expected ConflictInProgress, got %v", err)
	}

	if err := store.Store(ctx, "key-1", hash, map[string]interface{}{"id": "w1", "balance": 100}); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	resp, err := store.TryGet(ctx, "key-1", hash)
	if err != nil {
		t.Fatalf("expected cache hit, got error: %v", err)
	}
	if resp == nil {
		t.Fatal("expected cached response on replay")
	}
}

func TestTryGetRejectsHashMismatch(t *testing.T) {
	store, database := setupTestStore(t)
	if store == nil {
		return
	}
	defer cleanupTestStore(t, database)

	ctx := context.Background()
	hash, _ := HashRequest(map[string]interface{}{"ownerId": "u1"})
	store.StorePending(ctx, "key-2", hash)
	store.Store(ctx, "key-2", hash, map[string]interface{}{"id": "w1"})

	otherHash, _ := HashRequest(map[string]interface{}{"ownerId": "u2"})
	_, err := store.TryGet(ctx, "key-2", otherHash)
	if _, ok := err.(*IdempotencyKeyReuse); !ok {
		t.Fatalf("expected IdempotencyKeyReuse, got %v", err)
	}
}

func TestMarkFailedAllowsRetryWithSameKey(t *testing.T) {
	store, database := setupTestStore(t)
	if store == nil {
		return
	}
	defer cleanupTestStore(t, database)

	ctx := context.Background()
	hash, _ := HashRequest(map[string]interface{}{"ownerId": "u1"})
	store.StorePending(ctx, "key-3", hash)

	if err := store.MarkFailed(ctx, "key-3"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	resp, err := store.TryGet(ctx, "key-3", hash)
	if err != nil {
		t.Fatalf("expected miss (retry allowed) after failure, got error: %v", err)
	}
	if resp != nil {
		t.Fatal("expected nil response after a failed attempt")
	}

	if err := store.StorePending(ctx, "key-3", hash); err != nil {
		t.Fatalf("expected retry with same key to succeed after failure, got: %v", err)
	}
}

func TestStorePendingTwiceRaisesConflictInProgress(t *testing.T) {
	store, database := setupTestStore(t)
	if store == nil {
		return
	}
	defer cleanupTestStore(t, database)

	ctx := context.Background()
	hash, _ := HashRequest(map[string]interface{}{"ownerId": "u1"})

	if err := store.StorePending(ctx, "key-4", hash); err != nil {
		t.Fatalf("first store pending failed: %v", err)
	}
	err := store.StorePending(ctx, "key-4", hash)
	if _, ok := err.(*ConflictInProgress); !ok {
		t.Fatalf("expected ConflictInProgress on concurrent pending insert, got %v", err)
	}
}
