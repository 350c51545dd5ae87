package bus

import (
	"context"
	"testing"
	"time"

	"github.com/kmassidik/walletledger/internal/common/config"
	"github.com/kmassidik/walletledger/internal/common/db"
	"github.com/kmassidik/walletledger/internal/common/kafka"
	"github.com/kmassidik/walletledger/internal/common/logger"
	"github.com/kmassidik/walletledger/internal/outbox"
)

func TestPublisherDrainsOutboxBatch(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test")
	}

	log := logger.New("test")

	dbCfg := config.DatabaseConfig{
		Host: "localhost", Port: "5432", User: "postgres", Password: "postgres",
		DBName: "walletledger_bus_test", MaxOpenConns: 10, MaxIdleConns: 5, ConnMaxLifetime: 5 * time.Minute,
	}
	database, err := db.Connect(dbCfg, log)
	if err != nil {
		t.Skipf("Cannot connect to database: %v", err)
		return
	}
	defer database.Close()

	if _, err := database.Exec(outbox.Schema); err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}
	database.Exec("TRUNCATE outbox, outbox_consumer_processing CASCADE")
	defer database.Exec("TRUNCATE outbox, outbox_consumer_processing CASCADE")

	store := outbox.NewStore(database.DB, log)
	ctx := context.Background()
	tx, err := database.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	if err := store.Enqueue(ctx, tx, []outbox.Event{
		{AggregateID: "wallet-bus-1", EventType: "WalletCreated", EventVersion: 0, Payload: map[string]int{"initialBalance": 100}, Metadata: map[string]string{}},
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	tx.Commit()

	kafkaCfg := config.KafkaConfig{Brokers: []string{"localhost:9092"}}
	producer := kafka.NewProducer(kafkaCfg, log)
	defer producer.Close()

	publisher := NewPublisher(store, producer, log)
	if err := publisher.tick(ctx); err != nil {
		t.Skipf("Cannot reach Kafka: %v", err)
		return
	}

	count, err := store.GetUnprocessedCount(ctx, ConsumerName)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected outbox row to be marked processed for %s, got %d remaining", ConsumerName, count)
	}
}
