// Command ledgerd hosts the wallet ledger service: the HTTP command
// and query surface, the projector workers, the bus publisher, and
// the recovery scheduler, all in a single process, per spec.md §5.
// Grounded on the teacher's cmd/auth/main.go wiring order (load env ->
// config -> logger -> connect DB -> construct services -> mount
// middleware -> serve -> graceful shutdown on SIGINT/SIGTERM).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/kmassidik/walletledger/internal/bus"
	"github.com/kmassidik/walletledger/internal/command"
	"github.com/kmassidik/walletledger/internal/common/capture"
	"github.com/kmassidik/walletledger/internal/common/config"
	"github.com/kmassidik/walletledger/internal/common/db"
	"github.com/kmassidik/walletledger/internal/common/kafka"
	"github.com/kmassidik/walletledger/internal/common/logger"
	"github.com/kmassidik/walletledger/internal/common/middleware"
	"github.com/kmassidik/walletledger/internal/common/redis"
	"github.com/kmassidik/walletledger/internal/eventlog"
	"github.com/kmassidik/walletledger/internal/httpapi"
	"github.com/kmassidik/walletledger/internal/idempotency"
	"github.com/kmassidik/walletledger/internal/lock"
	"github.com/kmassidik/walletledger/internal/outbox"
	"github.com/kmassidik/walletledger/internal/projector"
	"github.com/kmassidik/walletledger/internal/readmodel"
	"github.com/kmassidik/walletledger/internal/recovery"
	"github.com/kmassidik/walletledger/internal/snapshot"
	"github.com/kmassidik/walletledger/internal/writeside"
)

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Println("No .env file found, using system environment variables")
	}

	cfg, err := config.Load("ledgerd")
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New("ledgerd")

	database, err := db.Connect(cfg.Database, log)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	redisClient, err := redis.Connect(cfg.Redis, log)
	if err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer redisClient.Close()

	for _, schema := range []string{
		eventlog.Schema, snapshot.Schema, outbox.Schema, idempotency.Schema,
		writeside.Schema, readmodel.WalletSchema, readmodel.LedgerSchema, projector.CheckpointSchema,
	} {
		if _, err := database.Exec(schema); err != nil {
			log.Fatalf("Failed to apply schema: %v", err)
		}
	}

	captureSink, err := capture.New(cfg.Ledger.CaptureDir)
	if err != nil {
		log.Fatalf("Failed to open capture sink: %v", err)
	}
	defer captureSink.Close()

	eventlogStore := eventlog.NewStore(database.DB, log)
	snapshotStore := snapshot.NewStore(database.DB, cfg.Ledger.SnapshotKeepLast, log)
	locker := lock.New(redisClient, log)
	idempotencyStore := idempotency.NewStore(database.DB, cfg.Ledger.IdempotencyTTL, log)
	outboxStore := outbox.NewStore(database.DB, log)
	writeSideRepo := writeside.NewRepository(database.DB, log)
	walletReadRepo := readmodel.NewWalletRepository(database, log)
	ledgerReadRepo := readmodel.NewLedgerRepository(database, log)
	checkpoints := projector.NewCheckpointStore(database.DB, log)

	commands := command.NewHandlers(
		database, eventlogStore, snapshotStore, locker, idempotencyStore,
		outboxStore, writeSideRepo, captureSink, cfg.Ledger.SnapshotThreshold, log,
	)

	recoveryService := recovery.NewService(outboxStore, eventlogStore, walletReadRepo, writeSideRepo, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Ledger.ProjectorsAutoStart {
		walletProjector := projector.NewRunner(
			outboxStore, checkpoints, projector.DefaultOptions("wallet-read-model"),
			projector.NewWalletReadModelApply(walletReadRepo, log), log,
		)
		ledgerProjector := projector.NewRunner(
			outboxStore, checkpoints, projector.DefaultOptions("ledger"),
			projector.NewLedgerApply(ledgerReadRepo, log), log,
		)
		go walletProjector.Run(ctx)
		go ledgerProjector.Run(ctx)

		go recoveryService.Run(ctx)

		producer := kafka.NewProducer(cfg.Kafka, log)
		defer producer.Close()
		if err := kafka.EnsureTopics(ctx, cfg.Kafka.Brokers, bus.Topics); err != nil {
			log.Warnf("failed to ensure kafka topics exist: %v", err)
		}
		publisher := bus.NewPublisher(outboxStore, producer, log)
		go publisher.Run(ctx)
	}

	apiHandler := httpapi.NewHandler(commands, walletReadRepo, ledgerReadRepo, eventlogStore, recoveryService, log)

	mux := http.NewServeMux()
	apiHandler.RegisterRoutes(mux, middleware.JWTAuth(cfg.JWT.Secret))

	var httpHandler http.Handler = mux
	httpHandler = middleware.CORS(httpHandler)
	httpHandler = middleware.CorrelationID(httpHandler)
	httpHandler = middleware.Logging(log)(httpHandler)
	httpHandler = middleware.Recovery(log)(httpHandler)

	server := &http.Server{
		Addr:         ":" + cfg.Service.Port,
		Handler:      httpHandler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Infof("ledgerd starting on port %s", cfg.Service.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Info("Server exited")
}
