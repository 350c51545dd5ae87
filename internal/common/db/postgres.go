// Package db wraps database/sql for Postgres, grounded on the teacher
// repository's internal/common/db package (its shape is reconstructed from
// call sites in postgres_test.go and the service packages, since only the
// test file survived retrieval).
package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/kmassidik/walletledger/internal/common/config"
	"github.com/kmassidik/walletledger/internal/common/logger"
)

// DB wraps *sql.DB and exposes the subset of database/sql used across the
// repository plus a transaction helper.
type DB struct {
	*sql.DB
	logger *logger.Logger
}

// Connect opens and pings a Postgres connection pool per cfg.
func Connect(cfg config.DatabaseConfig, log *logger.Logger) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName,
	)

	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{DB: sqlDB, logger: log}, nil
}

// Health checks connectivity.
func (d *DB) Health(ctx context.Context) error {
	return d.PingContext(ctx)
}

// WithTransaction runs fn inside a transaction, committing on success and
// rolling back on any returned error or panic. Transactions are scoped
// tightly to the caller's critical section — never wrapped around
// out-of-process calls such as the distributed lock or Kafka.
func (d *DB) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction error: %v, rollback error: %w", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}
