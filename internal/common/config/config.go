// Package config loads the ledger service's configuration from the
// environment. It is deliberately dumb: read, parse, validate defaults,
// return a value. No globals, no import-time side effects — the loaded
// Config is threaded explicitly through main's wiring.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Service  ServiceConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	JWT      JWTConfig
	Ledger   LedgerConfig
}

type ServiceConfig struct {
	Name string
	Port string
}

type DatabaseConfig struct {
	Host            string
	Port            string
	User            string
	Password        string
	DBName          string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

type KafkaConfig struct {
	Brokers []string
	GroupID string
	ClientID string
}

type JWTConfig struct {
	Secret          string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

// LedgerConfig holds the wallet-ledger-core specific tunables from spec.md §6.
type LedgerConfig struct {
	ProjectorsAutoStart bool
	IdempotencyTTL      time.Duration
	SnapshotThreshold   int
	SnapshotKeepLast    int
	CaptureDir          string
}

// Load reads configuration for the given service name, applying defaults
// documented in spec.md §6.
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name: serviceName,
			Port: getEnv("SERVICE_PORT", "8081"),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnv("DB_PORT", "5432"),
			User:            getEnv("DB_USER", "postgres"),
			Password:        getEnv("DB_PASSWORD", "postgres"),
			DBName:          getEnv("DB_NAME", "walletledger"),
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 20),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Kafka: KafkaConfig{
			Brokers:  strings.Split(getEnv("KAFKA_BROKERS", "localhost:9092"), ","),
			GroupID:  getEnv("KAFKA_GROUP_ID", "wallet-ledger"),
			ClientID: getEnv("KAFKA_CLIENT_ID", "wallet-ledger-"+serviceName),
		},
		JWT: JWTConfig{
			Secret:          getEnv("JWT_SECRET", ""),
			AccessTokenTTL:  getEnvAsDuration("JWT_ACCESS_TTL", 15*time.Minute),
			RefreshTokenTTL: getEnvAsDuration("JWT_REFRESH_TTL", 7*24*time.Hour),
		},
		Ledger: LedgerConfig{
			ProjectorsAutoStart: getEnvAsBool("PROJECTORS_AUTO_START", true),
			IdempotencyTTL:      getEnvAsDuration("IDEMPOTENCY_TTL_HOURS_DURATION", 0),
			SnapshotThreshold:   getEnvAsInt("SNAPSHOT_THRESHOLD", 100),
			SnapshotKeepLast:    getEnvAsInt("SNAPSHOT_KEEP_LAST", 3),
			CaptureDir:          getEnv("CAPTURE_DIR", "./capture"),
		},
	}

	if cfg.Ledger.IdempotencyTTL == 0 {
		hours := getEnvAsInt("IDEMPOTENCY_TTL_HOURS", 24)
		cfg.Ledger.IdempotencyTTL = time.Duration(hours) * time.Hour
	}

	if cfg.Database.Host == "" {
		return nil, fmt.Errorf("DB_HOST must not be empty")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr != "" {
		if duration, err := time.ParseDuration(valueStr); err == nil {
			return duration
		}
	}
	return defaultValue
}
