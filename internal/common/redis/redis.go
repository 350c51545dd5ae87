// Package redis wraps go-redis/v8 with the primitives the distributed lock
// (internal/lock) and other cache-shaped concerns need: a token-checked
// SET NX / compare-and-delete pair. Grounded on the teacher's
// redis.Client.AcquireLock/ReleaseLock usage in internal/wallet/service.go.
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"github.com/kmassidik/walletledger/internal/common/config"
	"github.com/kmassidik/walletledger/internal/common/logger"
)

type Client struct {
	rdb    *goredis.Client
	logger *logger.Logger
}

// releaseScript deletes a key only if its value still matches the token
// the caller holds — an atomic compare-and-delete so a lock whose TTL has
// already lapsed and been reclaimed by someone else is never released out
// from under its new holder.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

func Connect(cfg config.RedisConfig, log *logger.Logger) (*Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Client{rdb: rdb, logger: log}, nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// SetNX sets key=value with the given TTL only if key is absent, returning
// whether the set took effect.
func (c *Client) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis SETNX failed: %w", err)
	}
	return ok, nil
}

// CompareAndDelete deletes key only if its current value equals token.
func (c *Client) CompareAndDelete(ctx context.Context, key, token string) (bool, error) {
	res, err := c.rdb.Eval(ctx, releaseScript, []string{key}, token).Result()
	if err != nil {
		return false, fmt.Errorf("redis release script failed: %w", err)
	}
	n, _ := res.(int64)
	return n == 1, nil
}
