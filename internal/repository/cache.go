package repository

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

//go:embed balance.lua
var balanceLuaScript string

// RedisBalanceCache is the read-side copy of account balances. Writes are versioned so a
// late, older event can never move the cached balance backwards, and every entry expires
// so a missed update is corrected by the next read from the ledger.
type RedisBalanceCache struct {
	redisClient *redis.Client
	ttl         time.Duration
}

func NewRedisBalanceCache(rdb *redis.Client, ttl time.Duration) *RedisBalanceCache {
	return &RedisBalanceCache{redisClient: rdb, ttl: ttl}
}

func balanceKey(userID string) string {
	return fmt.Sprintf("balance:%s", userID)
}

func (c *RedisBalanceCache) GetBalance(ctx context.Context, userID string) (int64, int64, bool, error) {
	vals, err := c.redisClient.HMGet(ctx, balanceKey(userID), "balance", "version").Result()
	if errors.Is(err, redis.Nil) {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, fmt.Errorf("read cached balance: %w", err)
	}
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return 0, 0, false, nil
	}
	balance, err := strconv.ParseInt(fmt.Sprint(vals[0]), 10, 64)
	if err != nil {
		return 0, 0, false, fmt.Errorf("cached balance: %w", err)
	}
	version, err := strconv.ParseInt(fmt.Sprint(vals[1]), 10, 64)
	if err != nil {
		return 0, 0, false, fmt.Errorf("cached version: %w", err)
	}
	return balance, version, true, nil
}

func (c *RedisBalanceCache) SetBalance(ctx context.Context, userID string, balance, version int64) (bool, error) {
	stored, err := c.redisClient.Eval(ctx, balanceLuaScript, []string{balanceKey(userID)}, balance, version, c.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("error executing Lua script: %w", err)
	}
	return stored == 1, nil
}
