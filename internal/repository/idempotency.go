package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"zippcall/internal/model"
)

const (
	gateReserved  = "reserved"
	gateCompleted = "completed"
)

type gateEntry struct {
	State  string                `json:"state"`
	Result *model.MutationResult `json:"result,omitempty"`
}

// RedisEventGate keeps one key per event id. A reservation carries a TTL so a worker that
// dies mid-event frees the id for redelivery; completed entries cache the result for replays.
type RedisEventGate struct {
	redisClient  *redis.Client
	reserveTTL   time.Duration
	completedTTL time.Duration
}

func NewRedisEventGate(rdb *redis.Client, reserveTTL, completedTTL time.Duration) *RedisEventGate {
	return &RedisEventGate{redisClient: rdb, reserveTTL: reserveTTL, completedTTL: completedTTL}
}

func gateKey(eventID string) string {
	return fmt.Sprintf("event:%s", eventID)
}

var reservedValue = mustJSON(gateEntry{State: gateReserved})

func (g *RedisEventGate) Reserve(ctx context.Context, eventID string) (Reservation, error) {
	key := gateKey(eventID)
	// two rounds: the holder's reservation may expire between SETNX and GET
	for range 2 {
		ok, err := g.redisClient.SetNX(ctx, key, reservedValue, g.reserveTTL).Result()
		if err != nil {
			return Reservation{}, fmt.Errorf("reserve %s: %w", eventID, err)
		}
		if ok {
			return Reservation{First: true}, nil
		}

		raw, err := g.redisClient.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return Reservation{}, fmt.Errorf("read reservation %s: %w", eventID, err)
		}
		var entry gateEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return Reservation{}, fmt.Errorf("decode reservation %s: %w", eventID, err)
		}
		if entry.State == gateCompleted && entry.Result != nil {
			return Reservation{Completed: true, Result: entry.Result}, nil
		}
		return Reservation{}, nil
	}
	return Reservation{}, nil
}

func (g *RedisEventGate) Complete(ctx context.Context, eventID string, result model.MutationResult) error {
	result.Transaction = nil
	value := mustJSON(gateEntry{State: gateCompleted, Result: &result})
	if err := g.redisClient.Set(ctx, gateKey(eventID), value, g.completedTTL).Err(); err != nil {
		return fmt.Errorf("complete %s: %w", eventID, err)
	}
	return nil
}

func (g *RedisEventGate) Release(ctx context.Context, eventID string) error {
	return g.redisClient.Del(ctx, gateKey(eventID)).Err()
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}
