package ratelimit

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "spawngate:ratelimit:"

// releaseScript decrements the concurrent counter without going below zero.
var releaseScript = redis.NewScript(`
local v = tonumber(redis.call('GET', KEYS[1]) or '0')
if v > 0 then
  v = redis.call('DECR', KEYS[1])
end
return v
`)

// Redis is a Limiter whose buckets live in Redis, so several gateway
// processes share one budget. Each spawn is a sorted-set member scored by
// its timestamp in milliseconds.
type Redis struct {
	client *redis.Client
	cfg    Config
}

// NewRedis returns a Redis-backed limiter. Zero Config fields take the defaults.
func NewRedis(client *redis.Client, cfg Config) *Redis {
	return &Redis{client: client, cfg: cfg.withDefaults()}
}

func spawnsKey(agentType string) string     { return keyPrefix + agentType + ":spawns" }
func concurrentKey(agentType string) string { return keyPrefix + agentType + ":concurrent" }

// usage prunes the window and reads both counters in one round trip.
func (r *Redis) usage(ctx context.Context, agentType string) (int, int, error) {
	cutoff := r.cfg.Now().Add(-r.cfg.Window).UnixMilli()

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, spawnsKey(agentType), "-inf", strconv.FormatInt(cutoff, 10))
	card := pipe.ZCard(ctx, spawnsKey(agentType))
	conc := pipe.Get(ctx, concurrentKey(agentType))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return 0, 0, fmt.Errorf("read rate limit state for %s: %w", agentType, err)
	}

	concurrent := 0
	if v, err := conc.Int(); err == nil {
		concurrent = v
	}
	return int(card.Val()), concurrent, nil
}

// CheckSpawnAllowed implements Limiter. It only reads and prunes existing keys.
func (r *Redis) CheckSpawnAllowed(ctx context.Context, agentType string) error {
	spawns, concurrent, err := r.usage(ctx, agentType)
	if err != nil {
		return err
	}
	return check(r.cfg, agentType, spawns, concurrent)
}

// RecordSpawn implements Limiter.
func (r *Redis) RecordSpawn(ctx context.Context, agentType string) error {
	now := r.cfg.Now()
	member := fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString())

	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, spawnsKey(agentType), redis.Z{Score: float64(now.UnixMilli()), Member: member})
	pipe.Expire(ctx, spawnsKey(agentType), 2*r.cfg.Window)
	pipe.Incr(ctx, concurrentKey(agentType))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record spawn for %s: %w", agentType, err)
	}
	return nil
}

// RecordCompletion implements Limiter.
func (r *Redis) RecordCompletion(ctx context.Context, agentType string) error {
	if err := releaseScript.Run(ctx, r.client, []string{concurrentKey(agentType)}).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("record completion for %s: %w", agentType, err)
	}
	return nil
}

// Stats implements Limiter.
func (r *Redis) Stats(ctx context.Context, agentType string) (Stats, error) {
	spawns, concurrent, err := r.usage(ctx, agentType)
	if err != nil {
		return Stats{}, err
	}
	return newStats(r.cfg, agentType, spawns, concurrent), nil
}
