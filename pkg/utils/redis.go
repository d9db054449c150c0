package utils

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig controls the shared client used for dial slots and
// notification fan-out. Zero values take the defaults below.
type RedisConfig struct {
	Addr string

	// Basic timeouts
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Pool tuning
	PoolSize        int
	MinIdleConns    int
	PoolTimeout     time.Duration
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration

	PingTimeout time.Duration
}

func (c RedisConfig) withDefaults() RedisConfig {
	out := c
	if out.DialTimeout <= 0 {
		out.DialTimeout = 3 * time.Second
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = 2 * time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 2 * time.Second
	}
	if out.PoolSize <= 0 {
		out.PoolSize = 20
	}
	if out.MinIdleConns < 0 {
		out.MinIdleConns = 0
	}
	if out.PoolTimeout <= 0 {
		out.PoolTimeout = 4 * time.Second
	}
	if out.ConnMaxIdleTime <= 0 {
		out.ConnMaxIdleTime = 5 * time.Minute
	}
	if out.ConnMaxLifetime <= 0 {
		out.ConnMaxLifetime = 30 * time.Minute
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 2 * time.Second
	}
	return out
}

// OpenRedis initializes a Redis client and validates connectivity via PING.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	cfg = cfg.withDefaults()
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		DialTimeout:     cfg.DialTimeout,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		PoolSize:        cfg.PoolSize,
		MinIdleConns:    cfg.MinIdleConns,
		PoolTimeout:     cfg.PoolTimeout,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

// Leases cap concurrent holders of a key. Each holder is a sorted-set
// member scored by its expiry, so a holder that dies without releasing
// only blocks its own slot, and only until the expiry passes.

var leaseAcquireScript = redis.NewScript(`
-- KEYS[1] = lease set
-- ARGV[1] = limit, ARGV[2] = now_ms, ARGV[3] = ttl_ms, ARGV[4] = holder
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
if redis.call('ZSCORE', KEYS[1], ARGV[4]) then
  return 1
end
if redis.call('ZCARD', KEYS[1]) >= tonumber(ARGV[1]) then
  return 0
end
redis.call('ZADD', KEYS[1], tonumber(ARGV[2]) + tonumber(ARGV[3]), ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

var leaseReleaseScript = redis.NewScript(`
-- KEYS[1] = lease set, ARGV[1] = holder
local removed = redis.call('ZREM', KEYS[1], ARGV[1])
if redis.call('ZCARD', KEYS[1]) == 0 then
  redis.call('DEL', KEYS[1])
end
return removed
`)

func checkLeaseArgs(rdb *redis.Client, key, holder string) error {
	switch {
	case rdb == nil:
		return errors.New("redis client is nil")
	case key == "":
		return errors.New("lease key is required")
	case holder == "":
		return errors.New("lease holder is required")
	}
	return nil
}

// AcquireLease adds holder to key unless limit unexpired holders already
// exist. Re-acquiring a held lease succeeds without taking a second slot.
func AcquireLease(ctx context.Context, rdb *redis.Client, key, holder string, limit int, ttl time.Duration, now time.Time) (bool, error) {
	if err := checkLeaseArgs(rdb, key, holder); err != nil {
		return false, err
	}
	if limit <= 0 {
		return false, fmt.Errorf("lease limit must be > 0, got %d", limit)
	}
	if ttl <= 0 {
		return false, fmt.Errorf("lease ttl must be > 0, got %s", ttl)
	}
	res, err := leaseAcquireScript.Run(ctx, rdb, []string{key}, limit, now.UnixMilli(), ttl.Milliseconds(), holder).Int()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	return res == 1, nil
}

// ReleaseLease drops holder from key. Releasing an unknown holder is a no-op.
func ReleaseLease(ctx context.Context, rdb *redis.Client, key, holder string) error {
	if err := checkLeaseArgs(rdb, key, holder); err != nil {
		return err
	}
	if err := leaseReleaseScript.Run(ctx, rdb, []string{key}, holder).Err(); err != nil {
		return fmt.Errorf("release lease %s: %w", key, err)
	}
	return nil
}

// CountLeases reports the unexpired holders of key.
func CountLeases(ctx context.Context, rdb *redis.Client, key string, now time.Time) (int, error) {
	if rdb == nil {
		return 0, errors.New("redis client is nil")
	}
	n, err := rdb.ZCount(ctx, key, strconv.FormatInt(now.UnixMilli()+1, 10), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("count leases %s: %w", key, err)
	}
	return int(n), nil
}
