package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"sentinel/metrics"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// CounterStore is the shared counter store backing rate limiting, brute-force
// counting, and behavior profiles. It is the only cross-instance shared
// mutable state; everything else is a per-instance cache. The engine depends
// only on four primitive capabilities: atomic increment-with-expiry, sorted
// set insert/trim/count with TTL, hash get/set with TTL, and script eval for
// read-modify-write sequences that must be atomic across instances.
type CounterStore struct {
	client *redis.Client
	logger *zap.SugaredLogger
}

// NewCounterStore creates a Redis-backed counter store.
func NewCounterStore(addr, password string, db, poolSize int, logger *zap.SugaredLogger) *CounterStore {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: poolSize,
	})
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &CounterStore{client: client, logger: logger}
}

// Ping tests the store connection.
func (cs *CounterStore) Ping(ctx context.Context) error {
	return cs.client.Ping(ctx).Err()
}

// Close closes the store connection.
func (cs *CounterStore) Close() error {
	return cs.client.Close()
}

// IncrWithExpiry atomically increments a counter and sets its expiry on
// first write. Backs the fixed-window strategy.
func (cs *CounterStore) IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := cs.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		metrics.CounterStoreErrors.WithLabelValues("incr").Inc()
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	return incr.Val(), nil
}

// WindowObserve records a timestamped member in the per-key sorted set,
// drops members older than the window, and returns the count of members
// remaining inside the window (including the one just added). Backs the
// sliding-window strategy and the brute-force/abuse counters.
func (cs *CounterStore) WindowObserve(ctx context.Context, key, member string, at time.Time, window time.Duration) (int64, error) {
	cutoff := at.Add(-window)
	pipe := cs.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", cutoff.UnixNano()))
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(at.UnixNano()), Member: member})
	card := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		metrics.CounterStoreErrors.WithLabelValues("window_observe").Inc()
		return 0, fmt.Errorf("window observe %s: %w", key, err)
	}
	return card.Val(), nil
}

// WindowCount returns the number of members inside the window without
// recording a new one.
func (cs *CounterStore) WindowCount(ctx context.Context, key string, at time.Time, window time.Duration) (int64, error) {
	cutoff := at.Add(-window)
	pipe := cs.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", cutoff.UnixNano()))
	card := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		metrics.CounterStoreErrors.WithLabelValues("window_count").Inc()
		return 0, fmt.Errorf("window count %s: %w", key, err)
	}
	return card.Val(), nil
}

// Eval runs a Lua script against the store. Used where a read-modify-write
// sequence (token bucket refill) must be atomic relative to concurrent
// callers on other instances.
func (cs *CounterStore) Eval(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (interface{}, error) {
	res, err := script.Run(ctx, cs.client, keys, args...).Result()
	if err != nil {
		metrics.CounterStoreErrors.WithLabelValues("eval").Inc()
		return nil, err
	}
	return res, nil
}

// SetRaw stores an opaque payload with a TTL. Backs the msgpack-encoded
// behavior profiles.
func (cs *CounterStore) SetRaw(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	if err := cs.client.Set(ctx, key, payload, ttl).Err(); err != nil {
		metrics.CounterStoreErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// GetRaw retrieves an opaque payload. Returns (nil, false, nil) on a miss.
func (cs *CounterStore) GetRaw(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := cs.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		metrics.CounterStoreErrors.WithLabelValues("get").Inc()
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	return data, true, nil
}

// Set stores a JSON-encoded value with a TTL.
func (cs *CounterStore) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return cs.SetRaw(ctx, key, data, ttl)
}

// Get retrieves a JSON-encoded value. Returns false when the key is absent.
func (cs *CounterStore) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, found, err := cs.GetRaw(ctx, key)
	if err != nil || !found {
		return false, err
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return true, nil
}

// Delete removes a key.
func (cs *CounterStore) Delete(ctx context.Context, key string) error {
	return cs.client.Del(ctx, key).Err()
}

// TTL returns the remaining TTL for a key.
func (cs *CounterStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	return cs.client.TTL(ctx, key).Result()
}

// Key prefixes for the counter store namespaces.
const (
	KeyPrefixRateLimit  = "rl:"
	KeyPrefixBruteForce = "bf:"
	KeyPrefixAbuse      = "abuse:"
	KeyPrefixProfile    = "profile:"
)
