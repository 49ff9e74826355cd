// Package ratelimit implements counting strategies against the shared
// counter store: sliding window, token bucket, and fixed window. All state
// lives in the store so multiple engine instances converge on the same
// decisions for the same identifier.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"sentinel/core"
	"sentinel/metrics"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Strategy selects a counting algorithm.
type Strategy string

const (
	// StrategySlidingWindow counts exact request timestamps over the
	// trailing window. No burst can exceed the limit at check granularity.
	StrategySlidingWindow Strategy = "sliding_window"
	// StrategyTokenBucket refills tokens proportionally to elapsed time.
	// Smoother long-run throughput, tolerates bursts up to the limit.
	StrategyTokenBucket Strategy = "token_bucket"
	// StrategyFixedWindow counts per aligned window bucket. Cheapest of the
	// three, but admits up to 2x the limit across a window boundary. That is
	// an accepted tradeoff of the strategy, not a bug; do not use it for
	// hard security boundaries.
	StrategyFixedWindow Strategy = "fixed_window"
)

// Info describes the outcome of a rate limit check.
type Info struct {
	Limit     int           `json:"limit"`
	Remaining int           `json:"remaining"`
	ResetTime time.Time     `json:"reset_time"`
	Window    time.Duration `json:"window"`
	Strategy  Strategy      `json:"strategy"`
}

// tokenBucketScript refills and consumes atomically so concurrent callers on
// different instances never double-spend a token. Clock comes from the
// caller, keeping the script deterministic under test.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local refill = limit / window
local state = redis.call('HMGET', key, 'tokens', 'last_refill')
local tokens = tonumber(state[1])
local last = tonumber(state[2])
if tokens == nil then
  tokens = limit
  last = now
end
local elapsed = now - last
if elapsed < 0 then
  elapsed = 0
end
tokens = tokens + elapsed * refill
if tokens > limit then
  tokens = limit
end
local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end
redis.call('HSET', key, 'tokens', tostring(tokens), 'last_refill', tostring(now))
redis.call('EXPIRE', key, math.ceil(window * 2))
return {allowed, tostring(tokens)}
`)

// Limiter checks identifiers against limits using a configurable strategy.
// When the counter store is unreachable it fails closed (deny) unless the
// fail-open policy is configured, in which case decisions degrade to a
// per-identifier in-memory limiter until the store recovers.
type Limiter struct {
	store         *core.CounterStore
	failOpen      bool
	fallbackBurst int
	fallback      map[string]*rate.Limiter
	fallbackMu    sync.Mutex
	logger        *zap.SugaredLogger
	now           func() time.Time
}

// New creates a Limiter. failOpen must be false for security-sensitive call
// sites; best-effort telemetry call sites may pass true.
func New(store *core.CounterStore, failOpen bool, fallbackBurst int, logger *zap.SugaredLogger) *Limiter {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if fallbackBurst <= 0 {
		fallbackBurst = 1
	}
	return &Limiter{
		store:         store,
		failOpen:      failOpen,
		fallbackBurst: fallbackBurst,
		fallback:      make(map[string]*rate.Limiter),
		logger:        logger,
		now:           time.Now,
	}
}

// Check records one request for the identifier and reports whether it is
// allowed under the limit and window using the given strategy. Info is
// always populated, including on store failure.
func (l *Limiter) Check(ctx context.Context, identifier string, limit int, window time.Duration, strategy Strategy) (bool, *Info, error) {
	if limit <= 0 {
		return false, nil, fmt.Errorf("limit must be positive, got %d", limit)
	}
	if window <= 0 {
		return false, nil, fmt.Errorf("window must be positive, got %v", window)
	}

	var (
		allowed bool
		info    *Info
		err     error
	)
	switch strategy {
	case StrategySlidingWindow:
		allowed, info, err = l.checkSlidingWindow(ctx, identifier, limit, window)
	case StrategyTokenBucket:
		allowed, info, err = l.checkTokenBucket(ctx, identifier, limit, window)
	case StrategyFixedWindow:
		allowed, info, err = l.checkFixedWindow(ctx, identifier, limit, window)
	default:
		return false, nil, fmt.Errorf("unknown rate limit strategy %q", strategy)
	}

	if err != nil {
		allowed, info = l.degrade(identifier, limit, window, strategy, err)
	}

	decision := "denied"
	if allowed {
		decision = "allowed"
	}
	metrics.RateLimitDecisions.WithLabelValues(string(strategy), decision).Inc()
	return allowed, info, err
}

func (l *Limiter) checkSlidingWindow(ctx context.Context, identifier string, limit int, window time.Duration) (bool, *Info, error) {
	key := core.KeyPrefixRateLimit + "sw:" + identifier
	now := l.now()
	count, err := l.store.WindowObserve(ctx, key, uuid.New().String(), now, window)
	if err != nil {
		return false, nil, err
	}
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return count <= int64(limit), &Info{
		Limit:     limit,
		Remaining: remaining,
		ResetTime: now.Add(window),
		Window:    window,
		Strategy:  StrategySlidingWindow,
	}, nil
}

func (l *Limiter) checkTokenBucket(ctx context.Context, identifier string, limit int, window time.Duration) (bool, *Info, error) {
	key := core.KeyPrefixRateLimit + "tb:" + identifier
	now := l.now()
	nowSec := float64(now.UnixNano()) / float64(time.Second)
	res, err := l.store.Eval(ctx, tokenBucketScript, []string{key},
		limit, window.Seconds(), strconv.FormatFloat(nowSec, 'f', -1, 64))
	if err != nil {
		return false, nil, err
	}
	reply, ok := res.([]interface{})
	if !ok || len(reply) != 2 {
		return false, nil, fmt.Errorf("unexpected token bucket reply %T", res)
	}
	allowedFlag, _ := reply[0].(int64)
	tokensStr, _ := reply[1].(string)
	tokens, _ := strconv.ParseFloat(tokensStr, 64)

	allowed := allowedFlag == 1
	// Time until the next whole token is available.
	refillPerSec := float64(limit) / window.Seconds()
	var reset time.Time
	if tokens >= 1 {
		reset = now
	} else {
		reset = now.Add(time.Duration((1 - tokens) / refillPerSec * float64(time.Second)))
	}
	return allowed, &Info{
		Limit:     limit,
		Remaining: int(tokens),
		ResetTime: reset,
		Window:    window,
		Strategy:  StrategyTokenBucket,
	}, nil
}

func (l *Limiter) checkFixedWindow(ctx context.Context, identifier string, limit int, window time.Duration) (bool, *Info, error) {
	now := l.now()
	windowStart := now.Truncate(window)
	key := fmt.Sprintf("%sfw:%s:%d", core.KeyPrefixRateLimit, identifier, windowStart.Unix())
	count, err := l.store.IncrWithExpiry(ctx, key, window)
	if err != nil {
		return false, nil, err
	}
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return count <= int64(limit), &Info{
		Limit:     limit,
		Remaining: remaining,
		ResetTime: windowStart.Add(window),
		Window:    window,
		Strategy:  StrategyFixedWindow,
	}, nil
}

// degrade applies the store-failure policy. Fail-closed sites deny outright;
// fail-open sites fall back to a per-identifier in-memory limiter so a store
// outage does not turn into an unbounded allow.
func (l *Limiter) degrade(identifier string, limit int, window time.Duration, strategy Strategy, cause error) (bool, *Info) {
	info := &Info{
		Limit:     limit,
		Remaining: 0,
		ResetTime: l.now().Add(window),
		Window:    window,
		Strategy:  strategy,
	}
	if !l.failOpen {
		l.logger.Warnw("counter store unreachable, failing closed",
			"identifier", identifier, "strategy", strategy, "error", cause)
		return false, info
	}

	l.fallbackMu.Lock()
	lim, exists := l.fallback[identifier]
	if !exists {
		lim = rate.NewLimiter(rate.Limit(float64(limit)/window.Seconds()), l.fallbackBurst)
		l.fallback[identifier] = lim
	}
	l.fallbackMu.Unlock()

	allowed := lim.Allow()
	if allowed {
		info.Remaining = 1
	}
	l.logger.Warnw("counter store unreachable, failing open via fallback limiter",
		"identifier", identifier, "strategy", strategy, "allowed", allowed, "error", cause)
	return allowed, info
}
