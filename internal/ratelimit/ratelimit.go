// Package ratelimit implements a sliding-window-log rate limiter backed by
// a shared redis ordered set, so counting holds across gateway instances.
// The store is a protection, not a correctness guarantee: any store failure
// fails open.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fabian4/gateway-dispatch-go/internal/model"
)

// Scope kinds checked per request, in fixed order.
type Scope string

const (
	ScopeGlobal   Scope = "global"   // keyed by caller IP
	ScopeUser     Scope = "user"     // keyed by credential, if one was presented
	ScopeEndpoint Scope = "endpoint" // keyed by path + user-or-IP
)

// Result of one scope check.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// slidingWindow applies the trim/count/insert sequence as one atomic unit
// on the store, so concurrent gateways cannot race between counting and
// inserting. Entries are (timestampMs score, unique member).
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
local member = ARGV[4]
redis.call("ZREMRANGEBYSCORE", key, 0, now - window)
local count = redis.call("ZCARD", key)
if count < max then
  redis.call("ZADD", key, now, member)
  redis.call("PEXPIRE", key, window)
  return {1, count + 1, 0}
end
local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
local reset = now + window
if oldest[2] then
  reset = tonumber(oldest[2]) + window
end
return {0, count, reset}
`)

// Limiter checks sliding-window budgets against the shared store.
type Limiter struct {
	rdb redis.UniversalClient
	log *zap.Logger
	now func() time.Time
}

func New(rdb redis.UniversalClient, log *zap.Logger) *Limiter {
	return &Limiter{rdb: rdb, log: log, now: time.Now}
}

func storeKey(scope Scope, key string) string {
	return fmt.Sprintf("ratelimit:%s:%s", scope, key)
}

// Check applies one scope's budget. A denied check inserts nothing. On any
// store error the request is allowed.
func (l *Limiter) Check(ctx context.Context, scope Scope, key string, cfg model.RateLimitConfig) Result {
	now := l.now()
	nowMs := now.UnixMilli()
	windowMs := cfg.Window.Milliseconds()

	raw, err := slidingWindow.Run(ctx, l.rdb,
		[]string{storeKey(scope, key)},
		nowMs, windowMs, cfg.MaxHits, uuid.NewString(),
	).Result()
	if err != nil {
		l.log.Warn("rate limit store unavailable, failing open",
			zap.String("scope", string(scope)),
			zap.Error(err))
		return Result{
			Allowed:   true,
			Limit:     cfg.MaxHits,
			Remaining: cfg.MaxHits,
			ResetAt:   now.Add(cfg.Window),
		}
	}

	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 3 {
		l.log.Warn("rate limit script returned unexpected shape, failing open")
		return Result{Allowed: true, Limit: cfg.MaxHits, Remaining: cfg.MaxHits, ResetAt: now.Add(cfg.Window)}
	}
	allowed := toInt64(vals[0]) == 1
	count := toInt64(vals[1])
	resetMs := toInt64(vals[2])

	res := Result{
		Allowed: allowed,
		Limit:   cfg.MaxHits,
		ResetAt: now.Add(cfg.Window),
	}
	if remaining := int64(cfg.MaxHits) - count; remaining > 0 {
		res.Remaining = int(remaining)
	}
	if !allowed {
		res.ResetAt = time.UnixMilli(resetMs)
		if retry := resetMs - nowMs; retry > 0 {
			res.RetryAfter = time.Duration(retry) * time.Millisecond
		}
	}
	return res
}

func toInt64(v interface{}) int64 {
	n, _ := v.(int64)
	return n
}

// ScopeCheck is one link of the per-request scope chain.
type ScopeCheck struct {
	Scope  Scope
	Key    string
	Config model.RateLimitConfig
}

// CheckAll runs the scope chain in order and stops at the first denial; no
// later scope's window is touched after a denial (short-circuit).
func (l *Limiter) CheckAll(ctx context.Context, checks []ScopeCheck) (Result, Scope) {
	last := Result{Allowed: true}
	var scope Scope
	for _, c := range checks {
		if c.Config.MaxHits <= 0 || c.Config.Window <= 0 {
			continue
		}
		res := l.Check(ctx, c.Scope, c.Key, c.Config)
		if !res.Allowed {
			return res, c.Scope
		}
		last, scope = res, c.Scope
	}
	return last, scope
}

// Reset clears one scope key (administrative surface).
func (l *Limiter) Reset(ctx context.Context, scope Scope, key string) error {
	return l.rdb.Del(ctx, storeKey(scope, key)).Err()
}
