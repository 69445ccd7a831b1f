package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fabian4/gateway-dispatch-go/internal/model"
)

func newTestLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	l := New(rdb, zap.NewNop())
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, mr, &now
}

func TestSlidingWindow_DeniesSixthHit(t *testing.T) {
	l, _, _ := newTestLimiter(t)
	cfg := model.RateLimitConfig{Window: 60 * time.Second, MaxHits: 5}

	for i := 0; i < 5; i++ {
		res := l.Check(context.Background(), ScopeGlobal, "1.2.3.4", cfg)
		require.True(t, res.Allowed, "hit %d within budget", i+1)
		assert.Equal(t, 5-(i+1), res.Remaining)
	}

	res := l.Check(context.Background(), ScopeGlobal, "1.2.3.4", cfg)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.Greater(t, res.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, res.RetryAfter, 60*time.Second)
}

func TestSlidingWindow_RecoversAfterWindow(t *testing.T) {
	l, _, now := newTestLimiter(t)
	cfg := model.RateLimitConfig{Window: 60 * time.Second, MaxHits: 2}

	require.True(t, l.Check(context.Background(), ScopeGlobal, "k", cfg).Allowed)
	require.True(t, l.Check(context.Background(), ScopeGlobal, "k", cfg).Allowed)
	require.False(t, l.Check(context.Background(), ScopeGlobal, "k", cfg).Allowed)

	*now = now.Add(61 * time.Second)
	assert.True(t, l.Check(context.Background(), ScopeGlobal, "k", cfg).Allowed,
		"old entries must slide out of the window")
}

func TestSlidingWindow_DenialInsertsNothing(t *testing.T) {
	l, mr, _ := newTestLimiter(t)
	cfg := model.RateLimitConfig{Window: 60 * time.Second, MaxHits: 1}

	require.True(t, l.Check(context.Background(), ScopeUser, "u1", cfg).Allowed)
	require.False(t, l.Check(context.Background(), ScopeUser, "u1", cfg).Allowed)
	require.False(t, l.Check(context.Background(), ScopeUser, "u1", cfg).Allowed)

	members, err := mr.ZMembers("ratelimit:user:u1")
	require.NoError(t, err)
	assert.Len(t, members, 1, "rejected checks must not grow the window")
}

func TestScopesAreIndependent(t *testing.T) {
	l, _, _ := newTestLimiter(t)
	cfg := model.RateLimitConfig{Window: time.Minute, MaxHits: 1}

	require.True(t, l.Check(context.Background(), ScopeGlobal, "same", cfg).Allowed)
	assert.True(t, l.Check(context.Background(), ScopeUser, "same", cfg).Allowed,
		"same key under another scope is a separate window")
	assert.False(t, l.Check(context.Background(), ScopeGlobal, "same", cfg).Allowed)
}

func TestCheckAll_ShortCircuitsOnFirstDenial(t *testing.T) {
	l, mr, _ := newTestLimiter(t)
	checks := []ScopeCheck{
		{Scope: ScopeGlobal, Key: "ip", Config: model.RateLimitConfig{Window: time.Minute, MaxHits: 1}},
		{Scope: ScopeEndpoint, Key: "/users|ip", Config: model.RateLimitConfig{Window: time.Minute, MaxHits: 100}},
	}

	res, scope := l.CheckAll(context.Background(), checks)
	require.True(t, res.Allowed)
	require.Equal(t, ScopeEndpoint, scope)

	res, scope = l.CheckAll(context.Background(), checks)
	assert.False(t, res.Allowed)
	assert.Equal(t, ScopeGlobal, scope)

	// the endpoint window must not have been touched by the denied pass
	members, err := mr.ZMembers("ratelimit:endpoint:/users|ip")
	require.NoError(t, err)
	assert.Len(t, members, 1)
}

func TestFailOpenWhenStoreUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l := New(rdb, zap.NewNop())
	mr.Close()

	cfg := model.RateLimitConfig{Window: time.Minute, MaxHits: 1}
	for i := 0; i < 3; i++ {
		res := l.Check(context.Background(), ScopeGlobal, "ip", cfg)
		assert.True(t, res.Allowed, "store failure must fail open")
	}
}

func TestReset(t *testing.T) {
	l, _, _ := newTestLimiter(t)
	cfg := model.RateLimitConfig{Window: time.Minute, MaxHits: 1}

	require.True(t, l.Check(context.Background(), ScopeGlobal, "ip", cfg).Allowed)
	require.False(t, l.Check(context.Background(), ScopeGlobal, "ip", cfg).Allowed)

	require.NoError(t, l.Reset(context.Background(), ScopeGlobal, "ip"))
	assert.True(t, l.Check(context.Background(), ScopeGlobal, "ip", cfg).Allowed)
}
