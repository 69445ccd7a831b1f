package lb

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fabian4/gateway-dispatch-go/internal/model"
)

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func threeInstancePool(t *testing.T, strategy Strategy, strict bool) *Balancer {
	t.Helper()
	b := New(strategy, strict, zap.NewNop())
	b.AddService("api", []model.Instance{
		{ID: "a", BaseURL: mustURL(t, "http://a:8080")},
		{ID: "b", BaseURL: mustURL(t, "http://b:8080")},
		{ID: "c", BaseURL: mustURL(t, "http://c:8080")},
	})
	return b
}

func TestRoundRobin_StableCyclicOrder(t *testing.T) {
	b := threeInstancePool(t, RoundRobin, false)

	seen := make(map[string]int)
	var order []string
	for i := 0; i < 6; i++ {
		lease, err := b.Acquire("api")
		require.NoError(t, err)
		seen[lease.ID()]++
		order = append(order, lease.ID())
		lease.Release()
	}

	for _, id := range []string{"a", "b", "c"} {
		assert.Equal(t, 2, seen[id], "instance %s visit count", id)
	}
	// cyclic: positions i and i+3 hit the same instance
	for i := 0; i < 3; i++ {
		assert.Equal(t, order[i], order[i+3])
	}
}

func TestAcquireRelease_ConnectionAccounting(t *testing.T) {
	b := threeInstancePool(t, LeastConnections, false)

	l1, err := b.Acquire("api")
	require.NoError(t, err)

	total := func() int64 {
		var n int64
		for _, st := range b.Snapshot()["api"] {
			n += st.ActiveConnections
		}
		return n
	}
	assert.Equal(t, int64(1), total())

	l1.Release()
	l1.Release() // idempotent, must not go negative
	assert.Equal(t, int64(0), total())
}

func TestLeastConnections_PrefersIdleInstance(t *testing.T) {
	b := threeInstancePool(t, LeastConnections, false)

	l1, err := b.Acquire("api")
	require.NoError(t, err)
	l2, err := b.Acquire("api")
	require.NoError(t, err)
	require.NotEqual(t, l1.ID(), l2.ID())

	l3, err := b.Acquire("api")
	require.NoError(t, err)
	assert.NotEqual(t, l1.ID(), l3.ID())
	assert.NotEqual(t, l2.ID(), l3.ID())
}

func TestAcquire_FallsBackToUnhealthyPool(t *testing.T) {
	b := threeInstancePool(t, RoundRobin, false)
	for _, id := range []string{"a", "b", "c"} {
		b.markHealth("api", id, false, 0, time.Now())
	}

	lease, err := b.Acquire("api")
	require.NoError(t, err, "availability over strict correctness")
	lease.Release()
}

func TestAcquire_StrictHealthyFailsInstead(t *testing.T) {
	b := threeInstancePool(t, RoundRobin, true)
	for _, id := range []string{"a", "b", "c"} {
		b.markHealth("api", id, false, 0, time.Now())
	}

	_, err := b.Acquire("api")
	assert.ErrorIs(t, err, ErrNoInstances)
}

func TestAcquire_SkipsUnhealthyInstances(t *testing.T) {
	b := threeInstancePool(t, RoundRobin, false)
	b.markHealth("api", "b", false, 0, time.Now())

	for i := 0; i < 4; i++ {
		lease, err := b.Acquire("api")
		require.NoError(t, err)
		assert.NotEqual(t, "b", lease.ID())
		lease.Release()
	}
}

func TestWeightedRandom_RespectsWeights(t *testing.T) {
	b := New(WeightedRandom, false, zap.NewNop())
	b.AddService("api", []model.Instance{
		{ID: "heavy", BaseURL: mustURL(t, "http://heavy:8080"), Weight: 9},
		{ID: "light", BaseURL: mustURL(t, "http://light:8080"), Weight: 1},
	})

	heavy := 0
	for i := 0; i < 1000; i++ {
		lease, err := b.Acquire("api")
		require.NoError(t, err)
		if lease.ID() == "heavy" {
			heavy++
		}
		lease.Release()
	}
	// Expected ~900; a wide band keeps the test deterministic enough.
	assert.Greater(t, heavy, 700)
}

func TestAddRemoveInstance(t *testing.T) {
	b := threeInstancePool(t, RoundRobin, false)

	require.NoError(t, b.AddInstance("api", model.Instance{ID: "d", BaseURL: mustURL(t, "http://d:8080")}))
	assert.Error(t, b.AddInstance("api", model.Instance{ID: "d", BaseURL: mustURL(t, "http://d:8080")}))
	assert.Len(t, b.Snapshot()["api"], 4)

	require.NoError(t, b.RemoveInstance("api", "d"))
	assert.Error(t, b.RemoveInstance("api", "d"))
	assert.Len(t, b.Snapshot()["api"], 3)

	assert.ErrorIs(t, b.AddInstance("nope", model.Instance{ID: "x"}), ErrUnknownService)
}
