package lb

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fabian4/gateway-dispatch-go/internal/model"
)

func TestSweep_MarksHealthAndRecovery(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(false)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer backend.Close()

	u, err := url.Parse(backend.URL)
	require.NoError(t, err)

	b := New(RoundRobin, false, zap.NewNop())
	b.AddService("api", []model.Instance{{ID: "only", BaseURL: u}})

	hc := NewHealthChecker(b, HealthCheckConfig{Path: "/health", Timeout: time.Second}, zap.NewNop())

	hc.Sweep(context.Background())
	assert.False(t, b.Snapshot()["api"][0].Healthy, "5xx must mark unhealthy")

	healthy.Store(true)
	hc.Sweep(context.Background())
	st := b.Snapshot()["api"][0]
	assert.True(t, st.Healthy, "2xx must mark healthy again")
	assert.False(t, st.LastHealthCheckAt.IsZero())
}

func TestSweep_OneFailingProbeDoesNotBlockOthers(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer good.Close()

	goodURL, err := url.Parse(good.URL)
	require.NoError(t, err)
	deadURL, err := url.Parse("http://127.0.0.1:1") // nothing listens here
	require.NoError(t, err)

	b := New(RoundRobin, false, zap.NewNop())
	b.AddService("api", []model.Instance{
		{ID: "dead", BaseURL: deadURL},
		{ID: "good", BaseURL: goodURL},
	})

	hc := NewHealthChecker(b, HealthCheckConfig{Timeout: time.Second}, zap.NewNop())
	hc.Sweep(context.Background())

	for _, st := range b.Snapshot()["api"] {
		switch st.ID {
		case "dead":
			assert.False(t, st.Healthy)
		case "good":
			assert.True(t, st.Healthy)
		}
	}
}
