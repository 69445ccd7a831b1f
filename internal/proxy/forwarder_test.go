package proxy

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fabian4/gateway-dispatch-go/internal/breaker"
	"github.com/fabian4/gateway-dispatch-go/internal/forward"
	"github.com/fabian4/gateway-dispatch-go/internal/lb"
	"github.com/fabian4/gateway-dispatch-go/internal/model"
	"github.com/fabian4/gateway-dispatch-go/internal/router"
)

func TestUpstreamPath_VersionRewrite(t *testing.T) {
	cases := []struct {
		name   string
		route  model.Route
		params router.Params
		want   string
	}{
		{
			name:  "params substituted",
			route: model.Route{PathPattern: "/users/:id"},
			params: router.Params{"id": "42"},
			want:  "/users/42",
		},
		{
			name:  "version prefix swapped",
			route: model.Route{PathPattern: "/v1/users/:id", APIVersion: "v1", TargetVersion: "v2"},
			params: router.Params{"id": "42"},
			want:  "/v2/users/42",
		},
		{
			name:  "target version prepended to unversioned pattern",
			route: model.Route{PathPattern: "/users", TargetVersion: "v3"},
			want:  "/v3/users",
		},
		{
			name:  "no target keeps pattern",
			route: model.Route{PathPattern: "/v1/users", APIVersion: "v1"},
			want:  "/v1/users",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, upstreamPath(&tc.route, tc.params))
		})
	}
}

func TestClassify(t *testing.T) {
	assert.Equal(t, breaker.ClassDNS, Classify(&net.DNSError{Err: "no such host"}))
	assert.Equal(t, breaker.ClassTimeout, Classify(context.DeadlineExceeded))
	assert.Equal(t, breaker.ClassUnreachable, Classify(assertError("misc")))
}

type assertError string

func (e assertError) Error() string { return string(e) }

func singleInstanceBalancer(t *testing.T, service, rawURL string) (*lb.Balancer, *lb.Lease) {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	b := lb.New(lb.RoundRobin, false, zap.NewNop())
	b.AddService(service, []model.Instance{{ID: "i1", BaseURL: u}})
	lease, err := b.Acquire(service)
	require.NoError(t, err)
	return b, lease
}

func TestForward_ProxiesAndRecordsSuccess(t *testing.T) {
	var gotPath, gotVersionHeader string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotVersionHeader = r.Header.Get("X-Service-Version")
		w.Header().Set("X-Backend", "yes")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer backend.Close()

	brk := breaker.New(breaker.DefaultConfig(), zap.NewNop())
	b, lease := singleInstanceBalancer(t, "users", backend.URL)
	f := NewForwarder(forward.NewDefaultRegistry(), brk, nil, zap.NewNop())

	route := &model.Route{
		Method: "GET", PathPattern: "/v1/users/:id", Service: "users",
		APIVersion: "v1", TargetVersion: "v2", Timeout: 2 * time.Second,
	}
	req := httptest.NewRequest("GET", "http://gw/v1/users/7?full=1", nil)
	rec := httptest.NewRecorder()

	status, err := f.Forward(rec, req, route, router.Params{"id": "7"}, lease)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "/v2/users/7", gotPath)
	assert.Equal(t, "v2", gotVersionHeader)
	assert.Equal(t, "yes", rec.Header().Get("X-Backend"))
	assert.NotEmpty(t, rec.Header().Get("X-Gateway-Version"))

	// lease released exactly once even though the caller defers too
	lease.Release()
	for _, st := range b.Snapshot()["users"] {
		assert.Equal(t, int64(0), st.ActiveConnections)
	}
	assert.Equal(t, breaker.Closed, brk.StateOf("users"))
}

func TestForward_TransportErrorFeedsBreaker(t *testing.T) {
	brk := breaker.New(breaker.Config{Enabled: true, FailureThreshold: 1}, zap.NewNop())
	b, lease := singleInstanceBalancer(t, "users", "http://127.0.0.1:1")
	f := NewForwarder(forward.NewDefaultRegistry(), brk, nil, zap.NewNop())

	route := &model.Route{Method: "GET", PathPattern: "/users", Service: "users", Timeout: time.Second}
	req := httptest.NewRequest("GET", "http://gw/users", nil)
	rec := httptest.NewRecorder()

	_, err := f.Forward(rec, req, route, nil, lease)
	require.Error(t, err)
	assert.Equal(t, breaker.Open, brk.StateOf("users"), "one qualifying failure trips threshold=1")

	for _, st := range b.Snapshot()["users"] {
		assert.Equal(t, int64(0), st.ActiveConnections, "lease released on the failure path")
	}
}
