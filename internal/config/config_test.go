package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabian4/gateway-dispatch-go/internal/lb"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const fullConfig = `
entrypoint:
  address: ":8080"
admin:
  address: ":9090"
include_error_details: true
timeouts:
  read: 10s
  write: 30s
  upstream: 15s
redis:
  addr: "127.0.0.1:6380"
  db: 2
load_balancer:
  strategy: least_connections
  strict_healthy: true
  health_path: /status
  health_interval: 10s
  health_timeout: 2s
  probes_per_sec: 20
circuit_breaker:
  failure_threshold: 3
  open_duration: 45s
  monitoring_window: 90s
rate_limits:
  global:
    window: 1m
    max_hits: 300
  user:
    window: 1m
    max_hits: 120
auth_keys:
  demo-key: demo-user
services:
  - name: users
    proto: auto
    instances:
      - id: users-a
        url: http://127.0.0.1:9001
        weight: 3
      - url: http://127.0.0.1:9002
  - name: orders
    instances:
      - id: orders-1
        url: http://127.0.0.1:9101
routes:
  - name: get-user
    method: get
    path: /v1/users/:id
    service: users
    api_version: v1
    target_version: v2
    timeout: 5s
    auth: true
    rate_limit: true
    rate_limit_override:
      window: 30s
      max_hits: 10
  - method: GET
    path: /orders/:id
    service: orders
aggregations:
  - endpoint: /v1/profile/:id
    merge: nested
    on_failure: partial
    timeout: 3s
    requests:
      - service: users
        method: GET
        path: /users/:id
        key: user
        required: true
      - service: orders
        method: GET
        path: /orders/by-user/:id
        key: orders
`

func TestLoad_Full(t *testing.T) {
	c, err := Load(writeConfig(t, fullConfig))
	require.NoError(t, err)

	assert.Equal(t, ":8080", c.Listen)
	assert.Equal(t, ":9090", c.AdminListen)
	assert.True(t, c.IncludeErrorDetails)
	assert.Equal(t, 15*time.Second, c.Timeouts.Upstream)
	assert.Equal(t, "127.0.0.1:6380", c.Redis.Addr)
	assert.Equal(t, 2, c.Redis.DB)

	assert.Equal(t, lb.LeastConnections, c.Strategy)
	assert.True(t, c.StrictHealthy)
	assert.Equal(t, "/status", c.HealthCheck.Path)
	assert.Equal(t, 10*time.Second, c.HealthCheck.Interval)
	assert.Equal(t, float64(20), c.HealthCheck.ProbesPerSec)

	assert.True(t, c.Breaker.Enabled)
	assert.Equal(t, 3, c.Breaker.FailureThreshold)
	assert.Equal(t, 45*time.Second, c.Breaker.OpenDuration)
	assert.Equal(t, 90*time.Second, c.Breaker.MonitoringWindow)

	assert.Equal(t, 300, c.RateLimits.Global.MaxHits)
	assert.Equal(t, time.Minute, c.RateLimits.User.Window)
	assert.Zero(t, c.RateLimits.Endpoint.MaxHits, "unset scope stays disabled")

	require.Len(t, c.Services, 2)
	users := c.Services["users"]
	assert.Equal(t, "auto", users.Proto)
	require.Len(t, users.Instances, 2)
	assert.Equal(t, "users-a", users.Instances[0].ID)
	assert.Equal(t, 3, users.Instances[0].Weight)
	assert.Equal(t, "users-1", users.Instances[1].ID, "missing id gets a generated one")
	assert.Equal(t, "http1", c.Services["orders"].Proto, "proto defaults to http1")

	require.Len(t, c.Routes, 2)
	get := c.Routes[0]
	assert.Equal(t, "GET", get.Method, "method is upper-cased")
	assert.Equal(t, "/v1/users/:id", get.PathPattern)
	assert.Equal(t, "v2", get.TargetVersion)
	assert.True(t, get.RequiresAuth)
	assert.True(t, get.RequiresRateLimit)
	require.NotNil(t, get.RateLimit)
	assert.Equal(t, 10, get.RateLimit.MaxHits)
	assert.Equal(t, "route-1", c.Routes[1].Name, "unnamed route gets a generated name")

	require.Len(t, c.Aggregations, 1)
	agg := c.Aggregations[0]
	assert.Equal(t, "/v1/profile/:id", agg.EndpointPattern)
	assert.Equal(t, 3*time.Second, agg.Timeout)
	require.Len(t, agg.SubRequests, 2)
	assert.True(t, agg.SubRequests[0].Required)
	assert.Equal(t, "orders", agg.SubRequests[1].ResponseKey)
}

func TestLoad_Defaults(t *testing.T) {
	c, err := Load(writeConfig(t, `
services:
  - name: users
    instances:
      - url: http://127.0.0.1:9001
`))
	require.NoError(t, err)

	assert.Equal(t, ":8080", c.Listen)
	assert.Equal(t, ":9090", c.AdminListen)
	assert.Equal(t, "127.0.0.1:6379", c.Redis.Addr)
	assert.Equal(t, lb.RoundRobin, c.Strategy)
	assert.Equal(t, 5, c.Breaker.FailureThreshold)
}

func TestLoad_Errors(t *testing.T) {
	cases := map[string]string{
		"no services": ``,
		"bad strategy": `
load_balancer:
  strategy: fastest
services:
  - name: users
    instances:
      - url: http://127.0.0.1:9001
`,
		"bad duration": `
timeouts:
  read: ten seconds
services:
  - name: users
    instances:
      - url: http://127.0.0.1:9001
`,
		"instance without scheme": `
services:
  - name: users
    instances:
      - url: 127.0.0.1:9001
`,
		"duplicate service": `
services:
  - name: users
    instances:
      - url: http://127.0.0.1:9001
  - name: users
    instances:
      - url: http://127.0.0.1:9002
`,
		"route to unknown service": `
services:
  - name: users
    instances:
      - url: http://127.0.0.1:9001
routes:
  - method: GET
    path: /x
    service: ghost
`,
		"aggregation branch without key": `
services:
  - name: users
    instances:
      - url: http://127.0.0.1:9001
aggregations:
  - endpoint: /p/:id
    requests:
      - service: users
        path: /users/:id
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
