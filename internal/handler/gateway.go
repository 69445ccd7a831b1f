// Package handler implements the dispatch pipeline: every inbound request
// is assigned an id, resolved to a route, rate limited, authenticated,
// checked against a registered aggregation, and finally proxied to an
// instance chosen by the load balancer under the circuit breaker's gate.
package handler

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fabian4/gateway-dispatch-go/internal/aggregate"
	"github.com/fabian4/gateway-dispatch-go/internal/apierr"
	"github.com/fabian4/gateway-dispatch-go/internal/breaker"
	"github.com/fabian4/gateway-dispatch-go/internal/lb"
	"github.com/fabian4/gateway-dispatch-go/internal/metrics"
	"github.com/fabian4/gateway-dispatch-go/internal/model"
	"github.com/fabian4/gateway-dispatch-go/internal/proxy"
	"github.com/fabian4/gateway-dispatch-go/internal/ratelimit"
	"github.com/fabian4/gateway-dispatch-go/internal/router"
)

// Gateway is the pipeline orchestrator. All fields are set at construction;
// runtime mutation happens inside the components, which synchronize
// themselves.
type Gateway struct {
	Routes     *router.Table
	Balancer   *lb.Balancer
	Breaker    *breaker.Breaker
	Limiter    *ratelimit.Limiter
	Aggregator *aggregate.Aggregator
	Forwarder  *proxy.Forwarder
	Auth       Authenticator
	Telemetry  Telemetry
	Metrics    *metrics.Metrics

	Limits         *PolicyStore
	IncludeDetails bool // expose error causes to clients (development mode)
	Log            *zap.Logger
}

var _ http.Handler = (*Gateway)(nil)

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := r.Header.Get("X-Request-Id")
	if requestID == "" {
		requestID = uuid.NewString()
	}

	lw := &loggingResponseWriter{ResponseWriter: w}
	lw.Header().Set("X-Request-Id", requestID)

	span := g.Telemetry.StartSpan("dispatch", requestID)
	var serviceName, routeName string

	// Telemetry always fires, including on the early-exit paths.
	defer func() {
		if rec := recover(); rec != nil {
			g.Log.Error("pipeline panic",
				zap.String("requestId", requestID),
				zap.Any("panic", rec))
			if lw.statusCode == 0 {
				apierr.Write(lw, requestID, apierr.Internal(fmt.Errorf("panic: %v", rec)), g.IncludeDetails)
			}
		}
		status := lw.statusCode
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)

		g.Telemetry.LogRequest(RequestMetrics{
			RequestID:  requestID,
			Method:     r.Method,
			Path:       r.URL.Path,
			StatusCode: status,
			DurationMs: duration.Milliseconds(),
			Service:    serviceName,
			Route:      routeName,
		})
		if g.Metrics != nil {
			g.Metrics.Requests.WithLabelValues(serviceName, routeName, r.Method, strconv.Itoa(status)).Inc()
			g.Metrics.Duration.WithLabelValues(serviceName, routeName).Observe(duration.Seconds())
		}
		span.AddTag("status", strconv.Itoa(status))
		span.Finish()
	}()

	// 1. Route resolution.
	route, params, err := g.Routes.Resolve(r.Method, r.URL.Path)
	if err != nil {
		g.fail(lw, requestID, apierr.RouteNotFound(r.Method, r.URL.Path), "", "")
		return
	}
	serviceName, routeName = route.Service, route.Name
	span.AddTag("route", route.Name)

	// 2. Rate limiting, before auth: reject cheap before paying for
	// validation or upstream work.
	if route.RequiresRateLimit {
		res, scope := g.Limiter.CheckAll(r.Context(), g.scopeChain(r, route))
		if g.Metrics != nil && scope != "" {
			decision := "allowed"
			if !res.Allowed {
				decision = "denied"
			}
			g.Metrics.RateLimits.WithLabelValues(string(scope), decision).Inc()
		}
		if !res.Allowed {
			writeRateLimitHeaders(lw, res)
			g.fail(lw, requestID, apierr.RateLimited(string(scope), res.RetryAfter), serviceName, routeName)
			return
		}
	}

	// 3. Authentication.
	var authCtx *model.AuthContext
	if route.RequiresAuth {
		authCtx, err = g.Auth.Authenticate(r)
		if err != nil {
			g.fail(lw, requestID, apierr.AuthFailed(err), serviceName, routeName)
			return
		}
	}

	// 4. Aggregation endpoints bypass single-backend proxying entirely.
	if spec, aggParams, ok := g.Aggregator.Resolve(r.URL.Path); ok {
		routeName = "aggregate:" + spec.EndpointPattern
		result := g.Aggregator.Aggregate(r.Context(), spec, authCtx, aggParams, r.URL.Query())
		status := http.StatusOK
		if !result.Success {
			status = http.StatusBadGateway
		}
		writeJSON(lw, status, result)
		return
	}

	// 5. Instance selection under the breaker's gate.
	lease, err := g.Balancer.Acquire(route.Service)
	if err != nil {
		g.fail(lw, requestID, apierr.Upstream(route.Service, http.StatusServiceUnavailable, err), serviceName, routeName)
		return
	}
	if !g.Breaker.CanExecute(route.Service) {
		lease.Release()
		g.recordBreakerGauge(route.Service)
		g.fail(lw, requestID, apierr.CircuitOpen(route.Service), serviceName, routeName)
		return
	}

	// 6. Forward. The forwarder releases the lease and records the breaker
	// outcome exactly once regardless of how the call ends.
	callStart := time.Now()
	status, err := g.Forwarder.Forward(lw, r, route, params, lease)
	g.Telemetry.LogServiceCall(ServiceCallMetrics{
		RequestID:  requestID,
		Service:    route.Service,
		Instance:   lease.ID(),
		StatusCode: status,
		DurationMs: time.Since(callStart).Milliseconds(),
	})
	g.recordBreakerGauge(route.Service)
	if err != nil {
		g.fail(lw, requestID, err, serviceName, routeName)
	}
}

func (g *Gateway) fail(lw *loggingResponseWriter, requestID string, err error, service, route string) {
	apierr.Write(lw, requestID, err, g.IncludeDetails)
	var code string
	var status int
	if ae, ok := err.(*apierr.Error); ok {
		code, status = ae.Code, ae.StatusCode
	}
	g.Telemetry.LogError(ErrorMetrics{
		RequestID:  requestID,
		Code:       code,
		StatusCode: status,
		Service:    service,
		Message:    err.Error(),
	})
}

func (g *Gateway) recordBreakerGauge(service string) {
	if g.Metrics != nil {
		g.Metrics.SetBreakerState(service, g.Breaker.StateOf(service))
	}
}

// scopeChain builds the fixed-order scope checks for one request:
// global by caller IP, per-user by presented credential, per-endpoint by
// path keyed on user-or-IP. The credential is used unvalidated as a key;
// validation happens after rate limiting by design.
func (g *Gateway) scopeChain(r *http.Request, route *model.Route) []ratelimit.ScopeCheck {
	limits := g.Limits.Snapshot()
	ip := clientIP(r)
	_, token := Credential(r)

	userOrIP := ip
	if token != "" {
		userOrIP = token
	}

	endpointCfg := limits.Endpoint
	if route.RateLimit != nil {
		endpointCfg = *route.RateLimit
	}

	checks := []ratelimit.ScopeCheck{
		{Scope: ratelimit.ScopeGlobal, Key: ip, Config: limits.Global},
	}
	if token != "" {
		checks = append(checks, ratelimit.ScopeCheck{
			Scope: ratelimit.ScopeUser, Key: token, Config: limits.User,
		})
	}
	checks = append(checks, ratelimit.ScopeCheck{
		Scope: ratelimit.ScopeEndpoint, Key: route.PathPattern + "|" + userOrIP, Config: endpointCfg,
	})
	return checks
}

func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil || ip == "" {
		return r.RemoteAddr
	}
	return ip
}

func writeRateLimitHeaders(w http.ResponseWriter, res ratelimit.Result) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
	if res.RetryAfter > 0 {
		secs := int64(res.RetryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		h.Set("Retry-After", strconv.FormatInt(secs, 10))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
	bytes      int64
}

func (w *loggingResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *loggingResponseWriter) Write(b []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

func (w *loggingResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
