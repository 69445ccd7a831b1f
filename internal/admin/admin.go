// Package admin exposes the operational control surface: breaker overrides,
// instance add/remove, rate-limit resets, and read-only views of the shared
// dispatch state. It is served on its own listener, never on the request path.
package admin

import (
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/fabian4/gateway-dispatch-go/internal/aggregate"
	"github.com/fabian4/gateway-dispatch-go/internal/breaker"
	"github.com/fabian4/gateway-dispatch-go/internal/handler"
	"github.com/fabian4/gateway-dispatch-go/internal/lb"
	"github.com/fabian4/gateway-dispatch-go/internal/model"
	"github.com/fabian4/gateway-dispatch-go/internal/ratelimit"
	"github.com/fabian4/gateway-dispatch-go/internal/router"
)

type Server struct {
	routes     *router.Table
	balancer   *lb.Balancer
	breaker    *breaker.Breaker
	limiter    *ratelimit.Limiter
	policy     *handler.PolicyStore
	aggregator *aggregate.Aggregator
	metrics    http.Handler
	log        *zap.Logger
}

func New(routes *router.Table, balancer *lb.Balancer, brk *breaker.Breaker, limiter *ratelimit.Limiter, policy *handler.PolicyStore, agg *aggregate.Aggregator, metricsHandler http.Handler, log *zap.Logger) *Server {
	return &Server{
		routes:     routes,
		balancer:   balancer,
		breaker:    brk,
		limiter:    limiter,
		policy:     policy,
		aggregator: agg,
		metrics:    metricsHandler,
		log:        log,
	}
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}

	r.HandleFunc("/admin/routes", s.listRoutes).Methods(http.MethodGet)
	r.HandleFunc("/admin/services", s.listServices).Methods(http.MethodGet)
	r.HandleFunc("/admin/services/{service}/instances", s.addInstance).Methods(http.MethodPost)
	r.HandleFunc("/admin/services/{service}/instances/{id}", s.removeInstance).Methods(http.MethodDelete)
	r.HandleFunc("/admin/breakers", s.listBreakers).Methods(http.MethodGet)
	r.HandleFunc("/admin/breakers/{service}/reset", s.breakerOp(s.breaker.Reset)).Methods(http.MethodPost)
	r.HandleFunc("/admin/breakers/{service}/force-open", s.breakerOp(s.breaker.ForceOpen)).Methods(http.MethodPost)
	r.HandleFunc("/admin/breakers/{service}/force-close", s.breakerOp(s.breaker.ForceClose)).Methods(http.MethodPost)
	r.HandleFunc("/admin/ratelimit/reset", s.resetRateLimit).Methods(http.MethodPost)
	r.HandleFunc("/admin/ratelimit/config", s.getRateLimitConfig).Methods(http.MethodGet)
	r.HandleFunc("/admin/ratelimit/config", s.setRateLimitConfig).Methods(http.MethodPut)
	r.HandleFunc("/admin/aggregations", s.listAggregations).Methods(http.MethodGet)

	return r
}

type routeView struct {
	Name              string `json:"name"`
	Method            string `json:"method"`
	PathPattern       string `json:"pathPattern"`
	Service           string `json:"service"`
	APIVersion        string `json:"apiVersion,omitempty"`
	TargetVersion     string `json:"targetVersion,omitempty"`
	TimeoutMs         int64  `json:"timeoutMs"`
	RequiresAuth      bool   `json:"requiresAuth"`
	RequiresRateLimit bool   `json:"requiresRateLimit"`
	Cacheable         bool   `json:"cacheable"`
}

func (s *Server) listRoutes(w http.ResponseWriter, _ *http.Request) {
	routes := s.routes.Routes()
	views := make([]routeView, 0, len(routes))
	for _, rt := range routes {
		views = append(views, routeView{
			Name:              rt.Name,
			Method:            rt.Method,
			PathPattern:       rt.PathPattern,
			Service:           rt.Service,
			APIVersion:        rt.APIVersion,
			TargetVersion:     rt.TargetVersion,
			TimeoutMs:         rt.Timeout.Milliseconds(),
			RequiresAuth:      rt.RequiresAuth,
			RequiresRateLimit: rt.RequiresRateLimit,
			Cacheable:         rt.Cacheable,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) listServices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.balancer.Snapshot())
}

type addInstanceRequest struct {
	ID     string `json:"id"`
	URL    string `json:"url"`
	Weight int    `json:"weight"`
}

func (s *Server) addInstance(w http.ResponseWriter, r *http.Request) {
	service := mux.Vars(r)["service"]

	var body addInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.ID == "" || body.URL == "" {
		writeError(w, http.StatusBadRequest, "id and url are required")
		return
	}
	u, err := url.Parse(body.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		writeError(w, http.StatusBadRequest, "url must be an http(s) URL with a host")
		return
	}

	if err := s.balancer.AddInstance(service, model.Instance{ID: body.ID, BaseURL: u, Weight: body.Weight}); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.log.Info("instance added",
		zap.String("service", service),
		zap.String("instance", body.ID))
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) removeInstance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.balancer.RemoveInstance(vars["service"], vars["id"]); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.log.Info("instance removed",
		zap.String("service", vars["service"]),
		zap.String("instance", vars["id"]))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listBreakers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.breaker.Snapshot())
}

func (s *Server) breakerOp(op func(string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		service := mux.Vars(r)["service"]
		op(service)
		writeJSON(w, http.StatusOK, map[string]any{
			"service": service,
			"state":   s.breaker.StateOf(service),
		})
	}
}

type resetRateLimitRequest struct {
	Scope string `json:"scope"`
	Key   string `json:"key"`
}

func (s *Server) resetRateLimit(w http.ResponseWriter, r *http.Request) {
	var body resetRateLimitRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	switch ratelimit.Scope(body.Scope) {
	case ratelimit.ScopeGlobal, ratelimit.ScopeUser, ratelimit.ScopeEndpoint:
	default:
		writeError(w, http.StatusBadRequest, "scope must be global, user, or endpoint")
		return
	}
	if body.Key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	if err := s.limiter.Reset(r.Context(), ratelimit.Scope(body.Scope), body.Key); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getRateLimitConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.policy.Snapshot())
}

type setRateLimitConfigRequest struct {
	Scope   string `json:"scope"`
	Window  string `json:"window"` // duration, e.g. "1m"
	MaxHits int    `json:"maxHits"`
}

// setRateLimitConfig replaces one scope's budget in memory. The change does
// not survive a restart.
func (s *Server) setRateLimitConfig(w http.ResponseWriter, r *http.Request) {
	var body setRateLimitConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	window, err := time.ParseDuration(body.Window)
	if err != nil || window <= 0 {
		writeError(w, http.StatusBadRequest, "window must be a positive duration")
		return
	}
	if body.MaxHits <= 0 {
		writeError(w, http.StatusBadRequest, "maxHits must be positive")
		return
	}
	cfg := model.RateLimitConfig{Window: window, MaxHits: body.MaxHits}
	if err := s.policy.SetScope(ratelimit.Scope(body.Scope), cfg); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.log.Info("rate limit config updated",
		zap.String("scope", body.Scope),
		zap.Duration("window", window),
		zap.Int("maxHits", body.MaxHits))
	writeJSON(w, http.StatusOK, s.policy.Snapshot())
}

type aggregationView struct {
	EndpointPattern string             `json:"endpointPattern"`
	MergeStrategy   string             `json:"mergeStrategy"`
	FailureStrategy string             `json:"failureStrategy"`
	TimeoutMs       int64              `json:"timeoutMs"`
	SubRequests     []model.SubRequest `json:"subRequests"`
}

func (s *Server) listAggregations(w http.ResponseWriter, _ *http.Request) {
	specs := s.aggregator.Specs()
	views := make([]aggregationView, 0, len(specs))
	for _, sp := range specs {
		views = append(views, aggregationView{
			EndpointPattern: sp.EndpointPattern,
			MergeStrategy:   sp.MergeStrategy,
			FailureStrategy: sp.FailureStrategy,
			TimeoutMs:       sp.Timeout.Milliseconds(),
			SubRequests:     sp.SubRequests,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
