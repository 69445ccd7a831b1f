package model

import (
	"net/url"
	"time"
)

// Route binds an inbound (method, path pattern) to an upstream service and
// its call policy. Immutable after registration.
type Route struct {
	Name              string
	Method            string
	PathPattern       string // may contain :param segments
	Service           string // Service.Name
	APIVersion        string // version prefix expected on the inbound path, e.g. "v1"
	TargetVersion     string // version prefix used on the upstream path; empty => keep APIVersion
	Timeout           time.Duration
	MaxRetries        int
	RequiresAuth      bool
	RequiresRateLimit bool
	Cacheable         bool
	RateLimit         *RateLimitConfig // optional per-route override for the endpoint scope
}

// Key is the exact-lookup key used by the route table.
func (r Route) Key() string { return r.Method + ":" + r.PathPattern }

// Service upstream pool.
type Service struct {
	Name      string
	Proto     string // "http1" | "auto"
	Instances []Instance
}

// Instance is the static part of a backend instance; runtime health and
// connection accounting live in the load balancer.
type Instance struct {
	ID      string
	BaseURL *url.URL
	Weight  int // 0 means default (1)
}

// RateLimitConfig is a sliding-window budget: at most MaxHits within Window.
type RateLimitConfig struct {
	Window  time.Duration
	MaxHits int
}

// AuthContext is produced by the auth collaborator for an authenticated request.
type AuthContext struct {
	Subject string // user or API-key owner
	Scheme  string // "bearer" | "api_key"
}

// SubRequest is one branch of a fan-out aggregation.
type SubRequest struct {
	Service     string
	Method      string
	Path        string // may contain :param segments shared with the endpoint pattern
	ResponseKey string
	Required    bool
}

// Merge strategies for aggregation results.
const (
	MergeNested  = "nested" // each branch under its ResponseKey (default)
	MergeShallow = "merge"  // shallow-merge branch objects, last writer wins
	MergeArray   = "array"  // raw values in branch-declaration order
)

// Failure strategies for aggregation branches.
const (
	FailFast     = "fail-fast"
	FailPartial  = "partial"
	IgnoreErrors = "ignore-errors"
)

// AggregationSpec declares a fan-out endpoint. Registered at startup.
type AggregationSpec struct {
	EndpointPattern string
	SubRequests     []SubRequest
	MergeStrategy   string // MergeNested | MergeShallow | MergeArray
	FailureStrategy string // FailFast | FailPartial | IgnoreErrors
	Timeout         time.Duration
}
