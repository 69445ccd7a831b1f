// Package aggregate fans a single inbound request out to several backends
// and merges the branch results under a timeout and failure policy.
package aggregate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fabian4/gateway-dispatch-go/internal/lb"
	"github.com/fabian4/gateway-dispatch-go/internal/model"
	"github.com/fabian4/gateway-dispatch-go/internal/router"
)

const defaultBranchTimeout = 5 * time.Second

// Result is the merged outcome of one aggregation.
type Result struct {
	Success  bool              `json:"success"`
	Data     any               `json:"data"`
	Errors   map[string]string `json:"errors,omitempty"`
	Metadata Metadata          `json:"metadata"`
}

// Metadata is always populated, even when every branch succeeds.
type Metadata struct {
	TotalBranches int   `json:"totalBranches"`
	Succeeded     int   `json:"succeeded"`
	Failed        int   `json:"failed"`
	DurationMs    int64 `json:"durationMs"`
}

type compiledSpec struct {
	spec   model.AggregationSpec
	re     *regexp.Regexp // nil for static endpoint patterns
	params []string
}

// Aggregator holds the registered fan-out specs and executes them. Sub
// request targets are resolved through the load balancer so connection
// accounting covers aggregation traffic too.
type Aggregator struct {
	balancer *lb.Balancer
	client   *http.Client
	exact    map[string]*compiledSpec
	patterns []*compiledSpec
	log      *zap.Logger
}

func New(balancer *lb.Balancer, client *http.Client, log *zap.Logger) *Aggregator {
	if client == nil {
		client = &http.Client{}
	}
	return &Aggregator{
		balancer: balancer,
		client:   client,
		exact:    make(map[string]*compiledSpec),
		log:      log,
	}
}

// Register adds a spec at startup. Pattern lookup mirrors the route table:
// exact first, then registration order.
func (a *Aggregator) Register(spec model.AggregationSpec) error {
	if spec.EndpointPattern == "" || !strings.HasPrefix(spec.EndpointPattern, "/") {
		return fmt.Errorf("aggregation: endpoint pattern %q must start with '/'", spec.EndpointPattern)
	}
	if len(spec.SubRequests) == 0 {
		return fmt.Errorf("aggregation %q: at least one sub-request is required", spec.EndpointPattern)
	}
	switch spec.MergeStrategy {
	case "":
		spec.MergeStrategy = model.MergeNested
	case model.MergeNested, model.MergeShallow, model.MergeArray:
	default:
		return fmt.Errorf("aggregation %q: unknown merge strategy %q", spec.EndpointPattern, spec.MergeStrategy)
	}
	switch spec.FailureStrategy {
	case "":
		spec.FailureStrategy = model.FailPartial
	case model.FailFast, model.FailPartial, model.IgnoreErrors:
	default:
		return fmt.Errorf("aggregation %q: unknown failure strategy %q", spec.EndpointPattern, spec.FailureStrategy)
	}

	cs := &compiledSpec{spec: spec}
	if strings.Contains(spec.EndpointPattern, ":") {
		re, names, err := router.CompilePattern(spec.EndpointPattern)
		if err != nil {
			return fmt.Errorf("aggregation: %w", err)
		}
		cs.re, cs.params = re, names
	}
	if _, dup := a.exact[spec.EndpointPattern]; dup {
		return fmt.Errorf("aggregation: duplicate pattern %q", spec.EndpointPattern)
	}
	a.exact[spec.EndpointPattern] = cs
	if cs.re != nil {
		a.patterns = append(a.patterns, cs)
	}
	return nil
}

// Resolve matches a concrete path against the registered specs.
func (a *Aggregator) Resolve(path string) (*model.AggregationSpec, router.Params, bool) {
	if cs, ok := a.exact[path]; ok && cs.re == nil {
		s := cs.spec
		return &s, router.Params{}, true
	}
	for _, cs := range a.patterns {
		m := cs.re.FindStringSubmatch(path)
		if m == nil {
			continue
		}
		params := make(router.Params, len(cs.params))
		for i, name := range cs.params {
			params[name] = m[i+1]
		}
		s := cs.spec
		return &s, params, true
	}
	return nil, nil, false
}

// Specs lists the registered aggregations for the administrative surface.
func (a *Aggregator) Specs() []model.AggregationSpec {
	out := make([]model.AggregationSpec, 0, len(a.exact))
	for _, cs := range a.exact {
		out = append(out, cs.spec)
	}
	return out
}

type branchResult struct {
	index    int
	key      string
	required bool
	data     any
	err      error
}

// Aggregate runs every declared sub-request concurrently, each under its
// own timeout, and merges the outcomes. A branch exceeding its timeout is a
// failure for that branch only; siblings keep running unless the failure
// strategy is fail-fast and the branch was required.
func (a *Aggregator) Aggregate(ctx context.Context, spec *model.AggregationSpec, auth *model.AuthContext, params router.Params, query url.Values) Result {
	start := time.Now()
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = defaultBranchTimeout
	}

	aggCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]branchResult, len(spec.SubRequests))
	var wg sync.WaitGroup
	for i, sub := range spec.SubRequests {
		wg.Add(1)
		go func(i int, sub model.SubRequest) {
			defer wg.Done()
			data, err := a.callBranch(aggCtx, sub, auth, params, query, timeout)
			results[i] = branchResult{index: i, key: sub.ResponseKey, required: sub.Required, data: data, err: err}
			if err != nil && sub.Required && spec.FailureStrategy == model.FailFast {
				cancel()
			}
		}(i, sub)
	}
	wg.Wait()

	res := Result{
		Errors:   make(map[string]string),
		Metadata: Metadata{TotalBranches: len(spec.SubRequests)},
	}
	requiredFailed := false
	for _, br := range results {
		if br.err != nil {
			res.Metadata.Failed++
			if br.required {
				requiredFailed = true
			}
			if spec.FailureStrategy != model.IgnoreErrors {
				res.Errors[br.key] = br.err.Error()
			}
			continue
		}
		res.Metadata.Succeeded++
	}
	res.Metadata.DurationMs = time.Since(start).Milliseconds()

	if spec.FailureStrategy == model.FailFast && res.Metadata.Failed > 0 && requiredFailed {
		// Sibling data is discarded even when some branches already succeeded.
		res.Success = false
		res.Data = nil
		if len(res.Errors) == 0 {
			res.Errors = nil
		}
		return res
	}

	res.Success = !requiredFailed
	res.Data = merge(spec.MergeStrategy, results)
	if len(res.Errors) == 0 {
		res.Errors = nil
	}
	return res
}

func merge(strategy string, results []branchResult) any {
	switch strategy {
	case model.MergeShallow:
		out := make(map[string]any)
		for _, br := range results {
			if br.err != nil {
				continue
			}
			if obj, ok := br.data.(map[string]any); ok {
				for k, v := range obj {
					out[k] = v // last writer wins
				}
				continue
			}
			out[br.key] = br.data
		}
		return out
	case model.MergeArray:
		out := make([]any, 0, len(results))
		for _, br := range results {
			if br.err != nil {
				continue
			}
			out = append(out, br.data)
		}
		return out
	default: // nested
		out := make(map[string]any)
		for _, br := range results {
			if br.err != nil {
				continue
			}
			out[br.key] = br.data
		}
		return out
	}
}

func (a *Aggregator) callBranch(ctx context.Context, sub model.SubRequest, auth *model.AuthContext, params router.Params, query url.Values, timeout time.Duration) (any, error) {
	branchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	lease, err := a.balancer.Acquire(sub.Service)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	base := lease.BaseURL()
	u := *base
	u.Path = joinSlash(base.Path, substitute(sub.Path, params))
	u.RawQuery = substituteQuery(query, params).Encode()

	method := sub.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(branchCtx, method, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if auth != nil {
		req.Header.Set("X-Auth-Subject", auth.Subject)
	}

	res, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, sub.Path, err)
	}
	defer res.Body.Close()

	if res.StatusCode >= 400 {
		return nil, fmt.Errorf("%s %s: upstream status %d", method, sub.Path, res.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("%s %s: read body: %w", method, sub.Path, err)
	}
	var data any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &data); err != nil {
			return nil, fmt.Errorf("%s %s: decode body: %w", method, sub.Path, err)
		}
	}
	return data, nil
}

// substitute replaces :param placeholders in a path with captured values.
func substitute(path string, params router.Params) string {
	if !strings.Contains(path, ":") {
		return path
	}
	segs := strings.Split(path, "/")
	for i, seg := range segs {
		if strings.HasPrefix(seg, ":") {
			if v, ok := params[seg[1:]]; ok {
				segs[i] = v
			}
		}
	}
	return strings.Join(segs, "/")
}

// substituteQuery replaces :param placeholders in query values.
func substituteQuery(query url.Values, params router.Params) url.Values {
	out := make(url.Values, len(query))
	for k, vs := range query {
		for _, v := range vs {
			if strings.HasPrefix(v, ":") {
				if sub, ok := params[v[1:]]; ok {
					v = sub
				}
			}
			out.Add(k, v)
		}
	}
	return out
}

func joinSlash(a, b string) string {
	as := strings.HasSuffix(a, "/")
	bs := strings.HasPrefix(b, "/")
	switch {
	case as && bs:
		return a + b[1:]
	case !as && !bs:
		return a + "/" + b
	default:
		return a + b
	}
}
