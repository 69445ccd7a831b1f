// Package lb maintains per-service instance pools with health and
// connection-count metadata and selects an instance per request.
package lb

import (
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fabian4/gateway-dispatch-go/internal/model"
)

// Strategy selects how an instance is picked from a pool. Configured once
// per deployment, not per request.
type Strategy string

const (
	RoundRobin       Strategy = "round_robin"
	LeastConnections Strategy = "least_connections"
	WeightedRandom   Strategy = "weighted_random"
	Random           Strategy = "random"
)

// ParseStrategy validates a configured strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case RoundRobin, LeastConnections, WeightedRandom, Random:
		return Strategy(s), nil
	case "":
		return RoundRobin, nil
	}
	return "", fmt.Errorf("unknown load balancer strategy %q", s)
}

var (
	ErrUnknownService = errors.New("unknown service")
	ErrNoInstances    = errors.New("no instances available")
)

type instance struct {
	id      string
	baseURL *url.URL
	weight  int

	healthy     bool
	lastCheck   time.Time
	lastRTT     time.Duration
	activeConns int64
}

type pool struct {
	mu        sync.Mutex
	instances []*instance
	rr        uint64
}

// Balancer owns all service pools. Selection and release are safe under
// arbitrary concurrent invocation; each pool has its own lock so one
// service's churn does not contend with another's.
type Balancer struct {
	mu            sync.RWMutex
	pools         map[string]*pool
	strategy      Strategy
	strictHealthy bool
	log           *zap.Logger
}

func New(strategy Strategy, strictHealthy bool, log *zap.Logger) *Balancer {
	return &Balancer{
		pools:         make(map[string]*pool),
		strategy:      strategy,
		strictHealthy: strictHealthy,
		log:           log,
	}
}

// AddService registers a pool. Instances start healthy until the first
// probe says otherwise.
func (b *Balancer) AddService(name string, instances []model.Instance) {
	p := &pool{}
	for _, in := range instances {
		p.instances = append(p.instances, newInstance(in))
	}
	b.mu.Lock()
	b.pools[name] = p
	b.mu.Unlock()
}

// AddInstance grows a pool at runtime (administrative surface).
func (b *Balancer) AddInstance(service string, in model.Instance) error {
	p := b.pool(service)
	if p == nil {
		return fmt.Errorf("%w: %s", ErrUnknownService, service)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, existing := range p.instances {
		if existing.id == in.ID {
			return fmt.Errorf("instance %q already registered for %s", in.ID, service)
		}
	}
	p.instances = append(p.instances, newInstance(in))
	return nil
}

// RemoveInstance shrinks a pool at runtime (administrative surface).
func (b *Balancer) RemoveInstance(service, id string) error {
	p := b.pool(service)
	if p == nil {
		return fmt.Errorf("%w: %s", ErrUnknownService, service)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, in := range p.instances {
		if in.id == id {
			p.instances = append(p.instances[:i], p.instances[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("instance %q not found for %s", id, service)
}

func newInstance(in model.Instance) *instance {
	w := in.Weight
	if w <= 0 {
		w = 1
	}
	return &instance{id: in.ID, baseURL: in.BaseURL, weight: w, healthy: true}
}

func (b *Balancer) pool(service string) *pool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.pools[service]
}

// Lease is a selected instance whose connection slot must be released
// exactly once after the call completes. Release is idempotent per lease so
// deferred and explicit releases cannot double-count.
type Lease struct {
	b        *Balancer
	service  string
	inst     *instance
	released int32
}

func (l *Lease) ID() string        { return l.inst.id }
func (l *Lease) BaseURL() *url.URL { return l.inst.baseURL }

// Release returns the connection slot. Never drives activeConnections below 0.
func (l *Lease) Release() {
	if !atomic.CompareAndSwapInt32(&l.released, 0, 1) {
		return
	}
	p := l.b.pool(l.service)
	if p == nil {
		return
	}
	p.mu.Lock()
	if l.inst.activeConns > 0 {
		l.inst.activeConns--
	}
	p.mu.Unlock()
}

// Acquire selects an instance for the service and increments its
// activeConnections. When zero instances report healthy the selection falls
// back to the full pool (availability over strict correctness) unless
// strictHealthy is set.
func (b *Balancer) Acquire(service string) (*Lease, error) {
	p := b.pool(service)
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, service)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.instances) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoInstances, service)
	}

	candidates := make([]*instance, 0, len(p.instances))
	for _, in := range p.instances {
		if in.healthy {
			candidates = append(candidates, in)
		}
	}
	if len(candidates) == 0 {
		if b.strictHealthy {
			return nil, fmt.Errorf("%w: %s has no healthy instances", ErrNoInstances, service)
		}
		b.log.Warn("no healthy instances, falling back to full pool",
			zap.String("service", service))
		candidates = p.instances
	}

	in := b.pick(p, candidates)
	in.activeConns++
	return &Lease{b: b, service: service, inst: in}, nil
}

func (b *Balancer) pick(p *pool, candidates []*instance) *instance {
	switch b.strategy {
	case LeastConnections:
		best := candidates[0]
		for _, in := range candidates[1:] {
			if in.activeConns < best.activeConns {
				best = in
			}
		}
		return best
	case WeightedRandom:
		total := 0
		for _, in := range candidates {
			total += in.weight
		}
		n := rand.Intn(total)
		for _, in := range candidates {
			n -= in.weight
			if n < 0 {
				return in
			}
		}
		return candidates[len(candidates)-1]
	case Random:
		return candidates[rand.Intn(len(candidates))]
	default: // RoundRobin
		in := candidates[p.rr%uint64(len(candidates))]
		p.rr++
		return in
	}
}

// markHealth records a probe outcome and logs state transitions.
func (b *Balancer) markHealth(service, id string, healthy bool, rtt time.Duration, at time.Time) {
	p := b.pool(service)
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, in := range p.instances {
		if in.id != id {
			continue
		}
		if in.healthy != healthy {
			b.log.Info("instance health changed",
				zap.String("service", service),
				zap.String("instance", id),
				zap.Bool("healthy", healthy))
		}
		in.healthy = healthy
		in.lastCheck = at
		if healthy {
			in.lastRTT = rtt
		}
		return
	}
}

// probeTarget is a stable snapshot handed to the health checker so probes
// run without holding pool locks.
type probeTarget struct {
	service string
	id      string
	baseURL *url.URL
}

func (b *Balancer) probeTargets() []probeTarget {
	b.mu.RLock()
	services := make(map[string]*pool, len(b.pools))
	for name, p := range b.pools {
		services[name] = p
	}
	b.mu.RUnlock()

	var targets []probeTarget
	for name, p := range services {
		p.mu.Lock()
		for _, in := range p.instances {
			targets = append(targets, probeTarget{service: name, id: in.id, baseURL: in.baseURL})
		}
		p.mu.Unlock()
	}
	return targets
}

// InstanceStatus is the administrative view of one instance.
type InstanceStatus struct {
	ID                 string    `json:"id"`
	BaseURL            string    `json:"baseUrl"`
	Weight             int       `json:"weight"`
	Healthy            bool      `json:"healthy"`
	LastHealthCheckAt  time.Time `json:"lastHealthCheckAt"`
	LastResponseTimeMs int64     `json:"lastResponseTimeMs"`
	ActiveConnections  int64     `json:"activeConnections"`
}

// Snapshot returns per-service instance status for the administrative surface.
func (b *Balancer) Snapshot() map[string][]InstanceStatus {
	b.mu.RLock()
	names := make([]string, 0, len(b.pools))
	for name := range b.pools {
		names = append(names, name)
	}
	b.mu.RUnlock()

	out := make(map[string][]InstanceStatus, len(names))
	for _, name := range names {
		p := b.pool(name)
		if p == nil {
			continue
		}
		p.mu.Lock()
		statuses := make([]InstanceStatus, 0, len(p.instances))
		for _, in := range p.instances {
			statuses = append(statuses, InstanceStatus{
				ID:                 in.id,
				BaseURL:            in.baseURL.String(),
				Weight:             in.weight,
				Healthy:            in.healthy,
				LastHealthCheckAt:  in.lastCheck,
				LastResponseTimeMs: in.lastRTT.Milliseconds(),
				ActiveConnections:  in.activeConns,
			})
		}
		p.mu.Unlock()
		out[name] = statuses
	}
	return out
}

// HealthyCount reports healthy instances per service, for metrics.
func (b *Balancer) HealthyCount() map[string]int {
	out := make(map[string]int)
	for name, statuses := range b.Snapshot() {
		n := 0
		for _, st := range statuses {
			if st.Healthy {
				n++
			}
		}
		out[name] = n
	}
	return out
}
