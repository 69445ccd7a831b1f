// Package breaker implements a per-service three-state circuit breaker.
// Calls to a failing service are cut off once a failure threshold is
// reached and re-admitted with a single probe after a cooldown.
package breaker

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// State of one service's breaker.
type State string

const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

// ErrorClass categorizes upstream failures. Only transport classes count
// toward the threshold; application errors never trip the breaker.
type ErrorClass string

const (
	ClassTimeout     ErrorClass = "timeout"
	ClassConnRefused ErrorClass = "connection_refused"
	ClassDNS         ErrorClass = "dns"
	ClassUnreachable ErrorClass = "unreachable"
	ClassApplication ErrorClass = "application"
)

// Config tunes every breaker managed by one Breaker.
type Config struct {
	Enabled          bool
	FailureThreshold int
	OpenDuration     time.Duration
	MonitoringWindow time.Duration
}

// DefaultConfig mirrors common production settings.
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		FailureThreshold: 5,
		OpenDuration:     30 * time.Second,
		MonitoringWindow: 2 * time.Minute,
	}
}

type record struct {
	mu            sync.Mutex
	state         State
	failureCount  int
	successCount  int
	totalRequests int
	lastFailureAt time.Time
	lastSuccessAt time.Time
	nextAttemptAt time.Time
	probeInFlight bool
}

// Breaker owns one record per service name. Records are created lazily on
// first use. Each record has its own lock, so the request hot path only
// contends per service.
type Breaker struct {
	mu       sync.RWMutex
	records  map[string]*record
	cfg      Config
	expected map[ErrorClass]struct{}
	log      *zap.Logger
	now      func() time.Time
}

func New(cfg Config, log *zap.Logger) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = DefaultConfig().OpenDuration
	}
	if cfg.MonitoringWindow <= 0 {
		cfg.MonitoringWindow = DefaultConfig().MonitoringWindow
	}
	return &Breaker{
		records: make(map[string]*record),
		cfg:     cfg,
		expected: map[ErrorClass]struct{}{
			ClassTimeout:     {},
			ClassConnRefused: {},
			ClassDNS:         {},
			ClassUnreachable: {},
		},
		log: log,
		now: time.Now,
	}
}

func (b *Breaker) record(service string) *record {
	b.mu.RLock()
	rec, ok := b.records[service]
	b.mu.RUnlock()
	if ok {
		return rec
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if rec, ok = b.records[service]; ok {
		return rec
	}
	rec = &record{state: Closed}
	b.records[service] = rec
	return rec
}

// CanExecute reports whether a call to the service may be attempted. The
// OPEN to HALF_OPEN transition happens lazily here once the cooldown has
// elapsed; HALF_OPEN admits a single in-flight probe at a time.
func (b *Breaker) CanExecute(service string) bool {
	if !b.cfg.Enabled {
		return true
	}
	rec := b.record(service)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	now := b.now()
	b.maybeResetWindow(rec, now)

	switch rec.state {
	case Closed:
		return true
	case Open:
		if now.Before(rec.nextAttemptAt) {
			return false
		}
		b.transition(service, rec, HalfOpen)
		rec.probeInFlight = true
		return true
	default: // HalfOpen
		if rec.probeInFlight {
			return false
		}
		rec.probeInFlight = true
		return true
	}
}

// RecordSuccess notes a completed call. In HALF_OPEN one success closes the
// breaker and resets its counters.
func (b *Breaker) RecordSuccess(service string) {
	if !b.cfg.Enabled {
		return
	}
	rec := b.record(service)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	rec.totalRequests++
	rec.successCount++
	rec.lastSuccessAt = b.now()
	if rec.state == HalfOpen {
		b.toClosed(service, rec)
	}
}

// RecordFailure notes a failed call. Only expected transport classes count
// toward the threshold; a business 4xx keeps the breaker untouched apart
// from the request total.
func (b *Breaker) RecordFailure(service string, class ErrorClass) {
	if !b.cfg.Enabled {
		return
	}
	rec := b.record(service)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	rec.totalRequests++
	if _, counted := b.expected[class]; !counted {
		// An application error still releases the half-open probe slot.
		rec.probeInFlight = false
		return
	}

	rec.failureCount++
	rec.lastFailureAt = b.now()
	switch {
	case rec.state == HalfOpen:
		b.toOpen(service, rec)
	case rec.state == Closed && rec.failureCount >= b.cfg.FailureThreshold:
		b.toOpen(service, rec)
	}
}

// maybeResetWindow bounds counter growth: once both the last failure and
// last success fall outside the monitoring window, the counters start over.
func (b *Breaker) maybeResetWindow(rec *record, now time.Time) {
	if rec.lastFailureAt.IsZero() && rec.lastSuccessAt.IsZero() {
		return
	}
	cutoff := now.Add(-b.cfg.MonitoringWindow)
	if rec.lastFailureAt.After(cutoff) || rec.lastSuccessAt.After(cutoff) {
		return
	}
	rec.failureCount = 0
	rec.successCount = 0
	rec.totalRequests = 0
}

func (b *Breaker) toOpen(service string, rec *record) {
	rec.nextAttemptAt = b.now().Add(b.cfg.OpenDuration)
	rec.probeInFlight = false
	b.transition(service, rec, Open)
}

func (b *Breaker) toClosed(service string, rec *record) {
	rec.failureCount = 0
	rec.successCount = 0
	rec.totalRequests = 0
	rec.nextAttemptAt = time.Time{}
	rec.probeInFlight = false
	b.transition(service, rec, Closed)
}

func (b *Breaker) transition(service string, rec *record, to State) {
	if rec.state == to {
		return
	}
	b.log.Info("circuit breaker transition",
		zap.String("service", service),
		zap.String("from", string(rec.state)),
		zap.String("to", string(to)))
	rec.state = to
}

// ForceOpen is an idempotent operational override: the breaker opens and
// stays open for a full cooldown from now.
func (b *Breaker) ForceOpen(service string) {
	rec := b.record(service)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.nextAttemptAt = b.now().Add(b.cfg.OpenDuration)
	rec.probeInFlight = false
	b.transition(service, rec, Open)
}

// ForceClose is an idempotent operational override back to CLOSED.
func (b *Breaker) ForceClose(service string) {
	rec := b.record(service)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	b.toClosed(service, rec)
}

// Reset drops the service's record entirely; the next call starts fresh.
func (b *Breaker) Reset(service string) {
	b.mu.Lock()
	delete(b.records, service)
	b.mu.Unlock()
}

// RecordStatus is the administrative view of one service's breaker.
type RecordStatus struct {
	Service       string    `json:"service"`
	State         State     `json:"state"`
	FailureCount  int       `json:"failureCount"`
	SuccessCount  int       `json:"successCount"`
	TotalRequests int       `json:"totalRequests"`
	FailureRate   float64   `json:"failureRate"`
	LastFailureAt time.Time `json:"lastFailureAt,omitempty"`
	LastSuccessAt time.Time `json:"lastSuccessAt,omitempty"`
	NextAttemptAt time.Time `json:"nextAttemptAt,omitempty"`
}

// Snapshot returns the state of every known breaker.
func (b *Breaker) Snapshot() []RecordStatus {
	b.mu.RLock()
	names := make([]string, 0, len(b.records))
	for name := range b.records {
		names = append(names, name)
	}
	b.mu.RUnlock()

	out := make([]RecordStatus, 0, len(names))
	for _, name := range names {
		rec := b.record(name)
		rec.mu.Lock()
		st := RecordStatus{
			Service:       name,
			State:         rec.state,
			FailureCount:  rec.failureCount,
			SuccessCount:  rec.successCount,
			TotalRequests: rec.totalRequests,
			LastFailureAt: rec.lastFailureAt,
			LastSuccessAt: rec.lastSuccessAt,
			NextAttemptAt: rec.nextAttemptAt,
		}
		if rec.totalRequests > 0 {
			st.FailureRate = float64(rec.failureCount) / float64(rec.totalRequests)
		}
		rec.mu.Unlock()
		out = append(out, st)
	}
	return out
}

// StateOf reports one service's current state, for metrics.
func (b *Breaker) StateOf(service string) State {
	rec := b.record(service)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.state
}
