package lb

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// HealthChecker actively probes every instance of every service on a fixed
// interval. One slow or failing probe never blocks the others: each sweep
// issues all probes concurrently and joins on completion. Probes are paced
// so a large pool does not burst against its backends.
type HealthChecker struct {
	balancer *Balancer
	client   *http.Client
	path     string
	interval time.Duration
	timeout  time.Duration
	pacer    *rate.Limiter
	log      *zap.Logger
}

type HealthCheckConfig struct {
	Path         string        // well-known health path, e.g. /health
	Interval     time.Duration // sweep period
	Timeout      time.Duration // per-probe bound
	ProbesPerSec float64       // 0 means unpaced
}

func NewHealthChecker(b *Balancer, cfg HealthCheckConfig, log *zap.Logger) *HealthChecker {
	if cfg.Path == "" {
		cfg.Path = "/health"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	pacer := rate.NewLimiter(rate.Inf, 1)
	if cfg.ProbesPerSec > 0 {
		pacer = rate.NewLimiter(rate.Limit(cfg.ProbesPerSec), int(cfg.ProbesPerSec)+1)
	}
	return &HealthChecker{
		balancer: b,
		client:   &http.Client{Timeout: cfg.Timeout},
		path:     cfg.Path,
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		pacer:    pacer,
		log:      log,
	}
}

// Run sweeps until ctx is cancelled. Each cycle issues fresh, independently
// timed probes; a hung probe from a previous cycle cannot stall the next
// because probes carry their own deadlines.
func (h *HealthChecker) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Sweep(ctx)
		}
	}
}

// Sweep probes every known instance concurrently and records the outcomes.
func (h *HealthChecker) Sweep(ctx context.Context) {
	targets := h.balancer.probeTargets()
	var wg sync.WaitGroup
	for _, t := range targets {
		if err := h.pacer.Wait(ctx); err != nil {
			return
		}
		wg.Add(1)
		go func(t probeTarget) {
			defer wg.Done()
			healthy, rtt := h.probe(ctx, t)
			h.balancer.markHealth(t.service, t.id, healthy, rtt, time.Now())
		}(t)
	}
	wg.Wait()
}

func (h *HealthChecker) probe(ctx context.Context, t probeTarget) (bool, time.Duration) {
	probeCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	u := *t.baseURL
	u.Path = joinSlash(u.Path, h.path)
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		return false, 0
	}

	start := time.Now()
	res, err := h.client.Do(req)
	rtt := time.Since(start)
	if err != nil {
		h.log.Debug("health probe failed",
			zap.String("service", t.service),
			zap.String("instance", t.id),
			zap.Error(err))
		return false, rtt
	}
	defer res.Body.Close()

	// 2xx-3xx is healthy; anything else is not.
	return res.StatusCode >= 200 && res.StatusCode < 400, rtt
}

func joinSlash(a, b string) string {
	as := len(a) > 0 && a[len(a)-1] == '/'
	bs := len(b) > 0 && b[0] == '/'
	switch {
	case as && bs:
		return a + b[1:]
	case !as && !bs:
		return a + "/" + b
	default:
		return a + b
	}
}
