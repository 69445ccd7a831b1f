package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/fabian4/gateway-dispatch-go/internal/admin"
	"github.com/fabian4/gateway-dispatch-go/internal/aggregate"
	"github.com/fabian4/gateway-dispatch-go/internal/breaker"
	cfg "github.com/fabian4/gateway-dispatch-go/internal/config"
	fwd "github.com/fabian4/gateway-dispatch-go/internal/forward"
	"github.com/fabian4/gateway-dispatch-go/internal/handler"
	"github.com/fabian4/gateway-dispatch-go/internal/lb"
	"github.com/fabian4/gateway-dispatch-go/internal/metrics"
	"github.com/fabian4/gateway-dispatch-go/internal/proxy"
	"github.com/fabian4/gateway-dispatch-go/internal/ratelimit"
	"github.com/fabian4/gateway-dispatch-go/internal/router"
	"github.com/fabian4/gateway-dispatch-go/internal/version"
)

func main() {
	configPath := flag.String("config", "./cmd/config.yaml", "path to YAML config")
	devLog := flag.Bool("dev-log", false, "human-readable log output")
	flag.Parse()

	log := newLogger(*devLog)
	defer func() { _ = log.Sync() }()

	c, err := cfg.Load(*configPath)
	if err != nil {
		log.Fatal("config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{
		Addr:     c.Redis.Addr,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
	})
	defer func() { _ = rdb.Close() }()
	if err := rdb.Ping(ctx).Err(); err != nil {
		// The limiter fails open, so a missing store degrades rather than
		// blocks startup.
		log.Warn("redis unreachable, rate limiting will fail open",
			zap.String("addr", c.Redis.Addr), zap.Error(err))
	}

	balancer := lb.New(c.Strategy, c.StrictHealthy, log)
	protos := make(map[string]string, len(c.Services))
	for name, svc := range c.Services {
		balancer.AddService(name, svc.Instances)
		protos[name] = svc.Proto
	}

	rt := router.New()
	for _, route := range c.Routes {
		if err := rt.Register(route); err != nil {
			log.Fatal("routes", zap.Error(err))
		}
	}

	brk := breaker.New(c.Breaker, log)
	limiter := ratelimit.New(rdb, log)

	agg := aggregate.New(balancer, &http.Client{}, log)
	for _, spec := range c.Aggregations {
		if err := agg.Register(spec); err != nil {
			log.Fatal("aggregations", zap.Error(err))
		}
	}

	reg := fwd.NewDefaultRegistry()
	defer reg.CloseIdle()

	policy := handler.NewPolicyStore(handler.RateLimitPolicy{
		Global:   c.RateLimits.Global,
		User:     c.RateLimits.User,
		Endpoint: c.RateLimits.Endpoint,
	})

	m := metrics.New()
	gw := &handler.Gateway{
		Routes:         rt,
		Balancer:       balancer,
		Breaker:        brk,
		Limiter:        limiter,
		Aggregator:     agg,
		Forwarder:      proxy.NewForwarder(reg, brk, protos, log),
		Auth:           &handler.StaticKeyAuthenticator{Keys: c.AuthKeys},
		Telemetry:      &handler.ZapTelemetry{Log: log},
		Metrics:        m,
		Limits:         policy,
		IncludeDetails: c.IncludeErrorDetails,
		Log:            log,
	}

	checker := lb.NewHealthChecker(balancer, lb.HealthCheckConfig{
		Path:         c.HealthCheck.Path,
		Interval:     c.HealthCheck.Interval,
		Timeout:      c.HealthCheck.Timeout,
		ProbesPerSec: c.HealthCheck.ProbesPerSec,
	}, log)
	go checker.Run(ctx)
	go reportHealthyGauge(ctx, balancer, m, c.HealthCheck.Interval)

	srv := &http.Server{
		Addr:              c.Listen,
		Handler:           gw,
		ReadTimeout:       c.Timeouts.Read,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      c.Timeouts.Write,
		IdleTimeout:       60 * time.Second,
	}
	adminSrv := &http.Server{
		Addr:              c.AdminListen,
		Handler:           admin.New(rt, balancer, brk, limiter, policy, agg, m.Handler(), log).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info("gateway-dispatch-go starting",
		zap.String("version", version.Value),
		zap.String("listen", c.Listen),
		zap.String("admin", c.AdminListen),
		zap.Int("routes", len(c.Routes)),
		zap.Int("services", len(c.Services)))

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("listen", zap.Error(err))
		}
	}()
	go func() {
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("admin listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = adminSrv.Shutdown(shutdownCtx)
}

// reportHealthyGauge mirrors the prober's view into the metrics registry on
// the same cadence as the sweeps.
func reportHealthyGauge(ctx context.Context, b *lb.Balancer, m *metrics.Metrics, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for service, n := range b.HealthyCount() {
				m.Healthy.WithLabelValues(service).Set(float64(n))
			}
		}
	}
}

func newLogger(dev bool) *zap.Logger {
	var (
		log *zap.Logger
		err error
	)
	if dev {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	return log
}
